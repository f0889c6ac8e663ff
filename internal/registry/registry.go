package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/benbjohnson/clock"

	"github.com/angeloszaimis/service-mesh/pkg/logger"
)

// Registry is the service locator used by domain services, the health monitor
// and the gateway. Every mutation goes through Store.Update, so it is safe to
// share one store between several processes.
type Registry struct {
	store  Store
	clock  clock.Clock
	pid    int
	logger *slog.Logger
}

type Option func(*Registry)

func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithPID overrides the owner identity stamped on registered records.
func WithPID(pid int) Option {
	return func(r *Registry) { r.pid = pid }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger.WithComponent(l, "registry") }
}

func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		clock:  clock.New(),
		pid:    os.Getpid(),
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) PID() int {
	return r.pid
}

// Register upserts name as healthy and owned by this process. It returns once
// the store has committed the record.
func (r *Registry) Register(ctx context.Context, name, rawURL string) (Record, error) {
	if err := validateRecord(name, rawURL); err != nil {
		return Record{}, err
	}

	rec := Record{
		Name:         name,
		URL:          rawURL,
		Healthy:      true,
		RegisteredAt: r.clock.Now().UTC(),
		PID:          r.pid,
	}

	err := r.store.Update(ctx, name, func(*Record) (*Record, error) {
		return &rec, nil
	})
	if err != nil {
		return Record{}, fmt.Errorf("register %s: %w", name, err)
	}

	r.logger.Info("service registered", "service", name, "url", rawURL, "pid", r.pid)
	return rec, nil
}

// Unregister removes name. Removing an absent name is not an error.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	removed := false
	err := r.store.Update(ctx, name, func(current *Record) (*Record, error) {
		removed = current != nil
		if !removed {
			return nil, ErrNoChange
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("unregister %s: %w", name, err)
	}

	if removed {
		r.logger.Info("service unregistered", "service", name)
	}
	return nil
}

// Discover returns the record for name if it exists and is healthy.
func (r *Registry) Discover(ctx context.Context, name string) (Record, error) {
	rec, err := r.store.Get(ctx, name)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", name, err)
	}
	if !rec.Healthy {
		return Record{}, fmt.Errorf("%s: %w", name, ErrServiceUnavailable)
	}
	return *rec, nil
}

func (r *Registry) ListServices(ctx context.Context) (map[string]ServiceInfo, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]ServiceInfo, len(recs))
	for _, rec := range recs {
		out[rec.Name] = rec.Info()
	}
	return out, nil
}

// Records returns the full records ordered by name.
func (r *Registry) Records(ctx context.Context) ([]Record, error) {
	return r.store.List(ctx)
}

// UpdateHealth sets the health flag of name and stamps LastHealthCheck. It
// reports whether the flag changed. An absent name is left absent.
func (r *Registry) UpdateHealth(ctx context.Context, name string, healthy bool) (bool, error) {
	changed := false
	now := r.clock.Now().UTC()

	err := r.store.Update(ctx, name, func(current *Record) (*Record, error) {
		if current == nil {
			return nil, ErrNoChange
		}
		changed = current.Healthy != healthy
		current.Healthy = healthy
		current.LastHealthCheck = &now
		return current, nil
	})
	if err != nil {
		return false, fmt.Errorf("update health of %s: %w", name, err)
	}
	return changed, nil
}

// ReleaseOwned removes every record registered by this process and returns
// how many were removed. A record re-registered by another process between
// listing and removal is left alone.
func (r *Registry) ReleaseOwned(ctx context.Context) (int, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, rec := range recs {
		if rec.PID != r.pid {
			continue
		}

		removed := false
		err := r.store.Update(ctx, rec.Name, func(current *Record) (*Record, error) {
			removed = current != nil && current.PID == r.pid
			if !removed {
				return nil, ErrNoChange
			}
			return nil, nil
		})
		if err != nil {
			return released, fmt.Errorf("release %s: %w", rec.Name, err)
		}
		if removed {
			released++
		}
	}

	if released > 0 {
		r.logger.Info("released owned services", "count", released, "pid", r.pid)
	}
	return released, nil
}

func (r *Registry) Close() error {
	return r.store.Close()
}
