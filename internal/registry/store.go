package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoChange is returned by an UpdateFunc to leave the stored record as is.
var ErrNoChange = errors.New("registry: no change")

// UpdateFunc receives the current record, or nil when the name is absent, and
// returns the record to store. Returning a nil record deletes the entry.
type UpdateFunc func(current *Record) (*Record, error)

// Store persists records keyed by service name.
type Store interface {
	// Get returns ErrServiceNotFound when the name is absent.
	Get(ctx context.Context, name string) (*Record, error)
	// List returns all records ordered by name.
	List(ctx context.Context) ([]Record, error)
	// Update applies fn atomically with respect to every other Update of the
	// same name, including those issued by other processes.
	Update(ctx context.Context, name string, fn UpdateFunc) error
	Close() error
}

const (
	DriverSQLite = "sqlite"
	DriverEtcd   = "etcd"
	DriverMemory = "memory"
)

type StoreOptions struct {
	Driver        string
	Path          string
	EtcdEndpoints []string
	EtcdPrefix    string
	DialTimeout   time.Duration
}

// OpenStore builds the store selected by opts.Driver.
func OpenStore(opts StoreOptions) (Store, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(opts.Path)
	case DriverEtcd:
		return NewEtcdStore(opts.EtcdEndpoints, opts.EtcdPrefix, opts.DialTimeout)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown registry driver %q", opts.Driver)
	}
}
