package gateway

import (
	"sync"
	"time"
)

const ewmaAlpha = 0.2

// upstream tracks in-flight calls and latency for one backend service.
type upstream struct {
	mutex            sync.Mutex
	active           int
	ewmaResponseTime time.Duration
	hasEWMA          bool
}

type UpstreamStats struct {
	ActiveRequests int           `json:"active_requests"`
	EWMAResponse   time.Duration `json:"ewma_response"`
}

func (u *upstream) begin() {
	u.mutex.Lock()
	u.active++
	u.mutex.Unlock()
}

// end closes a call started with begin. Latency is folded into the moving
// average only for calls that produced a response.
func (u *upstream) end(duration time.Duration, answered bool) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.active > 0 {
		u.active--
	}
	if !answered {
		return
	}

	if !u.hasEWMA {
		u.ewmaResponseTime = duration
		u.hasEWMA = true
		return
	}
	// ewma = (1 - α) * ewma + α * latest
	u.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(u.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

func (u *upstream) stats() UpstreamStats {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return UpstreamStats{ActiveRequests: u.active, EWMAResponse: u.ewmaResponseTime}
}

type upstreams struct {
	mutex  sync.RWMutex
	byName map[string]*upstream
}

func newUpstreams() *upstreams {
	return &upstreams{byName: make(map[string]*upstream)}
}

func (s *upstreams) get(name string) *upstream {
	s.mutex.RLock()
	u, ok := s.byName[name]
	s.mutex.RUnlock()
	if ok {
		return u
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if u, ok := s.byName[name]; ok {
		return u
	}
	u = &upstream{}
	s.byName[name] = u
	return u
}

func (s *upstreams) stats() map[string]UpstreamStats {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make(map[string]UpstreamStats, len(s.byName))
	for name, u := range s.byName {
		out[name] = u.stats()
	}
	return out
}
