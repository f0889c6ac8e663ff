package registry

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrServiceNotFound    = errors.New("service not found")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrInvalidRecord      = errors.New("invalid service record")
)

// Record is the persisted entry for one service.
type Record struct {
	Name            string     `json:"-"`
	URL             string     `json:"url"`
	Healthy         bool       `json:"healthy"`
	RegisteredAt    time.Time  `json:"registeredAt"`
	LastHealthCheck *time.Time `json:"lastHealthCheck,omitempty"`
	PID             int        `json:"pid"`
}

// ServiceInfo is what ListServices exposes about a record.
type ServiceInfo struct {
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
	PID     int    `json:"pid"`
}

func (r Record) Info() ServiceInfo {
	return ServiceInfo{URL: r.URL, Healthy: r.Healthy, PID: r.PID}
}

func (r Record) clone() Record {
	c := r
	if r.LastHealthCheck != nil {
		t := *r.LastHealthCheck
		c.LastHealthCheck = &t
	}
	return c
}

func validateRecord(name, rawURL string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRecord)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url %q must use http or https", ErrInvalidRecord, rawURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url %q has no host", ErrInvalidRecord, rawURL)
	}

	return nil
}
