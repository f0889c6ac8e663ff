package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Aggregate is a gateway endpoint whose response merges the JSON answers of
// several services.
type Aggregate struct {
	Path string `mapstructure:"path"`
	// RequiredQuery names a query parameter the caller must supply. The
	// whole query string is forwarded to every source.
	RequiredQuery string            `mapstructure:"required_query"`
	Sources       []AggregateSource `mapstructure:"sources"`
}

type AggregateSource struct {
	Key     string `mapstructure:"key"`
	Service string `mapstructure:"service"`
	Path    string `mapstructure:"path"`
}

func DefaultAggregates() []Aggregate {
	return []Aggregate{
		{
			Path: "/dashboard",
			Sources: []AggregateSource{
				{Key: "users", Service: "user-service", Path: "/users"},
				{Key: "items", Service: "item-service", Path: "/items"},
				{Key: "lists", Service: "list-service", Path: "/lists"},
			},
		},
		{
			Path:          "/search",
			RequiredQuery: "q",
			Sources: []AggregateSource{
				{Key: "items", Service: "item-service", Path: "/search"},
				{Key: "lists", Service: "list-service", Path: "/search"},
			},
		},
	}
}

type sourceError struct {
	service string
	err     error
}

func (e *sourceError) Error() string { return e.service + ": " + e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

func (g *Gateway) serveAggregate(agg Aggregate, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", nil)
		return
	}
	if agg.RequiredQuery != "" && r.URL.Query().Get(agg.RequiredQuery) == "" {
		writeError(w, http.StatusBadRequest, "query parameter "+agg.RequiredQuery+" is required", "", nil)
		return
	}

	results := make([]json.RawMessage, len(agg.Sources))
	eg, ctx := errgroup.WithContext(r.Context())
	for i, src := range agg.Sources {
		eg.Go(func() error {
			body, err := g.fetch(ctx, src.Service, src.Path, r.URL.RawQuery)
			if err != nil {
				return &sourceError{service: src.Service, err: err}
			}
			results[i] = body
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		var se *sourceError
		if errors.As(err, &se) {
			writeError(w, http.StatusServiceUnavailable, se.service+" unavailable", se.service, se.err)
			return
		}
		writeError(w, http.StatusServiceUnavailable, "service unavailable", "", err)
		return
	}

	data := make(map[string]json.RawMessage, len(agg.Sources))
	for i, src := range agg.Sources {
		data[src.Key] = results[i]
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}
