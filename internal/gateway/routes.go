package gateway

import (
	"cmp"
	"slices"
	"strings"
)

// Route forwards every path under Prefix to Service, replacing Match with
// Replace in the forwarded path.
type Route struct {
	Prefix  string `mapstructure:"prefix" json:"prefix"`
	Service string `mapstructure:"service" json:"service"`
	Match   string `mapstructure:"match" json:"match,omitempty"`
	Replace string `mapstructure:"replace" json:"replace,omitempty"`
}

func DefaultRoutes() []Route {
	return []Route{
		{Prefix: "/api/users", Service: "user-service", Match: "/api/users", Replace: "/users"},
		{Prefix: "/api/auth", Service: "user-service", Match: "/api/auth", Replace: "/auth"},
		{Prefix: "/api/items", Service: "item-service", Match: "/api/items", Replace: "/items"},
		{Prefix: "/api/lists", Service: "list-service", Match: "/api/lists", Replace: "/lists"},
	}
}

// Rewrite returns the path to send upstream. Only a leading Match is
// replaced. An empty Match forwards the path unchanged.
func (r Route) Rewrite(path string) string {
	if r.Match == "" || !strings.HasPrefix(path, r.Match) {
		return path
	}
	return r.Replace + strings.TrimPrefix(path, r.Match)
}

func (r Route) matches(path string) bool {
	if !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	// "/api/items" must not capture "/api/itemsets"
	rest := path[len(r.Prefix):]
	return rest == "" || rest[0] == '/' || strings.HasSuffix(r.Prefix, "/")
}

// RouteTable resolves a request path to the route with the longest matching
// prefix.
type RouteTable struct {
	routes []Route
}

func NewRouteTable(routes []Route) *RouteTable {
	sorted := slices.Clone(routes)
	slices.SortStableFunc(sorted, func(a, b Route) int {
		return cmp.Compare(len(b.Prefix), len(a.Prefix))
	})
	return &RouteTable{routes: sorted}
}

func (t *RouteTable) Lookup(path string) (Route, bool) {
	for _, r := range t.routes {
		if r.matches(path) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns the table in lookup order.
func (t *RouteTable) Routes() []Route {
	return slices.Clone(t.routes)
}
