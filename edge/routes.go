package edge

import (
	"net/http"
	"strings"

	"github.com/cajax/edgeproxy/proto"
)

type route struct {
	kind    proto.MatchKind
	pattern string
	action  proto.Action
	handler http.Handler
}

func (r *route) matches(path string) bool {
	switch r.kind {
	case proto.Exact:
		return path == r.pattern
	case proto.Prefix:
		return strings.HasPrefix(path, r.pattern)
	default:
		return false
	}
}

// routeTable selects exactly one route per request path. Exact routes are
// consulted first, in insertion order, then prefix routes from the longest
// pattern to the shortest. The table is filled once by NewServer and only
// read afterwards, so it needs no locking.
type routeTable struct {
	exact  []*route
	prefix []*route
}

func newRouteTable() *routeTable {
	return &routeTable{}
}

// AddExact adds a route matching path exactly.
func (t *routeTable) AddExact(path string, action proto.Action, h http.Handler) {
	t.exact = append(t.exact, &route{kind: proto.Exact, pattern: path, action: action, handler: h})
}

// AddPrefix adds a route matching every path starting with prefix. Among
// prefixes of equal length the one added first wins.
func (t *routeTable) AddPrefix(prefix string, action proto.Action, h http.Handler) {
	r := &route{kind: proto.Prefix, pattern: prefix, action: action, handler: h}

	i := len(t.prefix)
	for i > 0 && len(t.prefix[i-1].pattern) < len(prefix) {
		i--
	}

	t.prefix = append(t.prefix, nil)
	copy(t.prefix[i+1:], t.prefix[i:])
	t.prefix[i] = r
}

// Match returns the first route matching path.
func (t *routeTable) Match(path string) (*route, bool) {
	for _, r := range t.exact {
		if r.matches(path) {
			return r, true
		}
	}

	for _, r := range t.prefix {
		if r.matches(path) {
			return r, true
		}
	}

	return nil, false
}
