package edge

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cajax/edgeproxy/proto"
)

func TestRouteTableMatch(t *testing.T) {
	table := newRouteTable()
	nop := http.NotFoundHandler()

	table.AddPrefix("/", proto.Static, nop)
	table.AddPrefix("/api/", proto.Proxy, nop)
	table.AddExact("/50x.html", proto.Static, nop)
	table.AddPrefix("/api/v2/", proto.Static, nop)

	tests := []struct {
		path    string
		pattern string
		kind    proto.MatchKind
	}{
		{"/50x.html", "/50x.html", proto.Exact},
		{"/50x.html/x", "/", proto.Prefix},
		{"/api/users", "/api/", proto.Prefix},
		{"/api/", "/api/", proto.Prefix},
		{"/api", "/", proto.Prefix},
		{"/api/v2/x", "/api/v2/", proto.Prefix},
		{"/index.html", "/", proto.Prefix},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r, ok := table.Match(tt.path)
			require.True(t, ok)
			assert.Equal(t, tt.pattern, r.pattern)
			assert.Equal(t, tt.kind, r.kind)
		})
	}
}

func TestRouteTableFirstAddedWinsOnTie(t *testing.T) {
	table := newRouteTable()
	table.AddPrefix("/a/", proto.Proxy, http.NotFoundHandler())
	table.AddPrefix("/a/", proto.Static, http.NotFoundHandler())

	r, ok := table.Match("/a/b")
	require.True(t, ok)
	assert.Equal(t, proto.Proxy, r.action)
}

func TestRouteTableNoMatch(t *testing.T) {
	table := newRouteTable()
	table.AddExact("/only", proto.Static, http.NotFoundHandler())

	_, ok := table.Match("/other")
	assert.False(t, ok)
}
