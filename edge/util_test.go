package edge

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Private")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("X-Private", "secret")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Upgrade", "websocket")
	h.Set("X-Kept", "yes")

	removeHopHeaders(h)

	assert.Equal(t, http.Header{"X-Kept": {"yes"}}, h)
}

func TestHeaderContains(t *testing.T) {
	assert.True(t, headerContains([]string{"keep-alive, Upgrade"}, "upgrade"))
	assert.True(t, headerContains([]string{"close", "upgrade"}, "Upgrade"))
	assert.False(t, headerContains([]string{"upgrades"}, "upgrade"))
	assert.False(t, headerContains(nil, "upgrade"))
}

func TestRewritePath(t *testing.T) {
	tests := []struct {
		target  string
		request string
		want    string
	}{
		{"http://up", "/api/users", "/users"},
		{"http://up/", "/api/", "/"},
		{"http://up/v1", "/api/users?x=1", "/v1/users"},
		{"http://up/v1/", "/api/a/b", "/v1/a/b"},
		{"http://up", "/api/a%2Fb", "/a%2Fb"},
	}

	for _, tt := range tests {
		t.Run(tt.target+tt.request, func(t *testing.T) {
			target, err := url.Parse(tt.target)
			require.NoError(t, err)
			u, err := url.Parse(tt.request)
			require.NoError(t, err)

			p := &HTTPProxy{Target: target, Prefix: "/api/"}
			path, rawPath := p.rewritePath(u)

			got := (&url.URL{Path: path, RawPath: rawPath}).EscapedPath()
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpstreamAddr(t *testing.T) {
	tests := map[string]string{
		"http://api.local":       "api.local:80",
		"https://api.local":      "api.local:443",
		"http://api.local:8080":  "api.local:8080",
		"http://[::1]/base":      "[::1]:80",
		"https://10.0.0.1:9443/": "10.0.0.1:9443",
	}

	for raw, want := range tests {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, want, upstreamAddr(u), raw)
	}
}

func TestIsClosedErr(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	_, err = ln.Accept()
	require.Error(t, err)
	assert.True(t, isClosedErr(err))
	assert.True(t, isClosedErr(multierr.Combine(io.EOF, err)))

	assert.False(t, isClosedErr(io.ErrUnexpectedEOF))
	assert.False(t, isClosedErr(errors.New("use of closed pipe, spelled out")))
}
