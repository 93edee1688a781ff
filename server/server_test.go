package main

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cajax/edgeproxy/appConfig"
	"github.com/cajax/edgeproxy/edge"
)

func TestServerConfigFromDefaults(t *testing.T) {
	config, err := appConfig.Parse(nil, func(string) string { return "http://backend:8080/base" })
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	cfg := serverConfig(config, zap.NewNop(), reg)

	assert.Equal(t, ":80", cfg.Listen)
	assert.Equal(t, "/data/htdocs", cfg.StaticRoot)
	assert.Equal(t, []string{"index.html", "index.htm"}, cfg.Index)
	assert.Equal(t, "/usr/share/nginx/html", cfg.ErrorRoot)
	assert.Equal(t, "/50x.html", cfg.ErrorPath)
	assert.Equal(t, []int{500, 502, 503, 504}, cfg.ErrorCodes)
	assert.Equal(t, "/api/", cfg.ProxyPrefix)
	assert.Equal(t, "http://backend:8080/base", cfg.ProxyTarget.String())
	assert.Equal(t, 10*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 60*time.Second, cfg.UpstreamHeaderTimeout)
	assert.Same(t, reg, cfg.Registerer)

	_, err = edge.NewServer(cfg)
	assert.NoError(t, err)
}

func TestRunFailsWithoutProxyURL(t *testing.T) {
	t.Setenv("API_PROXY_URL", "")
	configPath = ""

	err := run(rootCmd, nil)
	assert.ErrorIs(t, err, appConfig.ErrMissingProxyURL)
}
