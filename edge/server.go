// Package edge implements the edge listener: a single HTTP/1.1 endpoint that
// serves static files, forwards a path prefix to an upstream (including
// protocol upgrades such as WebSocket) and replaces selected error responses
// with a static error document.
package edge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cajax/edgeproxy/proto"
)

var (
	errNoProxyTarget = errors.New("no proxy target configured")
	errNoStaticRoot  = errors.New("no static root configured")
)

// knownMethods are the methods the listener dispatches; anything else is
// answered with 501.
var knownMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodPatch:   true,
}

// Server is the edge listener. It routes every request to exactly one of
// the static roots or the upstream proxy.
type Server struct {
	listen            string
	readHeaderTimeout time.Duration
	idleTimeout       time.Duration
	shutdownTimeout   time.Duration

	routes  *routeTable
	errors  *ErrorPages
	proxy   *HTTPProxy
	monitor *UpstreamMonitor

	// closeTunnels ends every upgraded connection on shutdown.
	closeTunnels context.CancelFunc

	metrics *metrics
	log     *zap.Logger
}

// ServerConfig defines the configuration for the Server. It is read once by
// NewServer and never consulted again.
type ServerConfig struct {
	// Listen is the TCP address to bind. Defaults to ":80".
	Listen string

	// StaticRoot is the directory served for paths no other route takes.
	StaticRoot string
	// Index lists the index file names tried for directory requests.
	Index []string

	// ErrorRoot is the directory the error document is served from.
	ErrorRoot string
	// ErrorPath is the request path of the error document. It is routed as
	// an exact match and used as the body for ErrorCodes.
	ErrorPath string
	// ErrorCodes are the statuses replaced with the error document.
	ErrorCodes []int

	// ProxyPrefix is the path prefix forwarded upstream. Defaults to "/api/".
	ProxyPrefix string
	// ProxyTarget is the upstream base URL. Required.
	ProxyTarget *url.URL

	ReadHeaderTimeout     time.Duration
	IdleTimeout           time.Duration
	UpstreamDialTimeout   time.Duration
	UpstreamHeaderTimeout time.Duration
	ShutdownTimeout       time.Duration

	// ProbeInterval is the delay between upstream reachability probes.
	// Zero disables the probes.
	ProbeInterval time.Duration

	// Log defines the logger. If nil a default zap production is used.
	Log *zap.Logger

	// Registerer receives the listener's metrics. If nil they are not registered.
	Registerer prometheus.Registerer
}

// NewServer creates a new Server from cfg.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.ProxyTarget == nil {
		return nil, errNoProxyTarget
	}
	if cfg.StaticRoot == "" {
		return nil, errNoStaticRoot
	}

	log, _ := zap.NewProduction()
	if cfg.Log != nil {
		log = cfg.Log
	}

	listen := cfg.Listen
	if listen == "" {
		listen = proto.DefaultListen
	}

	prefix := cfg.ProxyPrefix
	if prefix == "" {
		prefix = proto.DefaultProxyPrefix
	}
	if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") {
		return nil, fmt.Errorf("proxy prefix %q must start and end with '/'", prefix)
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	m := newMetrics(cfg.Registerer)

	errorRoot := &StaticRoot{Dir: cfg.ErrorRoot, log: log}
	errs := newErrorPages(errorRoot, cfg.ErrorPath, cfg.ErrorCodes, log)
	errorRoot.errors = errs

	static := &StaticRoot{
		Dir:    cfg.StaticRoot,
		Index:  append([]string(nil), cfg.Index...),
		errors: errs,
		log:    log,
	}

	tunnels, closeTunnels := context.WithCancel(context.Background())

	target := *cfg.ProxyTarget
	proxy := &HTTPProxy{
		Target:        &target,
		Prefix:        prefix,
		DialTimeout:   cfg.UpstreamDialTimeout,
		HeaderTimeout: cfg.UpstreamHeaderTimeout,
		tunnels:       tunnels,
		errors:        errs,
		metrics:       m,
		log:           log,
	}

	routes := newRouteTable()
	if cfg.ErrorPath != "" && cfg.ErrorRoot != "" {
		routes.AddExact(cfg.ErrorPath, proto.Static, errorRoot)
	}
	routes.AddPrefix(prefix, proto.Proxy, proxy)
	routes.AddPrefix("/", proto.Static, static)

	s := &Server{
		listen:            listen,
		readHeaderTimeout: cfg.ReadHeaderTimeout,
		idleTimeout:       cfg.IdleTimeout,
		shutdownTimeout:   shutdownTimeout,
		routes:            routes,
		errors:            errs,
		proxy:             proxy,
		closeTunnels:      closeTunnels,
		metrics:           m,
		log:               log,
	}

	if cfg.ProbeInterval > 0 {
		s.monitor = newUpstreamMonitor(upstreamAddr(&target), cfg.ProbeInterval, cfg.UpstreamDialTimeout, m.upstreamUp, log)
	}

	return s, nil
}

// ServeHTTP selects the route for r and dispatches to it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w}
	action := "none"
	defer func() {
		s.metrics.observeRequest(action, rec.status)
	}()

	if !knownMethods[r.Method] {
		s.errors.Write(rec, r, http.StatusNotImplemented)
		return
	}

	p := r.URL.Path
	if !strings.HasPrefix(p, "/") || strings.ContainsRune(p, 0) {
		s.errors.Write(rec, r, http.StatusBadRequest)
		return
	}

	if clean := cleanPath(p); clean != p {
		r = withPath(r, clean)
		p = clean
	}

	rt, ok := s.routes.Match(p)
	if !ok {
		s.errors.Write(rec, r, http.StatusNotFound)
		return
	}
	action = rt.action.String()

	s.log.Debug("dispatching request", zap.String("method", r.Method), zap.String("path", p), zap.Stringer("match", rt.kind), zap.String("pattern", rt.pattern), zap.String("action", action))

	rt.handler.ServeHTTP(rec, r)
}

// cleanPath resolves "." and ".." segments and repeated slashes of a rooted
// path. A path naming a directory keeps its trailing slash.
func cleanPath(p string) string {
	clean := path.Clean(p)
	if clean == "/" {
		return clean
	}

	last := p[strings.LastIndexByte(p, '/')+1:]
	if last == "" || last == "." || last == ".." {
		clean += "/"
	}
	return clean
}

// withPath returns a shallow copy of r whose URL path is p. The raw path is
// dropped since it no longer matches.
func withPath(r *http.Request, p string) *http.Request {
	r2 := new(http.Request)
	*r2 = *r
	u := *r.URL
	u.Path = p
	u.RawPath = ""
	r2.URL = &u
	return r2
}

// ListenAndServe binds the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.listen, err)
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully: in-flight requests get the shutdown timeout to finish and
// upgraded connections are closed. Each connection is served by its own
// goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.readHeaderTimeout,
		IdleTimeout:       s.idleTimeout,
		ErrorLog:          zap.NewStdLog(s.log),
	}
	srv.RegisterOnShutdown(s.closeTunnels)

	// the monitor stops with the listener, whichever way Serve returns
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()

	if s.monitor != nil {
		go s.monitor.Run(monitorCtx)
	}

	s.log.Info("edge listener started", zap.String("address", ln.Addr().String()), zap.String("upstream", s.proxy.Target.String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.closeTunnels()
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down edge listener")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return multierr.Append(err, srv.Close())
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
