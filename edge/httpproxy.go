package edge

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cajax/edgeproxy/proto"
)

var (
	errUnexpectedUpgrade = errors.New("upstream switched protocols without an upgrade request")
	errBadUpgrade        = errors.New("upstream switched protocols without Connection: upgrade")
)

// upstreamError carries the status reported to the client when the upstream
// exchange fails before any response byte was written. Connect failures are
// always 502; only a timed out response read becomes 504.
type upstreamError struct {
	status int
	op     string
	err    error
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("%s: %s", e.op, e.err)
}

func (e *upstreamError) Unwrap() error {
	return e.err
}

func newUpstreamError(op string, err error) *upstreamError {
	status := http.StatusBadGateway
	if isTimeout(err) {
		status = http.StatusGatewayTimeout
	}
	return &upstreamError{status: status, op: op, err: err}
}

// HTTPProxy forwards requests below Prefix to Target.
//
// Every request gets its own upstream connection. The request is written to
// it as is, apart from the rewritten path, the Host header and the
// hop-by-hop headers. When the upstream answers 101 Switching Protocols the
// client connection is hijacked and bytes are relayed both ways until one
// side hangs up.
type HTTPProxy struct {
	// Target is the upstream base URL. Its path is prepended to the
	// remainder of the request path.
	Target *url.URL

	// Prefix is stripped from the request path, keeping its trailing slash.
	Prefix string

	// DialTimeout bounds connecting to the upstream.
	DialTimeout time.Duration

	// HeaderTimeout bounds waiting for the upstream response headers once
	// the request has been sent. Zero means no limit.
	HeaderTimeout time.Duration

	// tunnels is cancelled when the server shuts down; upgraded
	// connections are not tracked by http.Server.
	tunnels context.Context

	errors  *ErrorPages
	metrics *metrics
	log     *zap.Logger
}

// ServeHTTP is the proxy route handler.
func (p *HTTPProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := p.handleHTTP(w, r)
	if err == nil {
		return
	}

	var ue *upstreamError
	if !errors.As(err, &ue) {
		ue = &upstreamError{status: http.StatusBadGateway, op: "proxy", err: err}
	}

	if r.Context().Err() != nil {
		p.log.Debug("client went away during upstream call", zap.String("request_uri", r.RequestURI), zap.Error(err))
	} else {
		p.log.Warn("upstream call failed", zap.String("address", r.RemoteAddr), zap.String("request_uri", r.RequestURI), zap.Int("status", ue.status), zap.Error(err))
	}

	p.errors.Write(w, r, ue.status)
}

// handleHTTP handles a single proxied request. A non-nil error means nothing
// has been written to w yet.
func (p *HTTPProxy) handleHTTP(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	outReq := p.outgoingRequest(r)

	p.log.Debug("forwarding request", zap.String("method", outReq.Method), zap.String("url", outReq.URL.String()))

	conn, err := p.dial(ctx)
	if err != nil {
		return &upstreamError{status: http.StatusBadGateway, op: "dial upstream", err: err}
	}

	// a client hanging up cancels ctx, which releases the upstream at once
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := outReq.Write(conn); err != nil {
		conn.Close()
		return newUpstreamError("write request", err)
	}

	if p.HeaderTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(p.HeaderTimeout))
	}

	br := bufio.NewReader(conn)
	resp, err := readResponse(br, outReq)
	if err != nil {
		conn.Close()
		return newUpstreamError("read response", err)
	}

	conn.SetReadDeadline(time.Time{})

	if resp.StatusCode == http.StatusSwitchingProtocols {
		return p.handleUpgrade(w, r, resp, conn, br)
	}

	defer func() {
		if err := multierr.Combine(resp.Body.Close(), conn.Close()); err != nil && !isClosedErr(err) {
			p.log.Debug("closing upstream connection", zap.Error(err))
		}
	}()

	if p.errors.Remaps(resp.StatusCode) {
		p.log.Debug("replacing upstream error response", zap.Int("status", resp.StatusCode))
		p.errors.Write(w, r, resp.StatusCode)
		return nil
	}

	removeHopHeaders(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if err := copyResponse(w, resp.Body, resp.ContentLength < 0); err != nil {
		// the status line is gone already, all that is left is to cut the response short
		if ctx.Err() != nil || errors.Is(err, io.ErrUnexpectedEOF) {
			p.log.Debug("response copy interrupted", zap.Error(err))
		} else {
			p.log.Error("copy err", zap.Error(err))
		}
	}

	return nil
}

func (p *HTTPProxy) handleUpgrade(w http.ResponseWriter, r *http.Request, resp *http.Response, conn net.Conn, br *bufio.Reader) error {
	if r.Header.Get(proto.UpgradeHeader) == "" {
		conn.Close()
		return newUpstreamError("upgrade", errUnexpectedUpgrade)
	}
	if !headerContains(resp.Header[proto.ConnectionHeader], proto.ConnectionUpgrade) {
		conn.Close()
		return newUpstreamError("upgrade", errBadUpgrade)
	}

	clientConn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		conn.Close()
		return newUpstreamError("hijack", err)
	}

	// the upgraded stream is long lived; drop deadlines set by the server
	clientConn.SetDeadline(time.Time{})

	if err := writeSwitchingProtocols(brw.Writer, resp); err != nil {
		p.log.Debug("unable to write upgrade response", zap.Error(err))
		if err := multierr.Combine(clientConn.Close(), conn.Close()); err != nil {
			p.log.Debug("closing after failed upgrade", zap.Error(err))
		}
		return nil
	}

	stop := context.AfterFunc(p.tunnels, func() {
		clientConn.Close()
		conn.Close()
	})
	defer stop()

	p.log.Debug("tunnel established", zap.String("address", r.RemoteAddr), zap.String("upgrade", r.Header.Get(proto.UpgradeHeader)))

	p.metrics.tunnels.Inc()
	up, down := join(p.log, clientConn, brw.Reader, conn, br)
	p.metrics.tunnels.Dec()
	p.metrics.observeTunnel(r, up, down)

	p.log.Debug("tunnel closed", zap.String("address", r.RemoteAddr), zap.Int64("bytes_up", up), zap.Int64("bytes_down", down))

	return nil
}

// outgoingRequest builds the upstream request for r.
func (p *HTTPProxy) outgoingRequest(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Close = false

	out.URL.Scheme = p.Target.Scheme
	out.URL.Host = p.Target.Host
	out.URL.Path, out.URL.RawPath = p.rewritePath(r.URL)
	out.Host = p.Target.Host

	upgrade := r.Header.Get(proto.UpgradeHeader)
	removeHopHeaders(out.Header)
	if upgrade != "" {
		out.Header.Set(proto.UpgradeHeader, upgrade)
	}
	out.Header.Set(proto.ConnectionHeader, proto.ConnectionUpgrade)

	// keep Request.Write from adding its own User-Agent
	if _, ok := out.Header["User-Agent"]; !ok {
		out.Header.Set("User-Agent", "")
	}

	return out
}

// rewritePath replaces Prefix with the target base path, keeping the
// slash that separates it from the remainder: with Prefix "/api/" and a
// target path "/v1", "/api/users" becomes "/v1/users".
func (p *HTTPProxy) rewritePath(u *url.URL) (path, rawPath string) {
	rest := strings.TrimPrefix(u.Path, p.Prefix)
	path = strings.TrimSuffix(p.Target.Path, "/") + "/" + rest

	if u.RawPath != "" {
		rawRest := strings.TrimPrefix(u.EscapedPath(), p.Prefix)
		rawPath = strings.TrimSuffix(p.Target.EscapedPath(), "/") + "/" + rawRest
	}

	return path, rawPath
}

func (p *HTTPProxy) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: p.DialTimeout}
	addr := upstreamAddr(p.Target)

	if p.Target.Scheme == "https" {
		td := &tls.Dialer{
			NetDialer: d,
			Config:    &tls.Config{ServerName: p.Target.Hostname()},
		}
		return td.DialContext(ctx, "tcp", addr)
	}

	return d.DialContext(ctx, "tcp", addr)
}

// upstreamAddr returns host:port of u, filling in the scheme's default port.
func upstreamAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// readResponse reads the upstream response, skipping interim 1xx responses
// other than 101.
func readResponse(br *bufio.Reader, req *http.Request) (*http.Response, error) {
	for {
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 200 || resp.StatusCode == http.StatusSwitchingProtocols || resp.StatusCode < 100 {
			return resp, nil
		}

		resp.Body.Close()
	}
}

func writeSwitchingProtocols(w *bufio.Writer, resp *http.Response) error {
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %s\r\n", resp.Status); err != nil {
		return err
	}
	if err := resp.Header.Write(w); err != nil {
		return err
	}
	if _, err := w.WriteString("\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

// copyResponse copies the upstream body to w, flushing after every write
// when the body has no declared length so streamed responses reach the
// client without delay.
func copyResponse(w http.ResponseWriter, body io.Reader, flush bool) error {
	if !flush {
		_, err := io.Copy(w, body)
		return err
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
