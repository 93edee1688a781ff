package edge

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

type expBackoff struct {
	mu sync.Mutex
	bk *backoff.ExponentialBackOff
}

func newForeverBackoff(maxInterval time.Duration) *expBackoff {
	eb := &expBackoff{
		bk: backoff.NewExponentialBackOff(),
	}
	eb.bk.MaxElapsedTime = 0 // never stops
	if maxInterval > 0 {
		eb.bk.MaxInterval = maxInterval
		if eb.bk.InitialInterval > maxInterval {
			eb.bk.InitialInterval = maxInterval
		}
	}
	eb.bk.Reset()
	return eb
}

func (eb *expBackoff) NextBackOff() time.Duration {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	return eb.bk.NextBackOff()
}

func (eb *expBackoff) Reset() {
	eb.mu.Lock()
	eb.bk.Reset()
	eb.mu.Unlock()
}

// hopHeaders are removed when a message crosses the proxy.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders drops hop-by-hop headers, including the ones named by the
// Connection header itself.
func removeHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}

	for _, hh := range hopHeaders {
		h.Del(hh)
	}
}

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		vv := make([]string, len(v))
		copy(vv, v)
		dst[k] = vv
	}
}

// headerContains is a copy of tokenListContainsValue from gorilla/websocket/util.go
func headerContains(header []string, value string) bool {
	for _, h := range header {
		for _, v := range strings.Split(h, ",") {
			if strings.EqualFold(strings.TrimSpace(v), value) {
				return true
			}
		}
	}

	return false
}

// join copies data between the client and upstream connections until either
// side closes, then closes both. Reads come from the given readers so bytes
// already buffered during the handshake are not lost.
func join(log *zap.Logger, client net.Conn, clientR io.Reader, upstream net.Conn, upstreamR io.Reader) (up, down int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	transfer := func(side string, n *int64, dst net.Conn, src io.Reader) {
		defer wg.Done()

		var err error
		*n, err = io.Copy(dst, src)
		// either end may hang up at any time; that simply ends the tunnel.
		if err != nil && !isClosedErr(err) {
			log.Debug("tunnel copy error", zap.String("side", side), zap.Error(err))
		}

		client.Close()
		upstream.Close()
	}

	go transfer("client to upstream", &up, upstream, clientR)
	go transfer("upstream to client", &down, client, upstreamR)

	wg.Wait()

	return up, down
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
