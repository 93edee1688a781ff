package edge

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// ErrorPages writes error responses. Statuses listed in the mapping are
// answered with a static document served from its own root, keeping the
// original status code; every other status gets a short built-in page.
type ErrorPages struct {
	codes map[int]bool
	root  *StaticRoot
	path  string
	log   *zap.Logger
}

func newErrorPages(root *StaticRoot, path string, codes []int, log *zap.Logger) *ErrorPages {
	e := &ErrorPages{
		codes: make(map[int]bool, len(codes)),
		root:  root,
		path:  path,
		log:   log,
	}
	for _, c := range codes {
		e.codes[c] = true
	}
	return e
}

// Remaps reports whether responses with the given status are replaced by
// the error document.
func (e *ErrorPages) Remaps(status int) bool {
	return e.codes[status]
}

// Write answers r with status.
func (e *ErrorPages) Write(w http.ResponseWriter, r *http.Request, status int) {
	h := w.Header()
	for _, k := range []string{"Content-Encoding", "Content-Length", "Content-Range", "Etag", "Last-Modified", "Accept-Ranges"} {
		h.Del(k)
	}

	if e.Remaps(status) && e.writeDocument(w, r, status) {
		return
	}

	body := defaultErrorBody(status)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		io.WriteString(w, body)
	}
}

func (e *ErrorPages) writeDocument(w http.ResponseWriter, r *http.Request, status int) bool {
	if e.root.Dir == "" || e.path == "" {
		return false
	}
	name := e.root.localPath(e.path)

	f, info, err := e.root.open(name)
	if err != nil {
		e.log.Warn("error document unavailable", zap.String("file", name), zap.Error(err))
		return false
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", contentType(info.Name()))
	h.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return true
	}

	if _, err := io.Copy(w, f); err != nil {
		e.log.Debug("unable to copy error document", zap.Int("status", status), zap.Error(err))
	}
	return true
}

func defaultErrorBody(status int) string {
	title := fmt.Sprintf("%d %s", status, http.StatusText(status))
	return "<html>\r\n<head><title>" + title + "</title></head>\r\n" +
		"<body>\r\n<center><h1>" + title + "</h1></center>\r\n" +
		"<hr><center>edgeproxy</center>\r\n</body>\r\n</html>\r\n"
}
