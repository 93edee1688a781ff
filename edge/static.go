package edge

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

var errIsDirectory = errors.New("is a directory")

// StaticRoot serves files from a directory. Directory requests are answered
// with the first existing file from Index.
type StaticRoot struct {
	// Dir is the directory request paths are resolved against.
	Dir string

	// Index lists the candidate file names tried, in order, for directories.
	Index []string

	errors *ErrorPages
	log    *zap.Logger
}

// ServeHTTP serves the file named by the request path.
func (s *StaticRoot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		s.errors.Write(w, r, http.StatusMethodNotAllowed)
		return
	}

	name := s.localPath(r.URL.Path)

	f, info, err := s.open(name)
	if errors.Is(err, errIsDirectory) {
		if !strings.HasSuffix(r.URL.Path, "/") {
			redirectToDir(w, r)
			return
		}
		f, info, err = s.openIndex(name)
	} else if err == nil && strings.HasSuffix(r.URL.Path, "/") {
		f.Close()
		err = syscall.ENOTDIR
	}
	if err != nil {
		status := statusForOpenError(err)
		if status == http.StatusInternalServerError {
			s.log.Error("unable to open static file", zap.String("file", name), zap.Error(err))
		} else {
			s.log.Debug("static file not served", zap.String("file", name), zap.Int("status", status), zap.Error(err))
		}
		s.errors.Write(w, r, status)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", contentType(info.Name()))
	http.ServeContent(&errorInterceptor{ResponseWriter: w, r: r, errors: s.errors}, r, info.Name(), info.ModTime(), f)
}

// errorInterceptor hands server errors reported by http.ServeContent to the
// error pages instead of letting http.Error write a plain text body.
type errorInterceptor struct {
	http.ResponseWriter
	r           *http.Request
	errors      *ErrorPages
	intercepted bool
}

func (e *errorInterceptor) WriteHeader(code int) {
	if e.intercepted {
		return
	}
	if code >= http.StatusInternalServerError && e.errors != nil {
		e.intercepted = true
		e.Header().Del("X-Content-Type-Options")
		e.errors.Write(e.ResponseWriter, e.r, code)
		return
	}
	e.ResponseWriter.WriteHeader(code)
}

func (e *errorInterceptor) Write(b []byte) (int, error) {
	if e.intercepted {
		return len(b), nil
	}
	return e.ResponseWriter.Write(b)
}

func (e *errorInterceptor) Unwrap() http.ResponseWriter {
	return e.ResponseWriter
}

// localPath maps a URL path onto the file system below Dir. Cleaning the
// rooted path first keeps ".." elements from climbing above Dir.
func (s *StaticRoot) localPath(urlPath string) string {
	return filepath.Join(s.Dir, filepath.FromSlash(path.Clean("/"+urlPath)))
}

// open opens name as a regular file. errIsDirectory is returned, together
// with a nil file, when name is a directory.
func (s *StaticRoot) open(name string) (*os.File, os.FileInfo, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	if info.IsDir() {
		f.Close()
		return nil, nil, errIsDirectory
	}

	if !info.Mode().IsRegular() {
		f.Close()
		return nil, nil, fs.ErrPermission
	}

	return f, info, nil
}

func (s *StaticRoot) openIndex(dir string) (*os.File, os.FileInfo, error) {
	for _, index := range s.Index {
		f, info, err := s.open(filepath.Join(dir, index))
		if err == nil {
			return f, info, nil
		}
		if !isNotFound(err) && !errors.Is(err, errIsDirectory) {
			return nil, nil, err
		}
	}

	return nil, nil, fs.ErrNotExist
}

func redirectToDir(w http.ResponseWriter, r *http.Request) {
	target := r.URL.EscapedPath() + "/"
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func statusForOpenError(err error) int {
	switch {
	case isNotFound(err), errors.Is(err, errIsDirectory):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// isNotFound also treats ENOTDIR as missing, e.g. "/file.txt/child".
func isNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func contentType(name string) string {
	if ctype := mime.TypeByExtension(filepath.Ext(name)); ctype != "" {
		return ctype
	}
	return "application/octet-stream"
}
