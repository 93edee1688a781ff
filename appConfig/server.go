package appConfig

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"go.yaml.in/yaml/v2"

	"github.com/cajax/edgeproxy/proto"
)

var (
	// ErrMissingProxyURL is returned when the upstream environment variable is unset or empty.
	ErrMissingProxyURL = errors.New("upstream url is not set")
	// ErrInvalidProxyURL is returned when the upstream url cannot be used as a proxy target.
	ErrInvalidProxyURL = errors.New("invalid upstream url")
)

// Server is the edge listener configuration as read from disk and environment.
type Server struct {
	Debug         bool      `yaml:"debug"`
	Listen        string    `yaml:"listen"`
	MetricsListen string    `yaml:"metricsListen"`
	Static        Static    `yaml:"static"`
	ErrorPage     ErrorPage `yaml:"errorPage"`
	Proxy         Proxy     `yaml:"proxy"`
	Timeouts      Timeouts  `yaml:"timeouts"`
}

type Static struct {
	Root  string   `yaml:"root"`
	Index []string `yaml:"index"`
}

type ErrorPage struct {
	Root  string `yaml:"root"`
	Path  string `yaml:"path"`
	Codes []int  `yaml:"codes"`
}

type Proxy struct {
	Prefix string `yaml:"prefix"`
	// URLEnv names the environment variable holding the upstream base URL.
	URLEnv        string   `yaml:"urlEnv"`
	ProbeInterval Duration `yaml:"probeInterval"`

	// Target is resolved from URLEnv by Load.
	Target *url.URL `yaml:"-"`
}

type Timeouts struct {
	ReadHeader     Duration `yaml:"readHeader"`
	Idle           Duration `yaml:"idle"`
	UpstreamDial   Duration `yaml:"upstreamDial"`
	UpstreamHeader Duration `yaml:"upstreamHeader"`
	Shutdown       Duration `yaml:"shutdown"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ToDuration converts the custom Duration type back to time.Duration
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration matching the stock deployment layout.
func Default() *Server {
	return &Server{
		Listen: proto.DefaultListen,
		Static: Static{
			Root:  proto.DefaultStaticRoot,
			Index: append([]string(nil), proto.DefaultIndex...),
		},
		ErrorPage: ErrorPage{
			Root:  proto.DefaultErrorRoot,
			Path:  proto.DefaultErrorPath,
			Codes: append([]int(nil), proto.DefaultErrorCodes...),
		},
		Proxy: Proxy{
			Prefix:        proto.DefaultProxyPrefix,
			URLEnv:        proto.ProxyURLEnv,
			ProbeInterval: Duration(10 * time.Second),
		},
		Timeouts: Timeouts{
			ReadHeader:     Duration(60 * time.Second),
			Idle:           Duration(75 * time.Second),
			UpstreamDial:   Duration(60 * time.Second),
			UpstreamHeader: Duration(60 * time.Second),
			Shutdown:       Duration(10 * time.Second),
		},
	}
}

// Load reads the optional YAML file at path on top of Default and resolves
// the upstream URL from the environment. An empty path means defaults only.
func Load(path string) (*Server, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return Parse(data, os.Getenv)
}

// Parse decodes data on top of Default, validates it and resolves the
// upstream URL using getenv.
func Parse(data []byte, getenv func(string) string) (*Server, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	target, err := ParseProxyURL(getenv(cfg.Proxy.URLEnv))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Proxy.URLEnv, err)
	}
	cfg.Proxy.Target = target

	return cfg, nil
}

// validate checks the values a YAML file may have overridden.
func (c *Server) validate() error {
	if c.Listen == "" {
		return errors.New("listen is required")
	}
	if c.Static.Root == "" {
		return errors.New("static.root is required")
	}
	for _, name := range c.Static.Index {
		if name == "" || strings.ContainsRune(name, '/') {
			return fmt.Errorf("static.index: invalid file name %q", name)
		}
	}

	if !strings.HasPrefix(c.ErrorPage.Path, "/") {
		return fmt.Errorf("errorPage.path must be absolute, got %q", c.ErrorPage.Path)
	}
	if c.ErrorPage.Root == "" {
		return errors.New("errorPage.root is required")
	}
	for _, code := range c.ErrorPage.Codes {
		if code < 400 || code > 599 {
			return fmt.Errorf("errorPage.codes: %d is not an error status", code)
		}
	}

	if !strings.HasPrefix(c.Proxy.Prefix, "/") || !strings.HasSuffix(c.Proxy.Prefix, "/") {
		return fmt.Errorf("proxy.prefix must start and end with '/', got %q", c.Proxy.Prefix)
	}
	if c.Proxy.URLEnv == "" {
		return errors.New("proxy.urlEnv is required")
	}
	if c.Proxy.ProbeInterval < 0 {
		return errors.New("proxy.probeInterval must not be negative")
	}

	return nil
}

// ParseProxyURL validates the upstream base URL. Only http and https
// targets with a host are accepted.
func ParseProxyURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingProxyURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProxyURL, err)
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidProxyURL, u.Scheme)
	}

	if u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidProxyURL, raw)
	}

	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("%w: query and fragment are not allowed in %q", ErrInvalidProxyURL, raw)
	}

	return u, nil
}
