// Package proto defines the constants shared by the edge listener, its
// configuration and the command line binary.
package proto

const (
	// DefaultListen is the address the edge listener binds to.
	DefaultListen = ":80"

	// DefaultStaticRoot is the directory served for non-proxied paths.
	DefaultStaticRoot = "/data/htdocs"

	// DefaultErrorRoot is the directory holding the error document.
	DefaultErrorRoot = "/usr/share/nginx/html"

	// DefaultErrorPath is the request path of the error document. It is also
	// served directly as an exact-match route.
	DefaultErrorPath = "/50x.html"

	// DefaultProxyPrefix is the path prefix forwarded to the upstream.
	DefaultProxyPrefix = "/api/"

	// ProxyURLEnv names the environment variable carrying the upstream base URL.
	ProxyURLEnv = "API_PROXY_URL"

	// UpgradeHeader is passed through verbatim to the upstream.
	UpgradeHeader = "Upgrade"

	// ConnectionHeader is always set to ConnectionUpgrade on upstream requests.
	ConnectionHeader = "Connection"

	// ConnectionUpgrade is the hard-coded upstream Connection value.
	ConnectionUpgrade = "upgrade"
)

// DefaultIndex lists the index candidates tried, in order, for directory requests.
var DefaultIndex = []string{"index.html", "index.htm"}

// DefaultErrorCodes are the statuses replaced by the error document.
var DefaultErrorCodes = []int{500, 502, 503, 504}
