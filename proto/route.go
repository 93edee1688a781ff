package proto

// MatchKind tells how a route rule compares its pattern with a request path.
type MatchKind int

const (
	// Exact matches when the path equals the pattern.
	Exact MatchKind = iota + 1
	// Prefix matches when the path starts with the pattern.
	Prefix
)

func (k MatchKind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Prefix:
		return "prefix"
	default:
		return "unknown"
	}
}

// Action represents what a matched route does with the request.
type Action int

const (
	// Static serves files from a static root.
	Static Action = iota + 1
	// Proxy forwards the request to the upstream.
	Proxy
)

func (a Action) String() string {
	switch a {
	case Static:
		return "static"
	case Proxy:
		return "proxy"
	default:
		return "none"
	}
}
