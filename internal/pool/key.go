package pool

import "github.com/tng-project/tng/internal/endpoint"

// Key identifies one pooled trusted-stream client. Extras carries the
// transport inspector's {authority, rewritten_path} pair when HTTP
// encapsulation is enabled, so that per-path routing rules split an
// otherwise-shared pooled connection; it is the zero value (matches
// everything) when inspection is disabled.
type Key struct {
	Endpoint endpoint.Endpoint
	Extras   Extras
}

// Extras is the optional HTTP-encapsulation routing component of a
// pool Key.
type Extras struct {
	Authority     string
	RewrittenPath string
}
