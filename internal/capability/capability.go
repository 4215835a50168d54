// Package capability defines what happens over an established,
// TLS-filtered connection: relay it to stdio, or hand it to a child
// process.
package capability

import (
	"context"

	"tlsnc/internal/session"
)

// Capability handles one connection and blocks until it is done or ctx
// is cancelled.
type Capability interface {
	Handle(ctx context.Context, sess *session.Session) error
}
