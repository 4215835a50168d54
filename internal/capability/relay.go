package capability

import (
	"context"

	"tlsnc/internal/session"
	"tlsnc/util"
)

// Relay copies between the decrypted stream and the session's stdio.
// End of stdin half-closes the stream, which sends close_notify while
// the peer's remaining data is still read.
type Relay struct{}

func (r *Relay) Handle(ctx context.Context, sess *session.Session) error {
	return util.BidirectionalCopy(ctx, sess.Conn, sess.Stdin, sess.Stdout, sess.Pool)
}
