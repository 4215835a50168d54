// Package core is the orchestration layer.  It composes transports,
// the TLS filter and capabilities into complete operational modes and
// provides a builder that selects the right mode from a Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  tlsfilter  →  session/capability  →  core  →  cmd (CLI)
package core

import "context"

// Mode is a complete operational mode of tlsnc (connect, listen or
// probe).  Each mode owns its full lifecycle from connection
// establishment to teardown.
type Mode interface {
	Run(ctx context.Context) error
}
