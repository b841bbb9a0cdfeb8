// Package svc holds what the built-in actors share: well-known names and the
// small helpers they use to talk to each other.
package svc

// Well-known actor names.
const (
	LogService       = "log"
	BootstrapService = "bootstrap"
)

// SessionSetLevel is the session of a Normal message that asks the log actor
// to change its level; the payload is a level name.
const SessionSetLevel int32 = -1
