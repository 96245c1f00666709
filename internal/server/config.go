package server

import (
	"net/http"

	"github.com/raysh454/deployproxy/internal/logging"
)

type Config struct {
	ListenAddr string
	// Namespace is the path prefix the proxy routes are mounted under.
	Namespace string
	// JWTSecret verifies HS256 accountability tokens. Empty rejects every
	// token, leaving only the unauthenticated routes reachable.
	JWTSecret string
	// AdditionalRoleIDs lets app-access callers with one of these roles act
	// as administrators.
	AdditionalRoleIDs []string
	// Metrics is served on /metrics when non-nil.
	Metrics http.Handler
	Logger  logging.Logger
}
