package handlers

import (
	"net/http"

	"github.com/treetop-comms/canopy/pkg/config"
	"github.com/treetop-comms/canopy/pkg/logging"
)

// RouteTable builds the administrative HTTP mux. Routes are configured
// explicitly here and injected into the server, never registered through
// package globals.
func RouteTable(cfg *TimeoutConfig, auth config.AuthConfig, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()

	aorTimeout := NewAoRTimeoutHandler(cfg)
	dereg := NewDeregistrationHandler(cfg)
	authTimeout := NewAuthTimeoutHandler(cfg)

	mux.Handle("POST /timers/", aorTimeout)
	mux.Handle("POST /registrations", dereg)
	mux.Handle("POST /authentication-timeout", authTimeout)

	return JWTGuard(auth, logger, mux)
}
