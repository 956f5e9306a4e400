package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-registry/internal/health"
	"github.com/keithlinneman/linnemanlabs-registry/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-registry/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func()
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	ClientIPOpts httpmw.ClientIPOptions

	// APIRoutes attaches the application's routes to the router.
	APIRoutes func(chi.Router)

	// MaxBodyBytes caps request bodies across all routes when positive.
	// The publish handler applies its own tighter accounting on top.
	MaxBodyBytes int64
}
