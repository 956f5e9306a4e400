package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-registry/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// Reconcile, when set, is mounted at POST /-/reconcile so operators
	// can force a consistency sweep outside the normal schedule.
	Reconcile http.Handler
}
