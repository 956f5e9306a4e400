package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/linnemanlabs-registry/internal/log"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	DataDir      string
	CatalogPath  string
	BlobBackend  string
	BlobS3Bucket string
	BlobS3Prefix string

	MaxUploadBytes int64
	RateRPS        float64
	RateBurst      int

	EnableSweep   bool
	SweepInterval time.Duration
	SweepVerify   bool

	APIKeys     string
	APIKeysFile string
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.DataDir, "data-dir", "/var/lib/pkgreg", "base directory for catalog and blob storage")
	fs.StringVar(&c.CatalogPath, "catalog-path", "", "sqlite catalog path (default <data-dir>/catalog.db)")
	fs.StringVar(&c.BlobBackend, "blob-backend", "fs", "archive storage backend: fs|s3")
	fs.StringVar(&c.BlobS3Bucket, "blob-s3-bucket", "", "s3 bucket for archive storage (blob-backend=s3)")
	fs.StringVar(&c.BlobS3Prefix, "blob-s3-prefix", "packages", "s3 key prefix for archive storage")

	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", 52428800, "maximum accepted upload size in bytes")
	fs.Float64Var(&c.RateRPS, "rate-rps", 10, "per-IP request refill rate (requests per second)")
	fs.IntVar(&c.RateBurst, "rate-burst", 50, "per-IP request burst ceiling")

	fs.BoolVar(&c.EnableSweep, "enable-sweep", true, "Enable periodic catalog/blob reconciliation sweeps")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", 15*time.Minute, "interval between reconciliation sweeps")
	fs.BoolVar(&c.SweepVerify, "sweep-verify", false, "re-digest every blob during sweeps (reads all stored bytes)")

	fs.StringVar(&c.APIKeys, "api-keys", "", "inline API keys, comma-separated key:subject[:admin] entries")
	fs.StringVar(&c.APIKeysFile, "api-keys-file", "", "file of API key entries, one key:subject[:admin] per line")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Storage
	switch c.BlobBackend {
	case "fs":
		if c.DataDir == "" {
			errs = append(errs, fmt.Errorf("DATA_DIR is required when BLOB_BACKEND=fs"))
		}
	case "s3":
		if c.BlobS3Bucket == "" {
			errs = append(errs, fmt.Errorf("BLOB_S3_BUCKET is required when BLOB_BACKEND=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid BLOB_BACKEND %q (must be fs or s3)", c.BlobBackend))
	}
	if c.CatalogPath == "" && c.DataDir == "" {
		errs = append(errs, fmt.Errorf("CATALOG_PATH or DATA_DIR is required"))
	}

	// Upload and rate limits
	if c.MaxUploadBytes < 1 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES must be positive (got %d)", c.MaxUploadBytes))
	}
	if c.RateRPS <= 0 {
		errs = append(errs, fmt.Errorf("RATE_RPS must be positive (got %g)", c.RateRPS))
	}
	if c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_BURST must be at least 1 (got %d)", c.RateBurst))
	}

	// Sweep
	if c.EnableSweep && c.SweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be at least 1s (got %s)", c.SweepInterval))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
