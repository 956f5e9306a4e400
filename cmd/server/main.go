package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/linnemanlabs-registry/internal/blob"
	"github.com/keithlinneman/linnemanlabs-registry/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-registry/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-registry/internal/health"
	"github.com/keithlinneman/linnemanlabs-registry/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-registry/internal/log"
	"github.com/keithlinneman/linnemanlabs-registry/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-registry/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-registry/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-registry/internal/prof"
	"github.com/keithlinneman/linnemanlabs-registry/internal/ratelimit"
	"github.com/keithlinneman/linnemanlabs-registry/internal/reconcile"
	"github.com/keithlinneman/linnemanlabs-registry/internal/registry"
	"github.com/keithlinneman/linnemanlabs-registry/internal/registryhttp"
	v "github.com/keithlinneman/linnemanlabs-registry/internal/version"
)

const appName = "pkgreg"

// blobStore is what the registry and the sweeper together need from a
// storage backend.
type blobStore interface {
	blob.ContentStore
	Walk(ctx context.Context, fn func(name, version string) error) error
	Ping(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix PKGREG_ and validate
	cfg.FillFromEnv(flag.CommandLine, "PKGREG_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing registry",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"data_dir", conf.DataDir,
		"blob_backend", conf.BlobBackend,
		"blob_s3_bucket", conf.BlobS3Bucket,
		"blob_s3_prefix", conf.BlobS3Prefix,
		"max_upload_bytes", conf.MaxUploadBytes,
		"rate_rps", conf.RateRPS,
		"rate_burst", conf.RateBurst,
		"enable_sweep", conf.EnableSweep,
		"sweep_interval", conf.SweepInterval.String(),
		"sweep_verify", conf.SweepVerify,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       appName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics
	var m *metrics.ServerMetrics = metrics.New()
	m.SetBuildInfoFromVersion(appName, "server", &vi)
	m.SetProfilingActive(conf.EnablePyroscope)

	// Open the sqlite catalog
	catalogPath := conf.CatalogPath
	if catalogPath == "" {
		catalogPath = filepath.Join(conf.DataDir, "catalog.db")
	}
	cat, err := catalog.Open(ctx, catalogPath)
	if err != nil {
		L.Error(ctx, err, "failed to open catalog", "path", catalogPath)
		os.Exit(1)
	}
	defer cat.Close()
	L.Info(ctx, "catalog opened", "path", catalogPath)

	// Pick the archive storage backend
	var blobs blobStore
	switch conf.BlobBackend {
	case "s3":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		blobs, err = blob.NewS3Store(s3.NewFromConfig(awsCfg), conf.BlobS3Bucket, conf.BlobS3Prefix)
		if err != nil {
			L.Error(ctx, err, "failed to create s3 blob store",
				"bucket", conf.BlobS3Bucket, "prefix", conf.BlobS3Prefix)
			os.Exit(1)
		}
		L.Info(ctx, "archive storage ready",
			"backend", "s3", "bucket", conf.BlobS3Bucket, "prefix", conf.BlobS3Prefix)
	default:
		blobRoot := filepath.Join(conf.DataDir, "blobs")
		blobs, err = blob.NewFSStore(blobRoot)
		if err != nil {
			L.Error(ctx, err, "failed to create fs blob store", "root", blobRoot)
			os.Exit(1)
		}
		L.Info(ctx, "archive storage ready", "backend", "fs", "root", blobRoot)
	}

	// Load API keys: inline entries plus an optional key file
	keySpec := conf.APIKeys
	if conf.APIKeysFile != "" {
		raw, err := os.ReadFile(conf.APIKeysFile)
		if err != nil {
			L.Error(ctx, err, "failed to read api keys file", "path", conf.APIKeysFile)
			os.Exit(1)
		}
		keySpec = strings.Join([]string{keySpec, string(raw)}, "\n")
	}
	keys, err := registryhttp.ParseKeys(keySpec)
	if err != nil {
		L.Error(ctx, err, "invalid api key configuration")
		os.Exit(1)
	}
	if len(keys) == 0 {
		L.Warn(ctx, "no api keys configured, publish and delete will be rejected")
	} else {
		L.Info(ctx, "api keys loaded", "count", len(keys))
	}
	auth := registryhttp.NewKeyAuthenticator(keys)

	// Registry orchestrator with prometheus hooks
	svc := registry.New(cat, blobs, L, registry.Hooks{
		OnPublish:      m.IncPublish,
		OnConflict:     m.IncConflict,
		OnSafetyReject: m.IncSafetyReject,
		OnDownload:     m.IncDownload,
		OnRemove:       m.IncRemove,
	})
	api := registryhttp.NewAPI(svc, auth, L, conf.MaxUploadBytes)

	// Reconcile sweeper keeps catalog and blob storage agreeing
	sweeper := reconcile.NewSweeper(&reconcile.Options{
		Catalog:         cat,
		Blobs:           blobs,
		Logger:          L,
		Metrics:         m,
		Interval:        conf.SweepInterval,
		VerifyChecksums: conf.SweepVerify,
	})
	if conf.EnableSweep {
		go func() {
			if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
				L.Error(ctx, err, "reconcile sweeper stopped")
			}
		}()
	}

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// readiness requires the shutdown gate open and both stores reachable
	readiness := health.All(
		gate.Probe(),
		health.CheckFunc(cat.Ping),
		health.CheckFunc(blobs.Ping),
	)

	// Setup rate limiter middleware for the public API
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateRPS, conf.RateBurst),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// start public http server
	// body cap leaves room for multipart framing around the archive itself
	apiHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port:         conf.HTTPPort,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			APIRoutes:    api.RegisterRoutes,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			RateLimitMW:  limiter.Middleware,
			Logger:       L,
			MaxBodyBytes: conf.MaxUploadBytes + 1<<20,
		},
	)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		os.Exit(1)
	}
	defer func() { _ = apiHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and the manual reconcile trigger
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic there
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:        conf.AdminPort,
		Metrics:     m.Handler(),
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		Reconcile:   opshttp.ReconcileHandler(L, sweeper),
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// wait for ctrl+c / sigterm
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// will make sleep time tunable in the future
	L.Info(context.Background(), "sleeping 60s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(60 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := apiHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "api http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
