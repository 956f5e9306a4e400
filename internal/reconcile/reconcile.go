// Package reconcile sweeps the catalog and blob store for disagreement:
// blobs with no record (orphans, the reachable crash leftover), records
// with no blob (dangling metadata, which should never happen), and
// optionally blobs whose recomputed digest no longer matches the
// recorded checksum. Sweeps only report; they never mutate either
// store.
package reconcile

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keithlinneman/linnemanlabs-registry/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-registry/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-registry/internal/log"
	"github.com/keithlinneman/linnemanlabs-registry/internal/registry"
	"github.com/keithlinneman/linnemanlabs-registry/internal/xerrors"
)

// DefaultInterval between periodic sweeps.
const DefaultInterval = 15 * time.Minute

// Catalog is the metadata surface a sweep reads.
type Catalog interface {
	All(ctx context.Context) ([]*catalog.Record, error)
}

// Blobs is the content surface a sweep reads. Walk visits every stored
// key; Open is used only when digest verification is on.
type Blobs interface {
	Open(ctx context.Context, name, version string) (io.ReadCloser, int64, error)
	Walk(ctx context.Context, fn func(name, version string) error) error
}

// Key identifies one package version.
type Key struct {
	Name    string
	Version string
}

// Report is the outcome of one sweep.
type Report struct {
	Checked   int
	Orphans   []Key
	Dangling  []Key
	Integrity []registry.IntegrityError
	Duration  time.Duration
}

// Clean reports whether the sweep found no disagreement.
func (r *Report) Clean() bool {
	return len(r.Orphans) == 0 && len(r.Dangling) == 0 && len(r.Integrity) == 0
}

// Metrics receives sweep outcomes, wired to prometheus by the caller.
type Metrics interface {
	ObserveSweep(orphans, dangling, integrityFailures int, d time.Duration)
}

// Options configures a Sweeper.
type Options struct {
	Catalog  Catalog
	Blobs    Blobs
	Logger   log.Logger
	Metrics  Metrics
	Interval time.Duration

	// VerifyChecksums re-digests every blob with a record. Off by
	// default: it reads every stored byte.
	VerifyChecksums bool
}

// Sweeper runs reconciliation sweeps. Call Run for the periodic loop or
// SweepOnce for a single pass.
type Sweeper struct {
	catalog  Catalog
	blobs    Blobs
	logger   log.Logger
	metrics  Metrics
	interval time.Duration
	verify   bool

	mu       sync.Mutex
	sweeping bool
}

// NewSweeper creates a sweeper. Call Run to start the periodic loop.
func NewSweeper(opts *Options) *Sweeper {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		catalog:  opts.Catalog,
		blobs:    opts.Blobs,
		logger:   logger,
		metrics:  opts.Metrics,
		interval: interval,
		verify:   opts.VerifyChecksums,
	}
}

// Run starts the sweep loop. Blocks until ctx is cancelled.
// Intended to be launched as: go sweeper.Run(ctx)
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info(ctx, "reconcile sweeper starting",
		"interval", s.interval.String(),
		"verify_checksums", s.verify,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "reconcile sweeper stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error(ctx, err, "reconcile sweep failed")
			}
		}
	}
}

// SweepOnce runs a single sweep. Concurrent calls coalesce: a sweep
// already in progress makes the second call return immediately with a
// nil report.
func (s *Sweeper) SweepOnce(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		s.logger.Debug(ctx, "reconcile sweep already running, skipping")
		return nil, nil
	}
	s.sweeping = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	start := time.Now()

	var (
		records  []*catalog.Record
		blobKeys []Key
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		records, err = s.catalog.All(gctx)
		return err
	})
	g.Go(func() error {
		return s.blobs.Walk(gctx, func(name, version string) error {
			blobKeys = append(blobKeys, Key{Name: name, Version: version})
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return nil, xerrors.Wrap(err, "reconcile scan")
	}

	recorded := make(map[Key]*catalog.Record, len(records))
	for _, rec := range records {
		recorded[Key{Name: rec.Name, Version: rec.Version}] = rec
	}
	stored := make(map[Key]bool, len(blobKeys))
	for _, k := range blobKeys {
		stored[k] = true
	}

	report := &Report{Checked: len(recorded) + len(blobKeys)}

	for _, k := range blobKeys {
		if _, ok := recorded[k]; !ok {
			report.Orphans = append(report.Orphans, k)
			s.logger.Warn(ctx, "orphan blob has no catalog record",
				"package", k.Name,
				"version", k.Version,
			)
		}
	}
	for k, rec := range recorded {
		if !stored[k] {
			report.Dangling = append(report.Dangling, k)
			s.logger.Error(ctx, xerrors.Newf("record %s@%s has no blob", k.Name, k.Version),
				"dangling catalog record",
			)
			continue
		}
		if s.verify {
			if ierr := s.verifyChecksum(ctx, rec); ierr != nil {
				report.Integrity = append(report.Integrity, *ierr)
				s.logger.Error(ctx, ierr, "stored blob fails checksum verification")
			}
		}
	}

	report.Duration = time.Since(start)
	if s.metrics != nil {
		s.metrics.ObserveSweep(len(report.Orphans), len(report.Dangling), len(report.Integrity), report.Duration)
	}
	s.logger.Info(ctx, "reconcile sweep complete",
		"checked", report.Checked,
		"orphans", len(report.Orphans),
		"dangling", len(report.Dangling),
		"integrity_failures", len(report.Integrity),
		"duration", report.Duration.String(),
	)
	return report, nil
}

func (s *Sweeper) verifyChecksum(ctx context.Context, rec *catalog.Record) *registry.IntegrityError {
	rc, _, err := s.blobs.Open(ctx, rec.Name, rec.Version)
	if err != nil {
		// raced with a remove between scan and verify; not a mismatch
		s.logger.Debug(ctx, "blob vanished before verification",
			"package", rec.Name,
			"version", rec.Version,
			"error", err,
		)
		return nil
	}
	defer rc.Close()

	digest, _, err := cryptoutil.SHA256HexReader(rc)
	if err != nil {
		s.logger.Warn(ctx, "could not digest blob",
			"package", rec.Name,
			"version", rec.Version,
			"error", err,
		)
		return nil
	}
	if cryptoutil.HashEqual(digest, rec.Checksum) {
		return nil
	}
	return &registry.IntegrityError{
		Name:     rec.Name,
		Version:  rec.Version,
		Expected: rec.Checksum,
		Actual:   digest,
	}
}
