// Package registry composes the catalog and blob stores into the
// publish, fetch, remove, and reporting workflows, and owns the
// cross-store consistency policy: blobs are written before their
// catalog record on publish, and catalog records are deleted before
// their blob on removal, so the only reachable inconsistency is an
// orphan blob, never metadata pointing at nothing.
package registry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-registry/internal/archive"
	"github.com/keithlinneman/linnemanlabs-registry/internal/blob"
	"github.com/keithlinneman/linnemanlabs-registry/internal/catalog"
	"github.com/keithlinneman/linnemanlabs-registry/internal/log"
	"github.com/keithlinneman/linnemanlabs-registry/internal/validate"
)

// Catalog is the metadata store surface the orchestrator needs.
type Catalog interface {
	InsertIfAbsent(ctx context.Context, rec *catalog.Record) error
	Get(ctx context.Context, name, version string) (*catalog.Record, error)
	List(ctx context.Context, search string, page, pageSize int) ([]*catalog.Record, int, error)
	ListVersions(ctx context.Context, name string) ([]string, error)
	Remove(ctx context.Context, name, version string) (bool, error)
	IncrementDownloads(ctx context.Context, name, version string) error
	Stats(ctx context.Context, name string) (*catalog.PackageStats, error)
}

// Principal is an opaque authenticated caller produced by an identity
// provider. The orchestrator never sees credential material.
type Principal struct {
	Subject   string
	CanDelete bool
}

// Hooks are optional observability callbacks, wired to metrics by the
// caller.
type Hooks struct {
	OnPublish      func()
	OnConflict     func()
	OnSafetyReject func()
	OnDownload     func()
	OnRemove       func()
}

// Service is the registry orchestrator.
type Service struct {
	catalog Catalog
	blobs   blob.ContentStore
	logger  log.Logger
	hooks   Hooks
	now     func() time.Time

	// pubLocks serializes publishes of the same (name, version) so the
	// orphan reclaim in storeBlob cannot delete a blob another publish
	// in this process just wrote. Cross-process publishers are still
	// arbitrated by the catalog's uniqueness constraint.
	pubLocks sync.Map
}

func New(cat Catalog, blobs blob.ContentStore, logger log.Logger, hooks Hooks) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		catalog: cat,
		blobs:   blobs,
		logger:  logger,
		hooks:   hooks,
		now:     time.Now,
	}
}

// PublishRequest carries the caller-supplied fields for one publish.
type PublishRequest struct {
	Name        string
	Version     string
	Description string
	Tags        []string
	Author      string
	Filename    string
	ContentType string
	Content     []byte
}

// Publish validates, safety-checks, stores, and catalogs one package
// version. The catalog insert's uniqueness constraint is the sole
// arbiter of conflicts; the blob layer's write-once refusal only counts
// as a conflict when the catalog confirms a record, otherwise the blob
// is debris from an interrupted publish and the key is reclaimed. On a
// lost catalog race the just-written blob is deleted so no orphan
// remains.
func (s *Service) Publish(ctx context.Context, req PublishRequest) (*catalog.Record, error) {
	res := validate.CheckUpload(validate.UploadRequest{
		Name:        req.Name,
		Version:     req.Version,
		Description: req.Description,
		Tags:        req.Tags,
		HasFile:     len(req.Content) > 0,
		Filename:    req.Filename,
		ContentType: req.ContentType,
	})
	if !res.OK {
		return nil, &ValidationError{Reasons: res.Errors}
	}

	if err := archive.CheckZipSafety(req.Content); err != nil {
		if s.hooks.OnSafetyReject != nil {
			s.hooks.OnSafetyReject()
		}
		return nil, &SafetyError{Reason: err.Error()}
	}

	checksum, size, err := archive.Checksum(bytes.NewReader(req.Content))
	if err != nil {
		return nil, &StorageError{Op: "checksum", Err: err}
	}

	unlock := s.lockKey(req.Name, req.Version)
	defer unlock()

	if err := s.storeBlob(ctx, req); err != nil {
		return nil, err
	}

	rec := &catalog.Record{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Version:     req.Version,
		Description: req.Description,
		Tags:        req.Tags,
		Author:      req.Author,
		CreatedAt:   s.now().UTC(),
		Checksum:    checksum,
		Size:        size,
	}

	if err := s.catalog.InsertIfAbsent(ctx, rec); err != nil {
		// either way the blob we just wrote must not be left behind
		s.compensateBlob(ctx, req.Name, req.Version)

		if errors.Is(err, catalog.ErrConflict) {
			if s.hooks.OnConflict != nil {
				s.hooks.OnConflict()
			}
			return nil, &ConflictError{Name: req.Name, Version: req.Version}
		}
		return nil, &StorageError{Op: "catalog insert", Err: err}
	}

	if s.hooks.OnPublish != nil {
		s.hooks.OnPublish()
	}
	s.logger.Info(ctx, "package published",
		"package", rec.Name,
		"version", rec.Version,
		"size", rec.Size,
		"checksum", rec.Checksum,
	)
	return rec, nil
}

func (s *Service) lockKey(name, version string) func() {
	m, _ := s.pubLocks.LoadOrStore(name+"@"+version, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// storeBlob writes the archive. An existing blob is a conflict only
// when the catalog holds a record for the key. A record-less blob is
// left over from a publish that died between its blob write and its
// catalog insert; that key must stay publishable, so the stale blob is
// deleted and the write retried once.
func (s *Service) storeBlob(ctx context.Context, req PublishRequest) error {
	_, err := s.blobs.Store(ctx, req.Name, req.Version, bytes.NewReader(req.Content))
	if err == nil {
		return nil
	}
	if !errors.Is(err, blob.ErrExists) {
		return &StorageError{Op: "blob write", Err: err}
	}

	rec, gerr := s.catalog.Get(ctx, req.Name, req.Version)
	if gerr != nil {
		return &StorageError{Op: "catalog read", Err: gerr}
	}
	if rec != nil {
		if s.hooks.OnConflict != nil {
			s.hooks.OnConflict()
		}
		return &ConflictError{Name: req.Name, Version: req.Version}
	}

	s.logger.Warn(ctx, "reclaiming orphaned blob from interrupted publish",
		"package", req.Name,
		"version", req.Version,
	)
	if _, rerr := s.blobs.Remove(ctx, req.Name, req.Version); rerr != nil {
		return &StorageError{Op: "blob reclaim", Err: rerr}
	}
	if _, serr := s.blobs.Store(ctx, req.Name, req.Version, bytes.NewReader(req.Content)); serr != nil {
		if errors.Is(serr, blob.ErrExists) {
			// a concurrent publish took the key between reclaim and rewrite
			if s.hooks.OnConflict != nil {
				s.hooks.OnConflict()
			}
			return &ConflictError{Name: req.Name, Version: req.Version}
		}
		return &StorageError{Op: "blob write", Err: serr}
	}
	return nil
}

// compensateBlob removes a blob written by a publish that lost the
// catalog race. A failed compensation is logged for offline
// reconciliation, never escalated past the original error.
func (s *Service) compensateBlob(ctx context.Context, name, version string) {
	if _, err := s.blobs.Remove(ctx, name, version); err != nil {
		s.logger.Error(ctx, err, "orphan blob left behind after failed publish",
			"package", name,
			"version", version,
		)
	}
}

// Download is an open package archive ready to stream.
type Download struct {
	Record  *catalog.Record
	Content io.ReadCloser
	Size    int64
}

// Fetch returns the record and an open reader over its archive. A
// record whose blob is missing is store corruption and surfaces as a
// StorageError, distinct from not-found. The download counter is
// incremented once streaming is initiated; an increment failure never
// fails the download.
func (s *Service) Fetch(ctx context.Context, name, version string) (*Download, error) {
	if err := s.checkKey(name, version); err != nil {
		return nil, err
	}

	rec, err := s.catalog.Get(ctx, name, version)
	if err != nil {
		return nil, &StorageError{Op: "catalog read", Err: err}
	}
	if rec == nil {
		return nil, &NotFoundError{Name: name, Version: version}
	}

	rc, size, err := s.blobs.Open(ctx, name, version)
	if err != nil {
		if errors.Is(err, blob.ErrNotExist) {
			return nil, &StorageError{Op: "blob read (record exists but blob is missing)", Err: err}
		}
		return nil, &StorageError{Op: "blob read", Err: err}
	}

	if err := s.catalog.IncrementDownloads(ctx, name, version); err != nil {
		s.logger.Warn(ctx, "download counter increment failed",
			"package", name,
			"version", version,
			"error", err,
		)
	}
	if s.hooks.OnDownload != nil {
		s.hooks.OnDownload()
	}

	return &Download{Record: rec, Content: rc, Size: size}, nil
}

// FetchMetadata returns just the record.
func (s *Service) FetchMetadata(ctx context.Context, name, version string) (*catalog.Record, error) {
	if err := s.checkKey(name, version); err != nil {
		return nil, err
	}
	rec, err := s.catalog.Get(ctx, name, version)
	if err != nil {
		return nil, &StorageError{Op: "catalog read", Err: err}
	}
	if rec == nil {
		return nil, &NotFoundError{Name: name, Version: version}
	}
	return rec, nil
}

// Remove deletes the catalog record first, then the blob. A blob
// deletion failure after the record is gone leaves an orphan that is
// logged for reconciliation; the metadata is never resurrected.
func (s *Service) Remove(ctx context.Context, principal Principal, name, version string) error {
	if err := s.checkKey(name, version); err != nil {
		return err
	}
	if !principal.CanDelete {
		return &AuthError{Reason: "caller may not delete packages"}
	}

	deleted, err := s.catalog.Remove(ctx, name, version)
	if err != nil {
		return &StorageError{Op: "catalog delete", Err: err}
	}
	if !deleted {
		return &NotFoundError{Name: name, Version: version}
	}

	if _, err := s.blobs.Remove(ctx, name, version); err != nil {
		s.logger.Error(ctx, err, "orphan blob left behind after record removal",
			"package", name,
			"version", version,
			"removed_by", principal.Subject,
		)
	}

	if s.hooks.OnRemove != nil {
		s.hooks.OnRemove()
	}
	s.logger.Info(ctx, "package removed",
		"package", name,
		"version", version,
		"removed_by", principal.Subject,
	)
	return nil
}

// ListPage is one page of catalog records.
type ListPage struct {
	Records  []*catalog.Record
	Total    int
	Page     int
	PageSize int
}

const (
	defaultPage     = 1
	defaultPageSize = 10
	maxPageSize     = 100
)

// List returns a filtered, paginated view of the catalog. Out-of-range
// paging values clamp to defaults rather than erroring.
func (s *Service) List(ctx context.Context, search string, page, pageSize int) (*ListPage, error) {
	if page < 1 {
		page = defaultPage
	}
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	recs, total, err := s.catalog.List(ctx, search, page, pageSize)
	if err != nil {
		return nil, &StorageError{Op: "catalog list", Err: err}
	}
	return &ListPage{Records: recs, Total: total, Page: page, PageSize: pageSize}, nil
}

// Versions returns the package's versions newest first, or a
// NotFoundError when the package has none.
func (s *Service) Versions(ctx context.Context, name string) ([]string, error) {
	if !validate.ValidName(name) {
		return nil, &ValidationError{Reasons: []string{"invalid package name"}}
	}
	versions, err := s.catalog.ListVersions(ctx, name)
	if err != nil {
		return nil, &StorageError{Op: "catalog list versions", Err: err}
	}
	if len(versions) == 0 {
		return nil, &NotFoundError{Name: name}
	}
	return versions, nil
}

// Stats aggregates the package's versions, a pure catalog read.
func (s *Service) Stats(ctx context.Context, name string) (*catalog.PackageStats, error) {
	if !validate.ValidName(name) {
		return nil, &ValidationError{Reasons: []string{"invalid package name"}}
	}
	stats, err := s.catalog.Stats(ctx, name)
	if err != nil {
		return nil, &StorageError{Op: "catalog stats", Err: err}
	}
	if stats == nil {
		return nil, &NotFoundError{Name: name}
	}
	return stats, nil
}

func (s *Service) checkKey(name, version string) error {
	var reasons []string
	if !validate.ValidName(name) {
		reasons = append(reasons, "invalid package name")
	}
	if !validate.ValidVersion(version) {
		reasons = append(reasons, "invalid version")
	}
	if len(reasons) > 0 {
		return &ValidationError{Reasons: reasons}
	}
	return nil
}
