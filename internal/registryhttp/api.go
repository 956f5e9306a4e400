// Package registryhttp exposes the registry over HTTP: multipart
// publish, JSON listing and metadata, streamed archive download, and
// authenticated removal. Handlers translate the registry error taxonomy
// to status codes and never leak storage detail to clients.
package registryhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-registry/internal/blob"
	"github.com/keithlinneman/linnemanlabs-registry/internal/log"
	"github.com/keithlinneman/linnemanlabs-registry/internal/registry"
	"github.com/keithlinneman/linnemanlabs-registry/internal/validate"
)

// API serves the public registry endpoints.
type API struct {
	svc       *registry.Service
	auth      IdentityProvider
	logger    log.Logger
	maxUpload int64
}

// NewAPI wires the orchestrator and identity provider into a handler
// set. maxUpload bounds the multipart payload in bytes.
func NewAPI(svc *registry.Service, auth IdentityProvider, logger log.Logger, maxUpload int64) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		svc:       svc,
		auth:      auth,
		logger:    logger,
		maxUpload: maxUpload,
	}
}

// RegisterRoutes attaches the registry API to the router.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/packages", func(r chi.Router) {
		r.Get("/", api.HandleList)
		r.Post("/", api.HandlePublish)
		r.Get("/{name}/versions", api.HandleVersions)
		r.Get("/{name}/stats", api.HandleStats)
		r.Get("/{name}/{version}", api.HandleMetadata)
		r.Get("/{name}/{version}/download", api.HandleDownload)
		r.Delete("/{name}/{version}", api.HandleDelete)
	})
}

// HandlePublish accepts a multipart form with name, version,
// description, tags (comma-separated), and a file part holding the
// archive.
func (api *API) HandlePublish(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := api.identify(w, r); !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, api.maxUpload)
	if err := r.ParseMultipartForm(api.maxUpload); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error: fmt.Sprintf("upload exceeds %d bytes", api.maxUpload),
			})
			return
		}
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{
			Error: "malformed multipart form",
		})
		return
	}
	defer r.MultipartForm.RemoveAll()

	req := registry.PublishRequest{
		Name:        r.FormValue("name"),
		Version:     r.FormValue("version"),
		Description: r.FormValue("description"),
		Tags:        validate.SplitTags(r.FormValue("tags")),
		Author:      r.FormValue("author"),
	}

	file, header, err := r.FormFile("file")
	if err == nil {
		defer file.Close()
		content, readErr := io.ReadAll(file)
		if readErr != nil {
			api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{
				Error: "could not read uploaded file",
			})
			return
		}
		req.Filename = header.Filename
		req.ContentType = header.Header.Get("Content-Type")
		req.Content = content
	}

	rec, err := api.svc.Publish(ctx, req)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}

	api.writeJSON(ctx, w, http.StatusCreated, PublishResponse{
		ID:       rec.ID,
		Name:     rec.Name,
		Version:  rec.Version,
		Checksum: rec.Checksum,
		Size:     rec.Size,
	})
}

// HandleList serves a filtered page of the catalog.
func (api *API) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("pageSize"))

	lp, err := api.svc.List(ctx, q.Get("search"), page, pageSize)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}

	resp := ListResponse{
		Packages:   make([]PackageSummary, 0, len(lp.Records)),
		TotalCount: lp.Total,
		Page:       lp.Page,
		PageSize:   lp.PageSize,
	}
	for _, rec := range lp.Records {
		resp.Packages = append(resp.Packages, summarize(rec))
	}
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

// HandleVersions serves the version list, newest first.
func (api *API) HandleVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")

	versions, err := api.svc.Versions(ctx, name)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, VersionsResponse{Name: name, Versions: versions})
}

// HandleMetadata serves one version's record.
func (api *API) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rec, err := api.svc.FetchMetadata(ctx, chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, MetadataResponse{
		Name:        rec.Name,
		Version:     rec.Version,
		Description: rec.Description,
		Tags:        rec.Tags,
		Author:      rec.Author,
		CreatedAt:   rec.CreatedAt,
		Downloads:   rec.Downloads,
		Checksum:    rec.Checksum,
		Size:        rec.Size,
	})
}

// HandleDownload streams the archive. The copy runs under the request
// context so a disconnected client stops the transfer.
func (api *API) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	version := chi.URLParam(r, "version")

	dl, err := api.svc.Fetch(ctx, name, version)
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	defer dl.Content.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", blob.ArchiveFilename(name, version)))
	if dl.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}

	if _, err := io.Copy(w, dl.Content); err != nil {
		// headers are gone; all we can do is note the broken stream
		api.logger.Debug(ctx, "download stream aborted",
			"package", name,
			"version", version,
			"error", err,
		)
	}
}

// HandleDelete removes one version. Requires a principal with delete
// permission.
func (api *API) HandleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal, ok := api.identify(w, r)
	if !ok {
		return
	}

	err := api.svc.Remove(ctx, *principal, chi.URLParam(r, "name"), chi.URLParam(r, "version"))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats serves cross-version aggregates for one package.
func (api *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := api.svc.Stats(ctx, chi.URLParam(r, "name"))
	if err != nil {
		api.writeError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, StatsResponse{
		Name:           stats.Name,
		TotalDownloads: stats.TotalDownloads,
		VersionCount:   stats.VersionCount,
		LastUpdated:    stats.LastUpdated,
		Versions:       stats.VersionCounts,
	})
}

// identify resolves the X-API-Key header to a principal, writing the
// 401 itself when the key is missing or unknown.
func (api *API) identify(w http.ResponseWriter, r *http.Request) (*registry.Principal, bool) {
	ctx := r.Context()

	key := r.Header.Get("X-API-Key")
	if key == "" {
		api.writeJSON(ctx, w, http.StatusUnauthorized, ErrorResponse{Error: "missing API key"})
		return nil, false
	}
	principal, err := api.auth.Identify(ctx, key)
	if err != nil {
		api.logger.Error(ctx, err, "identity provider failure")
		api.writeJSON(ctx, w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return nil, false
	}
	if principal == nil {
		api.writeJSON(ctx, w, http.StatusUnauthorized, ErrorResponse{Error: "invalid API key"})
		return nil, false
	}
	return principal, true
}

// writeError maps the registry error taxonomy to status codes. Storage
// errors are logged with detail and surfaced generically.
func (api *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		verr *registry.ValidationError
		cerr *registry.ConflictError
		serr *registry.SafetyError
		nerr *registry.NotFoundError
		aerr *registry.AuthError
	)
	switch {
	case errors.As(err, &verr):
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{
			Error:   "validation failed",
			Details: verr.Reasons,
		})
	case errors.As(err, &cerr):
		api.writeJSON(ctx, w, http.StatusConflict, ErrorResponse{Error: cerr.Error()})
	case errors.As(err, &serr):
		api.writeJSON(ctx, w, http.StatusUnprocessableEntity, ErrorResponse{Error: serr.Error()})
	case errors.As(err, &nerr):
		api.writeJSON(ctx, w, http.StatusNotFound, ErrorResponse{Error: nerr.Error()})
	case errors.As(err, &aerr):
		api.writeJSON(ctx, w, http.StatusForbidden, ErrorResponse{Error: aerr.Error()})
	default:
		api.logger.Error(ctx, err, "registry operation failed")
		api.writeJSON(ctx, w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
