package registryhttp

import (
	"time"

	"github.com/keithlinneman/linnemanlabs-registry/internal/catalog"
)

// PublishResponse confirms a stored package version.
type PublishResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Checksum string `json:"checksum"`
	Size     int64  `json:"size"`
}

// PackageSummary is one row of a listing. The internal record id and
// checksum are deliberately absent here; the per-version metadata
// endpoint carries the checksum for clients that verify downloads.
type PackageSummary struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Author      string    `json:"author,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Downloads   int64     `json:"downloads"`
	Size        int64     `json:"size"`
}

// ListResponse is one page of the catalog.
type ListResponse struct {
	Packages   []PackageSummary `json:"packages"`
	TotalCount int              `json:"total_count"`
	Page       int              `json:"page"`
	PageSize   int              `json:"page_size"`
}

// MetadataResponse is the full public view of one package version.
type MetadataResponse struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Author      string    `json:"author,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Downloads   int64     `json:"downloads"`
	Checksum    string    `json:"checksum"`
	Size        int64     `json:"size"`
}

// VersionsResponse lists a package's versions newest first.
type VersionsResponse struct {
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
}

// StatsResponse aggregates a package across its versions.
type StatsResponse struct {
	Name           string           `json:"name"`
	TotalDownloads int64            `json:"total_downloads"`
	VersionCount   int              `json:"version_count"`
	LastUpdated    time.Time        `json:"last_updated"`
	Versions       map[string]int64 `json:"versions"`
}

// ErrorResponse carries a stable top-level message plus optional
// field-level details.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func summarize(rec *catalog.Record) PackageSummary {
	return PackageSummary{
		Name:        rec.Name,
		Version:     rec.Version,
		Description: rec.Description,
		Tags:        rec.Tags,
		Author:      rec.Author,
		CreatedAt:   rec.CreatedAt,
		Downloads:   rec.Downloads,
		Size:        rec.Size,
	}
}
