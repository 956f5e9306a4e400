// Package validate performs stateless syntactic checks on package
// names, versions, and publish request fields. Pattern matchers are
// compiled once at init and never mutated.
package validate

import (
	"fmt"
	"mime"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

const (
	MaxNameLen        = 100
	MaxDescriptionLen = 1000
	MaxTags           = 10
	MaxTagLen         = 50
)

var (
	namePattern    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// archiveContentTypes are the declared media types accepted for the
// uploaded file part.
var archiveContentTypes = map[string]bool{
	"application/zip":              true,
	"application/x-zip-compressed": true,
	"application/octet-stream":     true,
}

// ValidName reports whether name is usable as a package identity and as
// a filesystem path segment: non-empty, at most MaxNameLen characters,
// and drawn from [A-Za-z0-9_-] only. The pattern already excludes "..",
// "/", and "\" so a valid name can never escape the storage root.
func ValidName(name string) bool {
	if name == "" || len(name) > MaxNameLen {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return namePattern.MatchString(name)
}

// ValidVersion reports whether v is a strict three-component numeric
// version. The regexp gates the form; the semver parse rejects
// components that overflow the parser.
func ValidVersion(v string) bool {
	if v == "" || !versionPattern.MatchString(v) {
		return false
	}
	_, err := semver.StrictNewVersion(v)
	return err == nil
}

// UploadRequest holds the caller-supplied publish fields before any
// side effect happens.
type UploadRequest struct {
	Name        string
	Version     string
	Description string
	Tags        []string

	// HasFile and Filename/ContentType describe the multipart file
	// part; the payload itself is not validated here.
	HasFile     bool
	Filename    string
	ContentType string
}

// Result aggregates field-level validation errors. OK is true only when
// Errors is empty.
type Result struct {
	OK     bool
	Errors []string
}

// CheckUpload validates every field of req and returns all failures in
// field order. It never panics and always returns a Result.
func CheckUpload(req UploadRequest) Result {
	var errs []string

	switch {
	case req.Name == "":
		errs = append(errs, "name is required")
	case !ValidName(req.Name):
		errs = append(errs, fmt.Sprintf("name %q is invalid: must be 1-%d characters of letters, digits, hyphen, or underscore", req.Name, MaxNameLen))
	}

	switch {
	case req.Version == "":
		errs = append(errs, "version is required")
	case !ValidVersion(req.Version):
		errs = append(errs, fmt.Sprintf("version %q is invalid: must be MAJOR.MINOR.PATCH", req.Version))
	}

	if len(req.Description) > MaxDescriptionLen {
		errs = append(errs, fmt.Sprintf("description exceeds %d characters", MaxDescriptionLen))
	}

	if len(req.Tags) > MaxTags {
		errs = append(errs, fmt.Sprintf("too many tags: %d (maximum %d)", len(req.Tags), MaxTags))
	}
	for _, tag := range req.Tags {
		if len(tag) > MaxTagLen {
			errs = append(errs, fmt.Sprintf("tag %q exceeds %d characters", tag, MaxTagLen))
		}
	}

	if !req.HasFile {
		errs = append(errs, "file is required")
	} else {
		if !strings.HasSuffix(strings.ToLower(req.Filename), ".zip") {
			errs = append(errs, fmt.Sprintf("file %q must have a .zip extension", req.Filename))
		}
		if req.ContentType != "" && !archiveContentType(req.ContentType) {
			errs = append(errs, fmt.Sprintf("content type %q is not an archive type", req.ContentType))
		}
	}

	return Result{OK: len(errs) == 0, Errors: errs}
}

// SplitTags parses the comma-separated tags field, trimming whitespace
// and dropping empty entries.
func SplitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func archiveContentType(ct string) bool {
	parsed, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return archiveContentTypes[strings.ToLower(parsed)]
}
