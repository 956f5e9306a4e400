// Package archive inspects uploaded zip payloads for resource-exhaustion
// and path-escape attacks. It reads only the archive's declared
// structure and never extracts entry content.
package archive

import (
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/keithlinneman/linnemanlabs-registry/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-registry/internal/pathutil"
	"github.com/keithlinneman/linnemanlabs-registry/internal/xerrors"
)

const (
	// MaxUncompressedBytes caps the declared total uncompressed size of
	// all entries. Anything above is treated as a zip bomb.
	MaxUncompressedBytes uint64 = 100_000_000

	// MaxEntries caps the number of entries regardless of size.
	MaxEntries = 1000
)

// Checksum consumes r to EOF exactly once and returns the lowercase hex
// SHA-256 digest together with the byte count.
func Checksum(r io.Reader) (string, int64, error) {
	sum, n, err := cryptoutil.SHA256HexReader(r)
	if err != nil {
		return "", n, xerrors.Wrap(err, "compute checksum")
	}
	return sum, n, nil
}

// CheckZipSafety opens data as a zip archive and walks its central
// directory, accumulating entry count and declared uncompressed size.
// A nil return means the archive is within limits and contains no
// path-escaping entry names. Unparseable input is a rejection, not a
// panic.
func CheckZipSafety(data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return xerrors.Wrap(err, "not a readable zip archive")
	}

	if len(zr.File) > MaxEntries {
		return xerrors.Newf("archive has %d entries, maximum is %d", len(zr.File), MaxEntries)
	}

	var total uint64
	for _, f := range zr.File {
		if err := checkEntryName(f.Name); err != nil {
			return err
		}

		total += f.UncompressedSize64
		if total > MaxUncompressedBytes {
			return xerrors.Newf("archive declares more than %d uncompressed bytes", MaxUncompressedBytes)
		}
	}
	return nil
}

// checkEntryName rejects names that would escape an extraction
// directory. Both separators are considered: zip writers on Windows
// produce backslashes.
func checkEntryName(name string) error {
	normalized := strings.ReplaceAll(name, `\`, "/")

	if path.IsAbs(normalized) || strings.HasPrefix(normalized, "/") {
		return xerrors.Newf("archive entry %q has an absolute path", name)
	}
	// drive-rooted names like C:/...
	if len(normalized) >= 2 && normalized[1] == ':' {
		return xerrors.Newf("archive entry %q has a rooted path", name)
	}
	// same rule as bundle extraction: any ".." is a traversal attempt
	if strings.Contains(normalized, "..") || pathutil.HasDotSegments(normalized) {
		return xerrors.Newf("archive entry %q contains a path traversal segment", name)
	}
	return nil
}
