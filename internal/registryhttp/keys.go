package registryhttp

import (
	"strings"

	"github.com/keithlinneman/linnemanlabs-registry/internal/registry"
	"github.com/keithlinneman/linnemanlabs-registry/internal/xerrors"
)

// ParseKeys parses API key entries of the form key:subject[:admin],
// separated by commas or newlines. Blank entries and #-comment lines
// are skipped. The admin marker grants delete permission.
func ParseKeys(spec string) (map[string]registry.Principal, error) {
	keys := make(map[string]registry.Principal)
	entries := strings.FieldsFunc(spec, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, xerrors.Newf("malformed API key entry %q (want key:subject[:admin])", entry)
		}
		p := registry.Principal{Subject: parts[1]}
		if len(parts) == 3 {
			if parts[2] != "admin" {
				return nil, xerrors.Newf("unknown role %q in API key entry (only admin is recognized)", parts[2])
			}
			p.CanDelete = true
		}
		if _, dup := keys[parts[0]]; dup {
			return nil, xerrors.Newf("duplicate API key for subject %q", parts[1])
		}
		keys[parts[0]] = p
	}
	return keys, nil
}
