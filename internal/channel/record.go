package channel

import (
	"path"
	"strings"

	"github.com/goccy/go-json"
)

const (
	// RepodataFile is the metadata index document published per subdir.
	RepodataFile = "repodata.json"

	// RepodataZstFile is the zstd-compressed variant of the index.
	RepodataZstFile = "repodata.json.zst"

	ExtConda  = ".conda"
	ExtTarBz2 = ".tar.bz2"
)

// KnownSubdirs are the platform partitions a channel may carry. Used to probe
// the source when no subdirs are configured.
var KnownSubdirs = []string{
	"noarch",
	"linux-32",
	"linux-64",
	"linux-aarch64",
	"linux-armv6l",
	"linux-armv7l",
	"linux-ppc64le",
	"linux-riscv64",
	"linux-s390x",
	"osx-64",
	"osx-arm64",
	"win-32",
	"win-64",
	"win-arm64",
	"freebsd-64",
	"emscripten-wasm32",
	"wasi-wasm32",
	"zos-z",
}

// IsPackageFile reports whether filename looks like a conda package artifact.
func IsPackageFile(filename string) bool {
	return strings.HasSuffix(filename, ExtConda) || strings.HasSuffix(filename, ExtTarBz2)
}

// PackageRecord is one package artifact as described by a repodata index.
// JSON field names follow the repodata schema so rebuilt indexes stay
// parseable by standard conda clients. Fields the mirror does not interpret
// (track_features, license_family, arch, ...) are retained verbatim in Extra
// and re-emitted on marshal, keeping the rebuilt index solver-equivalent to
// the source.
type PackageRecord struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Build       string   `json:"build"`
	BuildNumber uint64   `json:"build_number"`
	Subdir      string   `json:"subdir,omitempty"`
	Sha256      string   `json:"sha256,omitempty"`
	Md5         string   `json:"md5,omitempty"`
	Size        int64    `json:"size,omitempty"`
	Depends     []string `json:"depends"`
	Constrains  []string `json:"constrains,omitempty"`
	License     string   `json:"license,omitempty"`
	NoArch      string   `json:"noarch,omitempty"`
	Timestamp   int64    `json:"timestamp,omitempty"`

	// Filename is the map key of the record within repodata, not a JSON field.
	Filename string `json:"-"`

	// Extra holds repodata fields outside the modeled set, keyed by their
	// JSON name.
	Extra map[string]json.RawMessage `json:"-"`
}

// modeledRecordFields are the JSON keys decoded into typed fields above;
// everything else lands in Extra.
var modeledRecordFields = []string{
	"name", "version", "build", "build_number", "subdir", "sha256", "md5",
	"size", "depends", "constrains", "license", "noarch", "timestamp",
}

func (r *PackageRecord) UnmarshalJSON(data []byte) error {
	type plain PackageRecord
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range modeledRecordFields {
		delete(raw, key)
	}
	if len(raw) > 0 {
		p.Extra = raw
	}

	*r = PackageRecord(p)
	return nil
}

func (r PackageRecord) MarshalJSON() ([]byte, error) {
	type plain PackageRecord
	data, err := json.Marshal(plain(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range r.Extra {
		if _, modeled := merged[key]; !modeled {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// Key uniquely identifies a record within a channel.
func (r *PackageRecord) Key() string {
	return path.Join(r.Subdir, r.Filename)
}
