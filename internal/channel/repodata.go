package channel

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

const repodataVersion = 1

type RepoDataInfo struct {
	Subdir string `json:"subdir"`
}

// RepoData is the per-subdir metadata index. Legacy .tar.bz2 packages live
// under "packages", newer .conda packages under "packages.conda".
type RepoData struct {
	Info          RepoDataInfo              `json:"info"`
	Packages      map[string]*PackageRecord `json:"packages"`
	CondaPackages map[string]*PackageRecord `json:"packages.conda"`
	Removed       []string                  `json:"removed"`
	Version       int                       `json:"repodata_version"`
}

// ParseRepoData decodes an index document and stamps each record with its
// filename and subdir.
func ParseRepoData(r io.Reader) (*RepoData, error) {
	var rd RepoData
	if err := json.NewDecoder(r).Decode(&rd); err != nil {
		return nil, fmt.Errorf("parse repodata: %w", err)
	}
	if rd.Packages == nil {
		rd.Packages = make(map[string]*PackageRecord)
	}
	if rd.CondaPackages == nil {
		rd.CondaPackages = make(map[string]*PackageRecord)
	}
	for filename, rec := range rd.Packages {
		if rec == nil {
			return nil, fmt.Errorf("parse repodata: null record %q", filename)
		}
		rec.Filename = filename
		if rec.Subdir == "" {
			rec.Subdir = rd.Info.Subdir
		}
	}
	for filename, rec := range rd.CondaPackages {
		if rec == nil {
			return nil, fmt.Errorf("parse repodata: null record %q", filename)
		}
		rec.Filename = filename
		if rec.Subdir == "" {
			rec.Subdir = rd.Info.Subdir
		}
	}
	return &rd, nil
}

// Records returns all package records sorted by filename.
func (rd *RepoData) Records() []*PackageRecord {
	records := make([]*PackageRecord, 0, len(rd.Packages)+len(rd.CondaPackages))
	for _, rec := range rd.Packages {
		records = append(records, rec)
	}
	for _, rec := range rd.CondaPackages {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].Filename < records[j].Filename
	})
	return records
}

// BuildRepoData assembles a fresh index for a subdir from the given records,
// splitting them by archive type. The removed list and repodata_version are
// carried over from src; src may be nil (fresh index).
func BuildRepoData(subdir string, records []*PackageRecord, src *RepoData) *RepoData {
	rd := &RepoData{
		Info:          RepoDataInfo{Subdir: subdir},
		Packages:      make(map[string]*PackageRecord),
		CondaPackages: make(map[string]*PackageRecord),
		Removed:       []string{},
		Version:       repodataVersion,
	}
	if src != nil {
		if src.Removed != nil {
			rd.Removed = src.Removed
		}
		if src.Version != 0 {
			rd.Version = src.Version
		}
	}
	for _, rec := range records {
		switch {
		case strings.HasSuffix(rec.Filename, ExtConda):
			rd.CondaPackages[rec.Filename] = rec
		case strings.HasSuffix(rec.Filename, ExtTarBz2):
			rd.Packages[rec.Filename] = rec
		}
	}
	return rd
}

// Marshal encodes the index. Map keys marshal in sorted order, so the output
// is deterministic for identical record sets.
func (rd *RepoData) Marshal() ([]byte, error) {
	return json.MarshalIndent(rd, "", "  ")
}
