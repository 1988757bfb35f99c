package mirror

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/klauspost/compress/zstd"
	"github.com/openmined/mirrorbox/internal/backend"
	"github.com/openmined/mirrorbox/internal/channel"
)

// IndexRebuilder regenerates a subdir's repodata from the artifacts confirmed
// present after the subdir's transfers are terminal. Single writer per
// subdir index: only the rebuilder touches it, and only after the barrier.
type IndexRebuilder struct {
	dest backend.Backend
}

func NewIndexRebuilder(dest backend.Backend) *IndexRebuilder {
	return &IndexRebuilder{dest: dest}
}

// ConfirmedRecords derives the authoritative post-sync record set from the
// plan and the execution result, not from the plan alone: failed copies are
// excluded, conflicting filenames keep the destination's existing record,
// and stale artifacts that were not pruned stay listed.
func ConfirmedRecords(plan *Plan, result *SubdirResult, dest *DestState) []*channel.PackageRecord {
	var records []*channel.PackageRecord

	records = append(records, plan.ToSkip...)
	records = append(records, result.Copied...)
	for _, c := range plan.Conflicts {
		records = append(records, c.DestRecord)
	}

	if !plan.PruneEnabled {
		for _, filename := range plan.Stale {
			if rec, ok := dest.Records[filename]; ok {
				records = append(records, rec)
			}
		}
	} else {
		pruned := make(map[string]bool, len(result.Pruned))
		for _, filename := range result.Pruned {
			pruned[filename] = true
		}
		// prune failures leave the artifact in place; keep it listed
		for _, filename := range plan.Stale {
			if !pruned[filename] {
				if rec, ok := dest.Records[filename]; ok {
					records = append(records, rec)
				}
			}
		}
	}

	return records
}

// Rebuild writes repodata.json and repodata.json.zst for the subdir via the
// same atomic publish discipline as artifact writes. Index metadata the
// mirror does not interpret (removed list, repodata_version) is carried over
// from the source document.
func (ir *IndexRebuilder) Rebuild(ctx context.Context, subdir string, records []*channel.PackageRecord, src *channel.RepoData) error {
	rd := channel.BuildRepoData(subdir, records, src)
	data, err := rd.Marshal()
	if err != nil {
		return fmt.Errorf("marshal repodata for %s: %w", subdir, err)
	}

	key := path.Join(subdir, channel.RepodataFile)
	if err := ir.dest.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	compressed, err := zstdCompress(data)
	if err != nil {
		return fmt.Errorf("compress repodata for %s: %w", subdir, err)
	}
	zstKey := path.Join(subdir, channel.RepodataZstFile)
	if err := ir.dest.Put(ctx, zstKey, bytes.NewReader(compressed), int64(len(compressed))); err != nil {
		return fmt.Errorf("write %s: %w", zstKey, err)
	}

	slog.Info("index rebuilt", "subdir", subdir, "records", len(records), "bytes", len(data))
	return nil
}

func zstdCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
