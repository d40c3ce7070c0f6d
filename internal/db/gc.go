package db

import (
	"context"
	"regexp"
	"time"
)

// GCReport summarizes one housekeeping pass.
type GCReport struct {
	Tombstones int `json:"tombstones"`
	Blobs      int `json:"blobs"`
}

var digestPattern = regexp.MustCompile(`[0-9a-f]{40}`)

// GC drops tombstones older than minAge and blobs no live property
// references. Housekeeping runs offline and never on the sync path.
func (v *Volume) GC(ctx context.Context, minAge time.Duration) (*GCReport, error) {
	report := &GCReport{}
	cutoff := time.Now().Add(-minAge).Unix()
	for _, dir := range v.Directories() {
		guids, err := v.store.TombstonesBefore(ctx, dir.Name(), cutoff)
		if err != nil {
			return nil, err
		}
		for _, guid := range guids {
			if err := v.store.DropResource(ctx, dir.Name(), guid); err != nil {
				return nil, err
			}
			report.Tombstones++
		}
	}

	live := make(map[string]bool)
	for _, dir := range v.Directories() {
		values, err := v.store.AllPropertyValues(ctx, dir.Name())
		if err != nil {
			return nil, err
		}
		for _, value := range values {
			for _, digest := range digestPattern.FindAllString(value, -1) {
				live[digest] = true
			}
		}
	}
	digests, err := v.store.AllBlobDigests(ctx)
	if err != nil {
		return nil, err
	}
	for _, digest := range digests {
		if live[digest] {
			continue
		}
		if err := v.blobs.Delete(ctx, digest); err != nil {
			return nil, err
		}
		report.Blobs++
	}
	return report, nil
}
