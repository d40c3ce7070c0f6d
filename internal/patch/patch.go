package patch

import (
	"context"
	"fmt"
	"io"

	"github.com/sugar-network/sugar/internal/db"
	"github.com/sugar-network/sugar/internal/ranges"
)

// Source yields diff records; io.EOF terminates the stream.
type Source func() (*Record, error)

// Apply consumes a diff stream into the volume. With shiftSeqno each applied
// record is stamped from the volume's counter; without it incoming seqnos
// are suppressed (raw replica seeding). Returns the receiver-side seqnos
// stamped onto the applied records and the sender-side committed ranges;
// the two live in different seqno spaces. Malformed records fail the whole
// call.
func Apply(ctx context.Context, vol *db.Volume, next Source, shiftSeqno bool) (ranges.Ranges, ranges.Ranges, error) {
	var (
		dir       *db.Directory
		stamped   ranges.Ranges
		committed ranges.Ranges
	)
	alloc := func() int64 {
		s := vol.Seqno().Next()
		_ = stamped.Include(s, s)
		return s
	}
	if !shiftSeqno {
		alloc = nil
	}
	for {
		rec, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stamped, committed, err
		}
		switch rec.Kind() {
		case "resource":
			dir, err = vol.Directory(rec.Resource)
			if err != nil {
				return stamped, committed, err
			}
		case "patch":
			if dir == nil {
				return stamped, committed, fmt.Errorf("patch: record before resource header")
			}
			if _, _, err := dir.Patch(ctx, rec.GUID, rec.Patch, alloc); err != nil {
				return stamped, committed, err
			}
		case "blob":
			if vol.Blobs().Exists(ctx, rec.Blob.Digest) {
				rec.Payload.Close()
				continue
			}
			meta := *rec.Blob
			if shiftSeqno {
				meta.Seqno = alloc()
				if err := vol.Seqno().Commit(); err != nil {
					return stamped, committed, err
				}
			}
			if _, err := vol.Blobs().Post(ctx, rec.Payload, meta); err != nil {
				rec.Payload.Close()
				return stamped, committed, err
			}
			rec.Payload.Close()
		case "file":
			seqno := rec.File.Seqno
			if shiftSeqno {
				seqno = alloc()
				if err := vol.Seqno().Commit(); err != nil {
					return stamped, committed, err
				}
			}
			if _, err := vol.Blobs().PostFile(ctx, rec.File.Dir, rec.File.Path, rec.Payload, rec.File.ContentType, seqno); err != nil {
				rec.Payload.Close()
				return stamped, committed, err
			}
			rec.Payload.Close()
		case "commit":
			if err := committed.IncludeRanges(rec.Commit); err != nil {
				return stamped, committed, err
			}
		default:
			return stamped, committed, fmt.Errorf("patch: malformed record")
		}
	}
	if err := vol.Seqno().Commit(); err != nil {
		return stamped, committed, err
	}
	return stamped, committed, nil
}

// ApplyRecords applies an in-memory record slice.
func ApplyRecords(ctx context.Context, vol *db.Volume, records []*Record, shiftSeqno bool) (ranges.Ranges, ranges.Ranges, error) {
	idx := 0
	return Apply(ctx, vol, func() (*Record, error) {
		if idx >= len(records) {
			return nil, io.EOF
		}
		rec := records[idx]
		idx++
		return rec, nil
	}, shiftSeqno)
}
