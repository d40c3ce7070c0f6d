package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"github.com/sugar-network/sugar/internal/db"
	"github.com/sugar-network/sugar/internal/patch"
	"github.com/sugar-network/sugar/internal/ranges"
)

// diffRow converts one diff record to its wire row; blob and file
// records also return the payload to frame after it.
func diffRow(rec *patch.Record) (Row, io.Reader) {
	row := Row{Type: "diff"}
	switch rec.Kind() {
	case "resource":
		row.Resource = rec.Resource
	case "patch":
		row.GUID = rec.GUID
		row.Patch = rec.Patch
	case "blob":
		row.Blob = rec.Blob
		row.BlobSize = rec.Blob.ContentLength
		return row, rec.Payload
	case "file":
		row.File = rec.File
		row.BlobSize = rec.File.ContentLength
		return row, rec.Payload
	case "commit":
		row.Commit = rec.Commit
	}
	return row, nil
}

// rowRecord converts a wire diff row back into a patch record.
func rowRecord(row Row, payload []byte) *patch.Record {
	rec := &patch.Record{
		Resource: row.Resource,
		GUID:     row.GUID,
		Patch:    row.Patch,
		Blob:     row.Blob,
		File:     row.File,
		Commit:   row.Commit,
	}
	if payload != nil {
		rec.Payload = io.NopCloser(bytes.NewReader(payload))
	}
	return rec
}

// writeDiff streams a differ into the packet, stopping early when stop
// returns true after a row; the differ then emits its partial commit.
func writeDiff(ctx context.Context, pw *PacketWriter, d *patch.Differ, stop func() bool) error {
	for {
		rec, err := d.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		row, payload := diffRow(rec)
		err = pw.WriteRow(row, payload)
		if rec.Payload != nil {
			rec.Payload.Close()
		}
		if err != nil {
			return err
		}
		if rec.Kind() == "commit" {
			return nil
		}
		if stop != nil && stop() {
			d.Stop()
		}
	}
}

// Exchange is the slave's bookkeeping for one sync cycle.
type Exchange struct {
	Pull ranges.Ranges
	Push ranges.Ranges
}

// SyncResult sums up what one cycle achieved on the slave side. Acked,
// Failed and Stamped are local seqnos; Pulled and Echo are master
// seqnos. Stamped leaves the push window and Echo the pull window so
// neither replica ever syncs its peer's own data back.
type SyncResult struct {
	Acked   ranges.Ranges // push seqnos the master committed
	Failed  ranges.Ranges // push seqnos to retry next cycle
	Pulled  ranges.Ranges // master seqnos applied locally
	Stamped ranges.Ranges // local seqnos allocated while applying the pull
	Echo    ranges.Ranges // master seqnos allocated while applying the push
}

// WriteSyncRequest emits the slave's request packet: a pull row for the
// ranges it lacks and a push diff for the ranges the peer lacks.
func WriteSyncRequest(ctx context.Context, w io.Writer, vol *db.Volume, self, to string, x Exchange) error {
	pw, err := NewPacketWriter(w, Header{GUID: uuid.NewString(), Sender: self, To: to})
	if err != nil {
		return err
	}
	if err := pw.WriteRow(Row{Type: "pull", Ranges: x.Pull}, nil); err != nil {
		return err
	}
	if len(x.Push) > 0 {
		d := patch.NewDiffer(vol, patch.DiffOptions{Include: x.Push.Clone(), OneWay: true, Blobs: true})
		if err := writeDiff(ctx, pw, d, nil); err != nil {
			return err
		}
	} else {
		if err := pw.WriteRow(Row{Type: "diff", Commit: ranges.Ranges{}}, nil); err != nil {
			return err
		}
	}
	return pw.Close()
}

// ServeSync is the master side of cmd=sync: it applies the pushed diff,
// acknowledges it, and answers the pull with its own push.
func ServeSync(ctx context.Context, vol *db.Volume, self string, in io.Reader, out io.Writer) error {
	pr, err := NewPacketReader(in)
	if err != nil {
		return err
	}
	defer pr.Close()

	var pull ranges.Ranges
	stamped, committed, claimed, err := applyRows(ctx, vol, pr, &pull)
	if err != nil {
		return err
	}
	failed := claimed.Clone()
	if err := failed.ExcludeRanges(committed); err != nil {
		return err
	}

	pw, err := NewPacketWriter(out, Header{GUID: uuid.NewString(), Sender: self, To: pr.Header().Sender})
	if err != nil {
		return err
	}
	ack := Row{Type: "ack", To: pr.Header().Sender, Ack: committed, Ranges: failed, Applied: stamped}
	if err := pw.WriteRow(ack, nil); err != nil {
		return err
	}
	d := patch.NewDiffer(vol, patch.DiffOptions{Include: pull.Clone(), OneWay: true, Blobs: true})
	if err := writeDiff(ctx, pw, d, nil); err != nil {
		return err
	}
	return pw.Close()
}

// ReadSyncResponse applies the master's answer on the slave.
func ReadSyncResponse(ctx context.Context, vol *db.Volume, in io.Reader) (SyncResult, error) {
	var result SyncResult
	pr, err := NewPacketReader(in)
	if err != nil {
		return result, err
	}
	defer pr.Close()

	for {
		row, payload, err := pr.Next()
		if err == io.EOF {
			return result, nil
		}
		if err != nil {
			return result, err
		}
		switch row.Type {
		case "ack":
			if err := result.Acked.IncludeRanges(row.Ack); err != nil {
				return result, err
			}
			if err := result.Failed.IncludeRanges(row.Ranges); err != nil {
				return result, err
			}
			if err := result.Echo.IncludeRanges(row.Applied); err != nil {
				return result, err
			}
		case "diff":
			stamped, committed, _, err := applyRowStream(ctx, vol, pr, row, payload)
			if err != nil {
				return result, err
			}
			if err := result.Pulled.IncludeRanges(committed); err != nil {
				return result, err
			}
			if err := result.Stamped.IncludeRanges(stamped); err != nil {
				return result, err
			}
		default:
			return result, fmt.Errorf("sync: unexpected row %q in response", row.Type)
		}
	}
}

// applyRows drains a request packet: pull rows accumulate into pull,
// diff rows apply to the volume up to their commit.
func applyRows(ctx context.Context, vol *db.Volume, pr *PacketReader, pull *ranges.Ranges) (stamped, committed, claimed ranges.Ranges, err error) {
	for {
		row, payload, err := pr.Next()
		if err == io.EOF {
			return stamped, committed, claimed, nil
		}
		if err != nil {
			return stamped, committed, claimed, err
		}
		switch row.Type {
		case "pull":
			if err := pull.IncludeRanges(row.Ranges); err != nil {
				return stamped, committed, claimed, err
			}
		case "diff":
			local, done, want, err := applyRowStream(ctx, vol, pr, row, payload)
			if err != nil {
				return stamped, committed, claimed, err
			}
			if err := stamped.IncludeRanges(local); err != nil {
				return stamped, committed, claimed, err
			}
			if err := committed.IncludeRanges(done); err != nil {
				return stamped, committed, claimed, err
			}
			if err := claimed.IncludeRanges(want); err != nil {
				return stamped, committed, claimed, err
			}
		default:
			return stamped, committed, claimed, fmt.Errorf("sync: unexpected row %q in request", row.Type)
		}
	}
}

// applyRowStream applies one push: the given first diff row and every
// following diff row until the commit. An application error consumes
// the rest of the push so its claimed range can be failed rather than
// aborting the exchange. stamped is in the receiver's seqno space,
// committed and claimed in the sender's.
func applyRowStream(ctx context.Context, vol *db.Volume, pr *PacketReader, first Row, firstPayload []byte) (stamped, committed, claimed ranges.Ranges, err error) {
	rows := []*patch.Record{rowRecord(first, firstPayload)}
	if first.Commit == nil {
		for {
			row, payload, err := pr.Next()
			if err != nil {
				return nil, nil, nil, err
			}
			if row.Type != "diff" {
				return nil, nil, nil, fmt.Errorf("sync: row %q inside diff stream", row.Type)
			}
			rows = append(rows, rowRecord(row, payload))
			if row.Commit != nil {
				claimed = row.Commit
				break
			}
		}
	} else {
		claimed = first.Commit
	}

	stamped, committed, applyErr := patch.ApplyRecords(ctx, vol, rows, true)
	if applyErr != nil {
		// claimed minus committed becomes the peer's failed range
		log.Printf("sync: push apply failed err=%v claimed=%v", applyErr, claimed)
	}
	return stamped, committed, claimed, nil
}
