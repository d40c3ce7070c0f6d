package sync

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/sugar-network/sugar/internal/db"
	"github.com/sugar-network/sugar/internal/patch"
	"github.com/sugar-network/sugar/internal/ranges"
)

// DefaultReserved is the per-volume packet size threshold.
const DefaultReserved = 1 << 20

// PacketSuffix names sneakernet packet files.
const PacketSuffix = ".packet.gz"

// FreeSpace reports bytes available on the media holding dir. A nil
// FreeSpace means unlimited.
type FreeSpace func(dir string) (int64, error)

// SwapVolume asks the operator for fresh media and returns its mount
// directory. A nil SwapVolume keeps writing to the current one.
type SwapVolume func() (string, error)

// DirWriterOptions tune packet rotation.
type DirWriterOptions struct {
	Reserved int64
	Free     FreeSpace
	Swap     SwapVolume
}

// DirWriter writes a chain of packet files across one or more media
// volumes. When the current packet outgrows the reserved threshold it
// emits a part row naming the continuation packet and reopens, possibly
// on swapped media.
type DirWriter struct {
	dir    string
	sender string
	to     string
	opts   DirWriterOptions
	file   *os.File
	pw     *PacketWriter
	guid   string
	chain  []string
}

// NewDirWriter starts the first packet of a chain under dir.
func NewDirWriter(dir, sender, to string, opts DirWriterOptions) (*DirWriter, error) {
	if opts.Reserved <= 0 {
		opts.Reserved = DefaultReserved
	}
	w := &DirWriter{dir: dir, sender: sender, to: to, opts: opts}
	if err := w.open(uuid.NewString(), ""); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *DirWriter) open(guid, prev string) error {
	path := filepath.Join(w.dir, guid+PacketSuffix)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	pw, err := NewPacketWriter(file, Header{GUID: guid, Sender: w.sender, To: w.to, Prev: prev})
	if err != nil {
		file.Close()
		return err
	}
	w.file, w.pw, w.guid = file, pw, guid
	w.chain = append(w.chain, guid)
	return nil
}

// GUID names the packet currently being written.
func (w *DirWriter) GUID() string { return w.guid }

// Chain lists every packet GUID written so far, oldest first.
func (w *DirWriter) Chain() []string { return w.chain }

// WriteRow appends a row, rotating to a new packet first when the
// current one is over the threshold.
func (w *DirWriter) WriteRow(row Row, payload io.Reader) error {
	if w.pw.Size() > w.opts.Reserved {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	return w.pw.WriteRow(row, payload)
}

func (w *DirWriter) rotate() error {
	next := uuid.NewString()
	if err := w.pw.WriteRow(Row{Type: "part", Next: next}, nil); err != nil {
		return err
	}
	if err := w.closeCurrent(); err != nil {
		return err
	}
	if w.opts.Free != nil && w.opts.Swap != nil {
		free, err := w.opts.Free(w.dir)
		if err != nil {
			return err
		}
		if free < 2*w.opts.Reserved {
			dir, err := w.opts.Swap()
			if err != nil {
				return err
			}
			log.Printf("sync: media swap dir=%s", dir)
			w.dir = dir
		}
	}
	return w.open(next, w.guid)
}

func (w *DirWriter) closeCurrent() error {
	if err := w.pw.Close(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Close seals the chain.
func (w *DirWriter) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.closeCurrent()
	w.file = nil
	return err
}

// ExportVolume writes the volume's push diff, a syn row claiming it,
// and a pull request into the packet chain.
func ExportVolume(ctx context.Context, vol *db.Volume, w *DirWriter, push, pull ranges.Ranges) error {
	var committed ranges.Ranges
	if len(push) > 0 {
		d := patch.NewDiffer(vol, patch.DiffOptions{Include: push.Clone(), OneWay: true, Blobs: true})
		for {
			rec, err := d.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			row, payload := diffRow(rec)
			err = w.WriteRow(row, payload)
			if rec.Payload != nil {
				rec.Payload.Close()
			}
			if err != nil {
				return err
			}
			if rec.Kind() == "commit" {
				committed = rec.Commit
				break
			}
		}
	}
	// the syn names the packets carrying the diff it claims; importers
	// merge it only once all of them are on the media
	syn := Row{Type: "syn", Ranges: committed, Packets: append([]string(nil), w.Chain()...)}
	if err := w.WriteRow(syn, nil); err != nil {
		return err
	}
	return w.WriteRow(Row{Type: "pull", Ranges: pull}, nil)
}

// WriteAck appends the acknowledgement for a peer's push. applied is
// the local seqno range stamped while applying it, so the peer can keep
// those seqnos out of its pull window.
func (w *DirWriter) WriteAck(to string, acked, failed, applied ranges.Ranges) error {
	return w.WriteRow(Row{Type: "ack", To: to, Ack: acked, Ranges: failed, Applied: applied}, nil)
}

// ImportResult sums up one pass over a media directory. Applied, Synced
// and Echo are peer seqnos; Stamped, Acked and Failed are local ones.
type ImportResult struct {
	Applied  ranges.Ranges // peer seqnos covered by applied diffs
	Stamped  ranges.Ranges // local seqnos allocated while applying diffs
	Synced   ranges.Ranges // peer push claims, merged from syn rows
	Acked    ranges.Ranges // our pushes the peer committed
	Failed   ranges.Ranges // our pushes to retry
	Echo     ranges.Ranges // peer seqnos stamped onto our acked pushes
	Pull     ranges.Ranges // what the peer asks from us
	Recycled []string      // own packets deleted from the media
	Buffered []string      // packets waiting for missing chain parts
}

type packetInfo struct {
	path   string
	prev   string
	next   string
	sender string
}

// ImportDir reads every packet chain on a media directory. Packets
// authored by self are deleted to recycle the media. Rows of a chain
// with missing parts stay untouched on the media; syn rows merge only
// once the whole chain is present.
func ImportDir(ctx context.Context, vol *db.Volume, dir, self string) (*ImportResult, error) {
	result := &ImportResult{}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), PacketSuffix) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	packets := make(map[string]packetInfo)
	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := scanPacket(path)
		if err != nil {
			log.Printf("sync: skip unreadable packet path=%s err=%v", path, err)
			continue
		}
		guid := strings.TrimSuffix(name, PacketSuffix)
		if info.sender == self {
			if err := os.Remove(path); err != nil {
				return nil, err
			}
			result.Recycled = append(result.Recycled, guid)
			continue
		}
		packets[guid] = info
	}

	// chains run root -> tail through part rows; process only complete ones
	done := make(map[string]bool)
	guids := make([]string, 0, len(packets))
	for guid := range packets {
		guids = append(guids, guid)
	}
	sort.Strings(guids)
	for _, guid := range guids {
		if done[guid] {
			continue
		}
		chain, complete := resolveChain(packets, guid)
		for _, g := range chain {
			done[g] = true
		}
		if !complete {
			result.Buffered = append(result.Buffered, chain...)
			continue
		}
		if err := importChain(ctx, vol, packets, chain, self, result); err != nil {
			return nil, err
		}
	}
	sort.Strings(result.Buffered)
	return result, nil
}

// scanPacket reads the header and walks rows to find the trailing part
// row, discarding payloads.
func scanPacket(path string) (packetInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return packetInfo{}, err
	}
	defer f.Close()
	pr, err := NewPacketReader(f)
	if err != nil {
		return packetInfo{}, err
	}
	defer pr.Close()
	info := packetInfo{
		path:   path,
		prev:   pr.Header().Prev,
		sender: pr.Header().Sender,
	}
	for {
		row, _, err := pr.Next()
		if err == io.EOF {
			return info, nil
		}
		if err != nil {
			return packetInfo{}, err
		}
		if row.Type == "part" {
			info.next = row.Next
		}
	}
}

// resolveChain walks prev links to the root and part links to the tail.
func resolveChain(packets map[string]packetInfo, guid string) ([]string, bool) {
	root := guid
	for {
		info, ok := packets[root]
		if !ok {
			return []string{guid}, false
		}
		if info.prev == "" {
			break
		}
		if _, ok := packets[info.prev]; !ok {
			return collectForward(packets, root), false
		}
		root = info.prev
	}
	chain := collectForward(packets, root)
	tail := chain[len(chain)-1]
	return chain, packets[tail].next == ""
}

func collectForward(packets map[string]packetInfo, root string) []string {
	chain := []string{root}
	for {
		info := packets[chain[len(chain)-1]]
		if info.next == "" {
			return chain
		}
		if _, ok := packets[info.next]; !ok {
			return chain
		}
		chain = append(chain, info.next)
	}
}

// importChain replays a complete chain's rows in order. Diff streams may
// span packet boundaries; they are delimited by their commit row.
func importChain(ctx context.Context, vol *db.Volume, packets map[string]packetInfo, chain []string, self string, result *ImportResult) error {
	var stream []*patch.Record
	for _, guid := range chain {
		if err := importPacket(ctx, vol, packets, packets[guid], self, result, &stream); err != nil {
			return err
		}
	}
	return nil
}

func importPacket(ctx context.Context, vol *db.Volume, packets map[string]packetInfo, info packetInfo, self string, result *ImportResult, stream *[]*patch.Record) error {
	f, err := os.Open(info.path)
	if err != nil {
		return err
	}
	defer f.Close()
	pr, err := NewPacketReader(f)
	if err != nil {
		return err
	}
	defer pr.Close()

	for {
		row, payload, err := pr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch row.Type {
		case "diff":
			*stream = append(*stream, rowRecord(row, payload))
			if row.Commit != nil {
				stamped, committed, err := applyChainStream(ctx, vol, *stream)
				*stream = nil
				if err != nil {
					return err
				}
				if err := result.Applied.IncludeRanges(committed); err != nil {
					return err
				}
				if err := result.Stamped.IncludeRanges(stamped); err != nil {
					return err
				}
			}
		case "syn":
			missing := ""
			for _, dep := range row.Packets {
				if _, ok := packets[dep]; !ok {
					missing = dep
					break
				}
			}
			if missing != "" {
				log.Printf("sync: defer syn, packet missing guid=%s path=%s", missing, info.path)
				continue
			}
			if err := result.Synced.IncludeRanges(row.Ranges); err != nil {
				return err
			}
		case "ack":
			if row.To == self || row.To == "" {
				if err := result.Acked.IncludeRanges(row.Ack); err != nil {
					return err
				}
				if err := result.Failed.IncludeRanges(row.Ranges); err != nil {
					return err
				}
				if err := result.Echo.IncludeRanges(row.Applied); err != nil {
					return err
				}
			}
		case "pull":
			if err := result.Pull.IncludeRanges(row.Ranges); err != nil {
				return err
			}
		case "part":
			// chain link, consumed during the scan pass
		default:
			return fmt.Errorf("sync: unknown row type %q in %s", row.Type, info.path)
		}
	}
}

func applyChainStream(ctx context.Context, vol *db.Volume, records []*patch.Record) (ranges.Ranges, ranges.Ranges, error) {
	stamped, committed, err := patch.ApplyRecords(ctx, vol, records, true)
	if err != nil {
		log.Printf("sync: sneakernet apply failed err=%v", err)
	}
	return stamped, committed, nil
}
