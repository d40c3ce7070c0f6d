// Package sync carries volume diffs between nodes: online packet
// exchange over HTTP bodies, offline request batches, and sneakernet
// packet files on removable media.
package sync

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/sugar-network/sugar/internal/db"
	"github.com/sugar-network/sugar/internal/ranges"
)

// Subject marks a stream as one of ours.
const Subject = "Sugar Network Packet"

// Header opens every packet.
type Header struct {
	Subject string `json:"subject"`
	GUID    string `json:"guid"`
	Sender  string `json:"sender,omitempty"`
	To      string `json:"to,omitempty"`
	Prev    string `json:"prev,omitempty"`
}

// Row is one framed packet record.
type Row struct {
	Type string `json:"type"`

	// diff rows mirror one patch record
	Resource string             `json:"resource,omitempty"`
	GUID     string             `json:"guid,omitempty"`
	Patch    map[string]db.Meta `json:"patch,omitempty"`
	Blob     *db.BlobMeta       `json:"blob,omitempty"`
	File     *db.FileMeta       `json:"file,omitempty"`
	// Commit stays un-omitted: an empty commit ([]) is distinct from a
	// non-commit row (null).
	Commit   ranges.Ranges `json:"commit"`
	BlobSize int64         `json:"blob_size,omitempty"`

	// pull, ack and syn rows. Ack and Ranges are in the pushing peer's
	// seqno space; Applied is in the receiver's space, the seqnos it
	// stamped onto the push, so the peer can keep them out of its pull.
	// Packets lists the packet GUIDs a syn row depends on.
	To      string        `json:"to,omitempty"`
	Ack     ranges.Ranges `json:"ack,omitempty"`
	Ranges  ranges.Ranges `json:"ranges,omitempty"`
	Applied ranges.Ranges `json:"applied,omitempty"`
	Packets []string      `json:"packets,omitempty"`

	// request rows replay one API call
	Request *Request `json:"request,omitempty"`

	// part rows chain multi-volume packets
	Next string `json:"next,omitempty"`
}

// Request is one replayable API call carried by offline batches and
// sneakernet packets.
type Request struct {
	Op       string         `json:"op"` // create, update, delete
	Resource string         `json:"resource"`
	GUID     string         `json:"guid,omitempty"`
	Props    map[string]any `json:"props,omitempty"`
}

// Each frame is a blake3 hash, a little-endian length and the payload;
// corrupt frames fail the whole read.
const frameHeaderLen = 32 + 4

func writeFrame(w io.Writer, data []byte) error {
	sum := blake3.Sum256(data)
	var buf [frameHeaderLen]byte
	copy(buf[:32], sum[:])
	binary.LittleEndian.PutUint32(buf[32:], uint32(len(data)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var buf [frameHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("sync: truncated frame header")
		}
		return nil, err
	}
	size := binary.LittleEndian.Uint32(buf[32:])
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("sync: truncated frame body")
	}
	sum := blake3.Sum256(data)
	if !bytes.Equal(sum[:], buf[:32]) {
		return nil, fmt.Errorf("sync: frame checksum mismatch")
	}
	return data, nil
}

// countingWriter tracks bytes written downstream of the gzip layer so
// writers can enforce on-media size thresholds.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// PacketWriter emits a gzip-framed packet.
type PacketWriter struct {
	count *countingWriter
	gz    *gzip.Writer
}

// NewPacketWriter starts a packet on w with its header frame.
func NewPacketWriter(w io.Writer, header Header) (*PacketWriter, error) {
	if header.Subject == "" {
		header.Subject = Subject
	}
	count := &countingWriter{w: w}
	gz := gzip.NewWriter(count)
	pw := &PacketWriter{count: count, gz: gz}
	raw, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(gz, raw); err != nil {
		return nil, err
	}
	return pw, nil
}

// WriteRow appends a row; payload must be present iff row.BlobSize > 0
// and is framed right after the row.
func (p *PacketWriter) WriteRow(row Row, payload io.Reader) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if err := writeFrame(p.gz, raw); err != nil {
		return err
	}
	if row.BlobSize > 0 {
		if payload == nil {
			return fmt.Errorf("sync: row declares %d payload bytes but carries none", row.BlobSize)
		}
		data, err := io.ReadAll(io.LimitReader(payload, row.BlobSize))
		if err != nil {
			return err
		}
		if int64(len(data)) != row.BlobSize {
			return fmt.Errorf("sync: short payload: %d of %d bytes", len(data), row.BlobSize)
		}
		if err := writeFrame(p.gz, data); err != nil {
			return err
		}
	}
	return nil
}

// Size reports compressed bytes flushed so far.
func (p *PacketWriter) Size() int64 {
	_ = p.gz.Flush()
	return p.count.n
}

// Close finishes the gzip stream; the underlying writer stays open.
func (p *PacketWriter) Close() error {
	return p.gz.Close()
}

// PacketReader decodes a gzip-framed packet.
type PacketReader struct {
	gz     *gzip.Reader
	header Header
}

// NewPacketReader validates the stream and its header frame.
func NewPacketReader(r io.Reader) (*PacketReader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	raw, err := readFrame(gz)
	if err != nil {
		return nil, err
	}
	var header Header
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, err
	}
	if header.Subject != Subject {
		return nil, fmt.Errorf("sync: unknown packet subject %q", header.Subject)
	}
	return &PacketReader{gz: gz, header: header}, nil
}

// Header returns the packet header.
func (p *PacketReader) Header() Header { return p.header }

// Next decodes the next row; rows declaring a payload carry it fully
// decoded. io.EOF ends the packet.
func (p *PacketReader) Next() (Row, []byte, error) {
	raw, err := readFrame(p.gz)
	if err != nil {
		return Row{}, nil, err
	}
	var row Row
	if err := json.Unmarshal(raw, &row); err != nil {
		return Row{}, nil, err
	}
	if row.BlobSize > 0 {
		payload, err := readFrame(p.gz)
		if err != nil {
			return Row{}, nil, err
		}
		if int64(len(payload)) != row.BlobSize {
			return Row{}, nil, fmt.Errorf("sync: payload size mismatch")
		}
		return row, payload, nil
	}
	return row, nil, nil
}

// Close releases the gzip reader.
func (p *PacketReader) Close() error { return p.gz.Close() }
