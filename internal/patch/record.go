// Package patch produces and consumes seqno-bounded change streams over a
// volume; it drives every sync variant.
package patch

import (
	"io"

	"github.com/sugar-network/sugar/internal/db"
	"github.com/sugar-network/sugar/internal/ranges"
)

// Record is one item of a diff stream: directory header, property patch,
// blob payload, named file payload, or the terminal commit.
type Record struct {
	// Resource names the directory the following patch records belong to.
	Resource string

	// GUID plus Patch carry one resource's in-window property values.
	GUID  string
	Patch map[string]db.Meta

	// Blob or File carry payload metadata; Payload is a single-use byte
	// source the consumer must close.
	Blob    *db.BlobMeta
	File    *db.FileMeta
	Payload io.ReadCloser

	// Commit names the contiguous seqno range fully covered by the stream.
	Commit ranges.Ranges
}

// Kind discriminates the record variant.
func (r *Record) Kind() string {
	switch {
	case r.Commit != nil:
		return "commit"
	case r.Blob != nil:
		return "blob"
	case r.File != nil:
		return "file"
	case r.GUID != "":
		return "patch"
	default:
		return "resource"
	}
}
