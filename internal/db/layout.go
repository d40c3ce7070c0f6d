package db

import "path/filepath"

// Layout defines the on-disk directory layout of one volume.
type Layout struct {
	Root      string
	IndexPath string
	BlobsDir  string
	FilesDir  string
	VarDir    string
}

// NewLayout builds the default layout under the given root.
func NewLayout(root string) Layout {
	return Layout{
		Root:      root,
		IndexPath: filepath.Join(root, "index.db"),
		BlobsDir:  filepath.Join(root, "blobs"),
		FilesDir:  filepath.Join(root, "files"),
		VarDir:    filepath.Join(root, "var"),
	}
}

func (l Layout) BlobPath(digest string) string {
	return filepath.Join(l.BlobsDir, digest)
}

func (l Layout) FilePath(dir, name string) string {
	return filepath.Join(l.FilesDir, dir, filepath.FromSlash(name))
}

func (l Layout) SeqnoPath() string {
	return filepath.Join(l.VarDir, "seqno")
}

func (l Layout) ReleaseSeqnoPath() string {
	return filepath.Join(l.VarDir, "seqno-release")
}
