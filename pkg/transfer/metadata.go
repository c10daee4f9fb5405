package transfer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// FileMetadata describes one file in a transfer. It is set once by the
// sender before the first chunk and never mutated afterwards.
type FileMetadata struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mime_type,omitempty"`
	LastModified int64  `json:"last_modified,omitempty"`
}

// MetadataForPaths builds the announcement list for a set of local files,
// assigning ordinal indices in argument order.
func MetadataForPaths(paths []string) ([]FileMetadata, error) {
	metas := make([]FileMetadata, 0, len(paths))
	for i, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("%s is a directory", path)
		}
		meta := FileMetadata{
			Index:        i,
			Name:         filepath.Base(path),
			Size:         info.Size(),
			LastModified: info.ModTime().UnixMilli(),
		}
		if mtype, err := mimetype.DetectFile(path); err == nil {
			meta.MimeType = mtype.String()
		}
		metas = append(metas, meta)
	}
	return metas, nil
}
