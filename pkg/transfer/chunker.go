package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Chunk size bounds. The room's adaptive settings pick a value inside this
// range; anything outside is a caller bug.
const (
	DefaultChunkSize = 64 * 1024
	MaxChunkSize     = 256 * 1024
	MinChunkSize     = 4 * 1024
)

var ErrIsDir = errors.New("cannot chunk a directory")

// Chunk is one bounded slice of a file, individually indexed and
// independently deliverable.
type Chunk struct {
	Index  int
	Data   []byte
	Size   int
	IsLast bool
}

// Chunker splits one file into sequential chunks.
type Chunker struct {
	file      *os.File
	chunkSize int
	nextIndex int
	totalSize int64
	bytesRead int64
	buffer    []byte
}

// NewChunker opens path for chunked reading at the given chunk size.
func NewChunker(path string, chunkSize int) (*Chunker, error) {
	if chunkSize < MinChunkSize || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("chunk size must be between %d and %d", MinChunkSize, MaxChunkSize)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrIsDir
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Chunker{
		file:      file,
		chunkSize: chunkSize,
		totalSize: info.Size(),
		buffer:    make([]byte, chunkSize),
	}, nil
}

// TotalChunks is how many chunks the file will produce at this chunk size.
func (c *Chunker) TotalChunks() int {
	if c.totalSize == 0 {
		return 0
	}
	n := c.totalSize / int64(c.chunkSize)
	if c.totalSize%int64(c.chunkSize) != 0 {
		n++
	}
	return int(n)
}

// TotalSize is the file's byte size.
func (c *Chunker) TotalSize() int64 {
	return c.totalSize
}

// Next returns the next chunk, or io.EOF after the last one. A file that
// ends before the size recorded at open time (truncated mid-transfer)
// yields io.ErrUnexpectedEOF, never a clean EOF.
func (c *Chunker) Next() (*Chunk, error) {
	if c.bytesRead >= c.totalSize {
		return nil, io.EOF
	}
	n, err := c.file.Read(c.buffer)
	if n > 0 {
		c.bytesRead += int64(n)

		// Copy out of the reused read buffer.
		data := make([]byte, n)
		copy(data, c.buffer[:n])

		chunk := &Chunk{
			Index:  c.nextIndex,
			Data:   data,
			Size:   n,
			IsLast: c.bytesRead >= c.totalSize,
		}
		c.nextIndex++
		return chunk, nil
	}
	if err == io.EOF {
		if c.bytesRead < c.totalSize {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, io.EOF
	}
	return nil, err
}

func (c *Chunker) Close() error {
	return c.file.Close()
}
