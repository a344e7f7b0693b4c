package recorder

import (
	"io"
	"os"
)

// File is the storage surface the writer needs. *os.File satisfies it.
type File interface {
	io.Writer
	io.ReaderAt
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// OpenFunc opens a log file for appending, creating it when absent.
type OpenFunc func(path string) (File, error)

// OpenFile opens path append-only so every Write lands at the end.
func OpenFile(path string) (File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
}
