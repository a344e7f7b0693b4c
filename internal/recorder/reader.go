package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"tradelog/internal/codec"
	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

// Reader decodes one event log sequentially.
type Reader struct {
	key       schema.LogKey
	scanner   *recordScanner
	header    bool
	truncated bool
	records   int
}

// NewReader wraps an io.Reader holding the log identified by key.
func NewReader(r io.Reader, key schema.LogKey) *Reader {
	return &Reader{key: key, scanner: newRecordScanner(r)}
}

// Truncated reports whether the log ended in a partial record that was
// discarded, the signature of a writer that crashed mid-append.
func (r *Reader) Truncated() bool {
	return r.truncated
}

// Next returns the next event, io.EOF at the end of the log.
func (r *Reader) Next() (schema.Event, error) {
	e, _, _, err := r.next()
	return e, err
}

// next also returns the byte offset and length of the record.
func (r *Reader) next() (schema.Event, int64, int, error) {
	for {
		rec, off, err := r.scanner.next()
		if err != nil {
			if errors.Is(err, errPartialRecord) {
				r.truncated = true
				return schema.Event{}, off, 0, io.EOF
			}
			return schema.Event{}, off, 0, err
		}
		if len(bytes.TrimSpace(rec)) == 0 {
			continue
		}
		cols, err := codec.ParseRecord(rec)
		if err != nil {
			return schema.Event{}, off, 0, fmt.Errorf("%w: %s record %d: %v", exception.ErrCorruptRecord, r.key, r.records+1, err)
		}
		if !r.header {
			r.header = true
			if !slices.Equal(cols, codec.Header(r.key.Kind)) {
				return schema.Event{}, off, 0, fmt.Errorf("%w: %s: %v", exception.ErrHeaderMismatch, r.key, cols)
			}
			continue
		}
		r.records++
		e, err := codec.Decode(r.key, cols)
		if err != nil {
			return schema.Event{}, off, 0, fmt.Errorf("%s record %d: %w", r.key, r.records, err)
		}
		return e, off, len(rec), nil
	}
}
