package recorder

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// errPartialRecord marks trailing bytes that do not form a complete record.
var errPartialRecord = errors.New("partial trailing record")

// recordScanner splits a csv byte stream into logical records. A record ends
// at a newline outside quotes; quoted fields may span lines.
type recordScanner struct {
	r      *bufio.Reader
	offset int64
	buf    []byte
}

func newRecordScanner(r io.Reader) *recordScanner {
	return &recordScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// next returns the next complete record including its newline and the byte
// offset it starts at. The slice is only valid until the next call. At the
// end it returns io.EOF, or errPartialRecord when unterminated bytes remain.
func (s *recordScanner) next() ([]byte, int64, error) {
	s.buf = s.buf[:0]
	quotes := 0
	for {
		line, err := s.r.ReadSlice('\n')
		s.buf = append(s.buf, line...)
		quotes += bytes.Count(line, []byte{'"'})
		switch {
		case err == nil:
			if quotes%2 == 0 {
				start := s.offset
				s.offset += int64(len(s.buf))
				return s.buf, start, nil
			}
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			if len(s.buf) == 0 {
				return nil, s.offset, io.EOF
			}
			return s.buf, s.offset, errPartialRecord
		default:
			return nil, s.offset, err
		}
	}
}

// scanTail returns the size of the longest prefix of r made of whole
// records, and where the last of them starts (-1 when there is none).
func scanTail(r io.Reader) (complete, last int64, err error) {
	s := newRecordScanner(r)
	last = -1
	for {
		_, start, err := s.next()
		switch {
		case err == nil:
			last = start
		case errors.Is(err, io.EOF):
			return s.offset, last, nil
		case errors.Is(err, errPartialRecord):
			return start, last, nil
		default:
			return 0, -1, err
		}
	}
}
