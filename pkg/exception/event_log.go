package exception

import "github.com/yanun0323/errors"

var (
	ErrSchemaViolation = errors.New("event log: schema violation")
	ErrWriteFailure    = errors.New("event log: write failure")
	ErrStreamFailed    = errors.New("event log: stream failed")
	ErrWriterClosed    = errors.New("event log: writer closed")
	ErrHeaderMismatch  = errors.New("event log: header mismatch")
	ErrCorruptRecord   = errors.New("event log: corrupt record")
)
