package exception

import "github.com/yanun0323/errors"

var (
	ErrDuplicateOrder     = errors.New("order: duplicate order")
	ErrInconsistentReplay = errors.New("order: inconsistent replay")
	ErrOrphanFill         = errors.New("order: orphan fill")
	ErrInvalidTransition  = errors.New("order: invalid state transition")
	ErrOrderNotFound      = errors.New("order: not found")
	ErrOverfill           = errors.New("order: fill exceeds order quantity")
	ErrOrderInvalidIntent = errors.New("order: invalid intent")
)
