package ingest

import (
	"fmt"
	"sort"
	"sync"

	"tradelog/pkg/exception"
)

// Usecase holds the venue clients of a run, keyed by venue name.
type Usecase struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewUsecase initializes an empty client registry.
func NewUsecase() *Usecase {
	return &Usecase{
		clients: make(map[string]Client),
	}
}

// Register adds a client for venue.
func (use *Usecase) Register(venue string, c Client) error {
	if use == nil || c == nil {
		return exception.ErrNilInstance
	}
	if venue == "" {
		return fmt.Errorf("%w: empty venue name", exception.ErrInvalidArgument)
	}
	use.mu.Lock()
	defer use.mu.Unlock()
	if _, ok := use.clients[venue]; ok {
		return fmt.Errorf("%w: venue %s registered twice", exception.ErrInvalidArgument, venue)
	}
	use.clients[venue] = c
	return nil
}

// Client returns the client of venue.
func (use *Usecase) Client(venue string) (Client, error) {
	if use == nil {
		return nil, exception.ErrNilInstance
	}
	use.mu.RLock()
	defer use.mu.RUnlock()
	c, ok := use.clients[venue]
	if !ok {
		return nil, fmt.Errorf("%w: %s", exception.ErrUnknownVenue, venue)
	}
	return c, nil
}

// Executions returns the execution reporter of venue, if it has one.
func (use *Usecase) Executions(venue string) (ExecutionReporter, bool) {
	c, err := use.Client(venue)
	if err != nil {
		return nil, false
	}
	r, ok := c.(ExecutionReporter)
	return r, ok
}

// Venues lists registered venues in name order.
func (use *Usecase) Venues() []string {
	if use == nil {
		return nil
	}
	use.mu.RLock()
	defer use.mu.RUnlock()
	out := make([]string, 0, len(use.clients))
	for name := range use.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
