package og

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tradelog/internal/obs"
	"tradelog/internal/schema"
	"tradelog/pkg/exception"
)

const (
	defaultShards         = 64
	defaultHorizon        = 30 * time.Second
	defaultMaxProvisional = 16384
)

// TrackerConfig controls the order/fill tracker.
type TrackerConfig struct {
	Shards int
	// Horizon is how long, in event time, a fill may wait for its order.
	Horizon time.Duration
	// MaxProvisional bounds the fills waiting for an order across all
	// shards. Past it the oldest waiting fill is orphaned.
	MaxProvisional int
	Metrics        *obs.Metrics
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.Shards <= 0 {
		c.Shards = defaultShards
	}
	if c.Horizon <= 0 {
		c.Horizon = defaultHorizon
	}
	if c.MaxProvisional <= 0 {
		c.MaxProvisional = defaultMaxProvisional
	}
	return c
}

var errAcknowledged = errors.New("acknowledged by venue")

// IsAcknowledged reports a duplicate NEW that repeats the tracked order's
// intent at another time, which is how a venue acknowledges an order the
// gateway already recorded. The tracker state is unchanged.
func IsAcknowledged(err error) bool {
	return errors.Is(err, errAcknowledged)
}

func sameIntent(a, b schema.Order) bool {
	return a.OrderID == b.OrderID &&
		a.Alpha == b.Alpha &&
		a.Side == b.Side &&
		a.Qty == b.Qty &&
		a.Price == b.Price &&
		a.Exchange == b.Exchange
}

// Outcome describes what an apply did.
type Outcome uint8

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeNoop
	OutcomeBuffered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNoop:
		return "noop"
	case OutcomeBuffered:
		return "buffered"
	default:
		return "unknown"
	}
}

// FillIssue is a fill the tracker gave up on, with the reason.
type FillIssue struct {
	Fill schema.Fill
	Err  error
}

// Result reports the effect of one apply.
type Result struct {
	Outcome Outcome
	OrderID string
	Status  schema.OrderStatus
	Filled  float64
	// Reconciled lists provisional fills applied when their order arrived.
	Reconciled []schema.Fill
	// Issues lists fills orphaned by buffer eviction or refused during
	// reconciliation.
	Issues []FillIssue
}

// Transition is one step in an order's status history.
type Transition struct {
	Timestamp time.Time          `json:"timestamp"`
	Status    schema.OrderStatus `json:"status"`
	Filled    float64            `json:"filled"`
	Cause     string             `json:"cause"`
}

// OrderView is a read-only copy of an order's tracked state.
type OrderView struct {
	Order   schema.Order
	Status  schema.OrderStatus
	Filled  float64
	FillIDs []string
}

type entry struct {
	order   schema.Order
	status  schema.OrderStatus
	filled  decimal.Decimal
	fills   map[string]schema.Fill
	final   schema.Order
	history []Transition
}

type shard struct {
	mu      sync.Mutex
	orders  map[string]*entry
	pending map[string][]schema.Fill
}

// Tracker applies order and fill events keyed by order id. Orders hash to
// shards; each shard is its own critical section, so work on different
// orders proceeds in parallel. Only eviction from a full provisional buffer
// walks every shard, one lock at a time.
type Tracker struct {
	cfg    TrackerConfig
	shards []*shard

	held    atomic.Int64
	evictMu sync.Mutex
}

// NewTracker creates an empty tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	cfg = cfg.withDefaults()
	t := &Tracker{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
	}
	for i := range t.shards {
		t.shards[i] = &shard{
			orders:  make(map[string]*entry),
			pending: make(map[string][]schema.Fill),
		}
	}
	return t
}

func (t *Tracker) shard(orderID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Apply dispatches an order or fill event. Market data is ignored.
func (t *Tracker) Apply(e schema.Event) (Result, error) {
	switch e.Kind {
	case schema.KindOrder:
		return t.ApplyOrder(e.Order)
	case schema.KindFill:
		return t.ApplyFill(e.Fill)
	default:
		return Result{Outcome: OutcomeNoop}, nil
	}
}

// ApplyOrder applies an order lifecycle event.
//
// NEW creates the order. Replaying the identical NEW is a no-op; a NEW with
// the same id and timestamp but other differences is an inconsistent replay;
// a NEW with the same id at another time is a duplicate order.
// CANCELED and REJECTED apply to non-terminal orders only. PARTIALLY_FILLED
// and FILLED reports are venue echoes; quantity moves only through fills.
func (t *Tracker) ApplyOrder(o schema.Order) (Result, error) {
	if o.OrderID == "" {
		return Result{}, fmt.Errorf("%w: empty order id", exception.ErrOrderNotFound)
	}
	s := t.shard(o.OrderID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.orders[o.OrderID]
	switch o.Status {
	case schema.StatusNew:
		if exists {
			switch {
			case e.order.Equal(o):
				return e.result(OutcomeNoop), nil
			case e.order.Timestamp.Equal(o.Timestamp):
				return e.result(OutcomeNoop), t.fail(fmt.Errorf("%w: order %s replayed with different fields", exception.ErrInconsistentReplay, o.OrderID))
			case sameIntent(e.order, o):
				return e.result(OutcomeNoop), fmt.Errorf("%w: %s %w at %s", exception.ErrDuplicateOrder, o.OrderID, errAcknowledged, o.Timestamp.Format(time.RFC3339Nano))
			default:
				return e.result(OutcomeNoop), t.fail(fmt.Errorf("%w: %s", exception.ErrDuplicateOrder, o.OrderID))
			}
		}
		e = &entry{
			order:  o,
			status: schema.StatusNew,
			fills:  make(map[string]schema.Fill),
		}
		e.record(o.Timestamp, "order")
		s.orders[o.OrderID] = e
		res := e.result(OutcomeApplied)
		t.reconcile(s, e, &res)
		return res, nil

	case schema.StatusCanceled, schema.StatusRejected:
		if !exists {
			return Result{OrderID: o.OrderID}, t.fail(fmt.Errorf("%w: %s for %s", exception.ErrOrderNotFound, o.Status, o.OrderID))
		}
		if e.status.IsTerminal() {
			if e.final.Equal(o) {
				return e.result(OutcomeNoop), nil
			}
			return e.result(OutcomeNoop), t.fail(fmt.Errorf("%w: %s order %s cannot become %s", exception.ErrInvalidTransition, e.status, o.OrderID, o.Status))
		}
		e.status = o.Status
		e.final = o
		e.record(o.Timestamp, "order")
		return e.result(OutcomeApplied), nil

	case schema.StatusPartiallyFilled, schema.StatusFilled:
		if !exists {
			return Result{OrderID: o.OrderID}, t.fail(fmt.Errorf("%w: %s report for %s", exception.ErrOrderNotFound, o.Status, o.OrderID))
		}
		return e.result(OutcomeNoop), nil

	default:
		return Result{OrderID: o.OrderID}, t.fail(fmt.Errorf("%w: unknown status %d", exception.ErrInvalidTransition, o.Status))
	}
}

// ApplyFill applies a fill. Fills for unknown orders wait in the provisional
// buffer until the order arrives or the horizon passes. When the buffer is
// full the oldest waiting fill of the whole tracker is orphaned.
func (t *Tracker) ApplyFill(f schema.Fill) (Result, error) {
	if f.OrderID == "" || f.FillID == "" {
		return Result{}, fmt.Errorf("%w: fill without order or fill id", exception.ErrOrderNotFound)
	}
	res, err := t.fill(f)
	if err == nil && res.Outcome == OutcomeBuffered {
		res.Issues = t.evict()
	}
	return res, err
}

func (t *Tracker) fill(f schema.Fill) (Result, error) {
	s := t.shard(f.OrderID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.orders[f.OrderID]; ok {
		res, err := t.applyFill(e, f)
		return res, t.fail(err)
	}

	waiting := s.pending[f.OrderID]
	for _, prev := range waiting {
		if prev.FillID != f.FillID {
			continue
		}
		if prev.Equal(f) {
			return Result{Outcome: OutcomeNoop, OrderID: f.OrderID}, nil
		}
		return Result{OrderID: f.OrderID}, t.fail(fmt.Errorf("%w: fill %s redelivered with different fields", exception.ErrInconsistentReplay, f.FillID))
	}
	s.pending[f.OrderID] = append(waiting, f)
	t.held.Add(1)
	return Result{Outcome: OutcomeBuffered, OrderID: f.OrderID}, nil
}

// evict orphans the oldest provisional fills until the buffer is back
// within MaxProvisional.
func (t *Tracker) evict() []FillIssue {
	limit := int64(t.cfg.MaxProvisional)
	if t.held.Load() <= limit {
		return nil
	}
	t.evictMu.Lock()
	defer t.evictMu.Unlock()

	var out []FillIssue
	for t.held.Load() > limit {
		var (
			from   *shard
			oldest schema.Fill
		)
		for _, s := range t.shards {
			s.mu.Lock()
			if f, ok := s.oldest(); ok && (from == nil || schema.Less(schema.FillEvent(f), schema.FillEvent(oldest))) {
				from, oldest = s, f
			}
			s.mu.Unlock()
		}
		if from == nil {
			break
		}
		from.mu.Lock()
		removed := from.remove(oldest)
		from.mu.Unlock()
		if !removed {
			// reconciled or expired since the scan
			continue
		}
		t.held.Add(-1)
		t.cfg.Metrics.IncOrphanFill()
		out = append(out, FillIssue{
			Fill: oldest,
			Err:  fmt.Errorf("%w: %s evicted from full provisional buffer", exception.ErrOrphanFill, oldest.FillID),
		})
	}
	return out
}

func (t *Tracker) applyFill(e *entry, f schema.Fill) (Result, error) {
	if prev, ok := e.fills[f.FillID]; ok {
		if prev.Equal(f) {
			return e.result(OutcomeNoop), nil
		}
		return e.result(OutcomeNoop), fmt.Errorf("%w: fill %s redelivered with different fields", exception.ErrInconsistentReplay, f.FillID)
	}
	if e.status.IsTerminal() {
		return e.result(OutcomeNoop), fmt.Errorf("%w: fill %s on %s order %s", exception.ErrInvalidTransition, f.FillID, e.status, e.order.OrderID)
	}
	next := e.filled.Add(decimal.NewFromFloat(f.Qty))
	limit := decimal.NewFromFloat(e.order.Qty)
	if next.GreaterThan(limit) {
		return e.result(OutcomeNoop), fmt.Errorf("%w: fill %s brings order %s to %s of %s", exception.ErrOverfill, f.FillID, e.order.OrderID, next, limit)
	}
	e.filled = next
	e.fills[f.FillID] = f
	if next.Equal(limit) {
		e.status = schema.StatusFilled
	} else {
		e.status = schema.StatusPartiallyFilled
	}
	e.record(f.Timestamp, "fill:"+f.FillID)
	return e.result(OutcomeApplied), nil
}

// reconcile applies the fills that arrived before their order, in event
// order, recording refusals as issues.
func (t *Tracker) reconcile(s *shard, e *entry, res *Result) {
	waiting := s.pending[e.order.OrderID]
	if len(waiting) == 0 {
		return
	}
	delete(s.pending, e.order.OrderID)
	t.held.Add(-int64(len(waiting)))
	sortFills(waiting)
	for _, f := range waiting {
		if _, err := t.applyFill(e, f); err != nil {
			t.cfg.Metrics.IncTrackerError()
			res.Issues = append(res.Issues, FillIssue{Fill: f, Err: err})
			continue
		}
		res.Reconciled = append(res.Reconciled, f)
	}
	res.Status = e.status
	res.Filled = e.filled.InexactFloat64()
}

// Expire orphans provisional fills older than the horizon relative to the
// watermark, the latest event time the caller has seen.
func (t *Tracker) Expire(watermark time.Time) []FillIssue {
	cutoff := watermark.Add(-t.cfg.Horizon)
	var out []FillIssue
	for _, s := range t.shards {
		s.mu.Lock()
		for id, waiting := range s.pending {
			kept := waiting[:0]
			for _, f := range waiting {
				if f.Timestamp.Before(cutoff) {
					out = append(out, FillIssue{
						Fill: f,
						Err:  fmt.Errorf("%w: %s for %s waited past %s", exception.ErrOrphanFill, f.FillID, id, t.cfg.Horizon),
					})
					t.held.Add(-1)
					continue
				}
				kept = append(kept, f)
			}
			if len(kept) == 0 {
				delete(s.pending, id)
			} else {
				s.pending[id] = kept
			}
		}
		s.mu.Unlock()
	}
	for range out {
		t.cfg.Metrics.IncOrphanFill()
	}
	sortIssues(out)
	return out
}

// Drain orphans every provisional fill. Call it at the end of a finite
// stream, when no further orders can arrive.
func (t *Tracker) Drain() []FillIssue {
	var out []FillIssue
	for _, s := range t.shards {
		s.mu.Lock()
		for id, waiting := range s.pending {
			for _, f := range waiting {
				out = append(out, FillIssue{
					Fill: f,
					Err:  fmt.Errorf("%w: %s for %s never matched an order", exception.ErrOrphanFill, f.FillID, id),
				})
			}
		}
		for _, waiting := range s.pending {
			t.held.Add(-int64(len(waiting)))
		}
		s.pending = make(map[string][]schema.Fill)
		s.mu.Unlock()
	}
	for range out {
		t.cfg.Metrics.IncOrphanFill()
	}
	sortIssues(out)
	return out
}

func (t *Tracker) fail(err error) error {
	if err != nil {
		t.cfg.Metrics.IncTrackerError()
	}
	return err
}

// Status returns the current status of an order.
func (t *Tracker) Status(orderID string) (schema.OrderStatus, error) {
	s := t.shard(orderID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.orders[orderID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", exception.ErrOrderNotFound, orderID)
	}
	return e.status, nil
}

// FilledQty returns the cumulative filled quantity, zero for unknown orders.
func (t *Tracker) FilledQty(orderID string) float64 {
	s := t.shard(orderID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.orders[orderID]
	if !ok {
		return 0
	}
	return e.filled.InexactFloat64()
}

// Lookup returns a copy of an order's state.
func (t *Tracker) Lookup(orderID string) (OrderView, bool) {
	s := t.shard(orderID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.orders[orderID]
	if !ok {
		return OrderView{}, false
	}
	return e.view(), true
}

// History returns the status sequence of an order.
func (t *Tracker) History(orderID string) []Transition {
	s := t.shard(orderID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.orders[orderID]
	if !ok {
		return nil
	}
	out := make([]Transition, len(e.history))
	copy(out, e.history)
	return out
}

// Provisional returns the number of fills waiting for their order.
func (t *Tracker) Provisional() int {
	return int(t.held.Load())
}

// Views returns every tracked order sorted by id.
func (t *Tracker) Views() []OrderView {
	var out []OrderView
	for _, s := range t.shards {
		s.mu.Lock()
		for _, e := range s.orders {
			out = append(out, e.view())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Order.OrderID < out[j].Order.OrderID
	})
	return out
}

func (e *entry) record(ts time.Time, cause string) {
	e.history = append(e.history, Transition{
		Timestamp: ts,
		Status:    e.status,
		Filled:    e.filled.InexactFloat64(),
		Cause:     cause,
	})
}

func (e *entry) result(outcome Outcome) Result {
	return Result{
		Outcome: outcome,
		OrderID: e.order.OrderID,
		Status:  e.status,
		Filled:  e.filled.InexactFloat64(),
	}
}

func (e *entry) view() OrderView {
	ids := make([]string, 0, len(e.fills))
	for id := range e.fills {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return OrderView{
		Order:   e.order,
		Status:  e.status,
		Filled:  e.filled.InexactFloat64(),
		FillIDs: ids,
	}
}

func (s *shard) oldest() (schema.Fill, bool) {
	var (
		oldest schema.Fill
		found  bool
	)
	for _, waiting := range s.pending {
		for _, f := range waiting {
			if !found || schema.Less(schema.FillEvent(f), schema.FillEvent(oldest)) {
				oldest, found = f, true
			}
		}
	}
	return oldest, found
}

func (s *shard) remove(f schema.Fill) bool {
	waiting := s.pending[f.OrderID]
	for i, prev := range waiting {
		if prev.FillID != f.FillID {
			continue
		}
		waiting = append(waiting[:i], waiting[i+1:]...)
		if len(waiting) == 0 {
			delete(s.pending, f.OrderID)
		} else {
			s.pending[f.OrderID] = waiting
		}
		return true
	}
	return false
}

func sortFills(fills []schema.Fill) {
	sort.SliceStable(fills, func(i, j int) bool {
		return schema.Less(schema.FillEvent(fills[i]), schema.FillEvent(fills[j]))
	})
}

func sortIssues(issues []FillIssue) {
	sort.SliceStable(issues, func(i, j int) bool {
		return schema.Less(schema.FillEvent(issues[i].Fill), schema.FillEvent(issues[j].Fill))
	})
}
