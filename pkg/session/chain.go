package session

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"crucible/pkg/errkind"
)

// HandlerContext is passed to each handler while processing one
// sequence. Emit buffers an event for the chain to push to the ring
// once every handler in the pass has run.
type HandlerContext struct {
	Ring  *Ring
	Seq   uint64
	Event Event
	Emit  func(Event)
}

// HandlerResult is a handler's outcome: Fatal aborts the chain and
// surfaces processing_failed; a non-nil Err without Fatal is logged
// and counted but never aborts the chain (fail-open).
type HandlerResult struct {
	Fatal bool
	Err   error
}

// Handler is a named, ordered step in the chain. DependsOn lists
// handler names that must run first.
type Handler interface {
	Name() string
	DependsOn() []string
	Handle(ctx *HandlerContext) HandlerResult
}

// Chain is a set of named handlers processed in a cached topological
// order, recomputed whenever a handler is added or removed.
//
// Reference: spec.md §4.5.2 Handler chain
type Chain struct {
	logger *zap.Logger

	mu        sync.Mutex
	handlers  map[string]Handler
	order     []string
	orderErr  error
	dirty     bool
	nonFatal  int64
}

// NewChain constructs an empty Chain. logger may be nil, in which case
// a no-op logger is used.
func NewChain(logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chain{logger: logger, handlers: make(map[string]Handler), dirty: true}
}

// Add installs h. It fails if a handler with the same name is already
// registered.
func (c *Chain) Add(h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.handlers[h.Name()]; exists {
		return errkind.New(errkind.Validation, "duplicate handler name: "+h.Name())
	}
	c.handlers[h.Name()] = h
	c.dirty = true
	return nil
}

// Remove uninstalls the handler named name, if present.
func (c *Chain) Remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, name)
	c.dirty = true
}

// computeOrderLocked runs Kahn's algorithm over the dependency graph,
// breaking ties by name for determinism.
func (c *Chain) computeOrderLocked() ([]string, error) {
	inDegree := make(map[string]int, len(c.handlers))
	dependents := make(map[string][]string)

	for name := range c.handlers {
		inDegree[name] = 0
	}
	for name, h := range c.handlers {
		for _, dep := range h.DependsOn() {
			if _, ok := c.handlers[dep]; !ok {
				return nil, errkind.New(errkind.Validation, "handler "+name+" depends on unregistered handler "+dep)
			}
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	var ready []string
	for name, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(c.handlers))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, dependent := range dependents[next] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(c.handlers) {
		return nil, errkind.New(errkind.Validation, "handler dependency cycle detected")
	}
	return order, nil
}

// Order returns the cached topological order, recomputing it if the
// chain has changed since the last call.
func (c *Chain) Order() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return c.order, c.orderErr
	}
	order, err := c.computeOrderLocked()
	c.order, c.orderErr, c.dirty = order, err, false
	return order, err
}

// ProcessSequence retrieves the event at seq from ring and runs every
// handler in topological order. Emitted events are pushed to ring in
// emission order once every handler has run; their new sequences are
// returned.
func (c *Chain) ProcessSequence(ring *Ring, seq uint64) ([]uint64, error) {
	ev, ok := ring.Get(seq)
	if !ok {
		return nil, errkind.New(errkind.NotFound, "no event at the given sequence")
	}

	order, err := c.Order()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	handlers := make([]Handler, 0, len(order))
	for _, name := range order {
		handlers = append(handlers, c.handlers[name])
	}
	c.mu.Unlock()

	var emitted []Event
	emit := func(e Event) { emitted = append(emitted, e) }

	for _, h := range handlers {
		result := h.Handle(&HandlerContext{Ring: ring, Seq: seq, Event: ev, Emit: emit})
		if result.Fatal {
			return nil, errkind.Wrap(errkind.HandlerFatal, "processing_failed: handler "+h.Name()+" reported a fatal error", result.Err)
		}
		if result.Err != nil {
			c.mu.Lock()
			c.nonFatal++
			c.mu.Unlock()
			c.logger.Warn("session handler returned a non-fatal error",
				zap.String("handler", h.Name()), zap.Uint64("seq", seq), zap.Error(result.Err))
		}
	}

	seqs := make([]uint64, 0, len(emitted))
	for _, e := range emitted {
		seqs = append(seqs, ring.Push(e))
	}
	return seqs, nil
}

// NonFatalErrorCount returns the number of non-fatal handler errors
// logged so far.
func (c *Chain) NonFatalErrorCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonFatal
}
