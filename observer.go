package livecache

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/caerulea/livecache/internal/log"
)

// exceptionChannel is the Observer-Exception Channel (§4.5): the single
// mechanism by which a misbehaving subscriber, forwarder, or loader is
// either tolerated (Handle() called) or allowed to bring down the
// Expiration Pipeline (left unhandled).
//
// Dispatch here is a direct, synchronous multicast to registered
// handlers — the Go analogue of the source's handled-flag event — rather
// than the unbounded fan-out bus the Change streams use. That is load-
// bearing, not a style choice: the publishing site must know, before it
// returns, whether any handler called Handle(), and a channel handoff
// only synchronizes the value's delivery, not whatever the receiver goes
// on to do with it. Calling every handler in-line on the publishing
// goroutine, and reading Handled() only after every one of them has
// returned, is what actually gives that guarantee.
type exceptionChannel struct {
	mu       sync.Mutex
	handlers map[uuid.UUID]func(*ObserverException)
	closed   bool
}

func newExceptionChannel() *exceptionChannel {
	return &exceptionChannel{handlers: make(map[uuid.UUID]func(*ObserverException))}
}

// Subscribe registers handler to be invoked, synchronously and one
// handler after another in no particular order, once per published
// ObserverException. handler runs
// on the goroutine that raised the exception (a timer fire, a refresh
// worker, or the caller of a mutating operation); it must not block, and
// must call Handle() before returning if it wants the publishing site to
// treat the exception as handled. The returned unsubscribe function may
// be called at most once.
func (c *exceptionChannel) Subscribe(handler func(*ObserverException)) (unsubscribe func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}

	id := uuid.New()
	c.handlers[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// close permanently stops dispatch, used when the owning cache is
// disposed.
func (c *exceptionChannel) close() {
	c.mu.Lock()
	c.closed = true
	c.handlers = nil
	c.mu.Unlock()
}

// publish constructs an ObserverException built from message/cause and
// invokes every currently-registered handler with it, in turn, on the
// calling goroutine. By the time publish returns, every handler that was
// registered at the start of the call has run to completion, so
// inspecting Handled() immediately afterward is race-free.
func (c *exceptionChannel) publish(ctx context.Context, message string, cause error) *ObserverException {
	exc := newObserverException(message, cause)
	log.Warn(ctx, "observer exception published", log.String("message", message), log.Cause(cause))

	c.mu.Lock()
	handlers := make([]func(*ObserverException), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		invokeHandler(h, exc)
	}

	return exc
}

// invokeHandler calls h with exc, recovering a panic so one misbehaving
// exception handler cannot crash the goroutine that raised the original
// exception.
func invokeHandler(h func(*ObserverException), exc *ObserverException) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(context.Background(), "observer exception handler panicked", log.Any("recovered", r))
		}
	}()

	h(exc)
}

// guard runs fn, recovering a panic into an error, and routes any error
// through the Observer-Exception Channel. It returns the error to
// propagate (nil if none occurred, or if one occurred but was handled).
func (c *exceptionChannel) guard(ctx context.Context, message string, fn func() error) error {
	err := callSafely(fn)
	if err == nil {
		return nil
	}

	exc := c.publish(ctx, message, err)
	if exc.Handled() {
		return nil
	}

	return err
}

// callSafely invokes fn, converting any panic into an error so a single
// misbehaving callback can never crash the calling goroutine.
func callSafely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{recovered: r}
		}
	}()

	return fn()
}

type panicError struct {
	recovered any
}

func (p panicError) Error() string {
	if e, ok := p.recovered.(error); ok {
		return "panic: " + e.Error()
	}

	return "panic"
}
