package livecache

import (
	"context"
	"math"
	"reflect"
	"time"
)

// Infinite is the distinguished duration meaning "never expires". Passing
// it to Add/UpdateExpiration arms no timer at all.
const Infinite time.Duration = -1

// ExpirationPolicy controls what happens when an entry's timer fires.
type ExpirationPolicy int

const (
	// DoNothing leaves the entry in the cache past its expiry; reads may
	// observe it as expired.
	DoNothing ExpirationPolicy = iota
	// Remove evicts the entry on expiry.
	Remove
	// Refresh invokes the configured loader for the key and replaces the
	// value.
	Refresh
)

func (p ExpirationPolicy) String() string {
	switch p {
	case DoNothing:
		return "DoNothing"
	case Remove:
		return "Remove"
	case Refresh:
		return "Refresh"
	default:
		return "Unknown"
	}
}

// SingleLoader loads a fresh value for one key during a Refresh.
type SingleLoader[K comparable, V any] func(ctx context.Context, key K) (V, error)

// BulkLoader loads fresh values for a set of keys during a Refresh. Keys
// absent from the returned map are treated as "no new value" and are not
// replaced.
type BulkLoader[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// PropertyNotifier is the explicit capability parameter a key or value
// type uses to tell the cache it can publish its own in-place change
// notifications. Subscribe is called once per Entry holding item; it must
// return an unsubscribe function. When a PropertyNotifier is not
// configured, the cache never inspects K/V for such a capability — per
// design, capability is never inferred at runtime.
type PropertyNotifier[T any] struct {
	Subscribe func(item T, onChange func(property string)) (unsubscribe func())
}

// Scheduler runs a unit of work. The default notification scheduler,
// InlineScheduler, runs fn on the calling goroutine (the "caller's serial scheduler"); a
// GoroutineScheduler instead hands work to a fresh goroutine, decoupling
// mutation calls from subscriber dispatch latency.
type Scheduler interface {
	Run(fn func())
}

// InlineScheduler runs work synchronously on the calling goroutine.
type InlineScheduler struct{}

func (InlineScheduler) Run(fn func()) { fn() }

// GoroutineScheduler runs each unit of work on its own goroutine.
type GoroutineScheduler struct{}

func (GoroutineScheduler) Run(fn func()) { go fn() }

type config[K comparable, V any] struct {
	keyEqual   func(a, b K) bool
	valueEqual func(a, b V) bool

	singleLoader SingleLoader[K, V]
	bulkLoader   BulkLoader[K, V]

	batchWindow             time.Duration
	throwOnExpirationErrors bool
	resetCoalesceThreshold  int

	clock                 Clock
	notificationScheduler Scheduler

	keyNotifier   *PropertyNotifier[K]
	valueNotifier *PropertyNotifier[V]
}

func defaultConfig[K comparable, V any]() *config[K, V] {
	return &config[K, V]{
		keyEqual:                func(a, b K) bool { return a == b },
		valueEqual:              defaultValueEqual[V],
		batchWindow:             time.Second,
		throwOnExpirationErrors: true,
		resetCoalesceThreshold:  math.MaxInt,
		clock:                   systemClock{},
		notificationScheduler:   InlineScheduler{},
	}
}

func defaultValueEqual[V any](a, b V) bool {
	return reflect.DeepEqual(a, b)
}

// Option configures a Cache at construction.
type Option[K comparable, V any] func(*config[K, V])

// WithKeyEquality stores eq as the configured key equality. The Keyed
// Store indexes keys with Go's built-in == for comparable types and does
// not call eq, so this option does not change which keys are treated as
// equal.
func WithKeyEquality[K comparable, V any](eq func(a, b K) bool) Option[K, V] {
	return func(c *config[K, V]) { c.keyEqual = eq }
}

// WithValueEquality overrides the default (reflect.DeepEqual) equality
// used to decide whether a Refresh produced an actual change.
func WithValueEquality[K comparable, V any](eq func(a, b V) bool) Option[K, V] {
	return func(c *config[K, V]) { c.valueEqual = eq }
}

// WithSingleLoader configures the per-key Refresh loader.
func WithSingleLoader[K comparable, V any](loader SingleLoader[K, V]) Option[K, V] {
	return func(c *config[K, V]) { c.singleLoader = loader }
}

// WithBulkLoader configures the multi-key Refresh loader, preferred over
// the single-key loader whenever a batch contains more than one
// Refresh-policy key.
func WithBulkLoader[K comparable, V any](loader BulkLoader[K, V]) Option[K, V] {
	return func(c *config[K, V]) { c.bulkLoader = loader }
}

// WithExpirationBatchWindow sets the chill period over which fired
// entries are accumulated before a batch is processed. Zero means entries
// are processed on the very next scheduler tick, individually or however
// many fired within that tick.
func WithExpirationBatchWindow[K comparable, V any](d time.Duration) Option[K, V] {
	return func(c *config[K, V]) { c.batchWindow = d }
}

// WithThrowOnExpirationErrors controls whether unhandled errors raised
// while applying expiration policy tear down the Expiration Pipeline.
// Defaults to true.
func WithThrowOnExpirationErrors[K comparable, V any](throw bool) Option[K, V] {
	return func(c *config[K, V]) { c.throwOnExpirationErrors = throw }
}

// WithResetCoalesceThreshold sets how many accumulated storage mutations
// within one suppression scope collapse into a single Reset on release.
func WithResetCoalesceThreshold[K comparable, V any](n int) Option[K, V] {
	return func(c *config[K, V]) { c.resetCoalesceThreshold = n }
}

// WithClock overrides the default system clock, primarily for tests that
// need deterministic expiration timing (see VirtualClock).
func WithClock[K comparable, V any](clock Clock) Option[K, V] {
	return func(c *config[K, V]) { c.clock = clock }
}

// WithNotificationScheduler overrides how dispatch to subscribers is run.
func WithNotificationScheduler[K comparable, V any](s Scheduler) Option[K, V] {
	return func(c *config[K, V]) { c.notificationScheduler = s }
}

// WithKeyPropertyNotifier installs the capability to forward in-place key
// change notifications as ItemKeyChanged events.
func WithKeyPropertyNotifier[K comparable, V any](n PropertyNotifier[K]) Option[K, V] {
	return func(c *config[K, V]) { c.keyNotifier = &n }
}

// WithValuePropertyNotifier installs the capability to forward in-place
// value change notifications as ItemValueChanged events.
func WithValuePropertyNotifier[K comparable, V any](n PropertyNotifier[V]) Option[K, V] {
	return func(c *config[K, V]) { c.valueNotifier = &n }
}
