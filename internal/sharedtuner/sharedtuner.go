// Package sharedtuner implements the Shared Tuner (spec §4.4): the
// component that owns exactly one open driver handle at one (space,
// channel) and fans its byte stream out to any number of subscribers.
// The subscriber map, bounded per-subscriber buffering, and non-blocking
// lag-and-drop broadcast are grounded on the TaskLogBroadcaster pattern
// in other_examples (worker-internal-logstream log_broadcaster.go):
// map[string]*Subscriber under a RWMutex, one buffered channel per
// subscriber, select-with-default send that drops on a full buffer rather
// than stalling the reader.
package sharedtuner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bonproxy/tunerproxy/internal/driverapi"
	"github.com/bonproxy/tunerproxy/internal/metrics"
	"github.com/bonproxy/tunerproxy/internal/tunerlock"
)

// ErrAlreadyRunning reports that a reader goroutine is already active.
// StartReader does not return it: a second StartReader is a no-op that
// returns nil.
var ErrAlreadyRunning = errors.New("sharedtuner: reader already running")

// ErrClosed is returned by Subscribe once the tuner has been torn down.
var ErrClosed = errors.New("sharedtuner: closed")

const subscriberBufferSize = 256
const readChunkSize = 64 * 1024

// subscriber holds one consumer's receive channel and bookkeeping.
type subscriber struct {
	id       string
	sessID   string
	priority int
	ch       chan []byte
	joinedAt time.Time

	// lagged closes the first time this subscriber's buffer is full and a
	// chunk is dropped for it, so the caller can tear the session down
	// instead of silently losing stream data (spec §4.4, §8).
	lagged  chan struct{}
	lagOnce sync.Once
}

// SharedTuner owns a single driverapi.Driver instance bound to one
// (space, channel) and multiplexes its output to subscribers.
type SharedTuner struct {
	DriverID int
	Space    int
	Channel  string

	driver driverapi.Driver
	lock   *tunerlock.Lock

	// Metrics, if set before StartReader, receives this tuner's packet and
	// signal-level readings.
	Metrics *metrics.Registry

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	nextSubID   uint64
	closed      bool

	isRunning       atomic.Bool
	packetsReceived atomic.Int64
	signalLevel     atomic.Int64 // signal * 100, stored as int

	readerWG sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New wraps an already-open driver for a given (space, channel).
func New(driverID, space int, channel string, d driverapi.Driver) *SharedTuner {
	return &SharedTuner{
		DriverID:    driverID,
		Space:       space,
		Channel:     channel,
		driver:      d,
		lock:        tunerlock.New(),
		subscribers: make(map[string]*subscriber),
	}
}

// Lock returns the tuner-lock guarding exclusive/shared access to this
// tuner's channel selection.
func (t *SharedTuner) Lock() *tunerlock.Lock {
	return t.lock
}

// SubscriberCount reports the number of active subscribers.
func (t *SharedTuner) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subscribers)
}

// PacketsReceived reports the cumulative count of read chunks broadcast.
func (t *SharedTuner) PacketsReceived() int64 {
	return t.packetsReceived.Load()
}

// SignalLevel reports the signal level: sampled from the driver directly
// while no reader is running, otherwise the reader loop's most recent sample.
func (t *SharedTuner) SignalLevel() float32 {
	if !t.isRunning.Load() {
		if sl, err := t.driver.SignalLevel(context.Background()); err == nil {
			t.signalLevel.Store(int64(sl * 100))
		}
	}
	return float32(t.signalLevel.Load()) / 100
}

// IsRunning reports whether the reader goroutine is currently active.
func (t *SharedTuner) IsRunning() bool {
	return t.isRunning.Load()
}

// Subscribe registers a new consumer and returns a subscription id plus a
// receive-only channel of raw chunks. The channel is never closed while the
// subscription is active; Unsubscribe removes it from the fan-out set.
func (t *SharedTuner) Subscribe(sessionID string, priority int) (string, <-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", nil, ErrClosed
	}
	t.nextSubID++
	id := fmt.Sprintf("%s-%d", sessionID, t.nextSubID)
	sub := &subscriber{
		id:       id,
		sessID:   sessionID,
		priority: priority,
		ch:       make(chan []byte, subscriberBufferSize),
		joinedAt: time.Now(),
		lagged:   make(chan struct{}),
	}
	t.subscribers[id] = sub
	return id, sub.ch, nil
}

// Lagged returns a channel that closes the first time subscriptionID's
// buffer fills and a chunk is dropped for it (spec §4.4's lag-and-drop
// broadcast, §8: "Subscriber at end-of-buffer observes BroadcastLag, not
// silent drop"). Returns nil if subscriptionID is unknown.
func (t *SharedTuner) Lagged(subscriptionID string) <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, ok := t.subscribers[subscriptionID]
	if !ok {
		return nil
	}
	return sub.lagged
}

// Unsubscribe removes a subscriber. Safe to call more than once.
func (t *SharedTuner) Unsubscribe(subscriptionID string) {
	t.mu.Lock()
	sub, ok := t.subscribers[subscriptionID]
	if ok {
		delete(t.subscribers, subscriptionID)
	}
	t.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// MaxSubscriberPriority returns the highest priority among current
// subscribers, or -1 if there are none — used by the pool's preemption
// tie-break (spec §4.6).
func (t *SharedTuner) MaxSubscriberPriority() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	max := -1
	for _, s := range t.subscribers {
		if s.priority > max {
			max = s.priority
		}
	}
	return max
}

// OldestSubscriberAge reports how long the longest-lived subscriber has
// been attached, used as the preemption tie-break's "longest idle" signal
// when subscriber counts and priorities are equal.
func (t *SharedTuner) OldestSubscriberAge() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var oldest time.Time
	for _, s := range t.subscribers {
		if oldest.IsZero() || s.joinedAt.Before(oldest) {
			oldest = s.joinedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return time.Since(oldest)
}

// StartReader is idempotent: if a reader is already running it returns nil
// without reopening the driver.
func (t *SharedTuner) StartReader() error {
	if !t.isRunning.CompareAndSwap(false, true) {
		return nil
	}
	t.stopCh = make(chan struct{})
	t.stopOnce = sync.Once{}
	t.readerWG.Add(1)
	go t.readLoop()
	return nil
}

// StopReader is idempotent: it signals the reader to exit if it is still
// running, joins it, and closes the underlying driver, also when the reader
// already exited on its own or was never started. Repeat calls only repeat
// the driver's idempotent Close.
func (t *SharedTuner) StopReader() error {
	if t.isRunning.CompareAndSwap(true, false) {
		t.stopOnce.Do(func() { close(t.stopCh) })
	}
	t.readerWG.Wait()
	return t.driver.Close()
}

// readLoop pumps the driver and fans each chunk out to subscribers,
// exiting on stop signal, read error, or two consecutive observations of
// zero subscribers (spec §4.4's reader lifecycle).
func (t *SharedTuner) readLoop() {
	defer t.readerWG.Done()
	buf := make([]byte, readChunkSize)
	zeroSubsStreak := 0

	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		n, err := t.driver.Read(buf)
		if err != nil {
			t.isRunning.Store(false)
			return
		}
		if n > 0 {
			t.packetsReceived.Add(1)
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			t.broadcast(chunk)
			if t.Metrics != nil {
				t.Metrics.PacketsReceived.WithLabelValues(metrics.DriverLabel(int64(t.DriverID)), t.Channel).Inc()
			}
		}

		if sl, sigErr := t.driver.SignalLevel(context.Background()); sigErr == nil {
			t.signalLevel.Store(int64(sl * 100))
			if t.Metrics != nil {
				t.Metrics.SignalLevel.WithLabelValues(metrics.DriverLabel(int64(t.DriverID)), t.Channel).Set(float64(sl))
			}
		}

		if t.SubscriberCount() == 0 {
			zeroSubsStreak++
			if zeroSubsStreak >= 2 {
				t.isRunning.Store(false)
				return
			}
		} else {
			zeroSubsStreak = 0
		}
	}
}

// broadcast delivers chunk to every subscriber without blocking; a
// subscriber whose buffer is full has the chunk dropped for it (lag and
// drop, not lag and stall the rest) and its lagged channel closed so the
// caller holding that subscription learns about it.
func (t *SharedTuner) broadcast(chunk []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, sub := range t.subscribers {
		select {
		case sub.ch <- chunk:
		default:
			sub.lagOnce.Do(func() { close(sub.lagged) })
		}
	}
}

// Close tears the tuner down: stops the reader (if running), closes the
// driver, and unsubscribes everyone.
func (t *SharedTuner) Close() error {
	err := t.StopReader()

	t.mu.Lock()
	t.closed = true
	subs := t.subscribers
	t.subscribers = make(map[string]*subscriber)
	t.mu.Unlock()

	for _, s := range subs {
		close(s.ch)
	}
	return err
}
