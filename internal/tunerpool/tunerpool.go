// Package tunerpool implements the Tuner Pool (spec §4.6): the registry
// that hands out Shared Tuners, joining existing ones where possible and
// otherwise allocating against a per-driver capacity semaphore, preempting
// lower-priority tuners when the semaphore is exhausted. The per-driver
// semaphore is adapted from internal/httpclient/retry.go's hostLimiter
// (map-keyed capacity gate), generalized here to a mutable limit since
// max_instances can change at runtime (spec §4.6). The index-lock discipline
// — the write-exclusive lock is held only across map mutations, never
// across driver I/O — follows spec §5's ordering guarantees.
package tunerpool

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/bonproxy/tunerproxy/internal/driverapi"
	"github.com/bonproxy/tunerproxy/internal/metrics"
	"github.com/bonproxy/tunerproxy/internal/sharedtuner"
	"github.com/bonproxy/tunerproxy/internal/tunerlock"
)

// ErrAllTunersBusy is returned by Acquire when no tuner can be freed by
// preemption and the driver's semaphore has no spare permit.
var ErrAllTunersBusy = errors.New("tunerpool: all tuners busy")

// ExclusivePriority is the effective priority an exclusive acquisition
// always runs at (spec §4.6 step 3, §4.8 priority hierarchy).
const ExclusivePriority = 255

// ChannelKey identifies a physical tuning target: a driver, a space within
// it, and an opaque channel name.
type ChannelKey struct {
	DriverID int
	Space    int
	Channel  string
}

// MuxKey identifies a multiplex: driver plus the DVB/ISDB (nid, tsid) pair.
// Multiple services on the same mux share one Shared Tuner.
type MuxKey struct {
	DriverID int
	NID      uint16
	TSID     uint16
}

// Factory opens the backing driver for a fresh Shared Tuner allocation.
type Factory func(ctx context.Context) (driverapi.Driver, error)

// entry is either a live allocation (tuner set) or a placeholder reserving
// a channel/mux key while its allocation is in flight (tuner nil, ready
// open). A second Acquire for the same key observes the placeholder under
// the index lock and waits on ready instead of also falling through to a
// fresh allocation.
type entry struct {
	tuner   *sharedtuner.SharedTuner
	channel ChannelKey
	mux     MuxKey
	driver  int
	ready   chan struct{}
}

// Pool is the registry of live Shared Tuners, keyed by channel and by mux,
// with one capacity semaphore per driver.
type Pool struct {
	mu        sync.Mutex
	byChannel map[ChannelKey]*entry
	byMux     map[MuxKey]*entry
	sems      map[int]*driverSemaphore

	// OnAllocate, if set, is called once a fresh Shared Tuner is allocated
	// and indexed (step 6), before Acquire returns. The daemon uses this
	// to attach a passive scanner (spec §4.10) without the pool needing
	// to know about the catalog or passivescan package.
	OnAllocate func(driverID int, tuner *sharedtuner.SharedTuner)

	// Metrics, if set, receives permit-usage gauges and the preemption
	// counter, and is propagated onto every Shared Tuner this Pool
	// allocates.
	Metrics *metrics.Registry
}

// New returns an empty Pool.
func New() *Pool {
	return &Pool{
		byChannel: make(map[ChannelKey]*entry),
		byMux:     make(map[MuxKey]*entry),
		sems:      make(map[int]*driverSemaphore),
	}
}

// SetMaxInstances sets (or changes) a driver's concurrent-tuner limit.
// Shrinks take effect lazily, as running tuners release their permits
// (spec §4.6).
func (p *Pool) SetMaxInstances(driverID, max int) {
	p.mu.Lock()
	sem := p.semFor(driverID)
	p.mu.Unlock()
	sem.setMax(max)
	if p.Metrics != nil {
		p.Metrics.PermitsMax.WithLabelValues(metrics.DriverLabel(int64(driverID))).Set(float64(max))
	}
}

// InUse reports whether any Shared Tuner is currently live against driverID,
// so a caller (the scan scheduler) can defer scanning a busy driver.
func (p *Pool) InUse(driverID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.byChannel {
		if e.driver == int(driverID) {
			return true
		}
	}
	return false
}

func (p *Pool) semFor(driverID int) *driverSemaphore {
	sem, ok := p.sems[driverID]
	if !ok {
		sem = newDriverSemaphore(1)
		p.sems[driverID] = sem
	}
	return sem
}

// Acquire resolves a (channel_key, mux_key) request to a live Shared Tuner,
// joining an existing one where the algorithm permits, else allocating a
// new one against the driver's semaphore — preempting a lower-priority
// tuner if necessary (spec §4.6 steps 1-6).
//
// Steps 1-2 (join checks) and the reservation that starts a fresh
// allocation all run inside one held index-lock critical section per
// attempt: the "nothing to join" conclusion and the placeholder insert
// that claims ck/mk for this caller happen without releasing p.mu in
// between, so two concurrent Acquire calls for the same new key can never
// both fall through to step 6 (spec §3, §8: a Mux key maps to at most one
// Shared Tuner at any instant). A caller that loses the race waits on the
// winner's placeholder and retries, landing on the join path once the
// winner's tuner is indexed.
func (p *Pool) Acquire(ctx context.Context, driverID int, ck ChannelKey, mk MuxKey, priority int, exclusive bool, sessionID string, factory Factory) (*sharedtuner.SharedTuner, string, <-chan []byte, error) {
	for {
		p.mu.Lock()

		// Step 1: mux join.
		if !exclusive {
			if e, ok := p.byMux[mk]; ok && e.driver == driverID {
				if e.tuner == nil {
					ready := e.ready
					p.mu.Unlock()
					if err := waitReady(ctx, ready); err != nil {
						return nil, "", nil, err
					}
					continue
				}
				tuner := e.tuner
				p.mu.Unlock()
				id, recv, err := tuner.Subscribe(sessionID, priority)
				if err == nil {
					return tuner, id, recv, nil
				}
				continue
			}
		}

		// Step 2: channel reuse.
		if e, ok := p.byChannel[ck]; ok {
			if e.tuner == nil {
				ready := e.ready
				p.mu.Unlock()
				if err := waitReady(ctx, ready); err != nil {
					return nil, "", nil, err
				}
				continue
			}
			tuner := e.tuner
			p.mu.Unlock()
			guard, err := tuner.Lock().AcquireShared(tunerlock.ChannelKey{Space: ck.Space, Channel: ck.Channel})
			if err == nil {
				id, recv, subErr := tuner.Subscribe(sessionID, priority)
				guard.Release()
				if subErr == nil {
					return tuner, id, recv, nil
				}
			}
			// Couldn't join the live entry (locked exclusively elsewhere,
			// or it closed mid-subscribe): reserve the key for a fresh
			// allocation, re-checking under the lock rather than
			// overwriting blind, since the entry may have been removed
			// (or replaced by another placeholder) while it was unlocked.
			p.mu.Lock()
		}

		// Nothing joinable: reserve ck/mk for our own allocation in this
		// same critical section, so a concurrent Acquire for this exact
		// key is guaranteed to observe the placeholder rather than also
		// falling through to step 6.
		if e, ok := p.byChannel[ck]; ok && e.tuner == nil {
			ready := e.ready
			p.mu.Unlock()
			if err := waitReady(ctx, ready); err != nil {
				return nil, "", nil, err
			}
			continue
		}
		placeholder := &entry{channel: ck, mux: mk, driver: driverID, ready: make(chan struct{})}
		p.byChannel[ck] = placeholder
		p.byMux[mk] = placeholder
		sem := p.semFor(driverID)
		p.mu.Unlock()

		return p.allocate(ctx, driverID, priority, exclusive, sessionID, factory, placeholder, sem)
	}
}

// allocate performs steps 3-6 once the caller has reserved ck/mk with a
// placeholder entry: exclusive override, capacity check and preemption,
// and the driver factory call. Index-lock critical sections are held only
// across map mutations, never across factory (driver I/O).
func (p *Pool) allocate(ctx context.Context, driverID int, priority int, exclusive bool, sessionID string, factory Factory, placeholder *entry, sem *driverSemaphore) (*sharedtuner.SharedTuner, string, <-chan []byte, error) {
	ck, mk := placeholder.channel, placeholder.mux
	effectivePriority := priority

	// Step 3: exclusive override — stop every tuner of this driver whose
	// max subscriber priority is below 255, freeing their permits.
	if exclusive {
		effectivePriority = ExclusivePriority
		p.stopOverridable(ctx, driverID)
	}

	// Step 4: capacity check.
	if !sem.tryAcquire() {
		// Step 5: preempt.
		victim := p.pickVictim(driverID, effectivePriority)
		if victim == nil {
			p.abortPlaceholder(placeholder)
			return nil, "", nil, ErrAllTunersBusy
		}
		p.stopAndRemove(ctx, victim)
		sem.release()
		if !sem.tryAcquire() {
			p.abortPlaceholder(placeholder)
			return nil, "", nil, ErrAllTunersBusy
		}
		if p.Metrics != nil {
			p.Metrics.Preemptions.Inc()
		}
	}
	p.reportPermitsInUse(driverID, sem)

	// Step 6: allocate.
	drv, err := factory(ctx)
	if err != nil {
		sem.release()
		p.reportPermitsInUse(driverID, sem)
		p.abortPlaceholder(placeholder)
		return nil, "", nil, err
	}
	st := sharedtuner.New(driverID, ck.Space, ck.Channel, drv)
	st.Metrics = p.Metrics
	// Bind the tuner's lock to its channel so step 2 can join it shared.
	g := st.Lock().AcquireExclusive()
	st.Lock().Downgrade(g, tunerlock.ChannelKey{Space: ck.Space, Channel: ck.Channel}).Release()

	id, recv, err := st.Subscribe(sessionID, priority)
	if err != nil {
		st.Close()
		sem.release()
		p.reportPermitsInUse(driverID, sem)
		p.abortPlaceholder(placeholder)
		return nil, "", nil, err
	}

	p.mu.Lock()
	placeholder.tuner = st
	p.mu.Unlock()
	close(placeholder.ready)

	if p.OnAllocate != nil {
		p.OnAllocate(driverID, st)
	}
	return st, id, recv, nil
}

// abortPlaceholder removes a reservation that failed to become a live
// tuner and wakes anyone waiting on it, so they retry instead of blocking
// forever.
func (p *Pool) abortPlaceholder(placeholder *entry) {
	p.mu.Lock()
	if cur, ok := p.byChannel[placeholder.channel]; ok && cur == placeholder {
		delete(p.byChannel, placeholder.channel)
	}
	if cur, ok := p.byMux[placeholder.mux]; ok && cur == placeholder {
		delete(p.byMux, placeholder.mux)
	}
	p.mu.Unlock()
	close(placeholder.ready)
}

// waitReady blocks until ready closes or ctx is done.
func waitReady(ctx context.Context, ready <-chan struct{}) error {
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) lockedSemFor(driverID int) *driverSemaphore {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.semFor(driverID)
}

func (p *Pool) reportPermitsInUse(driverID int, sem *driverSemaphore) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.PermitsInUse.WithLabelValues(metrics.DriverLabel(int64(driverID))).Set(float64(sem.inUse()))
}

// stopOverridable stops every Shared Tuner on driverID whose current max
// subscriber priority is below exclusive priority (spec §4.6 step 3).
func (p *Pool) stopOverridable(ctx context.Context, driverID int) {
	p.mu.Lock()
	var victims []*entry
	for _, e := range p.byChannel {
		if e.tuner == nil || e.driver != driverID {
			continue
		}
		if e.tuner.MaxSubscriberPriority() < ExclusivePriority {
			victims = append(victims, e)
		}
	}
	p.mu.Unlock()

	for _, v := range victims {
		p.stopAndRemove(ctx, v)
		p.lockedSemFor(driverID).release()
	}
}

// pickVictim chooses the lowest-max-priority running tuner on driverID that
// is strictly below requested priority and not itself exclusive-pinned
// (max_priority == 255). Ties break on fewest subscribers, then longest
// idle (spec §4.6 step 5).
func (p *Pool) pickVictim(driverID int, requested int) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []*entry
	for _, e := range p.byChannel {
		if e.tuner == nil || e.driver != driverID {
			continue
		}
		mp := e.tuner.MaxSubscriberPriority()
		if mp == ExclusivePriority || mp >= requested {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		mi, mj := candidates[i].tuner.MaxSubscriberPriority(), candidates[j].tuner.MaxSubscriberPriority()
		if mi != mj {
			return mi < mj
		}
		si, sj := candidates[i].tuner.SubscriberCount(), candidates[j].tuner.SubscriberCount()
		if si != sj {
			return si < sj
		}
		return candidates[i].tuner.OldestSubscriberAge() > candidates[j].tuner.OldestSubscriberAge()
	})
	return candidates[0]
}

func (p *Pool) stopAndRemove(ctx context.Context, e *entry) {
	p.removeEntry(e)
	e.tuner.Close()
}

func (p *Pool) removeEntry(e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.byChannel[e.channel]; ok && cur == e {
		delete(p.byChannel, e.channel)
	}
	if cur, ok := p.byMux[e.mux]; ok && cur == e {
		delete(p.byMux, e.mux)
	}
}

// Release drops a subscription; if the owning Shared Tuner's subscriber
// count reaches zero, it removes itself from both indices and its permit is
// returned to the driver's semaphore (spec §4.6 "Removal").
func (p *Pool) Release(driverID int, ck ChannelKey, mk MuxKey, tuner *sharedtuner.SharedTuner, subscriptionID string) {
	tuner.Unsubscribe(subscriptionID)
	if tuner.SubscriberCount() > 0 {
		return
	}
	p.mu.Lock()
	e, ok := p.byChannel[ck]
	present := ok && e.tuner == tuner
	if present {
		delete(p.byChannel, ck)
		delete(p.byMux, mk)
	}
	sem := p.semFor(driverID)
	p.mu.Unlock()

	if present {
		tuner.Close()
		sem.release()
		p.reportPermitsInUse(driverID, sem)
	}
}

// driverSemaphore is a mutable-capacity counting semaphore, one per driver.
type driverSemaphore struct {
	mu   sync.Mutex
	cond *sync.Cond
	used int
	max  int
}

func newDriverSemaphore(max int) *driverSemaphore {
	s := &driverSemaphore{max: max}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *driverSemaphore) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used < s.max {
		s.used++
		return true
	}
	return false
}

func (s *driverSemaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used > 0 {
		s.used--
	}
	s.cond.Broadcast()
}

func (s *driverSemaphore) inUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *driverSemaphore) setMax(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = max
	s.cond.Broadcast()
}
