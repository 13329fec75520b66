// Package selector implements the Logical Selector (spec §4.7): resolving
// a service-level request (nid, tsid, sid?) into a working Shared Tuner by
// walking catalog candidates in priority order, preferring pool joins and
// falling back to tune-and-verify on fresh allocations. The scored-ranking
// tie-break, including its stable reordering by original index when scores
// are equal, is grounded on internal/tuner/server.go's
// scoreLineupChannelForShape + sort.SliceStable lineup-ordering idiom.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bonproxy/tunerproxy/internal/catalog"
	"github.com/bonproxy/tunerproxy/internal/driverapi"
	"github.com/bonproxy/tunerproxy/internal/sharedtuner"
	"github.com/bonproxy/tunerproxy/internal/tunerpool"
)

// ErrChannelNotFound is returned when the catalog has no candidates for the
// requested (nid, tsid, sid).
var ErrChannelNotFound = errors.New("selector: channel not found")

// Defaults for the tune-and-verify loop (spec §4.7).
const (
	DefaultSignalTimeout   = 3 * time.Second
	DefaultSignalThreshold = 5.0
	DefaultPacketTimeout   = 2 * time.Second
	signalPollInterval     = 100 * time.Millisecond
)

// DriverOpener opens the driverapi.Driver backing a catalog candidate.
type DriverOpener func(ctx context.Context, d catalog.Driver) (driverapi.Driver, error)

// Weights configures the optional scoring refinement used to order
// candidates that tie on database priority (spec §4.7).
type Weights struct {
	Signal       float64
	Availability float64
	Priority     float64
}

// DefaultWeights favors signal quality first, then headroom, then DB
// priority — a reasonable default absent operator tuning.
var DefaultWeights = Weights{Signal: 0.5, Availability: 0.3, Priority: 0.2}

// Selector resolves logical selections against a Catalog and a Pool.
type Selector struct {
	Catalog         *catalog.Catalog
	Pool            *tunerpool.Pool
	Open            DriverOpener
	SignalTimeout   time.Duration
	SignalThreshold float32
	PacketTimeout   time.Duration
	Weights         Weights
}

// New returns a Selector with spec-default timeouts and weights.
func New(cat *catalog.Catalog, pool *tunerpool.Pool, open DriverOpener) *Selector {
	return &Selector{
		Catalog:         cat,
		Pool:            pool,
		Open:            open,
		SignalTimeout:   DefaultSignalTimeout,
		SignalThreshold: DefaultSignalThreshold,
		PacketTimeout:   DefaultPacketTimeout,
		Weights:         DefaultWeights,
	}
}

// Result is the successful outcome of Select: a live Shared Tuner and the
// subscription handle the caller now owns.
type Result struct {
	Tuner          *sharedtuner.SharedTuner
	SubscriptionID string
	Recv           <-chan []byte
	Candidate      catalog.ChannelCandidate
}

// scored pairs a candidate with its ranking score and original index, for
// the stable reorder-on-tie behavior mirrored from the lineup sorter.
type scored struct {
	candidate catalog.ChannelCandidate
	score     float64
	idx       int
}

// Select walks catalog candidates for (nid, tsid, sid) in ranked order,
// attempting a pool acquisition (join or fresh allocation) for each, tuning
// and verifying fresh allocations before accepting them (spec §4.7).
func (s *Selector) Select(ctx context.Context, nid, tsid uint16, sid *uint16, sessionID string, priority int, exclusive bool) (*Result, error) {
	candidates, err := s.Catalog.GetChannelCandidates(ctx, nid, tsid, sid)
	if err != nil {
		return nil, fmt.Errorf("selector: load candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, ErrChannelNotFound
	}
	ranked := s.rank(candidates)

	var lastErr error = ErrChannelNotFound
	for _, c := range ranked {
		res, freshAllocation, err := s.acquire(ctx, c, sessionID, priority, exclusive)
		if err != nil {
			lastErr = err
			continue
		}
		if freshAllocation {
			if err := s.tuneAndVerify(ctx, res.Tuner, c); err != nil {
				s.Pool.Release(int(c.Driver.ID), channelKeyFor(c), muxKeyFor(c), res.Tuner, res.SubscriptionID)
				s.recordFailure(ctx, c.Channel.ID)
				lastErr = err
				continue
			}
		}
		s.Catalog.ResetFailure(ctx, c.Channel.ID)
		res.Candidate = c
		return res, nil
	}
	return nil, lastErr
}

func (s *Selector) acquire(ctx context.Context, c catalog.ChannelCandidate, sessionID string, priority int, exclusive bool) (*Result, bool, error) {
	ck := channelKeyFor(c)
	mk := muxKeyFor(c)
	channel := channelNameFor(c)

	// freshAllocation is set by the pool only when it actually invokes this
	// factory (tunerpool.Pool.Acquire step 6): a join (mux or channel reuse)
	// never calls it. It also tunes the driver to the requested multiplex
	// before handing it to the pool, mirroring what the physical selection
	// path's factory does in internal/server.
	freshAllocation := false
	factory := func(ctx context.Context) (driverapi.Driver, error) {
		freshAllocation = true
		drv, err := s.Open(ctx, c.Driver)
		if err != nil {
			return nil, err
		}
		if err := drv.SetChannel(ctx, c.Channel.BonSpace, channel); err != nil {
			drv.Close()
			return nil, err
		}
		return drv, nil
	}

	tuner, subID, recv, err := s.Pool.Acquire(ctx, int(c.Driver.ID), ck, mk, priority, exclusive, sessionID, factory)
	if err != nil {
		return nil, false, err
	}
	return &Result{Tuner: tuner, SubscriptionID: subID, Recv: recv}, freshAllocation, nil
}

func channelNameFor(c catalog.ChannelCandidate) string {
	if c.Channel.ManualSheet != nil {
		return fmt.Sprintf("%d", *c.Channel.ManualSheet)
	}
	return fmt.Sprintf("%d", c.Channel.SID)
}

func channelKeyFor(c catalog.ChannelCandidate) tunerpool.ChannelKey {
	return tunerpool.ChannelKey{DriverID: int(c.Driver.ID), Space: c.Channel.BonSpace, Channel: channelNameFor(c)}
}

func muxKeyFor(c catalog.ChannelCandidate) tunerpool.MuxKey {
	return tunerpool.MuxKey{DriverID: int(c.Driver.ID), NID: c.Channel.NID, TSID: c.Channel.TSID}
}

// tuneAndVerify waits for adequate signal, starts the reader, and waits for
// nonzero packet flow — the fresh-allocation verification the spec requires
// before a candidate is accepted. The channel itself was already set by the
// acquisition factory (tunerpool.Pool.Acquire step 6) before this runs.
func (s *Selector) tuneAndVerify(ctx context.Context, st *sharedtuner.SharedTuner, c catalog.ChannelCandidate) error {
	channel := channelNameFor(c)

	deadline := time.Now().Add(s.SignalTimeout)
	ok := false
	for time.Now().Before(deadline) {
		if lvl := st.SignalLevel(); lvl >= s.SignalThreshold {
			ok = true
			break
		}
		time.Sleep(signalPollInterval)
	}
	if !ok && st.SignalLevel() < s.SignalThreshold {
		return fmt.Errorf("selector: signal below threshold for channel %s", channel)
	}

	if err := st.StartReader(); err != nil {
		return fmt.Errorf("selector: start reader: %w", err)
	}

	pktDeadline := time.Now().Add(s.PacketTimeout)
	for time.Now().Before(pktDeadline) {
		if st.PacketsReceived() > 0 {
			return nil
		}
		time.Sleep(signalPollInterval)
	}
	if st.PacketsReceived() == 0 {
		return fmt.Errorf("selector: no packets received for channel %s", channel)
	}
	return nil
}

func (s *Selector) recordFailure(ctx context.Context, channelID int64) {
	s.Catalog.IncrementFailure(ctx, channelID)
}

// rank orders candidates by DB priority (already applied by the catalog
// query), then refines ties using the weighted score, preserving original
// order among equal scores exactly as the lineup sorter does.
func (s *Selector) rank(candidates []catalog.ChannelCandidate) []catalog.ChannelCandidate {
	items := make([]scored, len(candidates))
	for i, c := range candidates {
		items[i] = scored{candidate: c, score: s.score(c), idx: i}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score == items[j].score {
			return items[i].idx < items[j].idx
		}
		return items[i].score > items[j].score
	})
	out := make([]catalog.ChannelCandidate, len(items))
	for i, it := range items {
		out[i] = it.candidate
	}
	return out
}

// score ranks a candidate before any tuner is acquired, so signal_norm and
// availability can't be sampled live here; both sit at their neutral value
// and priority_norm does the actual discriminating. Kept as three terms to
// match the weighted-sum shape so a future live sample slots in without a
// signature change.
func (s *Selector) score(c catalog.ChannelCandidate) float64 {
	const signalNorm = 1.0
	const availability = 1.0
	priorityNorm := float64(c.Channel.Priority) / 255.0
	return s.Weights.Signal*signalNorm + s.Weights.Availability*availability + s.Weights.Priority*priorityNorm
}
