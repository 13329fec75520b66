// Package scanscheduler implements the Scan Scheduler (spec §4.9): a 60s
// ticker that pulls due drivers from the catalog, runs an active scan over
// each of their spaces/channels, and merges the observed channel set back.
// The ticker-plus-WaitGroup-plus-error-channel shutdown shape is grounded
// on internal/supervisor/supervisor.go's Run; the rate at which driver scans
// start is paced with golang.org/x/time/rate, which does not cap how many
// scans run at once.
package scanscheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bonproxy/tunerproxy/internal/catalog"
	"github.com/bonproxy/tunerproxy/internal/driverapi"
	"github.com/bonproxy/tunerproxy/internal/metrics"
	"github.com/bonproxy/tunerproxy/internal/tsdemux"
)

// DefaultTickInterval is the scheduler's polling period (spec §4.9).
const DefaultTickInterval = 60 * time.Second

// InUseChecker reports whether a driver is currently held by any session,
// in which case its due scan is deferred rather than run (spec §4.9).
type InUseChecker func(driverID int64) bool

// DriverOpener opens the driverapi.Driver for an active scan.
type DriverOpener func(ctx context.Context, d catalog.Driver) (driverapi.Driver, error)

// Scheduler runs the periodic active-scan loop.
type Scheduler struct {
	Catalog      *catalog.Catalog
	Open         DriverOpener
	InUse        InUseChecker
	TickInterval time.Duration
	Limiter      *rate.Limiter
	Metrics      *metrics.Registry

	logPrefix string
}

// New returns a Scheduler with spec defaults: a 60s tick and one driver
// scan admitted per second (bursts of 2) to keep concurrent open-driver
// pressure bounded.
func New(cat *catalog.Catalog, open DriverOpener, inUse InUseChecker) *Scheduler {
	return &Scheduler{
		Catalog:      cat,
		Open:         open,
		InUse:        inUse,
		TickInterval: DefaultTickInterval,
		Limiter:      rate.NewLimiter(rate.Limit(1), 2),
		logPrefix:    "scanscheduler:",
	}
}

// Run ticks every TickInterval until ctx is cancelled, scanning all due
// drivers on each tick. Individual driver scans run concurrently (their
// starts paced by Limiter) and a failure in one never aborts the others. When immediate
// is true the first pass runs right away (--scan-on-start); otherwise Run
// waits for the first tick before scanning anything.
func (s *Scheduler) Run(ctx context.Context, immediate bool) error {
	ticker := time.NewTicker(s.TickInterval)
	defer ticker.Stop()

	if immediate {
		s.tick(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.Catalog.GetDueDrivers(ctx, time.Now())
	if err != nil {
		log.Printf("%s get_due_drivers: %v", s.logPrefix, err)
		return
	}

	var wg sync.WaitGroup
	for _, d := range due {
		if s.InUse != nil && s.InUse(d.ID) {
			log.Printf("%s deferring scan of driver %d: in use", s.logPrefix, d.ID)
			continue
		}
		d := d
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Limiter.Wait(ctx); err != nil {
				return
			}
			if err := s.scanOne(ctx, d); err != nil {
				log.Printf("%s scan driver %d: %v", s.logPrefix, d.ID, err)
			}
		}()
	}
	wg.Wait()
}

// scanOne opens the driver, walks every (space, channel), feeds the TS
// Analyzer, merges the observed set, and records scan history.
func (s *Scheduler) scanOne(ctx context.Context, d catalog.Driver) error {
	start := time.Now()
	if s.Metrics != nil {
		defer func() { s.Metrics.ScanDuration.Observe(time.Since(start).Seconds()) }()
	}

	drv, err := s.Open(ctx, d)
	if err != nil {
		return err
	}
	defer drv.Close()

	var observed []catalog.ChannelInfo
	spaces, err := drv.EnumSpaces(ctx)
	if err != nil {
		s.Catalog.RecordScanHistory(ctx, d.ID, 0, err)
		return err
	}

	for space := 0; space < spaces; space++ {
		channels, err := drv.EnumChannels(ctx, space)
		if err != nil {
			continue
		}
		for _, ch := range channels {
			if err := drv.SetChannel(ctx, space, ch); err != nil {
				continue
			}
			observed = append(observed, s.scanChannel(ctx, drv, space, ch)...)
		}
	}

	result, err := s.Catalog.MergeScan(ctx, d.ID, observed)
	s.Catalog.RecordScanHistory(ctx, d.ID, len(observed), err)
	if err != nil {
		return err
	}
	log.Printf("%s driver %d: inserted=%d updated=%d disabled=%d", s.logPrefix, d.ID, result.Inserted, result.Updated, result.Disabled)
	return nil
}

// scanChannel feeds the analyzer from drv until it emits an identity or a
// short read budget is exhausted.
func (s *Scheduler) scanChannel(ctx context.Context, drv driverapi.Driver, space int, ch string) []catalog.ChannelInfo {
	analyzer := tsdemux.NewAnalyzer()
	buf := make([]byte, 64*1024)
	deadline := time.Now().Add(3 * time.Second)

	for time.Now().Before(deadline) {
		n, err := drv.Read(buf)
		if err != nil {
			break
		}
		if n == 0 {
			continue
		}
		out := analyzer.Feed(buf[:n])
		if len(out) > 0 {
			infos := make([]catalog.ChannelInfo, len(out))
			for i, ci := range out {
				infos[i] = catalog.ChannelInfo{
					NID: ci.NID, SID: ci.SID, TSID: ci.TSID,
					RawName: ci.RawName, PhysicalChannel: ci.PhysicalChannel,
					RemoteControlKey: ci.RemoteControlKey, ServiceType: ci.ServiceType,
					NetworkName: ci.NetworkName, BonSpace: space,
				}
			}
			return infos
		}
	}
	return nil
}
