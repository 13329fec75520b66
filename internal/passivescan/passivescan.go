// Package passivescan implements the Passive Scanner (spec §4.10): a
// silent subscriber attached to a Shared Tuner that feeds the TS Analyzer
// off whatever another session is already streaming, periodically writing
// anything it completes back through Catalog.PassiveUpdate. The
// subscribe-and-drain shape reuses sharedtuner.Subscribe exactly as any
// other consumer would, grounded on the same broadcaster pattern
// sharedtuner itself is grounded on.
package passivescan

import (
	"context"
	"log"
	"time"

	"github.com/bonproxy/tunerproxy/internal/catalog"
	"github.com/bonproxy/tunerproxy/internal/sharedtuner"
	"github.com/bonproxy/tunerproxy/internal/tsdemux"
)

// DefaultUpdateInterval is how often a complete identity is flushed to the
// catalog (spec §4.10: "every ~30 s").
const DefaultUpdateInterval = 30 * time.Second

// Scanner attaches passively to one Shared Tuner.
type Scanner struct {
	DriverID       int64
	Catalog        *catalog.Catalog
	UpdateInterval time.Duration

	analyzer *tsdemux.Analyzer
}

// New returns a Scanner for driverID, reporting into cat.
func New(driverID int64, cat *catalog.Catalog) *Scanner {
	return &Scanner{
		DriverID:       driverID,
		Catalog:        cat,
		UpdateInterval: DefaultUpdateInterval,
		analyzer:       tsdemux.NewAnalyzer(),
	}
}

// Run subscribes to tuner as a silent, zero-priority consumer and drains
// it until ctx is cancelled or the subscription's channel closes (the
// tuner stopped). Completed identities are flushed to the catalog at most
// once per UpdateInterval.
func (sc *Scanner) Run(ctx context.Context, tuner *sharedtuner.SharedTuner) error {
	subID, recv, err := tuner.Subscribe("passive-scan", 0)
	if err != nil {
		return err
	}
	defer tuner.Unsubscribe(subID)

	ticker := time.NewTicker(sc.UpdateInterval)
	defer ticker.Stop()

	var pending []catalog.ChannelInfo
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-recv:
			if !ok {
				return nil
			}
			for _, ci := range sc.analyzer.Feed(chunk) {
				pending = append(pending, catalog.ChannelInfo{
					NID: ci.NID, SID: ci.SID, TSID: ci.TSID,
					RawName: ci.RawName, PhysicalChannel: ci.PhysicalChannel,
					RemoteControlKey: ci.RemoteControlKey, ServiceType: ci.ServiceType,
					NetworkName: ci.NetworkName,
				})
			}
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			n, err := sc.Catalog.PassiveUpdate(ctx, sc.DriverID, pending)
			if err != nil {
				log.Printf("passivescan: driver %d: passive_update: %v", sc.DriverID, err)
			} else {
				log.Printf("passivescan: driver %d: touched %d channels", sc.DriverID, n)
			}
			pending = nil
		}
	}
}
