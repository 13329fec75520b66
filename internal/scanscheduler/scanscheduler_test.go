package scanscheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bonproxy/tunerproxy/internal/catalog"
	"github.com/bonproxy/tunerproxy/internal/driverapi"
)

type scanDriver struct {
	reads int32
}

func (d *scanDriver) EnumSpaces(ctx context.Context) (int, error) { return 1, nil }
func (d *scanDriver) EnumChannels(ctx context.Context, space int) ([]string, error) {
	return []string{"1"}, nil
}
func (d *scanDriver) SetChannel(ctx context.Context, space int, ch string) error { return nil }
func (d *scanDriver) SignalLevel(ctx context.Context) (float32, error)          { return 8, nil }
func (d *scanDriver) Read(buf []byte) (int, error) {
	atomic.AddInt32(&d.reads, 1)
	return 0, nil
}
func (d *scanDriver) Close() error { return nil }

func openTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "cat.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestScanOneRunsAndRecordsHistory(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	driverID, err := cat.UpsertDriver(ctx, "/dev/tuner0")
	if err != nil {
		t.Fatalf("UpsertDriver: %v", err)
	}
	// A driver only becomes due once next_scan_at is set; a history record
	// with the default interval of 0 sets it to now.
	if err := cat.RecordScanHistory(ctx, driverID, 0, nil); err != nil {
		t.Fatalf("RecordScanHistory: %v", err)
	}
	if err := cat.SetScanPolicy(ctx, driverID, true, 1, 0, false); err != nil {
		t.Fatalf("SetScanPolicy: %v", err)
	}

	drv := &scanDriver{}
	s := New(cat, func(ctx context.Context, d catalog.Driver) (driverapi.Driver, error) {
		return drv, nil
	}, nil)

	drivers, err := cat.GetDueDrivers(ctx, time.Now())
	if err != nil {
		t.Fatalf("GetDueDrivers: %v", err)
	}
	if len(drivers) != 1 {
		t.Fatalf("due drivers = %d, want 1", len(drivers))
	}
	if err := s.scanOne(ctx, drivers[0]); err != nil {
		t.Fatalf("scanOne: %v", err)
	}
	if atomic.LoadInt32(&drv.reads) == 0 {
		t.Fatal("expected the driver to be read from during the scan")
	}
}

func TestTickDefersInUseDrivers(t *testing.T) {
	cat := openTestCatalog(t)
	ctx := context.Background()
	driverID, err := cat.UpsertDriver(ctx, "/dev/tuner0")
	if err != nil {
		t.Fatalf("UpsertDriver: %v", err)
	}
	if err := cat.RecordScanHistory(ctx, driverID, 0, nil); err != nil {
		t.Fatalf("RecordScanHistory: %v", err)
	}
	cat.SetScanPolicy(ctx, driverID, true, 1, 0, false)

	drv := &scanDriver{}
	opened := int32(0)
	s := New(cat, func(ctx context.Context, d catalog.Driver) (driverapi.Driver, error) {
		atomic.AddInt32(&opened, 1)
		return drv, nil
	}, func(id int64) bool { return true })

	s.tick(ctx)
	if atomic.LoadInt32(&opened) != 0 {
		t.Fatal("expected in-use driver to be skipped, but it was opened")
	}
}
