package tunerpool

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/bonproxy/tunerproxy/internal/driverapi"
	"github.com/bonproxy/tunerproxy/internal/sharedtuner"
)

type stubDriver struct{ closed bool }

func (s *stubDriver) EnumSpaces(ctx context.Context) (int, error) { return 1, nil }
func (s *stubDriver) EnumChannels(ctx context.Context, space int) ([]string, error) {
	return []string{"1"}, nil
}
func (s *stubDriver) SetChannel(ctx context.Context, space int, ch string) error { return nil }
func (s *stubDriver) SignalLevel(ctx context.Context) (float32, error)          { return 8.0, nil }
func (s *stubDriver) Read(buf []byte) (int, error)                             { return 0, io.EOF }
func (s *stubDriver) Close() error                                             { s.closed = true; return nil }

func factoryFor(d driverapi.Driver) Factory {
	return func(ctx context.Context) (driverapi.Driver, error) { return d, nil }
}

func TestAcquireAllocatesWithinCapacity(t *testing.T) {
	p := New()
	p.SetMaxInstances(1, 2)
	ck := ChannelKey{DriverID: 1, Space: 0, Channel: "5"}
	mk := MuxKey{DriverID: 1, NID: 1, TSID: 1}

	d := &stubDriver{}
	st, id, _, err := p.Acquire(context.Background(), 1, ck, mk, 10, false, "s1", factoryFor(d))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if st.SubscriberCount() != 1 {
		t.Fatalf("subscriber count = %d, want 1", st.SubscriberCount())
	}
	p.Release(1, ck, mk, st, id)
	if !d.closed {
		t.Fatal("expected driver closed after last subscriber released")
	}
}

func TestAcquireMuxJoinSharesOneTuner(t *testing.T) {
	p := New()
	p.SetMaxInstances(1, 1)
	ck := ChannelKey{DriverID: 1, Space: 0, Channel: "5"}
	mk := MuxKey{DriverID: 1, NID: 1, TSID: 1}

	d := &stubDriver{}
	st1, id1, _, err := p.Acquire(context.Background(), 1, ck, mk, 10, false, "s1", factoryFor(d))
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	st2, id2, _, err := p.Acquire(context.Background(), 1, ck, mk, 10, false, "s2", factoryFor(&stubDriver{}))
	if err != nil {
		t.Fatalf("second Acquire (mux join): %v", err)
	}
	if st1 != st2 {
		t.Fatal("expected mux join to reuse the same Shared Tuner")
	}
	p.Release(1, ck, mk, st1, id1)
	p.Release(1, ck, mk, st2, id2)
}

func TestAcquireFailsAllTunersBusyWithoutPreemptableVictim(t *testing.T) {
	p := New()
	p.SetMaxInstances(1, 1)
	ck1 := ChannelKey{DriverID: 1, Space: 0, Channel: "5"}
	mk1 := MuxKey{DriverID: 1, NID: 1, TSID: 1}
	ck2 := ChannelKey{DriverID: 1, Space: 0, Channel: "6"}
	mk2 := MuxKey{DriverID: 1, NID: 1, TSID: 2}

	st1, _, _, err := p.Acquire(context.Background(), 1, ck1, mk1, 100, false, "s1", factoryFor(&stubDriver{}))
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	_ = st1

	_, _, _, err = p.Acquire(context.Background(), 1, ck2, mk2, 5, false, "s2", factoryFor(&stubDriver{}))
	if err != ErrAllTunersBusy {
		t.Fatalf("expected ErrAllTunersBusy for a lower-priority requester, got %v", err)
	}
}

func TestAcquirePreemptsLowerPriorityVictim(t *testing.T) {
	p := New()
	p.SetMaxInstances(1, 1)
	ck1 := ChannelKey{DriverID: 1, Space: 0, Channel: "5"}
	mk1 := MuxKey{DriverID: 1, NID: 1, TSID: 1}
	ck2 := ChannelKey{DriverID: 1, Space: 0, Channel: "6"}
	mk2 := MuxKey{DriverID: 1, NID: 1, TSID: 2}

	victimDriver := &stubDriver{}
	_, _, _, err := p.Acquire(context.Background(), 1, ck1, mk1, 5, false, "low", factoryFor(victimDriver))
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	st2, _, _, err := p.Acquire(context.Background(), 1, ck2, mk2, 100, false, "high", factoryFor(&stubDriver{}))
	if err != nil {
		t.Fatalf("preempting Acquire: %v", err)
	}
	if !victimDriver.closed {
		t.Fatal("expected victim tuner's driver closed by preemption")
	}
	if st2.SubscriberCount() != 1 {
		t.Fatalf("new tuner subscriber count = %d, want 1", st2.SubscriberCount())
	}
}

func TestConcurrentAcquireForNewKeyJoinsInsteadOfDoubleAllocating(t *testing.T) {
	p := New()
	p.SetMaxInstances(1, 2)
	ck := ChannelKey{DriverID: 1, Space: 0, Channel: "5"}
	mk := MuxKey{DriverID: 1, NID: 1, TSID: 1}

	start := make(chan struct{})
	const n = 8
	results := make([]*sharedResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			st, id, _, err := p.Acquire(context.Background(), 1, ck, mk, 10, false, "s", factoryFor(&stubDriver{}))
			results[i] = &sharedResult{tuner: st, id: id, err: err}
		}()
	}
	close(start)
	wg.Wait()

	var tuner *sharedResult
	seen := map[string]bool{}
	for _, r := range results {
		if r.err != nil {
			t.Fatalf("Acquire: %v", r.err)
		}
		if tuner == nil {
			tuner = r
		}
		if r.tuner != tuner.tuner {
			t.Fatal("expected every concurrent Acquire for the same new key to join one Shared Tuner")
		}
		if seen[r.id] {
			t.Fatalf("duplicate subscription id %s", r.id)
		}
		seen[r.id] = true
	}
	if got := tuner.tuner.SubscriberCount(); got != n {
		t.Fatalf("subscriber count = %d, want %d", got, n)
	}

	// Only one permit should have been consumed for this single key, even
	// though the driver's max is 2: a second Acquire for an unrelated key
	// must still find a spare permit.
	ck2 := ChannelKey{DriverID: 1, Space: 0, Channel: "6"}
	mk2 := MuxKey{DriverID: 1, NID: 1, TSID: 2}
	_, _, _, err := p.Acquire(context.Background(), 1, ck2, mk2, 10, false, "s2", factoryFor(&stubDriver{}))
	if err != nil {
		t.Fatalf("expected a spare permit for a second key, got: %v", err)
	}
}

type sharedResult struct {
	tuner *sharedtuner.SharedTuner
	id    string
	err   error
}

func TestSetMaxInstancesIsLazy(t *testing.T) {
	p := New()
	p.SetMaxInstances(1, 2)
	ck := ChannelKey{DriverID: 1, Space: 0, Channel: "5"}
	mk := MuxKey{DriverID: 1, NID: 1, TSID: 1}
	_, _, _, err := p.Acquire(context.Background(), 1, ck, mk, 10, false, "s1", factoryFor(&stubDriver{}))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.SetMaxInstances(1, 0)

	sem := p.lockedSemFor(1)
	if sem.tryAcquire() {
		t.Fatal("expected shrink to block new acquisitions even though the running tuner is untouched")
	}
}
