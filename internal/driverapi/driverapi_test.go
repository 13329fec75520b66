package driverapi

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOpenUnknownVariant(t *testing.T) {
	_, err := Open(context.Background(), Variant("bogus"), Config{})
	if !errors.Is(err, ErrDriverOpen) {
		t.Fatalf("Open(bogus) err = %v, want wrapping ErrDriverOpen", err)
	}
}

func TestOpenCharDeviceMissingPath(t *testing.T) {
	_, err := openCharDeviceDriver(context.Background(), Config{Path: "/nonexistent/dvb/adapter0"})
	if !errors.Is(err, ErrDriverOpen) {
		t.Fatalf("err = %v, want wrapping ErrDriverOpen", err)
	}
}

func TestCharDeviceSetChannelRejectsUnknown(t *testing.T) {
	d := &charDeviceDriver{channels: []string{"27", "28"}}
	if err := d.SetChannel(context.Background(), 0, "99"); !errors.Is(err, ErrChannelSet) {
		t.Fatalf("SetChannel(unknown) err = %v, want wrapping ErrChannelSet", err)
	}
	if err := d.SetChannel(context.Background(), 0, "27"); err != nil {
		t.Fatalf("SetChannel(known) err = %v", err)
	}
	if d.current != "27" {
		t.Errorf("current = %q, want 27", d.current)
	}
}

func TestCharDeviceSingleSpaceOnly(t *testing.T) {
	d := &charDeviceDriver{channels: []string{"27"}}
	if err := d.SetChannel(context.Background(), 1, "27"); !errors.Is(err, ErrChannelSet) {
		t.Fatalf("SetChannel(space=1) err = %v, want wrapping ErrChannelSet", err)
	}
}

func TestReopenWithBackoffExhausts(t *testing.T) {
	start := time.Now()
	_, err := OpenWithBackoff(context.Background(), VariantCharDevice,
		Config{Path: "/nonexistent/dvb/adapter0"},
		ReopenPolicy{BaseDelay: time.Millisecond, MaxAttempts: 3})
	if err == nil {
		t.Fatal("expected error after exhausting reopen attempts")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("reopen took too long: %s", elapsed)
	}
}

func TestReopenWithBackoffRespectsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := OpenWithBackoff(ctx, VariantCharDevice,
		Config{Path: "/nonexistent/dvb/adapter0"},
		ReopenPolicy{BaseDelay: time.Second, MaxAttempts: 3})
	if !errors.Is(err, context.Canceled) && err == nil {
		t.Fatalf("err = %v, want non-nil (context canceled or open failure)", err)
	}
}
