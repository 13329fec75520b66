// Package driverapi shapes heterogeneous tuner backends (vendor-ABI
// subprocess, character device, DVB-over-network) behind one Driver
// interface so the pool and selector can treat every variant uniformly
// (spec §4.2, §9 "Dynamic dispatch").
package driverapi

import (
	"context"
	"errors"
	"fmt"
)

// ErrDriverOpen is returned by Open when the underlying backend cannot be
// opened (spec §4.2's DriverOpen failure).
var ErrDriverOpen = errors.New("driverapi: open failed")

// ErrChannelSet is returned by SetChannel when tuning fails (spec §4.2's
// ChannelSet failure).
var ErrChannelSet = errors.New("driverapi: channel set failed")

// Driver is the minimal capability set every backend variant implements
// (spec §4.2). Read must not hold any lock for the duration of a blocking
// call (spec §9 "Suspension at driver boundary") — callers offload blocking
// variants onto their own goroutine.
type Driver interface {
	// EnumSpaces reports how many tuning spaces this driver exposes. May be 1.
	EnumSpaces(ctx context.Context) (int, error)
	// EnumChannels lists opaque channel names within a space.
	EnumChannels(ctx context.Context, space int) ([]string, error)
	// SetChannel tunes to ch within space. Wraps ErrChannelSet on failure.
	SetChannel(ctx context.Context, space int, ch string) error
	// SignalLevel samples the current signal level. Not required to be monotone.
	SignalLevel(ctx context.Context) (float32, error)
	// Read returns bytes from the tuner into buf. 0, nil means would-block.
	Read(buf []byte) (int, error)
	// Close releases the device. Idempotent.
	Close() error
}

// Config is the backend-agnostic configuration passed to Open; each variant
// reads only the fields it understands.
type Config struct {
	// Path identifies the backend: a subprocess command line, a device node
	// path, or an http(s) URL, depending on Variant.
	Path    string
	Args    []string
	Env     map[string]string
	BaseURL string
}

// Variant selects which Driver implementation Open constructs (spec §9's
// closed variant set).
type Variant string

const (
	VariantSubprocess Variant = "subprocess" // vendor-ABI driver run out-of-process
	VariantCharDevice Variant = "chardevice" // direct character-device read
	VariantDVBHTTP    Variant = "dvbhttp"    // DVB stream served over HTTP
)

// Open constructs a Driver of the given variant. Fails with ErrDriverOpen
// wrapping the underlying cause.
func Open(ctx context.Context, variant Variant, cfg Config) (Driver, error) {
	switch variant {
	case VariantSubprocess:
		return openSubprocessDriver(ctx, cfg)
	case VariantCharDevice:
		return openCharDeviceDriver(ctx, cfg)
	case VariantDVBHTTP:
		return openDVBHTTPDriver(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown variant %q", ErrDriverOpen, variant)
	}
}
