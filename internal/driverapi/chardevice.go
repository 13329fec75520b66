package driverapi

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// charDeviceDriver reads directly from a character device node (e.g. a DVB
// adapter's /dev/dvb/adapterN/dvrM). It exposes a single space and a fixed
// channel list supplied at open time via Config.Args (pre-tuned by a
// separate kernel-side frontend setup, outside this package's concern).
type charDeviceDriver struct {
	mu       sync.Mutex
	f        *os.File
	channels []string
	current  string
}

func openCharDeviceDriver(ctx context.Context, cfg Config) (Driver, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("%w: chardevice: empty path", ErrDriverOpen)
	}
	f, err := os.OpenFile(cfg.Path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDriverOpen, err)
	}
	return &charDeviceDriver{f: f, channels: cfg.Args}, nil
}

func (d *charDeviceDriver) EnumSpaces(ctx context.Context) (int, error) {
	return 1, nil
}

func (d *charDeviceDriver) EnumChannels(ctx context.Context, space int) ([]string, error) {
	if space != 0 {
		return nil, nil
	}
	return d.channels, nil
}

func (d *charDeviceDriver) SetChannel(ctx context.Context, space int, ch string) error {
	if space != 0 {
		return fmt.Errorf("%w: chardevice has a single space", ErrChannelSet)
	}
	for _, c := range d.channels {
		if c == ch {
			d.mu.Lock()
			d.current = ch
			d.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w: channel %q not in device's fixed list", ErrChannelSet, ch)
}

func (d *charDeviceDriver) SignalLevel(ctx context.Context) (float32, error) {
	// Character devices expose signal level through a sibling sysfs node
	// named after the device file; absence just means "unknown", not an error.
	data, err := os.ReadFile(d.f.Name() + ".signal")
	if err != nil {
		return 0, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 32)
	if err != nil {
		return 0, nil
	}
	return float32(v), nil
}

func (d *charDeviceDriver) Read(buf []byte) (int, error) {
	n, err := d.f.Read(buf)
	if err != nil {
		return n, err
	}
	return n, nil
}

func (d *charDeviceDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}
