package driverapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/bonproxy/tunerproxy/internal/httpclient"
)

// dvbHTTPDriver addresses a network-attached DVB tuner that exposes its
// control surface and stream over plain HTTP: GET /spaces, GET
// /channels?space=N, POST /tune?space=N&ch=NAME, GET /signal, and a raw
// stream at GET /stream. Client construction and retry policy are grounded
// on internal/httpclient/httpclient.go's ForStreaming client and
// internal/httpclient/retry.go's DoWithRetry backoff-with-jitter idiom.
type dvbHTTPDriver struct {
	mu         sync.Mutex
	baseURL    string
	client     *http.Client
	streamResp *http.Response
}

func openDVBHTTPDriver(ctx context.Context, cfg Config) (Driver, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = strings.TrimSpace(cfg.Path)
	}
	if base == "" {
		return nil, fmt.Errorf("%w: dvbhttp: empty base URL", ErrDriverOpen)
	}
	base = strings.TrimRight(base, "/")
	d := &dvbHTTPDriver{baseURL: base, client: httpclient.ForStreaming()}
	// Probe reachability up front so Open fails fast rather than on first use.
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/spaces", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDriverOpen, err)
	}
	resp, err := httpclient.DoWithRetry(ctx, httpclient.Default(), req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDriverOpen, err)
	}
	resp.Body.Close()
	return d, nil
}

func (d *dvbHTTPDriver) EnumSpaces(ctx context.Context) (int, error) {
	var out struct {
		Spaces int `json:"spaces"`
	}
	if err := d.getJSON(ctx, "/spaces", &out); err != nil {
		return 0, err
	}
	return out.Spaces, nil
}

func (d *dvbHTTPDriver) EnumChannels(ctx context.Context, space int) ([]string, error) {
	var out struct {
		Channels []string `json:"channels"`
	}
	if err := d.getJSON(ctx, "/channels?space="+strconv.Itoa(space), &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}

func (d *dvbHTTPDriver) SetChannel(ctx context.Context, space int, ch string) error {
	url := fmt.Sprintf("%s/tune?space=%d&ch=%s", d.baseURL, space, ch)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelSet, err)
	}
	resp, err := httpclient.DoWithRetry(ctx, d.client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelSet, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: tuner replied %d", ErrChannelSet, resp.StatusCode)
	}

	d.mu.Lock()
	old := d.streamResp
	d.streamResp = nil
	d.mu.Unlock()
	if old != nil {
		old.Body.Close()
	}

	streamReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/stream", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelSet, err)
	}
	streamResp, err := d.client.Do(streamReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChannelSet, err)
	}
	d.mu.Lock()
	d.streamResp = streamResp
	d.mu.Unlock()
	return nil
}

func (d *dvbHTTPDriver) SignalLevel(ctx context.Context) (float32, error) {
	var out struct {
		Level float32 `json:"level"`
	}
	if err := d.getJSON(ctx, "/signal", &out); err != nil {
		return 0, err
	}
	return out.Level, nil
}

func (d *dvbHTTPDriver) Read(buf []byte) (int, error) {
	d.mu.Lock()
	resp := d.streamResp
	d.mu.Unlock()
	if resp == nil {
		return 0, nil // no channel tuned yet: would-block
	}
	n, err := resp.Body.Read(buf)
	if err == io.EOF {
		return n, nil
	}
	return n, err
}

func (d *dvbHTTPDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.streamResp == nil {
		return nil
	}
	err := d.streamResp.Body.Close()
	d.streamResp = nil
	return err
}

func (d *dvbHTTPDriver) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := httpclient.DoWithRetry(ctx, d.client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("driverapi: dvbhttp %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
