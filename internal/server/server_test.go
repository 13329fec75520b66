package server

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/bonproxy/tunerproxy/internal/catalog"
	"github.com/bonproxy/tunerproxy/internal/driverapi"
	"github.com/bonproxy/tunerproxy/internal/protocol"
	"github.com/bonproxy/tunerproxy/internal/selector"
	"github.com/bonproxy/tunerproxy/internal/tunerpool"
)

// fakeDriver emits one chunk of fake TS bytes, then returns io.EOF on every
// later read.
type fakeDriver struct {
	reads int
}

func (*fakeDriver) EnumSpaces(ctx context.Context) (int, error) { return 1, nil }
func (*fakeDriver) EnumChannels(ctx context.Context, space int) ([]string, error) {
	return []string{"27"}, nil
}
func (*fakeDriver) SetChannel(ctx context.Context, space int, ch string) error { return nil }
func (*fakeDriver) SignalLevel(ctx context.Context) (float32, error)          { return 7.5, nil }
func (d *fakeDriver) Read(buf []byte) (int, error) {
	d.reads++
	if d.reads > 1 {
		return 0, io.EOF
	}
	n := copy(buf, []byte("tspacket"))
	return n, nil
}
func (*fakeDriver) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "cat.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	pool := tunerpool.New()
	pool.SetMaxInstances(1, 4)
	openFn := func(ctx context.Context, d catalog.Driver) (driverapi.Driver, error) {
		return &fakeDriver{}, nil
	}
	sel := selector.New(cat, pool, openFn)

	// Grab a free port by binding once, then hand the same address to the
	// server under test.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := New(addr, Deps{
		Catalog:  cat,
		Pool:     pool,
		Selector: sel,
		OpenByPath: func(ctx context.Context, path string) (driverapi.Driver, error) {
			return &fakeDriver{}, nil
		},
	}, 0, 0)
	return srv, addr
}

func dialUntilReady(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: timed out", addr)
	return nil
}

func roundTrip(t *testing.T, conn net.Conn, msgType uint16, payload []byte) *protocol.Frame {
	t.Helper()
	if err := protocol.WriteFrame(conn, &protocol.Frame{Type: msgType, Payload: payload}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestOpenTunerThenSetChannelPhysical(t *testing.T) {
	srv, addr := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	conn := dialUntilReady(t, addr)
	defer conn.Close()

	f := roundTrip(t, conn, protocol.TypeOpenTuner, protocol.OpenTuner{Path: "/dev/bondriver0"}.Marshal())
	ack, err := protocol.UnmarshalAck(f.Payload)
	if err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ack.Success {
		t.Fatalf("open_tuner ack.Success = false, error_code=%d", ack.ErrorCode)
	}

	msg := protocol.SetChannelPhysical{Path: "/dev/bondriver0", Space: 0, Channel: 27}
	f = roundTrip(t, conn, protocol.TypeSetChannelPhysical, msg.Marshal())
	ack, err = protocol.UnmarshalAck(f.Payload)
	if err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ack.Success {
		t.Fatalf("set_channel_physical ack.Success = false, error_code=%d", ack.ErrorCode)
	}
}

func TestSetChannelBeforeOpenIsProtocolViolation(t *testing.T) {
	srv, addr := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	conn := dialUntilReady(t, addr)
	defer conn.Close()

	msg := protocol.SetChannelPhysical{Path: "/dev/bondriver0", Space: 0, Channel: 27}
	f := roundTrip(t, conn, protocol.TypeSetChannelPhysical, msg.Marshal())
	ack, err := protocol.UnmarshalAck(f.Payload)
	if err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.Success {
		t.Fatal("expected failure ack before open_tuner")
	}
	if ack.ErrorCode != errCodeProtocolViolation {
		t.Fatalf("error_code = %d, want %d", ack.ErrorCode, errCodeProtocolViolation)
	}
}

func TestStartStreamDeliversStreamData(t *testing.T) {
	srv, addr := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	conn := dialUntilReady(t, addr)
	defer conn.Close()

	roundTrip(t, conn, protocol.TypeOpenTuner, protocol.OpenTuner{Path: "/dev/bondriver0"}.Marshal())
	msg := protocol.SetChannelPhysical{Path: "/dev/bondriver0", Space: 0, Channel: 27}
	roundTrip(t, conn, protocol.TypeSetChannelPhysical, msg.Marshal())

	f := roundTrip(t, conn, protocol.TypeStartStream, nil)
	ack, err := protocol.UnmarshalAck(f.Payload)
	if err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ack.Success {
		t.Fatalf("start_stream ack.Success = false, error_code=%d", ack.ErrorCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read stream data frame: %v", err)
	}
	if data.Type != protocol.TypeStreamData {
		t.Fatalf("frame type = %#x, want TypeStreamData", data.Type)
	}
	if string(data.Payload) != "tspacket" {
		t.Fatalf("stream payload = %q, want %q", data.Payload, "tspacket")
	}
}

func TestGetChannelListAfterScan(t *testing.T) {
	srv, addr := newTestServer(t)
	ctx := context.Background()
	driverID, err := srv.Deps.Catalog.UpsertDriver(ctx, "/dev/bondriver0")
	if err != nil {
		t.Fatalf("UpsertDriver: %v", err)
	}
	_, err = srv.Deps.Catalog.MergeScan(ctx, driverID, []catalog.ChannelInfo{
		{NID: 0x7FE8, SID: 101, TSID: 1, RawName: "CHANNEL A", PhysicalChannel: 27},
	})
	if err != nil {
		t.Fatalf("MergeScan: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(runCtx)

	conn := dialUntilReady(t, addr)
	defer conn.Close()

	f := roundTrip(t, conn, protocol.TypeGetChannelList, protocol.GetChannelList{}.Marshal())
	if f.Type != protocol.TypeChannelListResponse {
		t.Fatalf("frame type = %#x, want TypeChannelListResponse", f.Type)
	}
	resp, err := protocol.UnmarshalChannelListResponse(f.Payload)
	if err != nil {
		t.Fatalf("unmarshal channel list response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("got %d channels, want 1", len(resp.Items))
	}
	if resp.Items[0].SID != 101 {
		t.Fatalf("SID = %d, want 101", resp.Items[0].SID)
	}
}

func TestGetSignalLevelBeforeSelectionReturnsFailure(t *testing.T) {
	srv, addr := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	conn := dialUntilReady(t, addr)
	defer conn.Close()

	f := roundTrip(t, conn, protocol.TypeGetSignalLevel, nil)
	ack, err := protocol.UnmarshalSignalLevelAck(f.Payload)
	if err != nil {
		t.Fatalf("unmarshal signal level ack: %v", err)
	}
	if ack.Success {
		t.Fatal("expected failure: no tuner selected yet")
	}
}

func TestCloseTunerClosesConnection(t *testing.T) {
	srv, addr := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	conn := dialUntilReady(t, addr)
	defer conn.Close()

	roundTrip(t, conn, protocol.TypeOpenTuner, protocol.OpenTuner{Path: "/dev/bondriver0"}.Marshal())
	f := roundTrip(t, conn, protocol.TypeCloseTuner, nil)
	ack, err := protocol.UnmarshalAck(f.Payload)
	if err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ack.Success {
		t.Fatal("close_tuner ack.Success = false")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := protocol.ReadFrame(conn); err != io.EOF {
		t.Fatalf("expected EOF after close_tuner, got %v", err)
	}
}

func TestMaxConnectionsRejectsExtraConnection(t *testing.T) {
	srv, addr := newTestServer(t)
	srv.MaxConnections = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	conn1 := dialUntilReady(t, addr)
	defer conn1.Close()
	// Keep the handler alive on conn1 by not sending anything.

	conn2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial second connection: %v", err)
	}
	defer conn2.Close()

	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn2.Read(buf); err != io.EOF {
		t.Fatalf("expected the server to close the rejected connection (EOF), got %v", err)
	}
}
