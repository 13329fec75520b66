// Package server runs the wire-protocol TCP listener (spec §6): one
// goroutine per accepted connection reads length-prefixed frames, dispatches
// them to a Session, and writes back the paired ack (or a 0x0011/StreamData
// reply) in turn. The accept-loop-plus-per-connection-goroutine shape is
// grounded on internal/hdhomerun/control.go's ControlServer.Serve /
// handleConnection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/bonproxy/tunerproxy/internal/catalog"
	"github.com/bonproxy/tunerproxy/internal/driverapi"
	"github.com/bonproxy/tunerproxy/internal/metrics"
	"github.com/bonproxy/tunerproxy/internal/protocol"
	"github.com/bonproxy/tunerproxy/internal/selector"
	"github.com/bonproxy/tunerproxy/internal/session"
	"github.com/bonproxy/tunerproxy/internal/tunerpool"
	"github.com/google/uuid"
)

// Wire error codes (spec §6: "error_code:u16 on failure"). Opaque beyond
// nonzero-means-failure, numbered in discovery order.
const (
	errCodeProtocolViolation uint16 = 1
	errCodeChannelSetFailed  uint16 = 2
	errCodeInternal          uint16 = 3
)

// Deps bundles the collaborators each Session needs. OpenByPath opens the
// driverapi.Driver backing a raw path as named in a SetChannelPhysical
// message (spec §6), independent of any catalog row.
type Deps struct {
	Catalog    *catalog.Catalog
	Pool       *tunerpool.Pool
	Selector   *selector.Selector
	OpenByPath func(ctx context.Context, path string) (driverapi.Driver, error)
	Metrics    *metrics.Registry
}

// Server accepts wire-protocol connections and drives one Session per
// connection, registering each with a Manager for idle reaping.
type Server struct {
	Addr           string
	Deps           Deps
	Manager        *session.Manager
	MaxConnections int

	mu    sync.Mutex
	conns int
}

// New returns a Server ready to Run. idleTimeout governs the Manager's
// reaper; pass 0 to disable idle reaping.
func New(addr string, deps Deps, idleTimeout time.Duration, maxConnections int) *Server {
	return &Server{
		Addr:           addr,
		Deps:           deps,
		Manager:        session.NewManager(idleTimeout),
		MaxConnections: maxConnections,
	}
}

// Run listens on s.Addr and serves connections until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.Addr, err)
	}
	log.Printf("server: listening on %s", s.Addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	if s.Manager.IdleTimeout() > 0 {
		go s.Manager.Run(ctx)
	}

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return nil
			default:
				log.Printf("server: accept error: %v", err)
				continue
			}
		}
		if !s.admit() {
			log.Printf("server: rejecting %s: at max-connections", conn.RemoteAddr())
			conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.release()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) admit() bool {
	if s.MaxConnections <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns >= s.MaxConnections {
		return false
	}
	s.conns++
	return true
}

func (s *Server) release() {
	if s.MaxConnections <= 0 {
		return
	}
	s.mu.Lock()
	s.conns--
	s.mu.Unlock()
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id := uuid.NewString()
	sess := session.New(id, session.Deps{Catalog: s.Deps.Catalog, Pool: s.Deps.Pool, Selector: s.Deps.Selector})
	s.Manager.Register(sess)
	defer s.Manager.Unregister(id)
	if s.Deps.Metrics != nil {
		s.Deps.Metrics.ActiveSessions.Inc()
		defer s.Deps.Metrics.ActiveSessions.Dec()
	}

	log.Printf("server: session %s connected from %s", id, conn.RemoteAddr())

	var streamDone chan struct{}
	for {
		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("server: session %s: read frame: %v", id, err)
			}
			if streamDone != nil {
				<-streamDone
			}
			sess.Close()
			return
		}

		switch frame.Type {
		case protocol.TypeStartStream:
			recv, err := sess.StartStream()
			if err != nil {
				writeAck(conn, failAck(err))
				continue
			}
			writeAck(conn, okAck())
			streamDone = make(chan struct{})
			go s.pumpStream(conn, id, recv, sess.Lagged(), streamDone)
			continue
		case protocol.TypeCloseTuner:
			sess.Close()
			writeAck(conn, okAck())
			return
		case protocol.TypeGetChannelList:
			s.replyChannelList(ctx, conn, frame)
			continue
		case protocol.TypeGetSignalLevel:
			s.replySignalLevel(conn, sess)
			continue
		}

		ack := s.dispatch(ctx, sess, frame)
		writeAck(conn, ack)
	}
}

func (s *Server) dispatch(ctx context.Context, sess *session.Session, frame *protocol.Frame) protocol.Ack {
	switch frame.Type {
	case protocol.TypeOpenTuner:
		msg, err := protocol.UnmarshalOpenTuner(frame.Payload)
		if err != nil {
			return ackFor(fmt.Errorf("%w: %v", session.ErrProtocolViolation, err))
		}
		return ackFor(sess.OpenTuner(ctx, msg.Path))
	case protocol.TypeSetChannelPhysical:
		msg, err := protocol.UnmarshalSetChannelPhysical(frame.Payload)
		if err != nil {
			return ackFor(fmt.Errorf("%w: %v", session.ErrProtocolViolation, err))
		}
		factory := func(ctx context.Context) (driverapi.Driver, error) {
			drv, err := s.Deps.OpenByPath(ctx, msg.Path)
			if err != nil {
				return nil, err
			}
			if err := drv.SetChannel(ctx, int(msg.Space), fmt.Sprintf("%d", msg.Channel)); err != nil {
				drv.Close()
				return nil, err
			}
			return drv, nil
		}
		return ackFor(sess.SelectPhysical(ctx, msg, factory))
	case protocol.TypeSetChannelLogical:
		msg, err := protocol.UnmarshalSetChannelLogical(frame.Payload)
		if err != nil {
			return ackFor(fmt.Errorf("%w: %v", session.ErrProtocolViolation, err))
		}
		return ackFor(sess.SelectLogical(ctx, msg, 0, false))
	default:
		return ackFor(session.ErrProtocolViolation)
	}
}

func (s *Server) replyChannelList(ctx context.Context, conn net.Conn, frame *protocol.Frame) {
	msg, err := protocol.UnmarshalGetChannelList(frame.Payload)
	if err != nil {
		writeAck(conn, failAck(session.ErrProtocolViolation))
		return
	}
	candidates, err := s.Deps.Catalog.ListChannels(ctx, msg.Filter)
	if err != nil {
		writeAck(conn, protocol.Ack{Success: false, ErrorCode: errCodeInternal})
		return
	}
	items := make([]protocol.ChannelListItem, 0, len(candidates))
	for _, c := range candidates {
		items = append(items, protocol.ChannelListItem{
			NID: c.Channel.NID, TSID: c.Channel.TSID, SID: c.Channel.SID, Name: c.Channel.NormalizedName,
		})
	}
	resp := protocol.ChannelListResponse{Items: items, Timestamp: time.Now().Unix()}
	f := &protocol.Frame{Type: protocol.TypeChannelListResponse, Payload: resp.Marshal()}
	if err := protocol.WriteFrame(conn, f); err != nil {
		log.Printf("server: write channel list response: %v", err)
	}
}

func (s *Server) replySignalLevel(conn net.Conn, sess *session.Session) {
	level, ok := sess.SignalLevel()
	ack := protocol.SignalLevelAck{Ack: protocol.Ack{Success: ok}, Level: level}
	if !ok {
		ack.Ack.ErrorCode = errCodeChannelSetFailed
	}
	f := &protocol.Frame{Type: protocol.TypeGetSignalLevel, Payload: ack.Marshal()}
	if err := protocol.WriteFrame(conn, f); err != nil {
		log.Printf("server: write signal level ack: %v", err)
	}
}

// pumpStream writes every chunk from recv as a StreamData frame until recv
// closes, the connection errors, or lagged fires — a full subscriber buffer
// means this session fell behind and lost stream data, so the connection is
// torn down rather than left silently behind (spec §4.4, §8). lagged may be
// nil (no active subscription), in which case that case never fires.
func (s *Server) pumpStream(conn net.Conn, sessionID string, recv <-chan []byte, lagged <-chan struct{}, done chan struct{}) {
	defer close(done)
	for {
		select {
		case chunk, ok := <-recv:
			if !ok {
				return
			}
			f := &protocol.Frame{Type: protocol.TypeStreamData, Payload: chunk}
			if err := protocol.WriteFrame(conn, f); err != nil {
				log.Printf("server: session %s: write stream data: %v", sessionID, err)
				return
			}
			if s.Deps.Metrics != nil {
				s.Deps.Metrics.SessionBytesSent.WithLabelValues(sessionID).Add(float64(len(chunk)))
			}
		case <-lagged:
			log.Printf("server: session %s: broadcast lag, closing connection", sessionID)
			conn.Close()
			return
		}
	}
}

func writeAck(w io.Writer, ack protocol.Ack) {
	f := &protocol.Frame{Type: protocol.TypeAck, Payload: protocol.MarshalAck(ack)}
	if err := protocol.WriteFrame(w, f); err != nil {
		log.Printf("server: write ack: %v", err)
	}
}

func ackFor(err error) protocol.Ack {
	if err == nil {
		return okAck()
	}
	return failAck(err)
}

func okAck() protocol.Ack {
	return protocol.Ack{Success: true}
}

func failAck(err error) protocol.Ack {
	return protocol.Ack{Success: false, ErrorCode: errorCodeFor(err)}
}

func errorCodeFor(err error) uint16 {
	if errors.Is(err, session.ErrProtocolViolation) {
		return errCodeProtocolViolation
	}
	return errCodeChannelSetFailed
}
