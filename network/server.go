package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"udpft/storage"
)

var (
	// ErrServerClosed is returned by operations on a closed server.
	ErrServerClosed = errors.New("network: server closed")
	// ErrHandshakeRejected marks a handshake that failed validation.
	ErrHandshakeRejected = errors.New("network: handshake rejected")
)

const maxSweepInterval = time.Second

// SinkOpener creates the destination for one accepted transfer. The returned
// path is recorded in logs and the ledger only; the core never opens it.
type SinkOpener interface {
	OpenSink(peer, filename string) (io.WriteCloser, string, error)
}

// ServerOptions controls the receiving side.
type ServerOptions struct {
	Sinks SinkOpener
	// Store records a ledger row per transfer when set.
	Store *storage.Store

	MaxPayload  int
	MaxFileSize int64
	IdleTimeout time.Duration
	TOS         int
	// ReplyFault decorates outbound HELO OK and ACK datagrams.
	ReplyFault Fault

	Logger          logrus.FieldLogger
	OnSessionClosed func(SessionReport)
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.MaxPayload <= 0 {
		out.MaxPayload = DefaultMaxPayload
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// SessionReport describes a receiver session that has left the peer table.
type SessionReport struct {
	ReceiverSnapshot
	Status string
	Reason string
	Digest string
}

// Server is the single ingress point for inbound transfers. One goroutine
// reads a datagram, handles it to completion, then reads the next.
type Server struct {
	conn    net.PacketConn
	options ServerOptions
	log     logrus.FieldLogger
	peers   *PeerTable

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen binds a UDP socket and starts the dispatch loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	if address == "" {
		address = ":0"
	}
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}
	server, err := Serve(conn, options)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return server, nil
}

// Serve runs the dispatch loop on an already bound socket. The server owns
// conn from here on.
func Serve(conn net.PacketConn, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if opts.Sinks == nil {
		return nil, errors.New("server requires a sink opener")
	}
	if opts.TOS > 0 {
		if err := setPacketConnTOS(conn, opts.TOS); err != nil {
			return nil, err
		}
	}

	server := &Server{
		conn:    FaultyPacketConn(conn, opts.ReplyFault),
		options: opts,
		log:     opts.Logger.WithField("component", "server"),
		peers:   NewPeerTable(),
		errs:    make(chan error, 16),
		closed:  make(chan struct{}),
	}

	server.wg.Add(1)
	go server.dispatchLoop()
	return server, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Sessions returns snapshots of the active receiver sessions.
func (s *Server) Sessions() []ReceiverSnapshot {
	return s.peers.Snapshot()
}

// Close stops the dispatch loop, ends every remaining session and closes the
// error channel.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.conn.Close()
		s.wg.Wait()
		for _, addr := range s.peers.Addresses() {
			s.endSession(addr, "shutdown")
		}
		close(s.errs)
	})
	return closeErr
}

func (s *Server) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Server) dispatchLoop() {
	defer s.wg.Done()

	buf := make([]byte, DatagramBufferSize(s.options.MaxPayload))
	sweep := min(s.options.IdleTimeout, maxSweepInterval)
	lastSweep := time.Now()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(sweep)); err != nil {
			if !s.isClosed() {
				s.reportError(fmt.Errorf("set read deadline: %w", err))
			}
			return
		}

		n, addr, err := s.conn.ReadFrom(buf)
		switch {
		case err == nil:
			s.dispatch(addr, buf[:n])
		case errors.Is(err, os.ErrDeadlineExceeded):
		case s.isClosed() || errors.Is(err, net.ErrClosed):
			return
		default:
			s.reportError(fmt.Errorf("read datagram: %w", err))
		}

		if time.Since(lastSweep) >= sweep {
			s.reapIdle()
			lastSweep = time.Now()
		}
	}
}

func (s *Server) dispatch(addr net.Addr, datagram []byte) {
	peer := addr.String()
	kind := Classify(datagram)

	session, ok := s.peers.Lookup(peer)
	if !ok {
		if kind != KindHandshake {
			s.log.WithFields(logrus.Fields{"peer": peer, "kind": kind}).Debug("dropping datagram from unknown peer")
			return
		}
		s.openSession(addr, peer, datagram)
		return
	}

	switch kind {
	case KindBye:
		s.endSession(peer, "bye")
	case KindHandshake:
		s.repeatHandshake(addr, peer, session, datagram)
	case KindEOF:
		if err := session.HandleEOF(); err != nil {
			s.reportError(err)
		}
		s.log.WithFields(logrus.Fields{
			"peer":        peer,
			"transfer_id": session.TransferID(),
			"complete":    session.Complete(),
		}).Debug("received EOF")
	default:
		s.handleData(addr, peer, session, datagram)
	}
}

func (s *Server) openSession(addr net.Addr, peer string, datagram []byte) {
	handshake, err := DecodeHandshake(datagram)
	if err == nil {
		err = s.validateHandshake(handshake)
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{"peer": peer, "error": err}).Warn("rejecting handshake")
		s.recordEvent("handshake_rejected", "", peer, storage.EventSeverityWarning, map[string]any{
			"reason": err.Error(),
		})
		return
	}

	session, created, err := s.peers.Create(peer, func() (*ReceiverSession, error) {
		sink, storedPath, err := s.options.Sinks.OpenSink(peer, handshake.Filename)
		if err != nil {
			return nil, err
		}
		return NewReceiverSession(uuid.NewString(), peer, handshake, sink, storedPath), nil
	})
	if err != nil {
		s.reportError(fmt.Errorf("open sink for %s: %w", peer, err))
		s.recordEvent("sink_open_failed", "", peer, storage.EventSeverityCritical, map[string]any{
			"filename": handshake.Filename,
			"error":    err.Error(),
		})
		return
	}

	if created {
		if session.Complete() {
			if err := session.Close(); err != nil {
				s.reportError(err)
			}
		}
		snap := session.Snapshot()
		s.log.WithFields(logrus.Fields{
			"peer":        peer,
			"transfer_id": snap.TransferID,
			"filename":    handshake.Filename,
			"filesize":    handshake.Filesize,
			"packets":     handshake.TotalPackets,
			"stored_path": snap.StoredPath,
		}).Info("accepted transfer")
		s.saveTransfer(snap)
	}
	s.reply(addr, HandshakeAck())
}

func (s *Server) validateHandshake(h Handshake) error {
	// An empty file is announced as 0 bytes in 0 packets.
	if h.Filesize == 0 && h.TotalPackets == 0 {
		return nil
	}
	if h.Filesize <= 0 || h.TotalPackets <= 0 {
		return fmt.Errorf("%w: filesize %d and packet count %d must be positive", ErrHandshakeRejected, h.Filesize, h.TotalPackets)
	}
	if int64(h.TotalPackets) > h.Filesize {
		return fmt.Errorf("%w: %d packets cannot carry %d bytes", ErrHandshakeRejected, h.TotalPackets, h.Filesize)
	}
	if h.TotalPackets < ChunkCount(h.Filesize, s.options.MaxPayload) {
		return fmt.Errorf("%w: packets larger than the %d byte payload limit", ErrHandshakeRejected, s.options.MaxPayload)
	}
	if s.options.MaxFileSize > 0 && h.Filesize > s.options.MaxFileSize {
		return fmt.Errorf("%w: filesize %d exceeds limit %d", ErrHandshakeRejected, h.Filesize, s.options.MaxFileSize)
	}
	return nil
}

// repeatHandshake handles a handshake from a peer that already has a session.
func (s *Server) repeatHandshake(addr net.Addr, peer string, session *ReceiverSession, datagram []byte) {
	handshake, err := DecodeHandshake(datagram)
	if err != nil {
		s.log.WithFields(logrus.Fields{"peer": peer, "error": err}).Debug("ignoring malformed handshake")
		return
	}

	if session.Matches(handshake) && session.Expected() == 0 && !session.Finished() {
		// Our HELO OK was lost; the sender is still handshaking. Once data or
		// EOF arrived the same handshake starts a new transfer.
		session.Touch()
		s.reply(addr, HandshakeAck())
		return
	}
	if session.Finished() || session.Complete() {
		s.endSession(peer, "replaced")
		s.openSession(addr, peer, datagram)
		return
	}
	s.log.WithFields(logrus.Fields{
		"peer":        peer,
		"transfer_id": session.TransferID(),
		"filename":    handshake.Filename,
	}).Warn("dropping handshake while a transfer is in progress")
}

func (s *Server) handleData(addr net.Addr, peer string, session *ReceiverSession, datagram []byte) {
	result := session.HandleData(datagram)
	s.reply(addr, EncodeAck(result.Ack))

	entry := s.log.WithFields(logrus.Fields{
		"peer":        peer,
		"transfer_id": session.TransferID(),
		"seq":         result.Sequence,
		"ack":         result.Ack,
	})
	switch result.Outcome {
	case OutcomeAccepted:
		if result.Err != nil {
			s.reportError(result.Err)
		}
	case OutcomeWriteFailed:
		entry.WithError(result.Err).Error("sink write failed")
		s.reportError(result.Err)
		s.recordEvent("sink_write_failed", session.TransferID(), peer, storage.EventSeverityCritical, map[string]any{
			"seq":   result.Sequence,
			"error": result.Err.Error(),
		})
	default:
		entry.WithField("outcome", result.Outcome).Debug("rejected data packet")
	}
}

// endSession removes the peer's session, closes its sink if still open and
// writes the final ledger row.
func (s *Server) endSession(peer, reason string) {
	session, ok := s.peers.Remove(peer)
	if !ok {
		return
	}
	if err := session.Close(); err != nil {
		s.reportError(err)
	}

	report := SessionReport{
		ReceiverSnapshot: session.Snapshot(),
		Reason:           reason,
		Digest:           session.Digest(),
	}
	switch {
	case session.Err() != nil:
		report.Status = storage.TransferStatusFailed
	case report.Complete:
		report.Status = storage.TransferStatusComplete
	default:
		report.Status = storage.TransferStatusIncomplete
	}

	entry := s.log.WithFields(logrus.Fields{
		"peer":        peer,
		"transfer_id": report.TransferID,
		"status":      report.Status,
		"reason":      reason,
		"bytes":       report.BytesWritten,
		"rejected":    report.RejectedPackets,
	})
	if report.Status == storage.TransferStatusComplete {
		entry.Info("transfer finished")
	} else {
		entry.Warn("transfer ended early")
		s.recordEvent("session_"+reason, report.TransferID, peer, storage.EventSeverityWarning, map[string]any{
			"expected": report.Expected,
			"packets":  report.TotalPackets,
		})
	}

	s.finishTransfer(report)
	if s.options.OnSessionClosed != nil {
		s.options.OnSessionClosed(report)
	}
}

func (s *Server) reapIdle() {
	cutoff := time.Now().Add(-s.options.IdleTimeout)
	for _, peer := range s.peers.IdleSince(cutoff) {
		s.endSession(peer, "idle")
	}
}

func (s *Server) reply(addr net.Addr, payload []byte) {
	if _, err := s.conn.WriteTo(payload, addr); err != nil {
		s.reportError(fmt.Errorf("reply to %s: %w", addr, err))
	}
}

func (s *Server) saveTransfer(snap ReceiverSnapshot) {
	if s.options.Store == nil {
		return
	}
	err := s.options.Store.SaveTransfer(storage.Transfer{
		TransferID:     snap.TransferID,
		Direction:      storage.TransferDirectionReceive,
		PeerAddress:    snap.Peer,
		Filename:       snap.Filename,
		StoredPath:     snap.StoredPath,
		Filesize:       snap.Filesize,
		TotalPackets:   snap.TotalPackets,
		TransferStatus: storage.TransferStatusAccepted,
	})
	if err != nil {
		s.reportError(fmt.Errorf("record transfer %s: %w", snap.TransferID, err))
	}
}

func (s *Server) finishTransfer(report SessionReport) {
	if s.options.Store == nil {
		return
	}
	err := s.options.Store.FinishTransfer(storage.TransferOutcome{
		TransferID:       report.TransferID,
		Status:           report.Status,
		PacketsDone:      report.Expected,
		BytesTransferred: report.BytesWritten,
		RejectedPackets:  report.RejectedPackets,
		Checksum:         report.Digest,
	})
	if err != nil {
		s.reportError(fmt.Errorf("finish transfer %s: %w", report.TransferID, err))
	}
}

func (s *Server) recordEvent(eventType, transferID, peer, severity string, details map[string]any) {
	if s.options.Store == nil {
		return
	}
	payload, err := json.Marshal(details)
	if err != nil {
		s.reportError(err)
		return
	}
	event := storage.TransferEvent{
		EventType:   eventType,
		PeerAddress: &peer,
		Details:     string(payload),
		Severity:    severity,
	}
	if transferID != "" {
		event.TransferID = &transferID
	}
	if err := s.options.Store.RecordTransferEvent(event); err != nil {
		s.reportError(fmt.Errorf("record %s event: %w", eventType, err))
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}
