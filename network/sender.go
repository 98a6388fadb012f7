package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultMaxHandshakeTimeout = 10 * time.Second

var (
	// ErrHandshakeTimeout indicates the receiver never accepted the handshake
	// within the configured number of attempts.
	ErrHandshakeTimeout = errors.New("network: handshake timed out")
)

// SenderState is the lifecycle state of one outbound transfer.
type SenderState string

const (
	StateHandshaking SenderState = "HANDSHAKING"
	StateSending     SenderState = "SENDING"
	StateDraining    SenderState = "DRAINING"
	StateClosed      SenderState = "CLOSED"
)

// SenderOptions controls one outbound transfer.
type SenderOptions struct {
	MaxPayload int
	WindowSize int
	AckTimeout time.Duration

	// HandshakeTimeout is the first handshake wait; later attempts back off
	// up to MaxHandshakeTimeout.
	HandshakeTimeout    time.Duration
	MaxHandshakeTimeout time.Duration
	// MaxHandshakeAttempts bounds handshake sends. Zero retries forever.
	MaxHandshakeAttempts int

	Logger        logrus.FieldLogger
	OnStateChange func(SenderState)
	OnProgress    func(SendProgress)
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.MaxPayload <= 0 {
		out.MaxPayload = DefaultMaxPayload
	}
	if out.WindowSize <= 0 {
		out.WindowSize = DefaultWindowSize
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.MaxHandshakeTimeout < out.HandshakeTimeout {
		out.MaxHandshakeTimeout = max(defaultMaxHandshakeTimeout, out.HandshakeTimeout)
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// SendProgress is emitted each time the window slides.
type SendProgress struct {
	TransferID      string
	Acknowledged    int
	TotalChunks     int
	Retransmissions int
}

// SendResult summarizes a completed outbound transfer.
type SendResult struct {
	TransferID        string
	Filename          string
	Chunks            int
	Bytes             int64
	HandshakeAttempts int
	Retransmissions   int
	Duration          time.Duration

	// Digest is the hex BLAKE2b-256 of the source, set by SendFile.
	Digest string
}

// Sender drives one outbound transfer over a transport.
type Sender struct {
	transport Transport
	options   SenderOptions
	id        string
	log       logrus.FieldLogger

	state SenderState
}

// NewSender prepares a transfer; nothing is sent until Send.
func NewSender(transport Transport, options SenderOptions) *Sender {
	opts := options.withDefaults()
	id := uuid.NewString()
	return &Sender{
		transport: transport,
		options:   opts,
		id:        id,
		log: opts.Logger.WithFields(logrus.Fields{
			"component":   "sender",
			"transfer_id": id,
		}),
	}
}

// TransferID identifies this transfer in logs and the ledger.
func (s *Sender) TransferID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Sender) State() SenderState {
	return s.state
}

// Send chunks source, negotiates the handshake, streams the chunks with
// go-back-N, then tears the session down with EOF and BYE.
func (s *Sender) Send(ctx context.Context, filename string, source io.Reader) (*SendResult, error) {
	started := time.Now()

	chunks, err := CollectChunks(source, s.options.MaxPayload)
	if err != nil {
		return nil, err
	}
	var size int64
	for _, chunk := range chunks {
		size += int64(len(chunk.Payload))
	}

	request, err := EncodeHandshake(Handshake{
		Filename:     filename,
		Filesize:     size,
		TotalPackets: len(chunks),
	})
	if err != nil {
		return nil, err
	}

	s.setState(StateHandshaking)
	attempts, err := s.handshake(ctx, request)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"filename": filename,
		"filesize": size,
		"chunks":   len(chunks),
		"attempts": attempts,
	}).Info("handshake accepted")

	s.setState(StateSending)
	window := NewSendWindow(chunks, s.options.WindowSize)
	if err := s.transmit(ctx, window); err != nil {
		return nil, err
	}

	s.setState(StateDraining)
	if err := s.transport.Send(EOFMarker()); err != nil {
		return nil, fmt.Errorf("send EOF: %w", err)
	}

	s.setState(StateClosed)
	if err := s.transport.Send(ByeMarker()); err != nil {
		return nil, fmt.Errorf("send BYE: %w", err)
	}

	result := &SendResult{
		TransferID:        s.id,
		Filename:          filename,
		Chunks:            len(chunks),
		Bytes:             size,
		HandshakeAttempts: attempts,
		Retransmissions:   window.Retransmissions(),
		Duration:          time.Since(started),
	}
	s.log.WithFields(logrus.Fields{
		"bytes":           result.Bytes,
		"retransmissions": result.Retransmissions,
		"duration":        result.Duration,
	}).Info("transfer complete")
	return result, nil
}

// handshake repeats the request until a verbatim acceptance arrives. Each
// attempt waits a little longer than the last.
func (s *Sender) handshake(ctx context.Context, request []byte) (int, error) {
	schedule := s.handshakeSchedule()
	schedule.Reset()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			return attempt - 1, fmt.Errorf("%w after %d attempts", ErrHandshakeTimeout, attempt-1)
		}

		if err := s.transport.Send(request); err != nil {
			return attempt, fmt.Errorf("send handshake: %w", err)
		}
		accepted, err := s.awaitHandshakeAck(ctx, wait)
		if err != nil {
			return attempt, err
		}
		if accepted {
			return attempt, nil
		}
		s.log.WithFields(logrus.Fields{"attempt": attempt, "wait": wait}).Debug("handshake timed out, resending")
	}
}

func (s *Sender) handshakeSchedule() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.options.HandshakeTimeout
	exp.MaxInterval = s.options.MaxHandshakeTimeout
	exp.Multiplier = 1.5
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0

	if s.options.MaxHandshakeAttempts > 0 {
		return backoff.WithMaxRetries(exp, uint64(s.options.MaxHandshakeAttempts))
	}
	return exp
}

func (s *Sender) awaitHandshakeAck(ctx context.Context, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}

		reply, err := s.transport.Receive(remaining)
		if errors.Is(err, ErrReceiveTimeout) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("receive handshake ack: %w", err)
		}
		if bytes.Equal(reply, handshakeAck) {
			return true, nil
		}
		s.log.WithField("kind", Classify(reply)).Debug("ignoring datagram while handshaking")
	}
}

func (s *Sender) transmit(ctx context.Context, window *SendWindow) error {
	for !window.Done() {
		if err := ctx.Err(); err != nil {
			return err
		}

		for _, chunk := range window.Due() {
			if err := s.transport.Send(EncodeData(NewDataPacket(chunk))); err != nil {
				return fmt.Errorf("send chunk %d: %w", chunk.Sequence, err)
			}
		}

		reply, err := s.transport.Receive(s.options.AckTimeout)
		if errors.Is(err, ErrReceiveTimeout) {
			window.Timeout()
			s.log.WithFields(logrus.Fields{
				"base":            window.Base(),
				"retransmissions": window.Retransmissions(),
			}).Debug("ack timeout, resending window")
			continue
		}
		if err != nil {
			return fmt.Errorf("receive ack: %w", err)
		}

		if Classify(reply) != KindAck {
			continue
		}
		ack, err := DecodeAck(reply)
		if err != nil {
			continue
		}
		if window.Acknowledge(ack) && s.options.OnProgress != nil {
			s.options.OnProgress(SendProgress{
				TransferID:      s.id,
				Acknowledged:    window.Base(),
				TotalChunks:     window.Total(),
				Retransmissions: window.Retransmissions(),
			})
		}
	}
	return nil
}

func (s *Sender) setState(state SenderState) {
	s.state = state
	if s.options.OnStateChange != nil {
		s.options.OnStateChange(state)
	}
}
