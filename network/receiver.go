package network

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// DataOutcome says what a receiver session did with one inbound datagram.
type DataOutcome int

const (
	OutcomeAccepted DataOutcome = iota
	OutcomeOutOfOrder
	OutcomeChecksumMismatch
	OutcomeMalformed
	OutcomeAfterFinish
	OutcomeWriteFailed
	OutcomeSinkFailed
)

func (o DataOutcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeOutOfOrder:
		return "out_of_order"
	case OutcomeChecksumMismatch:
		return "checksum_mismatch"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeAfterFinish:
		return "after_finish"
	case OutcomeWriteFailed:
		return "write_failed"
	case OutcomeSinkFailed:
		return "sink_failed"
	default:
		return "unknown"
	}
}

// DataResult is the reaction to one data datagram: always an ACK naming the
// next expected sequence.
type DataResult struct {
	Ack      int
	Outcome  DataOutcome
	Sequence int
	Err      error
}

// ReceiverSnapshot is a read-only view of a receiver session.
type ReceiverSnapshot struct {
	TransferID      string
	Peer            string
	Filename        string
	StoredPath      string
	Filesize        int64
	TotalPackets    int
	Expected        int
	BytesWritten    int64
	Finished        bool
	Complete        bool
	RejectedPackets int
	OutOfOrder      int
	ChecksumErrors  int
	Malformed       int
	LastActivity    time.Time
}

// ReceiverSession is the per-peer inbound state machine. The dispatch loop is
// its only writer; the lock lets other goroutines take snapshots.
type ReceiverSession struct {
	mu sync.Mutex

	transferID string
	peer       string
	handshake  Handshake
	storedPath string

	sink       io.WriteCloser
	sinkClosed bool
	failure    error
	digest     string

	expected     int
	bytesWritten int64
	finished     bool
	lastActivity time.Time

	outOfOrder       int
	checksumFailures int
	malformed        int
}

// NewReceiverSession starts a session that appends accepted payloads to sink.
func NewReceiverSession(transferID, peer string, handshake Handshake, sink io.WriteCloser, storedPath string) *ReceiverSession {
	return &ReceiverSession{
		transferID:   transferID,
		peer:         peer,
		handshake:    handshake,
		storedPath:   storedPath,
		sink:         sink,
		lastActivity: time.Now(),
	}
}

// HandleData processes one datagram that is not a control token. Only the
// packet carrying exactly the expected sequence with a valid checksum is
// written; everything else re-asserts the current expectation.
func (r *ReceiverSession) HandleData(datagram []byte) DataResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = time.Now()

	packet, err := DecodeData(datagram)
	if err != nil {
		r.malformed++
		return DataResult{Ack: r.expected, Outcome: OutcomeMalformed, Sequence: -1, Err: err}
	}

	result := DataResult{Ack: r.expected, Sequence: packet.Sequence}
	switch {
	case r.failure != nil:
		// A failed write may have left part of a payload behind, so nothing
		// more is appended to this sink.
		result.Outcome = OutcomeSinkFailed
		return result
	case r.sinkClosed:
		result.Outcome = OutcomeAfterFinish
		return result
	case packet.Sequence != r.expected:
		r.outOfOrder++
		result.Outcome = OutcomeOutOfOrder
		return result
	case !VerifyChecksum(packet.Payload, packet.Checksum):
		r.checksumFailures++
		result.Outcome = OutcomeChecksumMismatch
		return result
	}

	if _, err := r.sink.Write(packet.Payload); err != nil {
		result.Outcome = OutcomeWriteFailed
		result.Err = fmt.Errorf("write sequence %d: %w", packet.Sequence, err)
		r.failure = result.Err
		_ = r.closeSink()
		return result
	}
	r.expected++
	r.bytesWritten += int64(len(packet.Payload))

	if r.complete() {
		// The last packet closes the sink so a lost EOF cannot leave it open.
		result.Err = r.closeSink()
	}

	result.Ack = r.expected
	result.Outcome = OutcomeAccepted
	return result
}

// HandleEOF closes the sink and marks the session finished. EOF is never acknowledged.
func (r *ReceiverSession) HandleEOF() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = time.Now()
	r.finished = true
	return r.closeSink()
}

// Close force-closes the sink on BYE, idle expiry or shutdown. It is idempotent.
func (r *ReceiverSession) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeSink()
}

func (r *ReceiverSession) closeSink() error {
	if r.sinkClosed {
		return nil
	}
	r.sinkClosed = true
	if err := r.sink.Close(); err != nil {
		err = fmt.Errorf("close sink %q: %w", r.storedPath, err)
		if r.failure == nil {
			r.failure = err
		}
		return err
	}
	if d, ok := r.sink.(interface{ Digest() string }); ok {
		r.digest = d.Digest()
	}
	return nil
}

// Matches reports whether a repeated handshake describes this same transfer.
func (r *ReceiverSession) Matches(h Handshake) bool {
	return r.handshake == h
}

// Expected is the next sequence number this session will accept.
func (r *ReceiverSession) Expected() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expected
}

// Finished reports whether EOF has been received.
func (r *ReceiverSession) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Complete reports whether every announced packet has been written.
func (r *ReceiverSession) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete()
}

func (r *ReceiverSession) complete() bool {
	return r.expected >= r.handshake.TotalPackets
}

// Err returns the first sink failure, if any.
func (r *ReceiverSession) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// TransferID identifies the session in logs and the ledger.
func (r *ReceiverSession) TransferID() string { return r.transferID }

// Handshake returns the accepted handshake.
func (r *ReceiverSession) Handshake() Handshake { return r.handshake }

// Digest is the sink's whole-file digest once closed, when the sink provides one.
func (r *ReceiverSession) Digest() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.digest
}

// LastActivity is when the session last saw a datagram.
func (r *ReceiverSession) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Touch records activity for datagrams handled outside HandleData.
func (r *ReceiverSession) Touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// Snapshot returns a copy of the session counters.
func (r *ReceiverSession) Snapshot() ReceiverSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReceiverSnapshot{
		TransferID:      r.transferID,
		Peer:            r.peer,
		Filename:        r.handshake.Filename,
		StoredPath:      r.storedPath,
		Filesize:        r.handshake.Filesize,
		TotalPackets:    r.handshake.TotalPackets,
		Expected:        r.expected,
		BytesWritten:    r.bytesWritten,
		Finished:        r.finished,
		Complete:        r.complete(),
		RejectedPackets: r.outOfOrder + r.checksumFailures + r.malformed,
		OutOfOrder:      r.outOfOrder,
		ChecksumErrors:  r.checksumFailures,
		Malformed:       r.malformed,
		LastActivity:    r.lastActivity,
	}
}
