package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// TransferDirectionSend marks a transfer this node originated.
	TransferDirectionSend = "send"
	// TransferDirectionReceive marks a transfer this node accepted from a peer.
	TransferDirectionReceive = "receive"
)

const (
	TransferStatusPending    = "pending"
	TransferStatusAccepted   = "accepted"
	TransferStatusComplete   = "complete"
	TransferStatusIncomplete = "incomplete"
	TransferStatusFailed     = "failed"
)

const (
	// EventSeverityInfo indicates informational transfer event context.
	EventSeverityInfo = "info"
	// EventSeverityWarning indicates a rejected or degraded transfer.
	EventSeverityWarning = "warning"
	// EventSeverityCritical indicates local failures such as sink write errors.
	EventSeverityCritical = "critical"
)

// Transfer is the SQLite representation of one file transfer, either direction.
type Transfer struct {
	TransferID       string
	Direction        string
	PeerAddress      string
	Filename         string
	StoredPath       string
	Filesize         int64
	TotalPackets     int
	PacketsDone      int
	BytesTransferred int64
	Retransmissions  int
	RejectedPackets  int
	Checksum         string
	TransferStatus   string
	StartedAt        int64
	FinishedAt       *int64
}

// TransferOutcome carries the final counters of a finished transfer.
type TransferOutcome struct {
	TransferID       string
	Status           string
	PacketsDone      int
	BytesTransferred int64
	Retransmissions  int
	RejectedPackets  int
	Checksum         string
	FinishedAt       int64
}

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	Direction   string
	PeerAddress string
	Status      string
	Limit       int
	Offset      int
}

// TransferEvent stores a notable protocol event, such as a rejected handshake.
type TransferEvent struct {
	ID          int64
	EventType   string
	TransferID  *string
	PeerAddress *string
	Details     string
	Severity    string
	Timestamp   int64
}

// TransferEventFilter narrows ListTransferEvents results.
type TransferEventFilter struct {
	EventType   string
	TransferID  string
	PeerAddress string
	Limit       int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionSend, TransferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusPending, TransferStatusAccepted, TransferStatusComplete, TransferStatusIncomplete, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateEventSeverity(severity string) error {
	switch severity {
	case EventSeverityInfo, EventSeverityWarning, EventSeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid transfer event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
