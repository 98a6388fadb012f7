package models

import (
	"time"

	"udpft/storage"
)

// Transfer is the JSON view of one ledger row.
type Transfer struct {
	TransferID       string     `json:"transfer_id"`
	Direction        string     `json:"direction"`
	PeerAddress      string     `json:"peer_address"`
	Filename         string     `json:"filename"`
	StoredPath       string     `json:"stored_path,omitempty"`
	Filesize         int64      `json:"filesize"`
	TotalPackets     int        `json:"total_packets"`
	PacketsDone      int        `json:"packets_done"`
	BytesTransferred int64      `json:"bytes_transferred"`
	Retransmissions  int        `json:"retransmissions"`
	RejectedPackets  int        `json:"rejected_packets"`
	Checksum         string     `json:"checksum,omitempty"`
	Status           string     `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// TransferFromStorage converts a ledger row to its JSON view.
func TransferFromStorage(row storage.Transfer) Transfer {
	out := Transfer{
		TransferID:       row.TransferID,
		Direction:        row.Direction,
		PeerAddress:      row.PeerAddress,
		Filename:         row.Filename,
		StoredPath:       row.StoredPath,
		Filesize:         row.Filesize,
		TotalPackets:     row.TotalPackets,
		PacketsDone:      row.PacketsDone,
		BytesTransferred: row.BytesTransferred,
		Retransmissions:  row.Retransmissions,
		RejectedPackets:  row.RejectedPackets,
		Checksum:         row.Checksum,
		Status:           row.TransferStatus,
		StartedAt:        time.UnixMilli(row.StartedAt).UTC(),
	}
	if row.FinishedAt != nil {
		finished := time.UnixMilli(*row.FinishedAt).UTC()
		out.FinishedAt = &finished
	}
	return out
}

// Progress is the fraction of packets done, in [0, 1].
func (t Transfer) Progress() float64 {
	if t.TotalPackets <= 0 {
		if t.Status == storage.TransferStatusComplete {
			return 1
		}
		return 0
	}
	return min(float64(t.PacketsDone)/float64(t.TotalPackets), 1)
}

// TransferEvent is the JSON view of a ledger event.
type TransferEvent struct {
	EventType   string    `json:"event_type"`
	TransferID  string    `json:"transfer_id,omitempty"`
	PeerAddress string    `json:"peer_address,omitempty"`
	Details     string    `json:"details,omitempty"`
	Severity    string    `json:"severity"`
	Timestamp   time.Time `json:"timestamp"`
}

// TransferEventFromStorage converts a ledger event row to its JSON view.
func TransferEventFromStorage(row storage.TransferEvent) TransferEvent {
	out := TransferEvent{
		EventType: row.EventType,
		Details:   row.Details,
		Severity:  row.Severity,
		Timestamp: time.UnixMilli(row.Timestamp).UTC(),
	}
	if row.TransferID != nil {
		out.TransferID = *row.TransferID
	}
	if row.PeerAddress != nil {
		out.PeerAddress = *row.PeerAddress
	}
	return out
}
