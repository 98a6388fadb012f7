package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const transferColumns = `
	transfer_id,
	direction,
	peer_address,
	filename,
	stored_path,
	filesize,
	total_packets,
	packets_done,
	bytes_transferred,
	retransmissions,
	rejected_packets,
	checksum,
	transfer_status,
	started_at,
	finished_at`

// SaveTransfer inserts a new transfer row.
func (s *Store) SaveTransfer(transfer Transfer) error {
	if transfer.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.PeerAddress == "" {
		return errors.New("peer_address is required")
	}
	if transfer.Filename == "" {
		return errors.New("filename is required")
	}
	if transfer.Filesize < 0 || transfer.TotalPackets < 0 {
		return errors.New("filesize and total_packets must be >= 0")
	}
	if transfer.TransferStatus == "" {
		transfer.TransferStatus = TransferStatusPending
	}
	if err := validateTransferStatus(transfer.TransferStatus); err != nil {
		return err
	}
	if transfer.StartedAt == 0 {
		transfer.StartedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.TransferID,
		transfer.Direction,
		transfer.PeerAddress,
		transfer.Filename,
		transfer.StoredPath,
		transfer.Filesize,
		transfer.TotalPackets,
		transfer.PacketsDone,
		transfer.BytesTransferred,
		transfer.Retransmissions,
		transfer.RejectedPackets,
		transfer.Checksum,
		transfer.TransferStatus,
		transfer.StartedAt,
		nullInt64(transfer.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.TransferID, err)
	}

	return nil
}

// UpdateTransferStatus updates transfer_status for a transfer row.
func (s *Store) UpdateTransferStatus(transferID, status string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET transfer_status = ?
		WHERE transfer_id = ?`,
		status,
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}

	return requireRowsAffected(res, transferID)
}

// FinishTransfer records the final counters and status of a transfer.
func (s *Store) FinishTransfer(outcome TransferOutcome) error {
	if outcome.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(outcome.Status); err != nil {
		return err
	}
	if outcome.FinishedAt == 0 {
		outcome.FinishedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE transfers
		SET transfer_status = ?,
			packets_done = ?,
			bytes_transferred = ?,
			retransmissions = ?,
			rejected_packets = ?,
			checksum = CASE WHEN ? <> '' THEN ? ELSE checksum END,
			finished_at = ?
		WHERE transfer_id = ?`,
		outcome.Status,
		outcome.PacketsDone,
		outcome.BytesTransferred,
		outcome.Retransmissions,
		outcome.RejectedPackets,
		outcome.Checksum,
		outcome.Checksum,
		outcome.FinishedAt,
		outcome.TransferID,
	)
	if err != nil {
		return fmt.Errorf("finish transfer %q: %w", outcome.TransferID, err)
	}

	return requireRowsAffected(res, outcome.TransferID)
}

// GetTransferByID fetches one transfer.
func (s *Store) GetTransferByID(transferID string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ?`,
		transferID,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}

	return transfer, nil
}

// ListTransfers returns transfers newest first.
func (s *Store) ListTransfers(filter TransferFilter) ([]Transfer, error) {
	if filter.Direction != "" {
		if err := validateTransferDirection(filter.Direction); err != nil {
			return nil, err
		}
	}
	if filter.Status != "" {
		if err := validateTransferStatus(filter.Status); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := max(filter.Offset, 0)

	query := strings.Builder{}
	query.WriteString(`SELECT` + transferColumns + `
	FROM transfers`)

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if filter.Direction != "" {
		where = append(where, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.PeerAddress != "" {
		where = append(where, "peer_address = ?")
		args = append(args, filter.PeerAddress)
	}
	if filter.Status != "" {
		where = append(where, "transfer_status = ?")
		args = append(args, filter.Status)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY started_at DESC, transfer_id LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, scanErr := scanTransfer(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan transfer row: %w", scanErr)
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}
	return transfers, nil
}

func scanTransfer(row scanner) (*Transfer, error) {
	var (
		transfer   Transfer
		finishedAt sql.NullInt64
	)

	if err := row.Scan(
		&transfer.TransferID,
		&transfer.Direction,
		&transfer.PeerAddress,
		&transfer.Filename,
		&transfer.StoredPath,
		&transfer.Filesize,
		&transfer.TotalPackets,
		&transfer.PacketsDone,
		&transfer.BytesTransferred,
		&transfer.Retransmissions,
		&transfer.RejectedPackets,
		&transfer.Checksum,
		&transfer.TransferStatus,
		&transfer.StartedAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	transfer.FinishedAt = int64Ptr(finishedAt)
	return &transfer, nil
}

func requireRowsAffected(res sql.Result, transferID string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q: %w", transferID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
