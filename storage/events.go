package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetEventRetention configures the automatic transfer-event pruning horizon.
func (s *Store) SetEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	s.eventRetention = retention
}

// RecordTransferEvent inserts a structured event and applies retention pruning.
func (s *Store) RecordTransferEvent(event TransferEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = EventSeverityInfo
	}
	if err := validateEventSeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfer_events (
			event_type,
			transfer_id,
			peer_address,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(trimmedOrNil(event.TransferID)),
		nullString(trimmedOrNil(event.PeerAddress)),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert transfer event %q: %w", event.EventType, err)
	}

	if s.eventRetention > 0 {
		cutoff := time.Now().Add(-s.eventRetention).UnixMilli()
		if _, err := s.PruneTransferEvents(cutoff); err != nil {
			return fmt.Errorf("prune transfer events: %w", err)
		}
	}

	return nil
}

// ListTransferEvents returns recent events, newest first.
func (s *Store) ListTransferEvents(filter TransferEventFilter) ([]TransferEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_type,
		transfer_id,
		peer_address,
		details,
		severity,
		timestamp
	FROM transfer_events`)

	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.TransferID != "" {
		where = append(where, "transfer_id = ?")
		args = append(args, filter.TransferID)
	}
	if filter.PeerAddress != "" {
		where = append(where, "peer_address = ?")
		args = append(args, filter.PeerAddress)
	}
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list transfer events: %w", err)
	}
	defer rows.Close()

	events := make([]TransferEvent, 0)
	for rows.Next() {
		event, err := scanTransferEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer event rows: %w", err)
	}

	return events, nil
}

// PruneTransferEvents removes events older than cutoffTimestamp.
func (s *Store) PruneTransferEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM transfer_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune transfer events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for transfer event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanTransferEvent(row scanner) (*TransferEvent, error) {
	var (
		event      TransferEvent
		transferID sql.NullString
		peer       sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&transferID,
		&peer,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.TransferID = stringPtr(transferID)
	event.PeerAddress = stringPtr(peer)
	return &event, nil
}

func trimmedOrNil(ptr *string) *string {
	if ptr == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*ptr)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
