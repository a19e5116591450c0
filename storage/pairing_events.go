package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nearbychat/models"
)

// SetPairingRetention configures the automatic pruning horizon.
func (s *Store) SetPairingRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultPairingRetention
	}
	s.pairingRetention = retention
}

// LogPairingEvent inserts one pairing outcome and applies retention pruning.
func (s *Store) LogPairingEvent(event PairingEvent) error {
	return s.logPairingEvent(context.Background(), event)
}

// RecordPairing stores a controller pairing record.
func (s *Store) RecordPairing(ctx context.Context, record models.PairingRecord) error {
	event := PairingEvent{
		EndpointID: record.EndpointID,
		PeerName:   record.PeerName,
		AuthDigits: record.AuthDigits,
		Direction:  directionOf(record.Incoming),
		Outcome:    string(record.Outcome),
	}
	if !record.At.IsZero() {
		event.Timestamp = record.At.UnixMilli()
	}
	return s.logPairingEvent(ctx, event)
}

func (s *Store) logPairingEvent(ctx context.Context, event PairingEvent) error {
	event.EndpointID = strings.TrimSpace(event.EndpointID)
	if event.EndpointID == "" {
		return errors.New("endpoint_id is required")
	}
	if event.Direction == "" {
		event.Direction = directionOutgoing
	}
	if err := validateDirection(event.Direction); err != nil {
		return err
	}
	if err := validateOutcome(event.Outcome); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_events (
			endpoint_id,
			peer_name,
			auth_digits,
			direction,
			outcome,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EndpointID,
		event.PeerName,
		event.AuthDigits,
		event.Direction,
		event.Outcome,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert pairing event for %q: %w", event.EndpointID, err)
	}

	if s.pairingRetention > 0 {
		cutoff := time.Now().Add(-s.pairingRetention).UnixMilli()
		if _, err := s.PrunePairingEvents(cutoff); err != nil {
			return err
		}
	}
	return nil
}

// GetPairingEvents returns recent pairing events, newest first.
func (s *Store) GetPairingEvents(filter PairingEventFilter) ([]PairingEvent, error) {
	if filter.Outcome != "" {
		if err := validateOutcome(filter.Outcome); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		endpoint_id,
		peer_name,
		auth_digits,
		direction,
		outcome,
		timestamp
	FROM pairing_events`)

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if filter.EndpointID != "" {
		where = append(where, "endpoint_id = ?")
		args = append(args, filter.EndpointID)
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, filter.Outcome)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get pairing events: %w", err)
	}
	defer rows.Close()

	events := make([]PairingEvent, 0)
	for rows.Next() {
		var event PairingEvent
		if err := rows.Scan(
			&event.ID,
			&event.EndpointID,
			&event.PeerName,
			&event.AuthDigits,
			&event.Direction,
			&event.Outcome,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan pairing event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairing event rows: %w", err)
	}

	return events, nil
}

// PrunePairingEvents removes events older than cutoffTimestamp.
func (s *Store) PrunePairingEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM pairing_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune pairing events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for pairing event prune: %w", err)
	}
	return rowsAffected, nil
}
