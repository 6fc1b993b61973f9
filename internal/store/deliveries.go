package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ClaimDueDeliveries atomically claims up to limit deliveries that are due
// for an attempt, moving them to the sending state. A claimed delivery is
// invisible to other workers until its state is updated again.
func (s *Store) ClaimDueDeliveries(ctx context.Context, limit int, now time.Time) ([]Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, email_id, recipient, state, attempts, last_error, next_attempt_at, created_at, updated_at
         FROM deliveries
         WHERE state IN (?, ?) AND next_attempt_at <= ?
         ORDER BY next_attempt_at
         LIMIT ?;`,
		DeliveryQueued, DeliveryRetrying, now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("select due deliveries: %w", err)
	}

	var claimed []Delivery
	for rows.Next() {
		var d Delivery
		var nextAt, createdAt, updatedAt int64
		if err := rows.Scan(&d.ID, &d.EmailID, &d.Recipient, &d.State, &d.Attempts,
			&d.LastError, &nextAt, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.NextAttemptAt = time.Unix(0, nextAt)
		d.CreatedAt = time.Unix(0, createdAt)
		d.UpdatedAt = time.Unix(0, updatedAt)
		claimed = append(claimed, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("select due deliveries: %w", err)
	}
	rows.Close()

	for i := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE deliveries SET state = ?, updated_at = ? WHERE id = ?;`,
			DeliverySending, now.UnixNano(), claimed[i].ID); err != nil {
			return nil, fmt.Errorf("claim delivery: %w", err)
		}
		claimed[i].State = DeliverySending
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// MarkDelivered transitions a delivery to the delivered terminal state.
// Deliveries already in a terminal state are left untouched.
func (s *Store) MarkDelivered(ctx context.Context, id string, attempts int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries
         SET state = ?, attempts = ?, last_error = '', delivered_at = ?, updated_at = ?
         WHERE id = ? AND state NOT IN (?, ?);`,
		DeliveryDelivered, attempts, at.UnixNano(), at.UnixNano(),
		id, DeliveryDelivered, DeliveryFailed)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkRetrying schedules another attempt for a delivery after a transient
// failure, recording the reason for operator inspection.
func (s *Store) MarkRetrying(ctx context.Context, id string, attempts int, nextAt time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries
         SET state = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
         WHERE id = ? AND state NOT IN (?, ?);`,
		DeliveryRetrying, attempts, reason, nextAt.UnixNano(), time.Now().UnixNano(),
		id, DeliveryDelivered, DeliveryFailed)
	if err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	return nil
}

// MarkFailed transitions a delivery to the failed terminal state with the
// reason that ended it. Terminal deliveries are left untouched.
func (s *Store) MarkFailed(ctx context.Context, id string, attempts int, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries
         SET state = ?, attempts = ?, last_error = ?, updated_at = ?
         WHERE id = ? AND state NOT IN (?, ?);`,
		DeliveryFailed, attempts, reason, time.Now().UnixNano(),
		id, DeliveryDelivered, DeliveryFailed)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// DeliveryByID loads a single delivery.
func (s *Store) DeliveryByID(ctx context.Context, id string) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx, deliverySelect+` WHERE id = ?;`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load delivery: %w", err)
	}
	return d, nil
}

// DeliveriesByEmail returns all deliveries for an email in enqueue order.
// State and last error are kept per delivery so tenant-visible outcomes are
// queryable, not just logged.
func (s *Store) DeliveriesByEmail(ctx context.Context, emailID string) ([]Delivery, error) {
	rows, err := s.db.QueryContext(ctx, deliverySelect+` WHERE email_id = ? ORDER BY created_at, id;`, emailID)
	if err != nil {
		return nil, fmt.Errorf("load deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load deliveries: %w", err)
	}
	return deliveries, nil
}

const deliverySelect = `SELECT id, email_id, recipient, state, attempts, last_error,
       next_attempt_at, COALESCE(delivered_at, 0), created_at, updated_at
FROM deliveries`

type scannable interface {
	Scan(dest ...any) error
}

func scanDelivery(row scannable) (*Delivery, error) {
	var d Delivery
	var nextAt, deliveredAt, createdAt, updatedAt int64
	if err := row.Scan(&d.ID, &d.EmailID, &d.Recipient, &d.State, &d.Attempts,
		&d.LastError, &nextAt, &deliveredAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.NextAttemptAt = time.Unix(0, nextAt)
	if deliveredAt != 0 {
		d.DeliveredAt = time.Unix(0, deliveredAt)
	}
	d.CreatedAt = time.Unix(0, createdAt)
	d.UpdatedAt = time.Unix(0, updatedAt)
	return &d, nil
}
