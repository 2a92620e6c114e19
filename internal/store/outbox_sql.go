package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
	"github.com/BTreeMap/Pollexy/internal/util"
)

func (s *sqlStore) Publish(ctx context.Context, location string, payload models.DeliveryPayload) (string, error) {
	key := DedupeKey(payload)
	var existingID string
	err := s.queryRow(ctx,
		`SELECT id FROM deliveries WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled')`,
		key,
	).Scan(&existingID)
	if err == nil {
		slog.Debug(s.name+".Publish: dedupe hit", "dedupeKey", key, "existingID", existingID)
		return existingID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("delivery dedupe check failed: %w", err)
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode delivery payload: %w", err)
	}
	id := util.NewDeliveryID()
	now := time.Now().UTC()
	_, err = s.exec(ctx,
		`INSERT INTO deliveries (id, location, payload_json, status, attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, location, string(payloadJSON), key, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("publish delivery failed: %w", err)
	}
	slog.Debug(s.name+".Publish", "id", id, "location", location, "message_id", payload.MessageID)
	return id, nil
}

func (s *sqlStore) Consume(ctx context.Context, location string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	rows, err := s.query(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries
		 WHERE location = ? AND status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		location, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("consume deliveries failed: %w", err)
	}
	var candidates []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("consume deliveries iteration failed: %w", err)
	}
	rows.Close()

	// Claim row by row; a concurrent consumer that got there first leaves zero rows affected.
	claimed := make([]Delivery, 0, len(candidates))
	for _, d := range candidates {
		res, err := s.exec(ctx,
			`UPDATE deliveries SET status = 'delivering', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'queued'`,
			now, now, d.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark delivery delivering failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		d.Status = DeliveryStatusDelivering
		lockedAt := now
		d.LockedAt = &lockedAt
		claimed = append(claimed, d)
	}
	return claimed, nil
}

func (s *sqlStore) Ack(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE deliveries SET status = 'done', updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("ack delivery failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownDelivery
	}
	return nil
}

func (s *sqlStore) Nack(ctx context.Context, id string, retryAt time.Time, reason string) error {
	_, err := s.exec(ctx,
		`UPDATE deliveries SET status = 'queued', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status NOT IN ('done', 'canceled')`,
		reason, retryAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("nack delivery failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStale(ctx context.Context, location string, staleBefore time.Time) (int, error) {
	res, err := s.exec(ctx,
		`UPDATE deliveries SET status = 'queued', locked_at = NULL, updated_at = ?
		 WHERE location = ? AND status = 'delivering' AND locked_at < ?`,
		time.Now().UTC(), location, staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale deliveries failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStale", "location", location, "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) Purge(ctx context.Context, location string) ([]Delivery, error) {
	rows, err := s.query(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE location = ? AND status NOT IN ('done', 'canceled') ORDER BY created_at ASC`,
		location,
	)
	if err != nil {
		return nil, fmt.Errorf("purge deliveries query failed: %w", err)
	}
	var pending []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		pending = append(pending, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("purge deliveries iteration failed: %w", err)
	}

	now := time.Now().UTC()
	purged := make([]Delivery, 0, len(pending))
	for _, d := range pending {
		res, err := s.exec(ctx,
			`UPDATE deliveries SET status = 'canceled', updated_at = ? WHERE id = ? AND status NOT IN ('done', 'canceled')`,
			now, d.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("cancel delivery failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		d.Status = DeliveryStatusCanceled
		purged = append(purged, d)
	}
	if len(purged) > 0 {
		slog.Info(s.name+".Purge", "location", location, "canceled", len(purged))
	}
	return purged, nil
}
