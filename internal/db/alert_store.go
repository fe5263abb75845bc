package db

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"vantrack/boarding/internal/alert"
)

type AlertStore struct {
	store *Store
}

func NewAlertStore(store *Store) *AlertStore {
	return &AlertStore{store: store}
}

const alertColumns = `id, reporter_id, reporter_role, route_id, priority, message,
	latitude, longitude, status, created_at,
	acknowledged_at, acknowledged_by, resolved_at, resolved_by, resolution_notes`

func (a *AlertStore) Create(ctx context.Context, record alert.Alert) error {
	lat, lng := pgPoint(record.Location)
	_, err := a.store.Pool.Exec(ctx, `
		INSERT INTO emergency_alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		pgUUID(record.ID), record.ReporterID, record.ReporterRole, record.RouteID,
		string(record.Priority), record.Message, lat, lng, string(record.Status),
		pgTime(record.CreatedAt),
		pgTimePtr(record.AcknowledgedAt), record.AcknowledgedBy,
		pgTimePtr(record.ResolvedAt), record.ResolvedBy, record.ResolutionNotes,
	)
	return err
}

func (a *AlertStore) Get(ctx context.Context, id uuid.UUID) (alert.Alert, error) {
	row := a.store.Pool.QueryRow(ctx, `
		SELECT `+alertColumns+` FROM emergency_alerts WHERE id = $1`, pgUUID(id))
	return scanAlert(row)
}

func (a *AlertStore) Update(ctx context.Context, record alert.Alert) error {
	tag, err := a.store.Pool.Exec(ctx, `
		UPDATE emergency_alerts
		SET status = $2,
		    acknowledged_at = $3, acknowledged_by = $4,
		    resolved_at = $5, resolved_by = $6, resolution_notes = $7
		WHERE id = $1`,
		pgUUID(record.ID), string(record.Status),
		pgTimePtr(record.AcknowledgedAt), record.AcknowledgedBy,
		pgTimePtr(record.ResolvedAt), record.ResolvedBy, record.ResolutionNotes,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return alert.ErrNotFound
	}
	return nil
}

func (a *AlertStore) List(ctx context.Context, filter alert.Filter) ([]alert.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM emergency_alerts WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.RouteID != "" {
		args = append(args, filter.RouteID)
		query += ` AND route_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	rows, err := a.store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var alerts []alert.Alert
	for rows.Next() {
		record, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, record)
	}
	return alerts, rows.Err()
}

func scanAlert(row rowScanner) (alert.Alert, error) {
	var (
		id             pgtype.UUID
		priority       string
		status         string
		lat, lng       pgtype.Float8
		createdAt      pgtype.Timestamptz
		acknowledgedAt pgtype.Timestamptz
		resolvedAt     pgtype.Timestamptz
		record         alert.Alert
	)
	err := row.Scan(&id, &record.ReporterID, &record.ReporterRole, &record.RouteID,
		&priority, &record.Message, &lat, &lng, &status, &createdAt,
		&acknowledgedAt, &record.AcknowledgedBy,
		&resolvedAt, &record.ResolvedBy, &record.ResolutionNotes)
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Alert{}, alert.ErrNotFound
	}
	if err != nil {
		return alert.Alert{}, err
	}
	record.ID = uuidValue(id)
	record.Priority = alert.Priority(priority)
	record.Status = alert.Status(status)
	record.Location = pointValue(lat, lng)
	record.CreatedAt = createdAt.Time.UTC()
	record.AcknowledgedAt = timePtr(acknowledgedAt)
	record.ResolvedAt = timePtr(resolvedAt)
	return record, nil
}

