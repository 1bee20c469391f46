package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/collapsinghierarchy/p12sign/model"
	"github.com/collapsinghierarchy/p12sign/store"
)

// Schema creates the signings table if it is missing.
const Schema = `CREATE TABLE IF NOT EXISTS signings (
    id          UUID PRIMARY KEY,
    app_name    TEXT        NOT NULL,
    bundle_id   TEXT        NOT NULL,
    filename    TEXT        NOT NULL,
    status      TEXT        NOT NULL,
    error       TEXT        NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
)`

type pgStore struct{ db *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) store.Store { return &pgStore{db: db} }

// Migrate applies Schema.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, Schema)
	return err
}

func (p *pgStore) InsertSigning(ctx context.Context, s *model.Signing) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO signings (id, app_name, bundle_id, filename, status, error, started_at, finished_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.AppName, s.BundleID, s.Filename, string(s.Status), s.Error, s.StartedAt, s.FinishedAt)
	return err
}

func (p *pgStore) StreamSignings(
	ctx context.Context, appName string,
	fn func(*model.Signing) error,
) error {
	rows, err := p.db.Query(ctx,
		`SELECT id, app_name, bundle_id, filename, status, error, started_at, finished_at
         FROM signings
         WHERE app_name=$1
         ORDER BY started_at ASC`, appName)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var s model.Signing
		var status string
		if err := rows.Scan(&s.ID, &s.AppName, &s.BundleID, &s.Filename, &status, &s.Error, &s.StartedAt, &s.FinishedAt); err != nil {
			return err
		}
		s.Status = model.Status(status)
		if err := fn(&s); err != nil {
			return err
		}
	}
	return rows.Err()
}
