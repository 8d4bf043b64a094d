package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vincentbai/browsetrace-captcha/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

// ErrNotFound is returned when an interaction ID is unknown.
var ErrNotFound = errors.New("interaction not found")

// Interaction is one stored evidence submission.
type Interaction struct {
	InteractionID string
	SessionID     string
	TSUTC         int64
	UserAgent     string
	Payload       models.Payload
	Label         *float64 // nil until labelled
}

type Database struct {
	db *sql.DB
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS interactions(
	  interaction_id    TEXT    PRIMARY KEY,
	  session_id        TEXT    NOT NULL,
	  ts_utc            INTEGER NOT NULL,
	  user_agent        TEXT,
	  payload_ua        TEXT,
	  duration          INTEGER NOT NULL,
	  viewport_width    INTEGER NOT NULL,
	  viewport_height   INTEGER NOT NULL,
	  load_timestamp    INTEGER NOT NULL,
	  interactions_json TEXT    NOT NULL CHECK (json_valid(interactions_json)),
	  label             REAL
	);
	CREATE INDEX IF NOT EXISTS idx_interactions_ts      ON interactions(ts_utc);
	CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) ValidateInteraction(interaction Interaction) error {
	if interaction.InteractionID == "" {
		return fmt.Errorf("interaction ID cannot be empty")
	}
	if interaction.SessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if interaction.TSUTC <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	if interaction.Payload.Duration < 0 {
		return fmt.Errorf("duration cannot be negative")
	}
	return nil
}

func (d *Database) InsertInteraction(ctx context.Context, interaction Interaction) error {
	if err := d.ValidateInteraction(interaction); err != nil {
		return fmt.Errorf("invalid interaction: %w", err)
	}

	jsonData, err := json.Marshal(interaction.Payload.Interactions)
	if err != nil {
		return fmt.Errorf("failed to marshal interactions: %w", err)
	}

	p := interaction.Payload
	_, err = d.db.ExecContext(ctx, `INSERT INTO interactions(
		interaction_id, session_id, ts_utc, user_agent, payload_ua, duration,
		viewport_width, viewport_height, load_timestamp, interactions_json, label
	) VALUES(?,?,?,?,?,?,?,?,?,json(?),?)`,
		interaction.InteractionID, interaction.SessionID, interaction.TSUTC, interaction.UserAgent,
		p.UserAgent, p.Duration, p.Viewport.Width, p.Viewport.Height, p.LoadTimestamp,
		string(jsonData), interaction.Label,
	)
	if err != nil {
		return fmt.Errorf("failed to insert interaction: %w", err)
	}
	return nil
}

func (d *Database) GetInteraction(ctx context.Context, interactionID string) (Interaction, error) {
	var (
		interaction Interaction
		userAgent   sql.NullString
		payloadUA   sql.NullString
		jsonData    string
		label       sql.NullFloat64
	)
	err := d.db.QueryRowContext(ctx, `SELECT interaction_id, session_id, ts_utc, user_agent, payload_ua,
		duration, viewport_width, viewport_height, load_timestamp, interactions_json, label
		FROM interactions WHERE interaction_id = ?`, interactionID).Scan(
		&interaction.InteractionID, &interaction.SessionID, &interaction.TSUTC, &userAgent, &payloadUA,
		&interaction.Payload.Duration, &interaction.Payload.Viewport.Width, &interaction.Payload.Viewport.Height,
		&interaction.Payload.LoadTimestamp, &jsonData, &label,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Interaction{}, ErrNotFound
	}
	if err != nil {
		return Interaction{}, fmt.Errorf("failed to query interaction: %w", err)
	}

	interaction.UserAgent = userAgent.String
	interaction.Payload.UserAgent = payloadUA.String
	if err := json.Unmarshal([]byte(jsonData), &interaction.Payload.Interactions); err != nil {
		return Interaction{}, fmt.Errorf("failed to unmarshal interactions: %w", err)
	}
	if label.Valid {
		interaction.Label = &label.Float64
	}
	return interaction, nil
}

func (d *Database) UpdateLabel(ctx context.Context, interactionID string, label float64) error {
	result, err := d.db.ExecContext(ctx, `UPDATE interactions SET label = ? WHERE interaction_id = ?`, label, interactionID)
	if err != nil {
		return fmt.Errorf("failed to update label: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *Database) CountInteractions(ctx context.Context) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM interactions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count interactions: %w", err)
	}
	return count, nil
}
