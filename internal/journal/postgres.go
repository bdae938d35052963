package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"papertrader/internal/database"
)

// PostgresSink mirrors records into the paper_records table
type PostgresSink struct {
	db *database.DB
}

// NewPostgresSink wraps an open database. Migrations must have run.
func NewPostgresSink(db *database.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (p *PostgresSink) Append(ctx context.Context, stream Stream, rec Record) error {
	payload, err := json.Marshal(rec.Payload())
	if err != nil {
		return fmt.Errorf("failed to encode record payload: %w", err)
	}
	return p.db.InsertRecord(ctx, database.PaperRecord{
		ID:      rec.ID,
		Stream:  string(stream),
		Time:    rec.Time,
		Variant: rec.Variant,
		Type:    rec.Type,
		Payload: payload,
	})
}

// Close is a no-op; the database belongs to the caller
func (p *PostgresSink) Close() error {
	return nil
}
