package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/wprelay/internal/message"
)

const contactColumns = `id, address, name, message_count, last_message_at, status, tags`

// TouchIdentity implements Store. A new identity is named after the address
// when no name is supplied; an existing name is only replaced by a non-empty one.
func (db *DB) TouchIdentity(ctx context.Context, address, name string, at time.Time) (*message.Identity, error) {
	if name == "" {
		name = address
	}
	now := time.Now().UnixMilli()
	row := db.queryRow(ctx, `
		INSERT INTO contacts (address, name, message_count, last_message_at, status, tags, created_at, updated_at)
		VALUES (?, ?, 1, ?, 'active', '[]', ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = CASE WHEN excluded.name != '' AND excluded.name != excluded.address THEN excluded.name ELSE contacts.name END,
			message_count = contacts.message_count + 1,
			last_message_at = CASE WHEN excluded.last_message_at > contacts.last_message_at THEN excluded.last_message_at ELSE contacts.last_message_at END,
			updated_at = excluded.updated_at
		RETURNING `+contactColumns,
		address, name, millis(at), now, now)
	id, err := scanIdentity(row)
	if err != nil {
		return nil, fmt.Errorf("touch contact %q: %w", address, err)
	}
	return id, nil
}

// GetIdentity implements Store.
func (db *DB) GetIdentity(ctx context.Context, address string) (*message.Identity, error) {
	row := db.queryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE address = ?`, address)
	id, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return id, nil
}

func scanIdentity(row scanner) (*message.Identity, error) {
	var (
		id     message.Identity
		lastAt int64
		tags   string
	)
	if err := row.Scan(&id.ID, &id.Address, &id.Name, &id.MessageCount, &lastAt, &id.Status, &tags); err != nil {
		return nil, err
	}
	id.LastMessageAt = fromMillis(lastAt)
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &id.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if id.Tags == nil {
		id.Tags = []string{}
	}
	return &id, nil
}
