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

// HasMessage reports whether a message with the provider id is stored.
func (db *DB) HasMessage(ctx context.Context, providerID string) (bool, error) {
	if providerID == "" {
		return false, nil
	}
	var n int
	err := db.queryRow(ctx, `SELECT 1 FROM messages WHERE provider_message_id = ?`, providerID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveMessage implements Store. The insert and the conversation summary
// update share one transaction; last_message_at never moves backwards.
func (db *DB) SaveMessage(ctx context.Context, msg *message.Message, sum Summary) (int64, bool, error) {
	if msg.ConversationID == 0 || msg.IdentityID == 0 {
		return 0, false, fmt.Errorf("save message: unbound conversation or identity")
	}
	var mediaInfo []byte
	if msg.Media != nil {
		b, err := json.Marshal(msg.Media)
		if err != nil {
			return 0, false, fmt.Errorf("encode media info: %w", err)
		}
		mediaInfo = b
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	var id int64
	err = tx.QueryRowContext(ctx, db.rebind(`
		INSERT INTO messages (chat_id, contact_id, direction, content, media_info, media_type,
			provider_message_id, contact_name, status, timestamp, raw_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider_message_id) DO NOTHING
		RETURNING id`),
		msg.ConversationID, msg.IdentityID, string(msg.Direction), msg.Content, nullJSON(mediaInfo), string(msg.Kind),
		nullString(msg.ProviderID), msg.ContactName, string(msg.Status), millis(msg.Timestamp), nullJSON(msg.Raw), now,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Already stored under this provider id.
		if err := tx.QueryRowContext(ctx, db.rebind(`SELECT id FROM messages WHERE provider_message_id = ?`), msg.ProviderID).Scan(&id); err != nil {
			return 0, false, fmt.Errorf("lookup duplicate %q: %w", msg.ProviderID, err)
		}
		return id, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert message: %w", err)
	}

	at := millis(sum.At)
	if _, err := tx.ExecContext(ctx, db.rebind(`
		UPDATE chats SET
			unread_count = unread_count + ?,
			last_message = CASE WHEN ? >= last_message_at THEN ? ELSE last_message END,
			last_message_at = CASE WHEN ? > last_message_at THEN ? ELSE last_message_at END,
			updated_at = ?
		WHERE id = ?`),
		sum.UnreadDelta, at, sum.Preview, at, at, now, msg.ConversationID); err != nil {
		return 0, false, fmt.Errorf("update chat summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit: %w", err)
	}
	return id, true, nil
}

// UpdateStatus sets the delivery status of a stored message. It reports false
// when no message has the provider id.
func (db *DB) UpdateStatus(ctx context.Context, providerID string, status message.Status) (bool, error) {
	res, err := db.exec(ctx, `UPDATE messages SET status = ? WHERE provider_message_id = ?`, string(status), providerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(ctx context.Context, address string, before time.Time, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeTs := millis(before)
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.query(ctx, `
		SELECT m.id, m.provider_message_id, m.direction, c.address, m.contact_name, m.chat_id, m.contact_id,
			m.content, m.media_type, m.media_info, m.status, m.timestamp
		FROM messages m
		JOIN chats c ON c.id = m.chat_id
		WHERE c.address = ? AND m.timestamp < ?
		ORDER BY m.timestamp DESC, m.id DESC
		LIMIT ?`, address, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []message.Message
	for rows.Next() {
		var (
			m          message.Message
			providerID sql.NullString
			mediaInfo  sql.NullString
			ts         int64
		)
		if err := rows.Scan(&m.ID, &providerID, &m.Direction, &m.Address, &m.ContactName, &m.ConversationID,
			&m.IdentityID, &m.Content, &m.Kind, &mediaInfo, &m.Status, &ts); err != nil {
			return nil, err
		}
		m.ProviderID = providerID.String
		m.Timestamp = fromMillis(ts)
		if mediaInfo.Valid && mediaInfo.String != "" {
			var ref message.MediaReference
			if err := json.Unmarshal([]byte(mediaInfo.String), &ref); err != nil {
				return nil, fmt.Errorf("decode media info for message %d: %w", m.ID, err)
			}
			m.Media = &ref
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
