package store

import (
	"context"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(ctx context.Context, clientMsgID, address, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.exec(ctx, `
		INSERT INTO outbox (client_msg_id, address, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, address, body, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(ctx context.Context, clientMsgID string) error {
	_, err := db.exec(ctx, `UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`,
		time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the provider message ID.
func (db *DB) MarkOutboxSent(ctx context.Context, clientMsgID, serverMsgID string) error {
	_, err := db.exec(ctx, `UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`,
		serverMsgID, time.Now().UnixMilli(), clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error {
	_, err := db.exec(ctx, `UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		errMsg, time.Now().UnixMilli(), clientMsgID)
	return err
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := db.query(ctx, `
		SELECT id, client_msg_id, address, body, status, error_message, server_msg_id, created_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e  OutboxEntry
			at int64
		)
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.Address, &e.Body, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &at); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
