package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/wprelay/internal/message"
)

const chatSelect = `
	SELECT c.id, c.address, c.contact_id, COALESCE(NULLIF(ct.name,''), c.address) AS display_name,
		c.unread_count, c.last_message, c.last_message_at, c.is_active
	FROM chats c
	JOIN contacts ct ON ct.id = c.contact_id`

// EnsureConversation implements Store.
func (db *DB) EnsureConversation(ctx context.Context, id *message.Identity) (*message.Conversation, error) {
	now := time.Now().UnixMilli()
	if _, err := db.exec(ctx, `
		INSERT INTO chats (address, contact_id, unread_count, last_message, last_message_at, is_active, created_at, updated_at)
		VALUES (?, ?, 0, '', 0, ?, ?, ?)
		ON CONFLICT(address) DO NOTHING`,
		id.Address, id.ID, true, now, now); err != nil {
		return nil, fmt.Errorf("ensure chat %q: %w", id.Address, err)
	}
	return db.GetConversation(ctx, id.Address)
}

// GetConversation implements Store.
func (db *DB) GetConversation(ctx context.Context, address string) (*message.Conversation, error) {
	c, err := scanConversation(db.queryRow(ctx, chatSelect+` WHERE c.address = ?`, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns conversations sorted by last message timestamp descending.
func (db *DB) ListConversations(ctx context.Context, limit, offset int) ([]message.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.query(ctx, chatSelect+`
		ORDER BY c.last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []message.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// MarkRead resets the unread counter.
func (db *DB) MarkRead(ctx context.Context, address string) error {
	res, err := db.exec(ctx, `UPDATE chats SET unread_count = 0, updated_at = ? WHERE address = ?`,
		time.Now().UnixMilli(), address)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*message.Conversation, error) {
	var (
		c      message.Conversation
		lastAt int64
	)
	if err := s.Scan(&c.ID, &c.Address, &c.IdentityID, &c.Name, &c.UnreadCount, &c.LastMessage, &lastAt, &c.Active); err != nil {
		return nil, err
	}
	c.LastMessageAt = fromMillis(lastAt)
	return &c, nil
}
