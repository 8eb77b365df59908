package storage

import (
	"fmt"
	"time"
)

// CachedMessage is one row of the local message cache. It survives
// restarts so a conversation renders instantly before the backend
// history fetch completes.
type CachedMessage struct {
	ID        string
	ChannelID string
	SenderID  string
	Text      string
	Status    string // sending, sent, delivered, read, failed
	Starred   bool
	Pinned    bool
	ReplyTo   string
	SentAt    time.Time
}

// UpsertMessage stores or fully replaces one cached message. Replaying
// the same message is harmless — the row just converges on the latest
// status and text.
func (d *DB) UpsertMessage(m CachedMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _messages (id, channel_id, sender_id, text, status, starred, pinned, reply_to, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, id) DO UPDATE SET
			sender_id = excluded.sender_id,
			text      = excluded.text,
			status    = excluded.status,
			starred   = excluded.starred,
			pinned    = excluded.pinned,
			reply_to  = excluded.reply_to,
			sent_at   = excluded.sent_at`,
		m.ID, m.ChannelID, m.SenderID, m.Text, m.Status, m.Starred, m.Pinned, m.ReplyTo, m.SentAt.UnixMilli(),
	)
	return err
}

// SetFlags updates the starred/pinned markers on one cached message.
func (d *DB) SetFlags(channelID, id string, starred, pinned bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		UPDATE _messages SET starred = ?, pinned = ?
		WHERE channel_id = ? AND id = ?`,
		starred, pinned, channelID, id,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("message %s not found in channel %s", id, channelID)
	}
	return nil
}

// RelabelMessage changes a message's id in place, keeping its position.
// Used when the backend acknowledges an optimistic send with the
// authoritative id.
func (d *DB) RelabelMessage(channelID, oldID, newID, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		UPDATE _messages SET id = ?, status = ?
		WHERE channel_id = ? AND id = ?`,
		newID, status, channelID, oldID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("message %s not found in channel %s", oldID, channelID)
	}
	return nil
}

// MessagesForChannel returns a channel's cached messages in send order.
func (d *DB) MessagesForChannel(channelID string) ([]CachedMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.Query(`
		SELECT id, channel_id, sender_id, text, status, starred, pinned, reply_to, sent_at
		FROM _messages WHERE channel_id = ? ORDER BY sent_at, id`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []CachedMessage
	for rows.Next() {
		var m CachedMessage
		var sentAt int64
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.Text, &m.Status, &m.Starred, &m.Pinned, &m.ReplyTo, &sentAt); err != nil {
			return nil, err
		}
		m.SentAt = time.UnixMilli(sentAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes one cached message.
func (d *DB) DeleteMessage(channelID, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`DELETE FROM _messages WHERE channel_id = ? AND id = ?`, channelID, id)
	return err
}

// ReplaceChannel atomically swaps a channel's cached messages for the
// authoritative history fetched from the backend. Locally pending rows
// (status sending/failed) are preserved so an in-flight optimistic send
// is not wiped by a concurrent history refresh, and starred/pinned rows
// keep their local marks across the swap.
func (d *DB) ReplaceChannel(channelID string, msgs []CachedMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM _messages
		WHERE channel_id = ? AND status NOT IN ('sending', 'failed')
		  AND starred = 0 AND pinned = 0`, channelID); err != nil {
		return err
	}
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO _messages (id, channel_id, sender_id, text, status, starred, pinned, reply_to, sent_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel_id, id) DO UPDATE SET
				sender_id = excluded.sender_id,
				text      = excluded.text,
				status    = excluded.status,
				reply_to  = excluded.reply_to,
				sent_at   = excluded.sent_at`,
			m.ID, channelID, m.SenderID, m.Text, m.Status, m.Starred, m.Pinned, m.ReplyTo, m.SentAt.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}
