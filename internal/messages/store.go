package messages

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/campuslink/campuslink/internal/storage"
	"github.com/campuslink/campuslink/internal/util"
	"github.com/google/uuid"
)

// Remote is one message as reported by the backend history API.
type Remote struct {
	ID       string
	SenderID string
	Text     string
	SentAt   time.Time
}

// Persister is the backend surface the store needs: durable sends and
// authoritative per-conversation history.
type Persister interface {
	Persist(ctx context.Context, receiverID, text string) (string, error)
	History(ctx context.Context, peerID string) ([]Remote, error)
}

// Store keeps 1:1 conversations in the local SQLite cache and keeps them
// reconciled with the backend.
//
// Sends are optimistic: the message lands in the cache as "sending"
// before the backend call starts, flips to "sent" under the backend's id
// on success, or to "failed" where it stays until Retry. Inbound
// receipts land as "delivered" and can be flipped to "read"; inbound
// messages that echo our own sends are dropped — the optimistic row is
// already in place and accepting the echo would reorder it.
type Store struct {
	selfID  string
	db      *storage.DB
	persist Persister

	mu        sync.RWMutex
	listeners []chan *Message
	recent    *util.RingBuffer[*Message]
}

// recentEvents bounds the replay window handed to late subscribers.
const recentEvents = 32

// New creates a message store for the local user selfID.
func New(selfID string, db *storage.DB, persist Persister) *Store {
	return &Store{
		selfID:    selfID,
		db:        db,
		persist:   persist,
		listeners: make([]chan *Message, 0),
		recent:    util.NewRingBuffer[*Message](recentEvents),
	}
}

// Send appends an outbound message to the peerID conversation and
// persists it in the background. The returned message is the optimistic
// "sending" snapshot; listeners see the later status flips.
func (s *Store) Send(ctx context.Context, peerID, text string) (*Message, error) {
	return s.send(ctx, peerID, text, "")
}

// SendReply sends a message quoting an earlier one in the same
// conversation.
func (s *Store) SendReply(ctx context.Context, peerID, text, replyTo string) (*Message, error) {
	return s.send(ctx, peerID, text, replyTo)
}

func (s *Store) send(ctx context.Context, peerID, text, replyTo string) (*Message, error) {
	if text == "" {
		return nil, fmt.Errorf("empty message")
	}
	msg := newLocal(s.selfID, peerID, text, replyTo)
	if err := s.db.UpsertMessage(toCached(msg)); err != nil {
		return nil, fmt.Errorf("cache message: %w", err)
	}
	s.notify(msg)

	go s.persistSend(ctx, msg)
	return msg, nil
}

// Retry re-attempts persistence of a failed message.
func (s *Store) Retry(ctx context.Context, peerID, id string) error {
	msg, err := s.find(peerID, id)
	if err != nil {
		return err
	}
	if msg.Status != StatusFailed {
		return fmt.Errorf("message %s is %s, not failed", id, msg.Status)
	}
	msg.Status = StatusSending
	if err := s.db.UpsertMessage(toCached(msg)); err != nil {
		return err
	}
	s.notify(msg)
	go s.persistSend(ctx, msg)
	return nil
}

// find loads one message out of the cached conversation.
func (s *Store) find(peerID, id string) (*Message, error) {
	cached, err := s.db.MessagesForChannel(peerID)
	if err != nil {
		return nil, err
	}
	for _, c := range cached {
		if c.ID == id {
			return fromCached(c, s.selfID), nil
		}
	}
	return nil, fmt.Errorf("message %s not found in conversation %s", id, peerID)
}

// DeliverInbound feeds one realtime chat message into the store.
// Self-echoes are dropped.
func (s *Store) DeliverInbound(senderID, text string, sentAt time.Time) {
	if senderID == s.selfID {
		return
	}
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	// The id must be unique per receipt, not per timestamp — two messages
	// can land in the same millisecond and both must survive the upsert.
	msg := &Message{
		ID:        "rt-" + uuid.NewString(),
		ChannelID: senderID,
		SenderID:  senderID,
		Text:      text,
		Status:    StatusDelivered,
		SentAt:    sentAt,
	}
	if err := s.db.UpsertMessage(toCached(msg)); err != nil {
		log.Printf("MSG: cache inbound from %s: %v", senderID, err)
	}
	s.notify(msg)
}

// MarkRead flips a delivered message to read.
func (s *Store) MarkRead(peerID, id string) error {
	msg, err := s.find(peerID, id)
	if err != nil {
		return err
	}
	if msg.Status != StatusDelivered {
		return fmt.Errorf("message %s is %s, not delivered", id, msg.Status)
	}
	msg.Status = StatusRead
	if err := s.db.UpsertMessage(toCached(msg)); err != nil {
		return err
	}
	s.notify(msg)
	return nil
}

// Mark updates the starred/pinned flags on one message. A nil flag
// leaves the current value alone.
func (s *Store) Mark(peerID, id string, starred, pinned *bool) error {
	msg, err := s.find(peerID, id)
	if err != nil {
		return err
	}
	if starred != nil {
		msg.Starred = *starred
	}
	if pinned != nil {
		msg.Pinned = *pinned
	}
	if err := s.db.SetFlags(peerID, id, msg.Starred, msg.Pinned); err != nil {
		return err
	}
	s.notify(msg)
	return nil
}

// Delete removes one message from the conversation. Listeners receive a
// final tombstone snapshot for it.
func (s *Store) Delete(peerID, id string) error {
	msg, err := s.find(peerID, id)
	if err != nil {
		return err
	}
	if err := s.db.DeleteMessage(peerID, id); err != nil {
		return err
	}
	msg.Deleted = true
	s.notify(msg)
	return nil
}

// Conversation returns the peerID conversation in send order.
func (s *Store) Conversation(peerID string) ([]*Message, error) {
	cached, err := s.db.MessagesForChannel(peerID)
	if err != nil {
		return nil, err
	}
	msgs := make([]*Message, 0, len(cached))
	for _, c := range cached {
		msgs = append(msgs, fromCached(c, s.selfID))
	}
	return msgs, nil
}

// Refresh replaces the cached conversation with the backend's
// authoritative history and returns the reconciled list. Locally pending
// sends survive the swap. Refreshing twice with the same history is a
// no-op.
func (s *Store) Refresh(ctx context.Context, peerID string) ([]*Message, error) {
	remote, err := s.persist.History(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	rows := make([]storage.CachedMessage, 0, len(remote))
	for _, r := range remote {
		// Own historical sends are backend-acknowledged; the remote
		// party's rows were delivered to us.
		status := StatusSent
		if r.SenderID != s.selfID {
			status = StatusDelivered
		}
		rows = append(rows, storage.CachedMessage{
			ID:        r.ID,
			ChannelID: peerID,
			SenderID:  r.SenderID,
			Text:      r.Text,
			Status:    string(status),
			SentAt:    r.SentAt,
		})
	}
	if err := s.db.ReplaceChannel(peerID, rows); err != nil {
		return nil, fmt.Errorf("replace cache: %w", err)
	}
	return s.Conversation(peerID)
}

// Subscribe returns a channel that receives every message append and
// status change. Recent events are replayed first so a late subscriber
// does not miss status flips that raced its registration.
func (s *Store) Subscribe() <-chan *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan *Message, 2*recentEvents)
	for _, msg := range s.recent.Snapshot() {
		ch <- msg
	}
	s.listeners = append(s.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (s *Store) Unsubscribe(ch <-chan *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, listener := range s.listeners {
		if listener == ch {
			close(listener)
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Close shuts down the store's listeners. The cache stays open — it
// belongs to the caller.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, listener := range s.listeners {
		close(listener)
	}
	s.listeners = nil
	return nil
}

// persistSend runs the backend call for one optimistic message and
// records the outcome in the cache.
func (s *Store) persistSend(ctx context.Context, msg *Message) {
	serverID, err := s.persist.Persist(ctx, msg.ChannelID, msg.Text)
	if err != nil {
		log.Printf("MSG: persist to %s failed: %v", msg.ChannelID, err)
		failed := *msg
		failed.Status = StatusFailed
		if uerr := s.db.UpsertMessage(toCached(&failed)); uerr != nil {
			log.Printf("MSG: mark failed: %v", uerr)
		}
		s.notify(&failed)
		return
	}

	sent := *msg
	sent.ID = serverID
	sent.Status = StatusSent
	if err := s.db.RelabelMessage(msg.ChannelID, msg.ID, serverID, string(StatusSent)); err != nil {
		// The row may have been swapped out by a concurrent Refresh that
		// already contains the acknowledged message; just make sure the
		// final state is present.
		if uerr := s.db.UpsertMessage(toCached(&sent)); uerr != nil {
			log.Printf("MSG: record ack: %v", uerr)
		}
	}
	s.notify(&sent)
}

func (s *Store) notify(msg *Message) {
	s.recent.Push(msg)
	s.mu.RLock()
	for _, listener := range s.listeners {
		select {
		case listener <- msg:
		default:
			// Listener buffer full, skip
		}
	}
	s.mu.RUnlock()
}

func toCached(m *Message) storage.CachedMessage {
	return storage.CachedMessage{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		SenderID:  m.SenderID,
		Text:      m.Text,
		Status:    string(m.Status),
		Starred:   m.Starred,
		Pinned:    m.Pinned,
		ReplyTo:   m.ReplyTo,
		SentAt:    m.SentAt,
	}
}

func fromCached(c storage.CachedMessage, selfID string) *Message {
	return &Message{
		ID:        c.ID,
		ChannelID: c.ChannelID,
		SenderID:  c.SenderID,
		Text:      c.Text,
		Status:    Status(c.Status),
		Mine:      c.SenderID == selfID,
		Starred:   c.Starred,
		Pinned:    c.Pinned,
		ReplyTo:   c.ReplyTo,
		SentAt:    c.SentAt,
	}
}
