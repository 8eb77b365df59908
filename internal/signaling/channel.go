// Package signaling owns the one logical connection to the signaling
// service: login, channel join/leave, direct and broadcast sends, and the
// inbound read loop. Reconnecting always tears the previous session down
// first — overlapping sessions on the same client are disallowed.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/campuslink/campuslink/internal/token"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signaling")

// Wire frame kinds, client ↔ service.
const (
	frameLogin   = "login"
	frameLogout  = "logout"
	frameJoin    = "join"
	frameLeave   = "leave"
	framePublish = "publish" // broadcast to a channel
	frameDirect  = "direct"  // direct to one peer
	frameDeliver = "deliver" // service → client inbound
)

// frame is the wire type exchanged with the signaling service.
type frame struct {
	Kind    string          `json:"kind"`
	UID     string          `json:"uid,omitempty"`
	Token   string          `json:"token,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Peer    string          `json:"peer,omitempty"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Tokens is the slice of the token broker the channel needs.
type Tokens interface {
	GetSignalingToken(ctx context.Context, identity string) (token.Token, error)
}

// Error reports a failed signaling operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("signaling: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ErrNotConnected is returned for sends and joins before Connect succeeds.
var ErrNotConnected = &Error{Op: "send", Err: fmt.Errorf("not connected")}

const (
	writeTimeout = 5 * time.Second
	dialTimeout  = 10 * time.Second
)

// Channel is one logical signaling session. Safe for concurrent use.
type Channel struct {
	url    string
	tokens Tokens

	mu       sync.Mutex
	conn     *websocket.Conn
	identity string
	channel  string        // joined channel name, "" when unjoined
	gen      int           // bumped per Connect so stale read loops stand down
	done     chan struct{} // closed when the current session ends

	writeMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  map[chan *Envelope]struct{}
}

// New creates an unconnected channel for the signaling service at url.
func New(url string, tokens Tokens) *Channel {
	return &Channel{
		url:       url,
		tokens:    tokens,
		listeners: make(map[chan *Envelope]struct{}),
	}
}

// Connect fetches a signaling token, dials the service and logs in.
// The channel starts out unjoined. Calling Connect on a live session
// first tears the previous one down completely (logout + close), so the
// channel can be reused after an identity change.
func (c *Channel) Connect(ctx context.Context, identity string) error {
	c.teardown("reconnect")

	tok, err := c.tokens.GetSignalingToken(ctx, identity)
	if err != nil {
		return fmt.Errorf("signaling token: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return &Error{Op: "dial", Err: err}
	}

	login := frame{Kind: frameLogin, UID: identity, Token: string(tok)}
	if err := writeFrame(conn, &login); err != nil {
		conn.Close()
		return &Error{Op: "login", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.identity = identity
	c.channel = ""
	c.gen++
	gen := c.gen
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.readLoop(conn, gen)

	log.Infow("connected", "identity", identity)
	return nil
}

// Join joins the named channel. Requires a live session.
func (c *Channel) Join(channelName string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return &Error{Op: "join", Err: fmt.Errorf("not connected")}
	}
	if err := c.write(&frame{Kind: frameJoin, Channel: channelName}); err != nil {
		return &Error{Op: "join", Err: err}
	}
	c.mu.Lock()
	c.channel = channelName
	c.mu.Unlock()
	log.Infow("joined", "channel", channelName)
	return nil
}

// Leave leaves the current channel. Safe to call when no join ever
// completed, and after the connection already dropped — cleanup must
// never fail the caller.
func (c *Channel) Leave() error {
	c.mu.Lock()
	name := c.channel
	c.channel = ""
	conn := c.conn
	c.mu.Unlock()

	if name == "" || conn == nil {
		return nil
	}
	if err := c.write(&frame{Kind: frameLeave, Channel: name}); err != nil {
		log.Warnw("leave write failed", "channel", name, "err", err)
	}
	log.Infow("left", "channel", name)
	return nil
}

// SendToChannel broadcasts env on the joined channel.
func (c *Channel) SendToChannel(env *Envelope) error {
	c.mu.Lock()
	name := c.channel
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if name == "" {
		return &Error{Op: "send", Err: fmt.Errorf("no channel joined")}
	}
	return c.sendPayload(&frame{Kind: framePublish, Channel: name}, env)
}

// SendToPeer sends env directly to one peer.
func (c *Channel) SendToPeer(env *Envelope, peerID string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.sendPayload(&frame{Kind: frameDirect, Peer: peerID}, env)
}

func (c *Channel) sendPayload(f *frame, env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return &Error{Op: "send", Err: err}
	}
	f.Payload = raw
	if err := c.write(f); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// Subscribe returns a channel receiving inbound envelopes and a cancel
// function. Envelopes are delivered in transport arrival order; slow
// listeners drop rather than block the read loop.
func (c *Channel) Subscribe() (ch chan *Envelope, cancel func()) {
	ch = make(chan *Envelope, 64)

	c.listenerMu.Lock()
	c.listeners[ch] = struct{}{}
	c.listenerMu.Unlock()

	cancel = func() {
		c.listenerMu.Lock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
		c.listenerMu.Unlock()
	}
	return ch, cancel
}

// Connected reports whether a session is currently established.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Done returns a channel closed when the current session ends, whether
// by Close or by the connection dropping. Before any Connect it returns
// an already-closed channel.
func (c *Channel) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.done
}

// Close logs out and drops the connection. Idempotent.
func (c *Channel) Close() error {
	c.teardown("close")
	return nil
}

// teardown logs out of the current session, if any, and closes the
// socket. The read loop notices the closed conn and exits on its own.
func (c *Channel) teardown(reason string) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.channel = ""
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	c.writeMu.Lock()
	_ = writeFrame(conn, &frame{Kind: frameLogout})
	c.writeMu.Unlock()
	_ = conn.Close()
	log.Infow("session torn down", "reason", reason)
}

// write serializes frame writes — gorilla conns allow one writer at a time.
func (c *Channel) write(f *frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(conn, f)
}

func writeFrame(conn *websocket.Conn, f *frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// readLoop reads deliver frames until the connection dies. Malformed
// frames and payloads never abort the loop — the worst a bad payload can
// do is arrive as opaque chat text.
func (c *Channel) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			stale := c.gen != gen
			if !stale {
				c.conn = nil
				c.channel = ""
				if c.done != nil {
					close(c.done)
					c.done = nil
				}
			}
			c.mu.Unlock()
			if !stale {
				log.Warnw("read loop ended", "err", err)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Debugw("dropping unparseable frame", "err", err)
			continue
		}
		if f.Kind != frameDeliver {
			continue
		}

		env := ParseEnvelope(f.Payload, f.From)
		c.listenerMu.RLock()
		for ch := range c.listeners {
			select {
			case ch <- env:
			default:
				log.Warnw("listener full, dropping envelope", "kind", env.Kind)
			}
		}
		c.listenerMu.RUnlock()
	}
}
