package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRingTimeout bounds how long an unanswered inbound call rings
	// before it is auto-rejected.
	DefaultRingTimeout = 30 * time.Second

	// DefaultEndedGrace is how long a terminal session stays visible
	// before the manager resets to idle.
	DefaultEndedGrace = 2 * time.Second

	// leaveTimeout bounds the background media teardown after a call ends.
	leaveTimeout = 10 * time.Second
)

// Options tunes the manager timers. Zero values take the defaults.
type Options struct {
	RingTimeout time.Duration
	EndedGrace  time.Duration
}

// Manager owns at most one call session at a time and is its single
// mutation entry point: UI intents and inbound envelopes all funnel into
// state transitions under one lock, with side effects (token fetch,
// media join/leave, signaling sends) issued as commands off that lock.
type Manager struct {
	sig      Signaler
	tokens   TokenSource
	newMedia MediaFactory
	selfID   string
	selfName string

	ringTimeout time.Duration
	endedGrace  time.Duration

	mu  sync.Mutex
	cur *active
	seq int // session generation; guards timers and async completions

	obsMu     sync.RWMutex
	observers []Observer
}

// active is the mutable state behind the current Session snapshot.
type active struct {
	snap  Session
	media Media
	gen   int

	setupDone        bool // outbound: token+join+invite finished
	acceptedByRemote bool // call_accept arrived before setup finished
	accepting        bool // local accept in flight
	endSent          bool // a terminal envelope has been sent
	remoteTerminal   bool // the remote sent the terminal — do not echo one back
	mediaReleased    bool

	ringTimer  *time.Timer
	graceTimer *time.Timer
}

// NewManager creates a call manager for the local party selfID.
func NewManager(sig Signaler, tokens TokenSource, newMedia MediaFactory, selfID, selfName string, opt Options) *Manager {
	if opt.RingTimeout <= 0 {
		opt.RingTimeout = DefaultRingTimeout
	}
	if opt.EndedGrace <= 0 {
		opt.EndedGrace = DefaultEndedGrace
	}
	return &Manager{
		sig:         sig,
		tokens:      tokens,
		newMedia:    newMedia,
		selfID:      selfID,
		selfName:    selfName,
		ringTimeout: opt.RingTimeout,
		endedGrace:  opt.EndedGrace,
	}
}

// Observe registers an observer for state transitions.
func (m *Manager) Observe(fn Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

// Current returns the active session snapshot. ok is false when idle.
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Session{LocalID: m.selfID, State: StateIdle}, false
	}
	return m.cur.snap, true
}

// StartCall begins an outbound call to remoteID. The session flips to
// calling immediately; token fetch, media join and the invite send run
// asynchronously and a failure in any of them lands the call in ended.
func (m *Manager) StartCall(ctx context.Context, remoteID, remoteName string, typ Type) error {
	m.mu.Lock()
	if m.cur != nil && m.cur.snap.State != StateEnded {
		m.mu.Unlock()
		return ErrBusy
	}
	m.dropCurrentLocked() // an ended session awaiting grace is replaced

	m.seq++
	callID := uuid.NewString()
	a := &active{
		snap: Session{
			CallID:      callID,
			ChannelName: callID, // the call id doubles as the media channel name
			Type:        typ,
			LocalID:     m.selfID,
			RemoteID:    remoteID,
			RemoteName:  remoteName,
			State:       StateCalling,
			CreatedAt:   time.Now(),
		},
		media: m.newMedia(),
		gen:   m.seq,
	}
	m.cur = a
	snap := a.snap
	gen := a.gen
	m.mu.Unlock()

	log.Printf("CALL [%s]: calling %s (%s)", callID, remoteID, typ)
	m.notify(snap)
	go m.setupOutbound(ctx, gen, callID, remoteID, typ)
	return nil
}

// Accept answers the current inbound call. Valid only while ringing.
// The state stays ringing until the media join completes, then flips to
// connected; a failure lands in ended, never stuck in ringing.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	a := m.cur
	if a == nil || a.snap.State != StateRinging || a.accepting {
		m.mu.Unlock()
		return ErrInvalidState
	}
	a.accepting = true
	stopTimer(&a.ringTimer)
	gen := a.gen
	callID := a.snap.CallID
	channel := a.snap.ChannelName
	remote := a.snap.RemoteID
	typ := a.snap.Type
	m.mu.Unlock()

	log.Printf("CALL [%s]: accepting", callID)
	go m.setupInbound(ctx, gen, callID, channel, remote, typ)
	return nil
}

// Reject declines the current inbound call. Valid only while ringing.
func (m *Manager) Reject() error {
	m.mu.Lock()
	a := m.cur
	if a == nil || a.snap.State != StateRinging || a.accepting {
		m.mu.Unlock()
		return ErrInvalidState
	}
	snap, effects := m.toEndedLocked(a, ReasonLocalReject, KindCallReject)
	m.mu.Unlock()

	m.notify(snap)
	effects()
	return nil
}

// End hangs up the current call. Idempotent: ending while already ended
// or idle is a no-op, never an error, and no second call_end goes out.
// The state flips to ended synchronously; media teardown completes in
// the background.
func (m *Manager) End() error {
	m.mu.Lock()
	a := m.cur
	if a == nil || a.snap.State == StateEnded {
		m.mu.Unlock()
		return nil
	}
	snap, effects := m.toEndedLocked(a, ReasonLocalEnd, KindCallEnd)
	m.mu.Unlock()

	m.notify(snap)
	effects()
	return nil
}

// Deliver feeds one inbound call-control envelope into the state machine.
// Envelopes for unknown or stale call ids are logged and dropped.
func (m *Manager) Deliver(env *Envelope) {
	switch env.Kind {
	case KindCallInvite:
		m.onInvite(env)
	case KindCallAccept:
		m.onAccept(env)
	case KindCallReject:
		m.onTerminal(env, ReasonRemoteReject)
	case KindCallEnd:
		m.onTerminal(env, ReasonRemoteEnd)
	default:
		log.Printf("CALL: dropping envelope with kind %q", env.Kind)
	}
}

// Close ends any active call and stops the grace timer. The manager is
// not reusable afterwards.
func (m *Manager) Close() {
	_ = m.End()
	m.mu.Lock()
	m.dropCurrentLocked()
	m.mu.Unlock()
}

// ── inbound events ───────────────────────────────────────────────────

func (m *Manager) onInvite(env *Envelope) {
	m.mu.Lock()
	a := m.cur

	// Glare: we are calling the same peer that is now inviting us. The
	// party with the lexicographically lower id wins — the winner keeps
	// its outbound attempt and drops the inbound invite, the loser
	// abandons its attempt and takes the invite as ringing. Both sides
	// converge on the winner's call id with no extra round trip.
	if a != nil && a.snap.State == StateCalling && env.SenderID == a.snap.RemoteID {
		if m.selfID < env.SenderID {
			m.mu.Unlock()
			log.Printf("CALL [%s]: glare — local id wins, ignoring invite %s", a.snap.CallID, env.CallID)
			return
		}
		log.Printf("CALL [%s]: glare — yielding to invite %s", a.snap.CallID, env.CallID)
		m.abandonLocked(a)
		a = nil
	}

	if a != nil && a.snap.State != StateEnded {
		// Busy with an unrelated call: decline the new invite outright.
		remote := env.SenderID
		callID := env.CallID
		m.mu.Unlock()
		log.Printf("CALL [%s]: busy, rejecting invite from %s", callID, remote)
		_ = m.sig.SendToPeer(&Envelope{
			Kind: KindCallReject, CallID: callID, SenderID: m.selfID, SentAt: time.Now().UnixMilli(),
		}, remote)
		return
	}
	m.dropCurrentLocked()

	typ := TypeAudio
	if env.CallType == string(TypeVideo) {
		typ = TypeVideo
	}
	channel := env.ChannelName
	if channel == "" {
		channel = env.CallID
	}

	m.seq++
	a = &active{
		snap: Session{
			CallID:      env.CallID,
			ChannelName: channel,
			Type:        typ,
			LocalID:     m.selfID,
			RemoteID:    env.SenderID,
			RemoteName:  env.CallerName,
			State:       StateRinging,
			CreatedAt:   time.Now(),
		},
		media: m.newMedia(),
		gen:   m.seq,
	}
	m.cur = a
	gen := a.gen
	a.ringTimer = time.AfterFunc(m.ringTimeout, func() { m.onRingTimeout(gen) })
	snap := a.snap
	m.mu.Unlock()

	log.Printf("CALL [%s]: ringing — %s invites (%s)", env.CallID, env.SenderID, typ)
	m.notify(snap)
}

func (m *Manager) onAccept(env *Envelope) {
	m.mu.Lock()
	a := m.cur
	if a == nil || a.snap.CallID != env.CallID || a.snap.State != StateCalling {
		m.mu.Unlock()
		log.Printf("CALL [%s]: dropping stale call_accept", env.CallID)
		return
	}
	if !a.setupDone {
		// Media join still in flight; connect once it resolves.
		a.acceptedByRemote = true
		m.mu.Unlock()
		return
	}
	a.snap.State = StateConnected
	a.snap.ConnectedAt = time.Now()
	snap := a.snap
	m.mu.Unlock()

	log.Printf("CALL [%s]: connected", env.CallID)
	m.notify(snap)
}

func (m *Manager) onTerminal(env *Envelope, reason string) {
	m.mu.Lock()
	a := m.cur
	if a == nil || a.snap.CallID != env.CallID || a.snap.State == StateEnded {
		m.mu.Unlock()
		return
	}
	a.remoteTerminal = true
	snap, effects := m.toEndedLocked(a, reason, "")
	m.mu.Unlock()

	log.Printf("CALL [%s]: ended by remote (%s)", env.CallID, reason)
	m.notify(snap)
	effects()
}

func (m *Manager) onRingTimeout(gen int) {
	m.mu.Lock()
	a := m.cur
	if a == nil || a.gen != gen || a.snap.State != StateRinging || a.accepting {
		m.mu.Unlock()
		return
	}
	snap, effects := m.toEndedLocked(a, ReasonRingTimeout, KindCallReject)
	m.mu.Unlock()

	log.Printf("CALL [%s]: ring timeout, auto-rejected", snap.CallID)
	m.notify(snap)
	effects()
}

// ── async call setup ─────────────────────────────────────────────────

// setupOutbound runs the calling-side effects: mint media token, join
// and publish media, send the invite. Completion re-enters the state
// machine through finishSetup.
func (m *Manager) setupOutbound(ctx context.Context, gen int, callID, remoteID string, typ Type) {
	med := m.mediaFor(gen)
	if med == nil {
		return
	}
	err := m.joinMedia(ctx, med, callID, typ)
	if err == nil {
		inv := &Envelope{
			Kind:        KindCallInvite,
			CallID:      callID,
			CallType:    string(typ),
			CallerName:  m.selfName,
			ChannelName: callID,
			SenderID:    m.selfID,
			SentAt:      time.Now().UnixMilli(),
		}
		if serr := m.sig.SendToPeer(inv, remoteID); serr != nil {
			err = fmt.Errorf("send invite: %w", serr)
		}
	}
	m.finishSetup(gen, med, err)
}

// setupInbound runs the accept-side effects: mint media token, join and
// publish media, send call_accept. The accept carries the invite's call
// id, which need not match the media channel name.
func (m *Manager) setupInbound(ctx context.Context, gen int, callID, channel, remoteID string, typ Type) {
	med := m.mediaFor(gen)
	if med == nil {
		return
	}
	err := m.joinMedia(ctx, med, channel, typ)
	if err == nil {
		acc := &Envelope{
			Kind:     KindCallAccept,
			CallID:   callID,
			SenderID: m.selfID,
			SentAt:   time.Now().UnixMilli(),
		}
		if serr := m.sig.SendToPeer(acc, remoteID); serr != nil {
			err = fmt.Errorf("send accept: %w", serr)
		}
	}
	m.finishAccept(gen, med, err)
}

// joinMedia fetches the per-call media token, joins the channel and
// publishes local tracks. An unsupported-capture error degrades to
// receive-only instead of failing the call.
func (m *Manager) joinMedia(ctx context.Context, med Media, channel string, typ Type) error {
	tok, err := m.tokens.GetMediaToken(ctx, channel, m.selfID)
	if err != nil {
		return fmt.Errorf("media token: %w", err)
	}
	if err := med.Join(ctx, channel, tok, m.selfID); err != nil {
		return fmt.Errorf("media join: %w", err)
	}
	if err := med.Publish(typ == TypeVideo); err != nil {
		if errors.Is(err, ErrMediaUnsupported) {
			log.Printf("CALL [%s]: no local capture on this runtime, continuing receive-only", channel)
			return nil
		}
		return fmt.Errorf("media publish: %w", err)
	}
	return nil
}

func (m *Manager) finishSetup(gen int, med Media, err error) {
	m.mu.Lock()
	a := m.cur
	if a == nil || a.gen != gen {
		m.mu.Unlock()
		_ = med.Leave() // session gone while setup was in flight; roll back
		return
	}
	a.setupDone = true

	if a.snap.State == StateEnded {
		// A local end raced the setup. Media release may have run against
		// a not-yet-joined session; leave again now that join finished.
		m.mu.Unlock()
		_ = med.Leave()
		return
	}
	if err != nil {
		snap, effects := m.toEndedLocked(a, ReasonSetupFailed, KindCallEnd)
		m.mu.Unlock()
		log.Printf("CALL [%s]: setup failed: %v", snap.CallID, err)
		m.notify(snap)
		effects()
		return
	}
	if a.acceptedByRemote && a.snap.State == StateCalling {
		a.snap.State = StateConnected
		a.snap.ConnectedAt = time.Now()
		snap := a.snap
		m.mu.Unlock()
		log.Printf("CALL [%s]: connected", snap.CallID)
		m.notify(snap)
		return
	}
	m.mu.Unlock()
}

func (m *Manager) finishAccept(gen int, med Media, err error) {
	m.mu.Lock()
	a := m.cur
	if a == nil || a.gen != gen {
		m.mu.Unlock()
		_ = med.Leave()
		return
	}
	if a.snap.State == StateEnded {
		m.mu.Unlock()
		_ = med.Leave()
		return
	}
	if err != nil {
		snap, effects := m.toEndedLocked(a, ReasonSetupFailed, KindCallEnd)
		m.mu.Unlock()
		log.Printf("CALL [%s]: accept failed: %v", snap.CallID, err)
		m.notify(snap)
		effects()
		return
	}
	a.snap.State = StateConnected
	a.snap.ConnectedAt = time.Now()
	snap := a.snap
	m.mu.Unlock()

	log.Printf("CALL [%s]: connected", snap.CallID)
	m.notify(snap)
}

// ── shared transition helpers ────────────────────────────────────────

// toEndedLocked moves the session into ended. Called with m.mu held;
// returns the snapshot to notify and the side effects to run off-lock.
// Media is asked to leave exactly once per session regardless of which
// path ended it, and at most one terminal envelope goes out, none when
// the remote sent the terminal.
func (m *Manager) toEndedLocked(a *active, reason string, send Kind) (Session, func()) {
	stopTimer(&a.ringTimer)
	a.snap.State = StateEnded
	a.snap.EndReason = reason

	var env *Envelope
	if send != "" && !a.endSent && !a.remoteTerminal {
		a.endSent = true
		env = &Envelope{Kind: send, CallID: a.snap.CallID, SenderID: m.selfID, SentAt: time.Now().UnixMilli()}
	}
	release := !a.mediaReleased
	a.mediaReleased = true

	med := a.media
	remote := a.snap.RemoteID
	gen := a.gen
	a.graceTimer = time.AfterFunc(m.endedGrace, func() { m.clearEnded(gen) })

	snap := a.snap
	effects := func() {
		if env != nil {
			if err := m.sig.SendToPeer(env, remote); err != nil {
				log.Printf("CALL [%s]: send %s failed: %v", snap.CallID, env.Kind, err)
			}
		}
		if release {
			leaveWithTimeout(snap.CallID, med)
		}
	}
	return snap, effects
}

// abandonLocked silently discards the current outbound attempt during
// glare resolution: media is released but no terminal envelope is sent —
// the other side resolves the same race deterministically.
func (m *Manager) abandonLocked(a *active) {
	stopTimer(&a.ringTimer)
	stopTimer(&a.graceTimer)
	if !a.mediaReleased {
		a.mediaReleased = true
		go leaveWithTimeout(a.snap.CallID, a.media)
	}
	m.cur = nil
}

func (m *Manager) clearEnded(gen int) {
	m.mu.Lock()
	a := m.cur
	if a == nil || a.gen != gen || a.snap.State != StateEnded {
		m.mu.Unlock()
		return
	}
	m.cur = nil
	m.mu.Unlock()

	m.notify(Session{LocalID: m.selfID, State: StateIdle})
}

// dropCurrentLocked discards a terminal session without notifications.
func (m *Manager) dropCurrentLocked() {
	if m.cur == nil {
		return
	}
	stopTimer(&m.cur.ringTimer)
	stopTimer(&m.cur.graceTimer)
	m.cur = nil
}

// mediaFor returns the media session for generation gen, or nil if the
// session has been replaced meanwhile.
func (m *Manager) mediaFor(gen int) Media {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.gen != gen {
		return nil
	}
	return m.cur.media
}

func (m *Manager) notify(s Session) {
	m.obsMu.RLock()
	obs := make([]Observer, len(m.observers))
	copy(obs, m.observers)
	m.obsMu.RUnlock()
	for _, fn := range obs {
		fn(s)
	}
}

// leaveWithTimeout runs the media teardown to completion in the
// background but never lets it hang the caller past leaveTimeout.
func leaveWithTimeout(callID string, med Media) {
	done := make(chan struct{})
	go func() {
		if err := med.Leave(); err != nil {
			log.Printf("CALL [%s]: media leave: %v", callID, err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(leaveTimeout):
		log.Printf("CALL [%s]: media leave timed out", callID)
	}
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
