package call

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"
)

type sentEnvelope struct {
	env  *Envelope
	peer string
}

type stubSignaler struct {
	mu   sync.Mutex
	sent []sentEnvelope
	err  error
}

func (s *stubSignaler) SendToPeer(env *Envelope, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentEnvelope{env: env, peer: peerID})
	return nil
}

func (s *stubSignaler) byKind(kind Kind) []sentEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentEnvelope
	for _, e := range s.sent {
		if e.env.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type stubTokens struct {
	mu  sync.Mutex
	err error
}

func (s *stubTokens) GetMediaToken(ctx context.Context, channelName, identity string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return "tok-" + channelName, nil
}

type stubMedia struct {
	mu         sync.Mutex
	joined     bool
	channel    string
	published  bool
	leaveCount int
	joinErr    error
	publishErr error
}

func (m *stubMedia) Join(ctx context.Context, channelName, mediaToken, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.joinErr != nil {
		return m.joinErr
	}
	m.joined = true
	m.channel = channelName
	return nil
}

func (m *stubMedia) Publish(video bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = true
	return nil
}

func (m *stubMedia) Leave() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveCount++
	return nil
}

func (m *stubMedia) leaves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveCount
}

func (m *stubMedia) joinedChannel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}

type fixture struct {
	mgr    *Manager
	sig    *stubSignaler
	tokens *stubTokens

	mu     sync.Mutex
	medias []*stubMedia
}

func newFixture(t *testing.T, selfID string) *fixture {
	t.Helper()
	f := &fixture{sig: &stubSignaler{}, tokens: &stubTokens{}}
	factory := func() Media {
		m := &stubMedia{}
		f.mu.Lock()
		f.medias = append(f.medias, m)
		f.mu.Unlock()
		return m
	}
	f.mgr = NewManager(f.sig, f.tokens, factory, selfID, "Test User", Options{
		RingTimeout: 150 * time.Millisecond,
		EndedGrace:  50 * time.Millisecond,
	})
	t.Cleanup(f.mgr.Close)
	return f
}

func (f *fixture) lastMedia(t *testing.T) *stubMedia {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.medias) == 0 {
		t.Fatal("no media session created")
	}
	return f.medias[len(f.medias)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) waitState(t *testing.T, state State) Session {
	t.Helper()
	var snap Session
	waitFor(t, "state "+string(state), func() bool {
		s, ok := f.mgr.Current()
		if !ok {
			return state == StateIdle
		}
		snap = s
		return s.State == state
	})
	return snap
}

func invite(callID, from string, typ Type) *Envelope {
	return &Envelope{
		Kind:        KindCallInvite,
		CallID:      callID,
		ChannelName: callID,
		CallType:    string(typ),
		SenderID:    from,
		CallerName:  from,
	}
}

func TestStartCallConnectsOnRemoteAccept(t *testing.T) {
	f := newFixture(t, "alice")
	if err := f.mgr.StartCall(context.Background(), "bob", "Bob", TypeAudio); err != nil {
		t.Fatal(err)
	}
	snap, ok := f.mgr.Current()
	if !ok || snap.State != StateCalling {
		t.Fatalf("expected calling immediately, got %+v", snap)
	}

	waitFor(t, "invite sent", func() bool { return len(f.sig.byKind(KindCallInvite)) == 1 })
	inv := f.sig.byKind(KindCallInvite)[0]
	if inv.peer != "bob" {
		t.Fatalf("invite went to %s", inv.peer)
	}
	if inv.env.CallID == "" || inv.env.ChannelName != inv.env.CallID {
		t.Fatalf("invite carries bad channel: %+v", inv.env)
	}
	med := f.lastMedia(t)
	if !med.joined || !med.published {
		t.Fatal("media not joined+published before invite")
	}

	f.mgr.Deliver(&Envelope{Kind: KindCallAccept, CallID: inv.env.CallID, SenderID: "bob"})
	snap = f.waitState(t, StateConnected)
	if snap.ConnectedAt.IsZero() {
		t.Fatal("connected time not set")
	}
}

func TestStartCallWhileActiveIsRejected(t *testing.T) {
	f := newFixture(t, "alice")
	if err := f.mgr.StartCall(context.Background(), "bob", "", TypeAudio); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.StartCall(context.Background(), "carol", "", TypeAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestAcceptOutsideRingingIsInvalid(t *testing.T) {
	f := newFixture(t, "alice")
	if err := f.mgr.Accept(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
	if err := f.mgr.Reject(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestInboundInviteRingsAndRejectNotifiesCaller(t *testing.T) {
	f := newFixture(t, "bob")
	f.mgr.Deliver(invite("c1", "alice", TypeVideo))

	snap := f.waitState(t, StateRinging)
	if snap.RemoteID != "alice" || snap.Type != TypeVideo {
		t.Fatalf("bad ringing snapshot: %+v", snap)
	}

	if err := f.mgr.Reject(); err != nil {
		t.Fatal(err)
	}
	snap = f.waitState(t, StateEnded)
	if snap.EndReason != ReasonLocalReject {
		t.Fatalf("end reason %q", snap.EndReason)
	}
	waitFor(t, "reject sent", func() bool { return len(f.sig.byKind(KindCallReject)) == 1 })
	if got := f.sig.byKind(KindCallReject)[0]; got.peer != "alice" || got.env.CallID != "c1" {
		t.Fatalf("bad reject: %+v to %s", got.env, got.peer)
	}

	// After the grace period the session clears back to idle.
	waitFor(t, "idle", func() bool { _, ok := f.mgr.Current(); return !ok })
}

func TestRingTimeoutAutoRejects(t *testing.T) {
	f := newFixture(t, "bob")
	f.mgr.Deliver(invite("c1", "alice", TypeAudio))
	f.waitState(t, StateRinging)

	snap := f.waitState(t, StateEnded)
	if snap.EndReason != ReasonRingTimeout {
		t.Fatalf("end reason %q", snap.EndReason)
	}
	waitFor(t, "reject sent", func() bool { return len(f.sig.byKind(KindCallReject)) == 1 })
}

func TestAcceptJoinsMediaThenConnects(t *testing.T) {
	f := newFixture(t, "bob")
	f.mgr.Deliver(invite("c1", "alice", TypeAudio))
	f.waitState(t, StateRinging)

	if err := f.mgr.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, StateConnected)

	med := f.lastMedia(t)
	if !med.joined || !med.published {
		t.Fatal("accept did not bring media up")
	}
	waitFor(t, "accept sent", func() bool { return len(f.sig.byKind(KindCallAccept)) == 1 })
	if got := f.sig.byKind(KindCallAccept)[0]; got.peer != "alice" {
		t.Fatalf("accept went to %s", got.peer)
	}
}

func TestEndIsIdempotentAndReleasesMediaOnce(t *testing.T) {
	f := newFixture(t, "bob")
	f.mgr.Deliver(invite("c1", "alice", TypeAudio))
	f.waitState(t, StateRinging)
	if err := f.mgr.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, StateConnected)

	if err := f.mgr.End(); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.End(); err != nil {
		t.Fatal(err)
	}
	snap := f.waitState(t, StateEnded)
	if snap.EndReason != ReasonLocalEnd {
		t.Fatalf("end reason %q", snap.EndReason)
	}

	med := f.lastMedia(t)
	waitFor(t, "media released", func() bool { return med.leaves() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := med.leaves(); n != 1 {
		t.Fatalf("media left %d times", n)
	}
	if n := len(f.sig.byKind(KindCallEnd)); n != 1 {
		t.Fatalf("%d call_end envelopes sent", n)
	}
}

func TestRemoteEndDoesNotEchoTerminal(t *testing.T) {
	f := newFixture(t, "bob")
	f.mgr.Deliver(invite("c1", "alice", TypeAudio))
	f.waitState(t, StateRinging)
	if err := f.mgr.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, StateConnected)

	f.mgr.Deliver(&Envelope{Kind: KindCallEnd, CallID: "c1", SenderID: "alice"})
	snap := f.waitState(t, StateEnded)
	if snap.EndReason != ReasonRemoteEnd {
		t.Fatalf("end reason %q", snap.EndReason)
	}
	med := f.lastMedia(t)
	waitFor(t, "media released", func() bool { return med.leaves() >= 1 })
	if n := len(f.sig.byKind(KindCallEnd)); n != 0 {
		t.Fatalf("echoed %d call_end envelopes", n)
	}
}

func TestStaleEnvelopesAreDropped(t *testing.T) {
	f := newFixture(t, "bob")
	f.mgr.Deliver(&Envelope{Kind: KindCallAccept, CallID: "ghost", SenderID: "alice"})
	f.mgr.Deliver(&Envelope{Kind: KindCallEnd, CallID: "ghost", SenderID: "alice"})
	if _, ok := f.mgr.Current(); ok {
		t.Fatal("stale envelope created a session")
	}
}

func TestGlareLowerIDKeepsItsCall(t *testing.T) {
	f := newFixture(t, "alice") // "alice" < "bob": local attempt wins
	if err := f.mgr.StartCall(context.Background(), "bob", "", TypeAudio); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "invite sent", func() bool { return len(f.sig.byKind(KindCallInvite)) == 1 })
	ourCall := f.sig.byKind(KindCallInvite)[0].env.CallID

	f.mgr.Deliver(invite("bobs-call", "bob", TypeAudio))

	snap, ok := f.mgr.Current()
	if !ok || snap.State != StateCalling || snap.CallID != ourCall {
		t.Fatalf("winner abandoned its call: %+v", snap)
	}
}

func TestGlareHigherIDYieldsToInvite(t *testing.T) {
	f := newFixture(t, "carol") // "carol" > "bob": remote attempt wins
	if err := f.mgr.StartCall(context.Background(), "bob", "", TypeAudio); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "invite sent", func() bool { return len(f.sig.byKind(KindCallInvite)) == 1 })
	ourMedia := f.lastMedia(t)

	f.mgr.Deliver(invite("bobs-call", "bob", TypeAudio))

	snap := f.waitState(t, StateRinging)
	if snap.CallID != "bobs-call" || snap.RemoteID != "bob" {
		t.Fatalf("loser did not adopt the invite: %+v", snap)
	}
	// The abandoned attempt must not leak its media, and no terminal
	// envelope goes out — both sides resolve the race silently.
	waitFor(t, "old media released", func() bool { return ourMedia.leaves() >= 1 })
	if n := len(f.sig.byKind(KindCallEnd)) + len(f.sig.byKind(KindCallReject)); n != 0 {
		t.Fatalf("glare resolution sent %d terminal envelopes", n)
	}
}

func TestBusyInviteFromThirdPartyIsAutoRejected(t *testing.T) {
	f := newFixture(t, "bob")
	f.mgr.Deliver(invite("c1", "alice", TypeAudio))
	f.waitState(t, StateRinging)

	f.mgr.Deliver(invite("c2", "mallory", TypeAudio))

	waitFor(t, "busy reject", func() bool { return len(f.sig.byKind(KindCallReject)) == 1 })
	got := f.sig.byKind(KindCallReject)[0]
	if got.peer != "mallory" || got.env.CallID != "c2" {
		t.Fatalf("bad busy reject: %+v to %s", got.env, got.peer)
	}
	snap, _ := f.mgr.Current()
	if snap.CallID != "c1" || snap.State != StateRinging {
		t.Fatalf("busy invite disturbed the ringing call: %+v", snap)
	}
}

func TestTokenFailureDuringAcceptEndsCall(t *testing.T) {
	f := newFixture(t, "bob")
	f.mgr.Deliver(invite("c1", "alice", TypeAudio))
	f.waitState(t, StateRinging)

	f.tokens.mu.Lock()
	f.tokens.err = errors.New("backend down")
	f.tokens.mu.Unlock()

	if err := f.mgr.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap := f.waitState(t, StateEnded)
	if snap.EndReason != ReasonSetupFailed {
		t.Fatalf("end reason %q", snap.EndReason)
	}
	waitFor(t, "call_end sent", func() bool { return len(f.sig.byKind(KindCallEnd)) == 1 })
}

func TestOutboundSetupFailureEndsCall(t *testing.T) {
	f := newFixture(t, "alice")
	f.tokens.err = errors.New("backend down")

	if err := f.mgr.StartCall(context.Background(), "bob", "", TypeAudio); err != nil {
		t.Fatal(err)
	}
	snap := f.waitState(t, StateEnded)
	if snap.EndReason != ReasonSetupFailed {
		t.Fatalf("end reason %q", snap.EndReason)
	}
	if n := len(f.sig.byKind(KindCallInvite)); n != 0 {
		t.Fatalf("invite sent despite setup failure")
	}
}

func TestUnsupportedCaptureDegradesToReceiveOnly(t *testing.T) {
	f := &fixture{sig: &stubSignaler{}, tokens: &stubTokens{}}
	factory := func() Media {
		m := &stubMedia{publishErr: ErrMediaUnsupported}
		f.mu.Lock()
		f.medias = append(f.medias, m)
		f.mu.Unlock()
		return m
	}
	f.mgr = NewManager(f.sig, f.tokens, factory, "alice", "", Options{
		RingTimeout: 150 * time.Millisecond,
		EndedGrace:  50 * time.Millisecond,
	})
	t.Cleanup(f.mgr.Close)

	if err := f.mgr.StartCall(context.Background(), "bob", "", TypeVideo); err != nil {
		t.Fatal(err)
	}
	// The call must proceed receive-only, not fail.
	waitFor(t, "invite sent", func() bool { return len(f.sig.byKind(KindCallInvite)) == 1 })
	f.mgr.Deliver(&Envelope{Kind: KindCallAccept, CallID: f.sig.byKind(KindCallInvite)[0].env.CallID, SenderID: "bob"})
	f.waitState(t, StateConnected)
}

func TestAcceptCarriesInviteCallID(t *testing.T) {
	f := newFixture(t, "bob")
	// The invite's media channel is distinct from its call id; the accept
	// must answer under the call id or the caller drops it as stale.
	f.mgr.Deliver(&Envelope{
		Kind:        KindCallInvite,
		CallID:      "c1",
		ChannelName: "room-7",
		CallType:    string(TypeAudio),
		SenderID:    "alice",
	})
	f.waitState(t, StateRinging)

	if err := f.mgr.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, StateConnected)

	waitFor(t, "accept sent", func() bool { return len(f.sig.byKind(KindCallAccept)) == 1 })
	acc := f.sig.byKind(KindCallAccept)[0]
	if acc.env.CallID != "c1" {
		t.Fatalf("accept carries call id %q, want c1", acc.env.CallID)
	}
	if ch := f.lastMedia(t).joinedChannel(); ch != "room-7" {
		t.Fatalf("media joined %q, want room-7", ch)
	}
}

func TestRandomInterleavingsKeepSingleSession(t *testing.T) {
	f := newFixture(t, "bob")
	ctx := context.Background()

	// A poller watches for snapshot corruption while workers hammer the
	// manager from every entry point.
	stopPoll := make(chan struct{})
	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		for {
			select {
			case <-stopPoll:
				return
			default:
			}
			if s, ok := f.mgr.Current(); ok {
				if s.CallID == "" || s.LocalID != "bob" {
					t.Errorf("corrupt snapshot: %+v", s)
					return
				}
				if s.State == StateIdle {
					t.Errorf("idle state exposed as an active session")
					return
				}
			}
			time.Sleep(50 * time.Microsecond)
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				switch rng.Intn(6) {
				case 0:
					_ = f.mgr.StartCall(ctx, "alice", "", TypeAudio)
				case 1:
					_ = f.mgr.Accept(ctx)
				case 2:
					_ = f.mgr.Reject()
				case 3:
					_ = f.mgr.End()
				case 4:
					f.mgr.Deliver(invite(fmt.Sprintf("c%d", rng.Intn(8)), "alice", TypeAudio))
				case 5:
					f.mgr.Deliver(&Envelope{
						Kind: KindCallEnd, CallID: fmt.Sprintf("c%d", rng.Intn(8)), SenderID: "alice",
					})
				}
			}
		}(int64(w + 1))
	}
	wg.Wait()
	close(stopPoll)
	<-pollDone

	// Settle: end whatever survived and wait for idle.
	if err := f.mgr.End(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "idle after storm", func() bool { _, ok := f.mgr.Current(); return !ok })

	// No media session leaks, whichever path retired it. (An end racing a
	// pending join may issue a second idempotent leave; never zero.)
	f.mu.Lock()
	medias := append([]*stubMedia(nil), f.medias...)
	f.mu.Unlock()
	waitFor(t, "all media released", func() bool {
		for _, med := range medias {
			if med.leaves() == 0 {
				return false
			}
		}
		return true
	})

	// The manager still works after the storm.
	if err := f.mgr.StartCall(ctx, "alice", "", TypeAudio); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, StateCalling)
}

func TestEndDuringPendingSetupStillReleasesMedia(t *testing.T) {
	f := newFixture(t, "alice")
	if err := f.mgr.StartCall(context.Background(), "bob", "", TypeAudio); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.End(); err != nil {
		t.Fatal(err)
	}
	med := f.lastMedia(t)
	waitFor(t, "media released", func() bool { return med.leaves() >= 1 })
}

func TestObserverSeesEveryTransition(t *testing.T) {
	f := newFixture(t, "bob")
	var mu sync.Mutex
	var states []State
	f.mgr.Observe(func(s Session) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	f.mgr.Deliver(invite("c1", "alice", TypeAudio))
	f.waitState(t, StateRinging)
	if err := f.mgr.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, StateConnected)
	if err := f.mgr.End(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "idle", func() bool { _, ok := f.mgr.Current(); return !ok })

	want := []State{StateRinging, StateConnected, StateEnded, StateIdle}
	mu.Lock()
	defer mu.Unlock()
	if len(states) != len(want) {
		t.Fatalf("observed %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("observed %v, want %v", states, want)
		}
	}
}
