package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/mentorhub/realtime/internal/domain"
	"github.com/mentorhub/realtime/internal/protocol"
)

type fakeNegotiator struct {
	remote domain.UserID

	mu         sync.Mutex
	offers     int
	answers    int
	candidates []webrtc.ICECandidateInit
	added      int
	removed    int
	closed     bool

	failApplyOffer bool
}

func (f *fakeNegotiator) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakeNegotiator) ApplyOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failApplyOffer {
		return webrtc.SessionDescription{}, errors.New("sdp parse error")
	}
	f.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeNegotiator) ApplyAnswer(webrtc.SessionDescription) error { return nil }

func (f *fakeNegotiator) AddICECandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, ci)
	return nil
}

func (f *fakeNegotiator) OnICECandidate(func(webrtc.ICECandidateInit)) {}

func (f *fakeNegotiator) AddTrack(*webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added++
	return &webrtc.RTPSender{}, nil
}

func (f *fakeNegotiator) RemoveTrack(*webrtc.RTPSender) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed++
	return nil
}

func (f *fakeNegotiator) OnRemoteTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakeNegotiator) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

type fakeFactory struct {
	mu   sync.Mutex
	made map[domain.UserID]*fakeNegotiator
	fail map[domain.UserID]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{made: make(map[domain.UserID]*fakeNegotiator), fail: make(map[domain.UserID]bool)}
}

func (ff *fakeFactory) factory(remote domain.UserID) (Negotiator, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	n := &fakeNegotiator{remote: remote, failApplyOffer: ff.fail[remote]}
	ff.made[remote] = n
	return n, nil
}

type fakeSignals struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
	open bool
}

func (fs *fakeSignals) Send(env *protocol.Envelope) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.sent = append(fs.sent, env)
	return fs.open
}

func (fs *fakeSignals) bySignal(st protocol.SignalType) []*protocol.Envelope {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []*protocol.Envelope
	for _, e := range fs.sent {
		if e.Type == protocol.KindCallSignaling && e.SignalType == st {
			out = append(out, e)
		}
	}
	return out
}

func newTestMesh() (*PeerManager, *fakeFactory, *fakeSignals) {
	ff := newFakeFactory()
	fs := &fakeSignals{open: true}
	pm := NewPeerManager("me", fs, ff.factory)
	pm.JoinRoom("r1")
	return pm, ff, fs
}

func userJoined(uid string) *protocol.Envelope {
	payload, _ := json.Marshal(peerEventPayload{UserID: uid})
	return protocol.NewSignal(protocol.SignalUserJoined, domain.UserID(uid), "r1", payload)
}

func userLeft(uid string) *protocol.Envelope {
	payload, _ := json.Marshal(peerEventPayload{UserID: uid})
	return protocol.NewSignal(protocol.SignalUserLeft, domain.UserID(uid), "r1", payload)
}

func offerFrom(uid string) *protocol.Envelope {
	payload, _ := json.Marshal(sdpPayload{Type: "offer", SDP: "v=0"})
	env := protocol.NewSignal(protocol.SignalOffer, domain.UserID(uid), "r1", payload)
	env.ReceiverID = "me"
	return env
}

func candidateFrom(uid, cand string) *protocol.Envelope {
	payload, _ := json.Marshal(candidatePayload{Candidate: cand})
	env := protocol.NewSignal(protocol.SignalICECandidate, domain.UserID(uid), "r1", payload)
	env.ReceiverID = "me"
	return env
}

func TestMeshKeepsOneContextPerPeer(t *testing.T) {
	pm, ff, fs := newTestMesh()

	// Two peers join after us, one was already there and offers to us.
	pm.HandleEnvelope(userJoined("u2"))
	pm.HandleEnvelope(userJoined("u3"))
	pm.HandleEnvelope(offerFrom("u4"))

	if n := len(pm.Peers()); n != 3 {
		t.Fatalf("N=4 participants: want 3 contexts, got %d", n)
	}
	if got := len(fs.bySignal(protocol.SignalOffer)); got != 2 {
		t.Fatalf("want offers to the 2 discovered joiners, got %d", got)
	}
	if got := len(fs.bySignal(protocol.SignalAnswer)); got != 1 {
		t.Fatalf("want 1 answer to the offering peer, got %d", got)
	}
	if ff.made["u4"].answers != 1 {
		t.Fatal("offer from existing peer must be applied")
	}
}

func TestDuplicateDiscoveryDoesNotReoffer(t *testing.T) {
	pm, ff, fs := newTestMesh()
	pm.HandleEnvelope(userJoined("u2"))
	pm.HandleEnvelope(userJoined("u2"))
	if n := len(pm.Peers()); n != 1 {
		t.Fatalf("want 1 context, got %d", n)
	}
	if ff.made["u2"].offers != 1 {
		t.Fatalf("want a single offer, got %d", ff.made["u2"].offers)
	}
	if got := len(fs.bySignal(protocol.SignalOffer)); got != 1 {
		t.Fatalf("duplicate discovery must not resend offers, got %d", got)
	}
}

func TestOwnEventsIgnored(t *testing.T) {
	pm, _, _ := newTestMesh()
	pm.HandleEnvelope(userJoined("me"))
	if n := len(pm.Peers()); n != 0 {
		t.Fatal("must not build a context toward ourselves")
	}
}

func TestEarlyCandidatesQueuedUntilRemoteDescription(t *testing.T) {
	pm, ff, _ := newTestMesh()

	// Candidates race ahead of the offer; they must be held, not dropped.
	pm.HandleEnvelope(candidateFrom("u2", "cand-1"))
	pm.HandleEnvelope(candidateFrom("u2", "cand-2"))

	neg := ff.made["u2"]
	neg.mu.Lock()
	applied := len(neg.candidates)
	neg.mu.Unlock()
	if applied != 0 {
		t.Fatalf("candidates applied before remote description: %d", applied)
	}

	pm.HandleEnvelope(offerFrom("u2"))

	neg.mu.Lock()
	applied = len(neg.candidates)
	neg.mu.Unlock()
	if applied != 2 {
		t.Fatalf("queued candidates must be flushed after the offer, got %d", applied)
	}

	// Late candidates apply directly now.
	pm.HandleEnvelope(candidateFrom("u2", "cand-3"))
	neg.mu.Lock()
	applied = len(neg.candidates)
	neg.mu.Unlock()
	if applied != 3 {
		t.Fatalf("late candidate must apply immediately, got %d", applied)
	}
}

func TestPeerDepartureTearsDownOnlyThatContext(t *testing.T) {
	pm, ff, _ := newTestMesh()
	pm.HandleEnvelope(userJoined("u2"))
	pm.HandleEnvelope(userJoined("u3"))

	pm.HandleEnvelope(userLeft("u2"))

	if !ff.made["u2"].closed {
		t.Fatal("departed peer's context must be closed")
	}
	if ff.made["u3"].closed {
		t.Fatal("other contexts must be untouched")
	}
	if n := len(pm.Peers()); n != 1 {
		t.Fatalf("want 1 remaining context, got %d", n)
	}
}

func TestCallEndTearsDownEverything(t *testing.T) {
	pm, ff, _ := newTestMesh()
	pm.HandleEnvelope(userJoined("u2"))
	pm.HandleEnvelope(userJoined("u3"))

	track := newTestTrack(t, "cam")
	pm.EnableSource(NewStaticSource(SourceCamera, track))

	pm.HandleEnvelope(protocol.NewSignal(protocol.SignalCallEnd, "u2", "r1", nil))

	for uid, neg := range ff.made {
		if !neg.closed {
			t.Fatalf("context %s leaked after call-end", uid)
		}
	}
	if n := len(pm.Peers()); n != 0 {
		t.Fatalf("want no contexts after call-end, got %d", n)
	}
}

func TestNegotiationFailureAffectsSinglePeer(t *testing.T) {
	pm, ff, _ := newTestMesh()
	pm.HandleEnvelope(userJoined("u3"))
	ff.mu.Lock()
	ff.fail["u2"] = true
	ff.mu.Unlock()

	pm.HandleEnvelope(offerFrom("u2"))

	if _, ok := pm.link("u2"); ok {
		t.Fatal("failed context must be torn down")
	}
	if _, ok := pm.link("u3"); !ok {
		t.Fatal("healthy context must survive a sibling's failure")
	}

	// Rediscovery retries the failed peer with a fresh context.
	ff.mu.Lock()
	ff.fail["u2"] = false
	ff.mu.Unlock()
	pm.HandleEnvelope(userJoined("u2"))
	if _, ok := pm.link("u2"); !ok {
		t.Fatal("peer must be retryable after rediscovery")
	}
}

func newTestTrack(t *testing.T, id string) *webrtc.TrackLocalStaticRTP {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, fmt.Sprintf("stream-%s", id))
	if err != nil {
		t.Fatal(err)
	}
	return track
}

func TestSourceTogglePropagatesToAllContexts(t *testing.T) {
	pm, ff, _ := newTestMesh()
	pm.HandleEnvelope(userJoined("u2"))
	pm.HandleEnvelope(userJoined("u3"))

	cam := NewStaticSource(SourceCamera, newTestTrack(t, "cam"))
	pm.EnableSource(cam)
	pm.EnableSource(cam) // idempotent

	for uid, neg := range ff.made {
		if neg.added != 1 {
			t.Fatalf("context %s: want 1 track attach, got %d", uid, neg.added)
		}
	}

	pm.DisableSource(SourceCamera)
	pm.DisableSource(SourceCamera) // symmetric, no stale state

	for uid, neg := range ff.made {
		if neg.removed != 1 {
			t.Fatalf("context %s: want 1 track detach, got %d", uid, neg.removed)
		}
	}
}

func TestNewContextGetsExistingSources(t *testing.T) {
	pm, ff, _ := newTestMesh()
	pm.EnableSource(NewStaticSource(SourceCamera, newTestTrack(t, "cam")))
	pm.EnableSource(NewStaticSource(SourceMicrophone, newTestTrack(t, "mic")))

	pm.HandleEnvelope(userJoined("u2"))
	if got := ff.made["u2"].added; got != 2 {
		t.Fatalf("late joiner must get both active tracks, got %d", got)
	}
}

func TestScreenShareAutoRevertsOnTrackEnded(t *testing.T) {
	pm, ff, _ := newTestMesh()
	pm.HandleEnvelope(userJoined("u2"))

	screen := NewStaticSource(SourceScreen, newTestTrack(t, "screen"))
	pm.EnableSource(screen)
	if got := ff.made["u2"].added; got != 1 {
		t.Fatalf("screen track must attach, got %d", got)
	}

	// OS-level "stop sharing": the toggle reverts itself.
	screen.End()
	if got := ff.made["u2"].removed; got != 1 {
		t.Fatalf("ended share must detach from contexts, got %d", got)
	}

	// Stopping again with no active share leaves no stale state.
	pm.DisableSource(SourceScreen)
	if got := ff.made["u2"].removed; got != 1 {
		t.Fatalf("stop without active share must be a no-op, got %d", got)
	}
}
