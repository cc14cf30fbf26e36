package client

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mentorhub/realtime/internal/domain"
	"github.com/mentorhub/realtime/internal/protocol"
)

// SignalSender is the slice of the transport the mesh needs: fire an
// envelope, best effort.
type SignalSender interface {
	Send(*protocol.Envelope) bool
}

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type peerEventPayload struct {
	UserID string `json:"userId"`
}

// PeerManager keeps one negotiation context per remote participant of
// the current room: a full mesh, N participants means N-1 contexts on
// each side. The transport is used purely as a signaling relay.
type PeerManager struct {
	local     domain.UserID
	transport SignalSender
	factory   NegotiatorFactory

	mu      sync.Mutex
	room    domain.RoomID
	links   map[domain.UserID]*PeerLink
	sources map[string]LocalSource
}

// PeerLink is one context toward one remote user. Candidates that
// arrive before the remote description is set are queued and applied
// afterwards; early candidates are never dropped.
type PeerLink struct {
	remote domain.UserID
	neg    Negotiator

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	senders   map[string]*webrtc.RTPSender
}

func NewPeerManager(local domain.UserID, transport SignalSender, factory NegotiatorFactory) *PeerManager {
	return &PeerManager{
		local:     local,
		transport: transport,
		factory:   factory,
		links:     make(map[domain.UserID]*PeerLink),
		sources:   make(map[string]LocalSource),
	}
}

// JoinRoom announces the join; peers already in the room will offer to
// us, so discovery needs no further action here.
func (pm *PeerManager) JoinRoom(room domain.RoomID) bool {
	pm.mu.Lock()
	pm.room = room
	pm.mu.Unlock()
	return pm.transport.Send(&protocol.Envelope{
		Type:   protocol.KindJoinRoom,
		UserID: string(pm.local),
		RoomID: string(room),
	})
}

// LeaveRoom announces the leave and synchronously tears down every
// peer context.
func (pm *PeerManager) LeaveRoom() bool {
	pm.mu.Lock()
	room := pm.room
	pm.room = ""
	pm.mu.Unlock()
	if room == "" {
		return false
	}
	ok := pm.transport.Send(&protocol.Envelope{
		Type:   protocol.KindLeaveRoom,
		UserID: string(pm.local),
		RoomID: string(room),
	})
	pm.teardownAll()
	return ok
}

// StartCall signals call-start for the current room.
func (pm *PeerManager) StartCall() bool {
	pm.mu.Lock()
	room := pm.room
	pm.mu.Unlock()
	if room == "" {
		return false
	}
	return pm.transport.Send(protocol.NewSignal(protocol.SignalCallStart, pm.local, room, nil))
}

// EndCall signals call-end and synchronously tears down every context
// and releases media, without waiting for the server's echo.
func (pm *PeerManager) EndCall() bool {
	pm.mu.Lock()
	room := pm.room
	pm.room = ""
	pm.mu.Unlock()
	if room == "" {
		return false
	}
	ok := pm.transport.Send(protocol.NewSignal(protocol.SignalCallEnd, pm.local, room, nil))
	pm.teardownAll()
	return ok
}

// HandleEnvelope is the transport listener: it reacts to signaling
// envelopes and ignores everything else.
func (pm *PeerManager) HandleEnvelope(env *protocol.Envelope) {
	if env.Type != protocol.KindCallSignaling {
		return
	}
	from := domain.UserID(env.SenderID)
	if from == pm.local {
		return
	}
	switch env.SignalType {
	case protocol.SignalUserJoined:
		var p peerEventPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Warn().Err(err).Str("module", "client.peers").Msg("bad user-joined payload")
			return
		}
		pm.offerTo(domain.UserID(p.UserID))
	case protocol.SignalOffer:
		pm.onOffer(from, env.Payload)
	case protocol.SignalAnswer:
		pm.onAnswer(from, env.Payload)
	case protocol.SignalICECandidate:
		pm.onCandidate(from, env.Payload)
	case protocol.SignalUserLeft:
		var p peerEventPayload
		if err := json.Unmarshal(env.Payload, &p); err == nil && p.UserID != "" {
			pm.teardown(domain.UserID(p.UserID))
		} else {
			pm.teardown(from)
		}
	case protocol.SignalCallEnd:
		pm.teardownAll()
	case protocol.SignalCallStart:
		// Nothing to negotiate yet; contexts appear with user-joined.
	}
}

// offerTo creates the context for a newly discovered peer, attaches
// the current local sources and sends the offer.
func (pm *PeerManager) offerTo(remote domain.UserID) {
	if remote == "" || remote == pm.local {
		return
	}
	link, created, err := pm.ensureLink(remote)
	if err != nil {
		log.Error().Err(err).Str("module", "client.peers").Str("remote", string(remote)).Msg("context create failed")
		return
	}
	if !created {
		return
	}
	offer, err := link.neg.CreateOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "client.peers").Str("remote", string(remote)).Msg("offer failed")
		pm.teardown(remote)
		return
	}
	pm.sendSDP(protocol.SignalOffer, remote, offer)
}

func (pm *PeerManager) onOffer(from domain.UserID, payload json.RawMessage) {
	var p sdpPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "client.peers").Msg("bad offer payload")
		return
	}
	link, _, err := pm.ensureLink(from)
	if err != nil {
		log.Error().Err(err).Str("module", "client.peers").Str("remote", string(from)).Msg("context create failed")
		return
	}
	answer, err := link.applyOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP})
	if err != nil {
		log.Error().Err(err).Str("module", "client.peers").Str("remote", string(from)).Msg("apply offer failed")
		pm.teardown(from)
		return
	}
	pm.sendSDP(protocol.SignalAnswer, from, answer)
}

func (pm *PeerManager) onAnswer(from domain.UserID, payload json.RawMessage) {
	var p sdpPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "client.peers").Msg("bad answer payload")
		return
	}
	link, ok := pm.link(from)
	if !ok {
		log.Warn().Str("module", "client.peers").Str("remote", string(from)).Msg("answer for unknown peer")
		return
	}
	if err := link.applyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
		log.Error().Err(err).Str("module", "client.peers").Str("remote", string(from)).Msg("apply answer failed")
		pm.teardown(from)
	}
}

func (pm *PeerManager) onCandidate(from domain.UserID, payload json.RawMessage) {
	var p candidatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		log.Warn().Err(err).Str("module", "client.peers").Msg("bad candidate payload")
		return
	}
	// A candidate may race ahead of the offer; make sure the context
	// exists so it can be queued rather than dropped.
	link, _, err := pm.ensureLink(from)
	if err != nil {
		log.Error().Err(err).Str("module", "client.peers").Str("remote", string(from)).Msg("context create failed")
		return
	}
	ci := webrtc.ICECandidateInit{Candidate: p.Candidate, SDPMid: p.SDPMid, SDPMLineIndex: p.SDPMLineIndex}
	if err := link.addCandidate(ci); err != nil {
		log.Error().Err(err).Str("module", "client.peers").Str("remote", string(from)).Msg("candidate failed")
	}
}

// ensureLink returns the existing context or builds one with all
// current local sources attached and candidate relaying wired up.
func (pm *PeerManager) ensureLink(remote domain.UserID) (*PeerLink, bool, error) {
	pm.mu.Lock()
	if link, ok := pm.links[remote]; ok {
		pm.mu.Unlock()
		return link, false, nil
	}
	room := pm.room
	sources := make([]LocalSource, 0, len(pm.sources))
	for _, src := range pm.sources {
		sources = append(sources, src)
	}
	pm.mu.Unlock()

	neg, err := pm.factory(remote)
	if err != nil {
		return nil, false, err
	}
	link := &PeerLink{remote: remote, neg: neg, senders: make(map[string]*webrtc.RTPSender)}

	neg.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		pm.sendCandidate(remote, room, ci)
	})
	for _, src := range sources {
		if err := link.attach(src); err != nil {
			log.Warn().Err(err).Str("module", "client.peers").Str("remote", string(remote)).Str("source", src.Name()).Msg("attach failed")
		}
	}

	pm.mu.Lock()
	if existing, ok := pm.links[remote]; ok {
		// Lost the race; keep the winner.
		pm.mu.Unlock()
		neg.Close()
		return existing, false, nil
	}
	pm.links[remote] = link
	pm.mu.Unlock()
	log.Info().Str("module", "client.peers").Str("remote", string(remote)).Msg("peer context created")
	return link, true, nil
}

func (pm *PeerManager) link(remote domain.UserID) (*PeerLink, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	link, ok := pm.links[remote]
	return link, ok
}

// teardown closes exactly one peer context; the rest of the mesh is
// untouched.
func (pm *PeerManager) teardown(remote domain.UserID) {
	pm.mu.Lock()
	link, ok := pm.links[remote]
	delete(pm.links, remote)
	pm.mu.Unlock()
	if !ok {
		return
	}
	link.neg.Close()
	log.Info().Str("module", "client.peers").Str("remote", string(remote)).Msg("peer context closed")
}

// teardownAll closes every context and releases every local source.
// Partial teardown is a bug, so the link set is detached atomically.
func (pm *PeerManager) teardownAll() {
	pm.mu.Lock()
	links := pm.links
	pm.links = make(map[domain.UserID]*PeerLink)
	sources := pm.sources
	pm.sources = make(map[string]LocalSource)
	pm.mu.Unlock()

	for _, link := range links {
		link.neg.Close()
	}
	for _, src := range sources {
		src.Close()
	}
	if len(links) > 0 || len(sources) > 0 {
		log.Info().Str("module", "client.peers").Int("links", len(links)).Int("sources", len(sources)).Msg("mesh torn down")
	}
}

// Peers lists the remote users with an active context.
func (pm *PeerManager) Peers() []domain.UserID {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]domain.UserID, 0, len(pm.links))
	for uid := range pm.links {
		out = append(out, uid)
	}
	return out
}

// EnableSource adds a local feed and attaches it to every existing
// context. Enabling an already-active source name is a no-op. Screen
// capture gets a track-ended hook that reverts the toggle when the OS
// stops the share.
func (pm *PeerManager) EnableSource(src LocalSource) {
	pm.mu.Lock()
	if _, active := pm.sources[src.Name()]; active {
		pm.mu.Unlock()
		return
	}
	pm.sources[src.Name()] = src
	links := make([]*PeerLink, 0, len(pm.links))
	for _, link := range pm.links {
		links = append(links, link)
	}
	pm.mu.Unlock()

	if src.Name() == SourceScreen {
		src.OnEnded(func() { pm.DisableSource(SourceScreen) })
	}
	for _, link := range links {
		if err := link.attach(src); err != nil {
			log.Warn().Err(err).Str("module", "client.peers").Str("remote", string(link.remote)).Str("source", src.Name()).Msg("attach failed")
		}
	}
	log.Info().Str("module", "client.peers").Str("source", src.Name()).Msg("source enabled")
}

// DisableSource detaches the named feed from every context and closes
// it. Disabling a source that is not active is a no-op, so the toggle
// is symmetric.
func (pm *PeerManager) DisableSource(name string) {
	pm.mu.Lock()
	src, active := pm.sources[name]
	delete(pm.sources, name)
	links := make([]*PeerLink, 0, len(pm.links))
	for _, link := range pm.links {
		links = append(links, link)
	}
	pm.mu.Unlock()
	if !active {
		return
	}

	for _, link := range links {
		link.detach(name)
	}
	src.Close()
	log.Info().Str("module", "client.peers").Str("source", name).Msg("source disabled")
}

func (pm *PeerManager) sendSDP(st protocol.SignalType, to domain.UserID, sd webrtc.SessionDescription) {
	pm.mu.Lock()
	room := pm.room
	pm.mu.Unlock()
	payload, _ := json.Marshal(sdpPayload{Type: sd.Type.String(), SDP: sd.SDP})
	env := protocol.NewSignal(st, pm.local, room, payload)
	env.ReceiverID = string(to)
	pm.transport.Send(env)
}

func (pm *PeerManager) sendCandidate(to domain.UserID, room domain.RoomID, ci webrtc.ICECandidateInit) {
	payload, _ := json.Marshal(candidatePayload{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	})
	env := protocol.NewSignal(protocol.SignalICECandidate, pm.local, room, payload)
	env.ReceiverID = string(to)
	pm.transport.Send(env)
}

func (l *PeerLink) applyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	answer, err := l.neg.ApplyOffer(offer)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	l.remoteSet = true
	l.flushPendingLocked()
	return answer, nil
}

func (l *PeerLink) applyAnswer(answer webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.neg.ApplyAnswer(answer); err != nil {
		return err
	}
	l.remoteSet = true
	l.flushPendingLocked()
	return nil
}

// addCandidate applies immediately once the remote description is set,
// otherwise queues.
func (l *PeerLink) addCandidate(ci webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.remoteSet {
		l.pending = append(l.pending, ci)
		return nil
	}
	return l.neg.AddICECandidate(ci)
}

func (l *PeerLink) flushPendingLocked() {
	for _, ci := range l.pending {
		if err := l.neg.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "client.peers").Str("remote", string(l.remote)).Msg("queued candidate failed")
		}
	}
	l.pending = nil
}

func (l *PeerLink) attach(src LocalSource) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.senders[src.Name()]; ok {
		return nil
	}
	sender, err := l.neg.AddTrack(src.Track())
	if err != nil {
		return err
	}
	l.senders[src.Name()] = sender
	return nil
}

func (l *PeerLink) detach(name string) {
	l.mu.Lock()
	sender, ok := l.senders[name]
	delete(l.senders, name)
	l.mu.Unlock()
	if !ok {
		return
	}
	if err := l.neg.RemoveTrack(sender); err != nil {
		log.Warn().Err(err).Str("module", "client.peers").Str("remote", string(l.remote)).Str("source", name).Msg("detach failed")
	}
}
