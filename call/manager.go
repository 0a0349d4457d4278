package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meridian-im/meridian-core/signaling"
)

// State is the local call state.
type State string

const (
	StateIdle      State = "idle"
	StateOutgoing  State = "outgoing"
	StateIncoming  State = "incoming"
	StateConnected State = "connected"
)

// Role is fixed when the session is created and never re-derived.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Kind selects the call mode.
type Kind string

const (
	KindAudio      Kind = "audio"
	KindVideo      Kind = "video"
	KindPushToTalk Kind = "push-to-talk"
)

// Call document statuses. Status is authoritative once connected.
const (
	statusOffering  = "offering"
	statusConnected = "connected"
	statusEnded     = "ended"
	statusRejected  = "rejected"
	statusMissed    = "missed"
)

const (
	collCalls      = "calls"
	collCandidates = "call_candidates"
)

var (
	// ErrBusy indicates a non-idle session already exists locally.
	ErrBusy = errors.New("a call is already active")

	// ErrUntrustedPeer indicates a push-to-talk session was attempted with
	// a peer outside the trusted set.
	ErrUntrustedPeer = errors.New("peer is not trusted for push-to-talk")

	// ErrNoCall indicates the operation needs an active session.
	ErrNoCall = errors.New("no active call")
)

// Info is a snapshot of the active session for callbacks and queries.
type Info struct {
	ID     string
	PeerID string
	Role   Role
	Kind   Kind
	State  State
}

// activeCall is the single non-idle session. All fields are guarded by the
// manager mutex.
type activeCall struct {
	id     string
	peerID string
	role   Role
	kind   Kind
	state  State

	track   Track // microphone
	video   Track // camera, video calls only
	session Session

	docCancel   signaling.CancelFunc
	candCancel  signaling.CancelFunc
	ringTimer   *time.Timer
	connectedAt time.Time

	lastOffer     string
	lastAnswer    string
	answerApplied bool
	restarted     bool
	remoteSet     bool
	pendingCands  []string

	pttLock   bool
	receiving bool
}

// Options tunes the manager.
type Options struct {
	RingTimeout        time.Duration
	AmplitudeThreshold float64
}

// Manager runs the call signaling state machine for one local peer. At
// most one session is non-idle at a time.
type Manager struct {
	userID    string
	docs      signaling.DocStore
	media     MediaProvider
	ringAfter time.Duration
	threshold float64

	mu             sync.Mutex
	current        *activeCall
	trusted        map[string]bool
	incomingCancel signaling.CancelFunc

	onIncoming  func(Info)
	onState     func(Info)
	onMissed    func(Info)
	onReceiving func(bool)
}

// NewManager builds a manager for userID's session.
func NewManager(userID string, docs signaling.DocStore, media MediaProvider, opts Options) *Manager {
	ringAfter := opts.RingTimeout
	if ringAfter <= 0 {
		ringAfter = 45 * time.Second
	}
	threshold := opts.AmplitudeThreshold
	if threshold <= 0 {
		threshold = 0.1
	}
	return &Manager{
		userID:    userID,
		docs:      docs,
		media:     media,
		ringAfter: ringAfter,
		threshold: threshold,
		trusted:   make(map[string]bool),
	}
}

// OnIncoming registers the incoming-call surface callback.
func (m *Manager) OnIncoming(fn func(Info)) { m.mu.Lock(); m.onIncoming = fn; m.mu.Unlock() }

// OnStateChange registers the state transition callback.
func (m *Manager) OnStateChange(fn func(Info)) { m.mu.Lock(); m.onState = fn; m.mu.Unlock() }

// OnMissedCall registers the missed-call notification callback.
func (m *Manager) OnMissedCall(fn func(Info)) { m.mu.Lock(); m.onMissed = fn; m.mu.Unlock() }

// Start observes call documents addressed to this peer.
func (m *Manager) Start(ctx context.Context) error {
	cancel, err := m.docs.Subscribe(collCalls, signaling.Query{
		Filters: []signaling.Filter{
			{Field: "callee_id", Op: signaling.OpEqual, Value: m.userID},
		},
	}, m.handleCalleeBatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to calls: %w", err)
	}
	m.mu.Lock()
	m.incomingCancel = cancel
	m.mu.Unlock()
	return nil
}

// Close tears down the active session and the incoming feed.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.incomingCancel
	m.incomingCancel = nil
	c := m.current
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c != nil {
		m.cleanup(c, false)
	}
}

// Current returns a snapshot of the active session, or idle.
func (m *Manager) Current() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Info{State: StateIdle}
	}
	return m.current.info()
}

func (c *activeCall) info() Info {
	return Info{ID: c.id, PeerID: c.peerID, Role: c.role, Kind: c.kind, State: c.state}
}

// ===============================
// Outgoing
// ===============================

// StartCall acquires media, writes the offering document and rings peerID.
// Push-to-talk requires the peer to be trusted. Media failure aborts the
// transition and the manager stays idle.
func (m *Manager) StartCall(ctx context.Context, peerID string, kind Kind) (Info, error) {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return Info{}, ErrBusy
	}
	if kind == KindPushToTalk && !m.trusted[peerID] {
		m.mu.Unlock()
		return Info{}, ErrUntrustedPeer
	}
	c := &activeCall{
		id:     uuid.New().String(),
		peerID: peerID,
		role:   RoleCaller,
		kind:   kind,
		state:  StateOutgoing,
	}
	m.current = c
	m.mu.Unlock()

	if err := m.setupMedia(ctx, c); err != nil {
		m.cleanup(c, false)
		return Info{}, err
	}

	offer, err := c.session.CreateOffer(ctx, false)
	if err != nil {
		m.cleanup(c, false)
		return Info{}, fmt.Errorf("failed to create offer: %w", err)
	}

	m.mu.Lock()
	c.lastOffer = offer
	m.mu.Unlock()

	doc := signaling.Document{
		"caller_id":  m.userID,
		"callee_id":  peerID,
		"kind":       string(kind),
		"status":     statusOffering,
		"offer":      offer,
		"created_at": time.Now().UnixNano(),
	}
	if err := m.docs.Set(ctx, collCalls, c.id, doc); err != nil {
		m.cleanup(c, false)
		return Info{}, fmt.Errorf("failed to write call document: %w", err)
	}

	if err := m.attach(c); err != nil {
		m.endWithStatus(context.Background(), c, statusEnded)
		return Info{}, err
	}

	m.mu.Lock()
	if m.current != c {
		// Terminated while attaching, e.g. an immediate busy rejection.
		m.mu.Unlock()
		return Info{State: StateIdle}, nil
	}
	// Unanswered calls ring for a bounded window, then the caller cancels
	// down the missed-call path.
	c.ringTimer = time.AfterFunc(m.ringAfter, func() { m.ringTimeout(c) })
	info := c.info()
	m.mu.Unlock()

	log.Info().Str("call_id", c.id).Str("callee", peerID).Str("kind", string(kind)).Msg("Call initiated")
	m.notifyState(info)
	return info, nil
}

func (m *Manager) ringTimeout(c *activeCall) {
	m.mu.Lock()
	if m.current != c || c.state != StateOutgoing {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	log.Info().Str("call_id", c.id).Msg("Call unanswered, cancelling")
	m.endWithStatus(context.Background(), c, statusMissed)
}

// setupMedia acquires the capture tracks and builds the peer session.
// Video calls open the camera alongside the microphone.
func (m *Manager) setupMedia(ctx context.Context, c *activeCall) error {
	track, err := m.media.AcquireAudio(ctx)
	if err != nil {
		err = asMediaError(err)
		log.Warn().Err(err).Str("call_id", c.id).Msg("Audio acquisition failed")
		return err
	}
	tracks := []Track{track}

	var video Track
	if c.kind == KindVideo {
		video, err = m.media.AcquireVideo(ctx)
		if err != nil {
			track.Stop()
			err = asMediaError(err)
			log.Warn().Err(err).Str("call_id", c.id).Msg("Camera acquisition failed")
			return err
		}
		tracks = append(tracks, video)
	}

	session, err := m.media.NewSession(ctx, tracks...)
	if err != nil {
		track.Stop()
		if video != nil {
			video.Stop()
		}
		return fmt.Errorf("failed to create media session: %w", err)
	}
	session.OnConnectionStateChange(func(st ConnState) { m.handleConnState(c, st) })

	m.mu.Lock()
	c.track = track
	c.video = video
	c.session = session
	// Push-to-talk starts muted; the floor opens on press.
	if c.kind == KindPushToTalk {
		track.SetEnabled(false)
	}
	m.mu.Unlock()
	return nil
}

// asMediaError guarantees media failures leave setup classified.
func asMediaError(err error) error {
	var merr *MediaError
	if errors.As(err, &merr) {
		return err
	}
	return &MediaError{Cause: MediaConstraints, Err: err}
}

// attach subscribes to the call document and to the opposite role's
// candidates.
func (m *Manager) attach(c *activeCall) error {
	docCancel, err := m.docs.SubscribeDoc(collCalls, c.id, func(ch signaling.Change) {
		m.handleDocChange(c, ch)
	})
	if err != nil {
		return fmt.Errorf("failed to watch call document: %w", err)
	}

	candCancel, err := m.docs.Subscribe(collCandidates, signaling.Query{
		Filters: []signaling.Filter{
			{Field: "call_id", Op: signaling.OpEqual, Value: c.id},
		},
	}, func(batch []signaling.Change) {
		m.handleCandidates(c, batch)
	})
	if err != nil {
		docCancel()
		return fmt.Errorf("failed to watch candidates: %w", err)
	}

	m.mu.Lock()
	c.docCancel = docCancel
	c.candCancel = candCancel
	m.mu.Unlock()
	return nil
}

// ===============================
// Incoming
// ===============================

// handleCalleeBatch surfaces offering documents addressed to this peer.
func (m *Manager) handleCalleeBatch(batch []signaling.Change) {
	for _, ch := range batch {
		if ch.Pending || ch.Type == signaling.ChangeRemoved {
			continue
		}
		if asStr(ch.Doc["status"]) != statusOffering {
			continue
		}
		m.handleOffering(ch.ID, ch.Doc)
	}
}

func (m *Manager) handleOffering(callID string, doc signaling.Document) {
	callerID := asStr(doc["caller_id"])
	kind := Kind(asStr(doc["kind"]))

	m.mu.Lock()
	if m.current != nil {
		if m.current.id == callID {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		// Second session would violate the single-call invariant.
		log.Info().Str("call_id", callID).Str("caller", callerID).Msg("Busy, rejecting call")
		if err := m.docs.Update(context.Background(), collCalls, callID, signaling.Document{
			"status": statusRejected,
			"reason": "busy",
		}); err != nil {
			log.Warn().Err(err).Str("call_id", callID).Msg("Failed to reject while busy")
		}
		return
	}
	if kind == KindPushToTalk && !m.trusted[callerID] {
		m.mu.Unlock()
		log.Info().Str("call_id", callID).Str("caller", callerID).Msg("Untrusted push-to-talk rejected")
		if err := m.docs.Update(context.Background(), collCalls, callID, signaling.Document{
			"status": statusRejected,
			"reason": "untrusted",
		}); err != nil {
			log.Warn().Err(err).Str("call_id", callID).Msg("Failed to reject untrusted call")
		}
		return
	}

	c := &activeCall{
		id:        callID,
		peerID:    callerID,
		role:      RoleCallee,
		kind:      kind,
		state:     StateIncoming,
		lastOffer: asStr(doc["offer"]),
	}
	m.current = c
	m.mu.Unlock()

	if err := m.attach(c); err != nil {
		log.Warn().Err(err).Str("call_id", callID).Msg("Failed to attach to incoming call")
		m.mu.Lock()
		if m.current == c {
			m.current = nil
		}
		m.mu.Unlock()
		return
	}

	log.Info().Str("call_id", callID).Str("caller", callerID).Msg("Incoming call")
	m.mu.Lock()
	fn := m.onIncoming
	info := c.info()
	m.mu.Unlock()
	if fn != nil {
		fn(info)
	}
	m.notifyState(info)
}

// Accept answers the ringing call: acquire media, apply the offer, write
// answer + connected. Media failure rejects the call and returns to idle.
func (m *Manager) Accept(ctx context.Context) (Info, error) {
	m.mu.Lock()
	c := m.current
	if c == nil || c.state != StateIncoming {
		m.mu.Unlock()
		return Info{}, ErrNoCall
	}
	offer := c.lastOffer
	m.mu.Unlock()

	if offer == "" {
		doc, err := m.docs.Get(ctx, collCalls, c.id)
		if err != nil {
			m.endWithStatus(ctx, c, statusRejected)
			return Info{}, fmt.Errorf("failed to fetch offer: %w", err)
		}
		offer = asStr(doc["offer"])
	}

	if err := m.setupMedia(ctx, c); err != nil {
		m.endWithStatus(ctx, c, statusRejected)
		return Info{}, err
	}
	if err := c.session.SetRemoteDescription(ctx, "offer", offer); err != nil {
		m.endWithStatus(ctx, c, statusRejected)
		return Info{}, fmt.Errorf("failed to apply offer: %w", err)
	}
	answer, err := c.session.CreateAnswer(ctx)
	if err != nil {
		m.endWithStatus(ctx, c, statusRejected)
		return Info{}, fmt.Errorf("failed to create answer: %w", err)
	}

	now := time.Now()
	if err := m.docs.Update(ctx, collCalls, c.id, signaling.Document{
		"answer":       answer,
		"status":       statusConnected,
		"connected_at": now.UnixNano(),
	}); err != nil {
		m.endWithStatus(ctx, c, statusEnded)
		return Info{}, fmt.Errorf("failed to write answer: %w", err)
	}

	m.mu.Lock()
	c.state = StateConnected
	c.connectedAt = now
	c.remoteSet = true
	pending := c.pendingCands
	c.pendingCands = nil
	info := c.info()
	m.mu.Unlock()

	m.applyCandidates(c, pending)
	log.Info().Str("call_id", c.id).Msg("Call accepted")
	m.notifyState(info)
	return info, nil
}

// Reject declines the ringing call.
func (m *Manager) Reject(ctx context.Context) error {
	m.mu.Lock()
	c := m.current
	if c == nil || c.state != StateIncoming {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.mu.Unlock()
	log.Info().Str("call_id", c.id).Msg("Call rejected")
	m.endWithStatus(ctx, c, statusRejected)
	return nil
}

// End terminates the active session. A connected call ends normally; an
// outgoing call that never connected is cancelled down the missed-call
// path so the callee gets a missed-call notification instead of a generic
// end.
func (m *Manager) End(ctx context.Context) error {
	m.mu.Lock()
	c := m.current
	if c == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	state := c.state
	m.mu.Unlock()

	status := statusEnded
	switch state {
	case StateOutgoing:
		status = statusMissed
	case StateIncoming:
		status = statusRejected
	}
	log.Info().Str("call_id", c.id).Str("status", status).Msg("Call ended")
	m.endWithStatus(ctx, c, status)
	return nil
}

// endWithStatus writes the terminal status and tears the session down. The
// measured duration is recorded for calls that reached connected; a call
// that never connected carries none.
func (m *Manager) endWithStatus(ctx context.Context, c *activeCall, status string) {
	m.mu.Lock()
	connectedAt := c.connectedAt
	m.mu.Unlock()

	doc := signaling.Document{
		"status":   status,
		"ended_at": time.Now().UnixNano(),
	}
	if !connectedAt.IsZero() {
		doc["duration_ms"] = time.Since(connectedAt).Milliseconds()
	}
	if err := m.docs.Update(ctx, collCalls, c.id, doc); err != nil {
		log.Warn().Err(err).Str("call_id", c.id).Msg("Failed to write terminal status")
	}
	m.cleanup(c, false)
}

// cleanup stops the track, closes the session and returns to idle. Tracks
// are stopped on every exit path, never merely disabled.
func (m *Manager) cleanup(c *activeCall, missed bool) {
	m.mu.Lock()
	if m.current == c {
		m.current = nil
	}
	docCancel, candCancel := c.docCancel, c.candCancel
	c.docCancel, c.candCancel = nil, nil
	track, video, session := c.track, c.video, c.session
	c.track, c.video, c.session = nil, nil, nil
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
	missedFn := m.onMissed
	info := c.info()
	c.state = StateIdle
	m.mu.Unlock()

	if docCancel != nil {
		docCancel()
	}
	if candCancel != nil {
		candCancel()
	}
	if track != nil {
		track.Stop()
	}
	if video != nil {
		video.Stop()
	}
	if session != nil {
		session.Close()
	}
	if missed && missedFn != nil {
		missedFn(info)
	}
	m.notifyState(Info{State: StateIdle})
}

func (m *Manager) notifyState(info Info) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(info)
	}
}

// ===============================
// Document observation
// ===============================

// handleDocChange reacts to the peer's writes on the shared call document.
func (m *Manager) handleDocChange(c *activeCall, ch signaling.Change) {
	if ch.Pending {
		return
	}

	m.mu.Lock()
	if m.current != c {
		m.mu.Unlock()
		return
	}

	if ch.Type == signaling.ChangeRemoved {
		state := c.state
		m.mu.Unlock()
		switch state {
		case StateIncoming, StateOutgoing:
			// Removal while ringing cancels the call.
			log.Info().Str("call_id", c.id).Msg("Call document removed, cancelling")
			m.cleanup(c, false)
		default:
			// Status is authoritative once connected; a removal no longer
			// means anything.
			log.Debug().Str("call_id", c.id).Msg("Ignoring document removal on connected call")
		}
		return
	}

	status := asStr(ch.Doc["status"])
	switch status {
	case statusConnected:
		answer := asStr(ch.Doc["answer"])
		if c.role == RoleCaller && answer != "" && answer != c.lastAnswer {
			first := !c.answerApplied
			c.answerApplied = true
			c.lastAnswer = answer
			c.state = StateConnected
			if first {
				c.connectedAt = time.Now()
			}
			if c.ringTimer != nil {
				c.ringTimer.Stop()
				c.ringTimer = nil
			}
			session := c.session
			c.remoteSet = true
			pending := c.pendingCands
			c.pendingCands = nil
			info := c.info()
			m.mu.Unlock()

			if err := session.SetRemoteDescription(context.Background(), "answer", answer); err != nil {
				log.Error().Err(err).Str("call_id", c.id).Msg("Failed to apply answer")
				m.endWithStatus(context.Background(), c, statusEnded)
				return
			}
			if first {
				m.applyCandidates(c, pending)
				log.Info().Str("call_id", c.id).Msg("Call connected")
				m.notifyState(info)
			} else {
				log.Info().Str("call_id", c.id).Msg("Renegotiation completed")
			}
			return
		}
		// Renegotiation: the caller rewrote the offer with the restart
		// flag; the callee re-answers.
		offer := asStr(ch.Doc["offer"])
		restart, _ := ch.Doc["restart"].(bool)
		if c.role == RoleCallee && c.state == StateConnected && restart && offer != "" && offer != c.lastOffer {
			c.lastOffer = offer
			session := c.session
			m.mu.Unlock()
			m.reanswer(c, session, offer)
			return
		}
		m.mu.Unlock()

	case statusEnded, statusRejected:
		m.mu.Unlock()
		log.Info().Str("call_id", c.id).Str("status", status).Msg("Call terminated by peer")
		m.cleanup(c, false)

	case statusMissed:
		wasIncoming := c.state == StateIncoming
		m.mu.Unlock()
		log.Info().Str("call_id", c.id).Msg("Missed call")
		m.cleanup(c, wasIncoming)

	default:
		m.mu.Unlock()
	}
}

// reanswer applies a restarted offer and writes a fresh answer.
func (m *Manager) reanswer(c *activeCall, session Session, offer string) {
	ctx := context.Background()
	if err := session.SetRemoteDescription(ctx, "offer", offer); err != nil {
		log.Error().Err(err).Str("call_id", c.id).Msg("Failed to apply restarted offer")
		m.endWithStatus(ctx, c, statusEnded)
		return
	}
	answer, err := session.CreateAnswer(ctx)
	if err != nil {
		log.Error().Err(err).Str("call_id", c.id).Msg("Failed to re-answer")
		m.endWithStatus(ctx, c, statusEnded)
		return
	}
	if err := m.docs.Update(ctx, collCalls, c.id, signaling.Document{"answer": answer}); err != nil {
		log.Warn().Err(err).Str("call_id", c.id).Msg("Failed to write renegotiated answer")
	}
	log.Info().Str("call_id", c.id).Msg("Renegotiation answered")
}

// handleConnState runs one renegotiation on link failure; a second failure
// ends the call.
func (m *Manager) handleConnState(c *activeCall, st ConnState) {
	if st != ConnFailed && st != ConnDisconnected {
		return
	}

	m.mu.Lock()
	if m.current != c || c.state != StateConnected {
		m.mu.Unlock()
		return
	}
	if c.restarted || c.role != RoleCaller {
		restarted := c.restarted
		m.mu.Unlock()
		if restarted {
			log.Warn().Str("call_id", c.id).Msg("Link failed after renegotiation, ending call")
			m.endWithStatus(context.Background(), c, statusEnded)
		}
		// The callee waits for the caller's restarted offer.
		return
	}
	c.restarted = true
	session := c.session
	m.mu.Unlock()

	log.Warn().Str("call_id", c.id).Str("state", string(st)).Msg("Link degraded, renegotiating")
	ctx := context.Background()
	offer, err := session.CreateOffer(ctx, true)
	if err != nil {
		log.Error().Err(err).Str("call_id", c.id).Msg("Failed to create restart offer")
		m.endWithStatus(ctx, c, statusEnded)
		return
	}
	m.mu.Lock()
	c.lastOffer = offer
	m.mu.Unlock()
	if err := m.docs.Update(ctx, collCalls, c.id, signaling.Document{
		"offer":   offer,
		"restart": true,
	}); err != nil {
		log.Error().Err(err).Str("call_id", c.id).Msg("Failed to publish restart offer")
		m.endWithStatus(ctx, c, statusEnded)
	}
}

// ===============================
// Candidates
// ===============================

// AddLocalCandidate publishes a locally gathered candidate, tagged with
// the local role so the peer consumes only the opposite role's stream.
func (m *Manager) AddLocalCandidate(ctx context.Context, candidate string) error {
	m.mu.Lock()
	c := m.current
	m.mu.Unlock()
	if c == nil {
		return ErrNoCall
	}
	_, err := m.docs.Add(ctx, collCandidates, signaling.Document{
		"call_id":   c.id,
		"role":      string(c.role),
		"candidate": candidate,
	})
	return err
}

// handleCandidates consumes the opposite role's candidates, buffering
// until the remote description is applied. Arrival order is tolerated.
func (m *Manager) handleCandidates(c *activeCall, batch []signaling.Change) {
	var ready []string
	m.mu.Lock()
	if m.current != c {
		m.mu.Unlock()
		return
	}
	for _, ch := range batch {
		if ch.Pending || ch.Type == signaling.ChangeRemoved {
			continue
		}
		if Role(asStr(ch.Doc["role"])) == c.role {
			continue
		}
		cand := asStr(ch.Doc["candidate"])
		if cand == "" {
			continue
		}
		if c.remoteSet {
			ready = append(ready, cand)
		} else {
			c.pendingCands = append(c.pendingCands, cand)
		}
	}
	m.mu.Unlock()
	m.applyCandidates(c, ready)
}

func (m *Manager) applyCandidates(c *activeCall, cands []string) {
	if len(cands) == 0 {
		return
	}
	m.mu.Lock()
	session := c.session
	m.mu.Unlock()
	if session == nil {
		return
	}
	for _, cand := range cands {
		if err := session.AddRemoteCandidate(context.Background(), cand); err != nil {
			log.Warn().Err(err).Str("call_id", c.id).Msg("Failed to apply candidate")
		}
	}
}

func asStr(v any) string {
	s, _ := v.(string)
	return s
}
