package call

import (
	"github.com/rs/zerolog/log"
)

// Trust marks a peer as accepted for push-to-talk sessions.
func (m *Manager) Trust(peerID string) {
	m.mu.Lock()
	m.trusted[peerID] = true
	m.mu.Unlock()
}

// Untrust removes a peer from the push-to-talk trusted set.
func (m *Manager) Untrust(peerID string) {
	m.mu.Lock()
	delete(m.trusted, peerID)
	m.mu.Unlock()
}

// IsTrusted reports whether a peer may hold push-to-talk sessions.
func (m *Manager) IsTrusted(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trusted[peerID]
}

// OnReceiving registers the receiving-indicator callback for push-to-talk.
func (m *Manager) OnReceiving(fn func(bool)) {
	m.mu.Lock()
	m.onReceiving = fn
	m.mu.Unlock()
}

// PressTalk opens the outbound audio floor on the connected push-to-talk
// session.
func (m *Manager) PressTalk() error {
	m.mu.Lock()
	c := m.current
	if c == nil || c.kind != KindPushToTalk || c.state != StateConnected || c.track == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	track := c.track
	m.mu.Unlock()
	track.SetEnabled(true)
	return nil
}

// ReleaseTalk closes the floor unless the lock latch is engaged.
func (m *Manager) ReleaseTalk() error {
	m.mu.Lock()
	c := m.current
	if c == nil || c.kind != KindPushToTalk || c.track == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	locked := c.pttLock
	track := c.track
	m.mu.Unlock()
	if !locked {
		track.SetEnabled(false)
	}
	return nil
}

// SetTalkLock engages or releases the latch that keeps the floor open
// across releases. Disengaging while the button is up mutes immediately.
func (m *Manager) SetTalkLock(locked bool) error {
	m.mu.Lock()
	c := m.current
	if c == nil || c.kind != KindPushToTalk || c.track == nil {
		m.mu.Unlock()
		return ErrNoCall
	}
	c.pttLock = locked
	track := c.track
	m.mu.Unlock()
	if locked {
		track.SetEnabled(true)
	} else {
		track.SetEnabled(false)
	}
	log.Debug().Bool("locked", locked).Msg("Push-to-talk lock changed")
	return nil
}

// Receiving reports whether inbound audio is currently above the
// amplitude threshold.
func (m *Manager) Receiving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && m.current.receiving
}

// HandleAmplitude feeds an inbound audio level sample from the media
// stack. Crossing the threshold flips the local receiving indicator and
// nothing else; no document is written.
func (m *Manager) HandleAmplitude(level float64) {
	m.mu.Lock()
	c := m.current
	if c == nil || c.kind != KindPushToTalk || c.state != StateConnected {
		m.mu.Unlock()
		return
	}
	receiving := level >= m.threshold
	changed := receiving != c.receiving
	c.receiving = receiving
	fn := m.onReceiving
	m.mu.Unlock()

	if changed && fn != nil {
		fn(receiving)
	}
}
