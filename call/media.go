// Package call implements the call signaling state machine and the
// push-to-talk controller on top of the signaling document transport. The
// actual media stack (capture, peer connection) is supplied by the platform
// through MediaProvider.
package call

import "context"

// MediaCause classifies why media acquisition or setup failed.
type MediaCause string

const (
	MediaPermission  MediaCause = "permission"  // user or OS denied capture
	MediaNotFound    MediaCause = "not_found"   // no capture device
	MediaBusy        MediaCause = "busy"        // device held by another app
	MediaConstraints MediaCause = "constraints" // requested parameters unsatisfiable
)

// MediaError wraps a media stack failure with its classification. Every
// media failure aborts the call transition back to idle.
type MediaError struct {
	Cause MediaCause
	Err   error
}

func (e *MediaError) Error() string {
	if e.Err != nil {
		return "media " + string(e.Cause) + ": " + e.Err.Error()
	}
	return "media " + string(e.Cause)
}

func (e *MediaError) Unwrap() error { return e.Err }

// Track is one local capture track. Stop releases the device; SetEnabled
// gates whether frames flow without releasing it (push-to-talk uses this).
type Track interface {
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// ConnState is the peer connection's connectivity, reduced to what the
// state machine reacts to.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
)

// Session is one peer connection. Implementations buffer nothing: the
// state machine feeds remote descriptions and candidates in a tolerant
// order itself.
type Session interface {
	CreateOffer(ctx context.Context, restart bool) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteDescription(ctx context.Context, kind, sdp string) error
	AddRemoteCandidate(ctx context.Context, candidate string) error
	OnConnectionStateChange(fn func(ConnState))
	Close()
}

// MediaProvider is the platform's media stack.
type MediaProvider interface {
	// AcquireAudio opens the local microphone track. Failures must be
	// returned as *MediaError.
	AcquireAudio(ctx context.Context) (Track, error)
	// AcquireVideo opens the local camera track. Failures must be
	// returned as *MediaError.
	AcquireVideo(ctx context.Context) (Track, error)
	// NewSession builds a peer connection carrying the given tracks.
	NewSession(ctx context.Context, tracks ...Track) (Session, error)
}
