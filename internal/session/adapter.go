package session

import (
	"context"

	"zapinbox/internal/models"
)

// Outbound is the content an agent sends through a session.
type Outbound struct {
	Body        string             `json:"body"`
	ContentType models.ContentType `json:"contentType"`
	MediaRef    string             `json:"mediaRef,omitempty"`
}

// PlatformAdapter is the capability every platform plugs into the manager.
type PlatformAdapter interface {
	Platform() models.Platform
	// RequiresSession is true for platforms whose sends need a live,
	// paired connection (the QR-paired surface).
	RequiresSession() bool
	// Initialize starts a session for ch. It may report lifecycle changes
	// through hooks before returning.
	Initialize(ctx context.Context, ch *models.Channel, hooks Hooks) (Session, error)
}

// Session is one live connection for a channel.
type Session interface {
	// Send delivers out to recipient and returns the platform message id.
	Send(ctx context.Context, recipient string, out Outbound) (string, error)
	// Teardown closes the session. logout also discards stored credentials.
	Teardown(ctx context.Context, logout bool) error
}

// Hooks receives lifecycle reports from a session. Reports from a session
// that has since been replaced are ignored.
type Hooks interface {
	PairingChallenge(code string)
	Ready(externalID, name string)
	Disconnected(reason string)
	AuthFailure(err error)
	// SaveSessionData persists the credential handle needed to resume later.
	SaveSessionData(data models.JSONMap)
}
