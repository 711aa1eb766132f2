package models

type EventKind string

const (
	EventInitialSession EventKind = "initial-session"
	EventSignedIn       EventKind = "signed-in"
	EventSignedOut      EventKind = "signed-out"
	EventTokenRefreshed EventKind = "token-refreshed"
	EventUserUpdated    EventKind = "user-updated"

	// Refresh failed and the session was dropped
	// Distinct from signed-out so the UI can explain why the user was logged out
	EventSessionExpired EventKind = "session-expired"

	// OAuth redirect came back with an error
	EventAuthError EventKind = "auth-error"
)

// Session transition broadcast to listeners
type Event struct {
	Kind    EventKind
	Session Session
	Err     error
}
