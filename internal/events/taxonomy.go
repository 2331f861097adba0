package events

import "strings"

// Tag names a class of event published on a Bus.
type Tag string

// Canonical event tags
const (
	// ConnState carries a StateChange.
	ConnState Tag = "conn.state"
	// ConnOnline carries a bool: true once authenticated, false when the transport drops.
	ConnOnline Tag = "conn.online"
	// ReconnectExhausted carries the attempt count at which automatic reconnects stopped.
	ReconnectExhausted Tag = "reconnect.exhausted"
	// AuthRejected carries the server's AUTH_ERROR text.
	AuthRejected Tag = "auth.rejected"
	// CredentialRenewed carries the new access token.
	CredentialRenewed Tag = "credential.renewed"
	// SessionInvalid carries the error that invalidated the session.
	SessionInvalid Tag = "session.invalid"
	// MessageBuffered carries the kind routed into the pending store.
	MessageBuffered Tag = "message.buffered"
	// MessageDropped carries the message type that could not be sent or buffered.
	MessageDropped Tag = "message.dropped"
	// SyncFinished carries a sync.Result after a fully successful drain.
	SyncFinished Tag = "sync.finished"
	// SyncPartial carries a sync.Result once retries are exhausted with failures left.
	SyncPartial Tag = "sync.partial"
	// SyncNothing is published when a drain finds no pending items.
	SyncNothing Tag = "sync.nothing"
	// SyncAcked carries the kind whose sent items the server acknowledged.
	SyncAcked Tag = "sync.acked"
)

// AllTags returns all valid tags.
func AllTags() map[Tag]bool {
	return map[Tag]bool{
		ConnState:          true,
		ConnOnline:         true,
		ReconnectExhausted: true,
		AuthRejected:       true,
		CredentialRenewed:  true,
		SessionInvalid:     true,
		MessageBuffered:    true,
		MessageDropped:     true,
		SyncFinished:       true,
		SyncPartial:        true,
		SyncNothing:        true,
		SyncAcked:          true,
	}
}

// IsValidTag checks if the given tag string is valid.
func IsValidTag(t string) bool {
	return AllTags()[Tag(t)]
}

// NormalizeTag maps loose spellings ("session_invalid", "Sync.Partial")
// to the canonical tag. Returns false for unknown tags.
func NormalizeTag(s string) (Tag, bool) {
	t := Tag(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "."))
	if !AllTags()[t] {
		return "", false
	}
	return t, true
}

// IsUserFacing reports whether the tag should surface as a notice in the CLI.
// Recovery that happens locally (reconnect, renew, retry) stays in the log.
func IsUserFacing(t Tag) bool {
	switch t {
	case SessionInvalid, ReconnectExhausted, SyncPartial, SyncNothing, SyncFinished:
		return true
	default:
		return false
	}
}
