package models

import (
	"encoding/json"
	"time"
)

// Kind identifies which queue a pending item belongs to.
type Kind string

const (
	KindProgress Kind = "progress"
	KindChat     Kind = "chat"
)

// AllKinds returns the bufferable kinds in drain order.
func AllKinds() []Kind {
	return []Kind{KindProgress, KindChat}
}

// IsValid reports whether k is a bufferable kind.
func (k Kind) IsValid() bool {
	return k == KindProgress || k == KindChat
}

// PendingItem is a locally buffered mutation awaiting transmission.
// Items of the same kind are replayed in Seq order.
type PendingItem struct {
	Seq       int64
	ID        string
	Kind      Kind
	Payload   json.RawMessage
	CreatedAt time.Time
	Sent      bool
	SentAt    *time.Time
	Attempts  int
	LastError string
}

// Credential is the access/refresh pair for one session.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Subject      string `json:"subject"`
}

// IsZero reports whether no access token is present.
func (c Credential) IsZero() bool {
	return c.AccessToken == ""
}

// ConnState is the lifecycle state of the transport connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateReconnecting
	StateClosed
)

// String returns the string representation of a ConnState.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DrainOutcome summarises how a drain finished.
type DrainOutcome string

const (
	DrainSynced        DrainOutcome = "synced"
	DrainNothingToSync DrainOutcome = "nothing_to_sync"
	DrainPartial       DrainOutcome = "partial"
	DrainNoSession     DrainOutcome = "no_session"
	DrainOffline       DrainOutcome = "offline"
	DrainFailed        DrainOutcome = "failed"
)

// DrainRecord is one row of drain history.
type DrainRecord struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    DrainOutcome
	Passes     int
	Sent       int
	Failed     int
}
