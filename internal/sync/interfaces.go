package sync

import (
	"context"

	"github.com/marcus/aula/internal/models"
	"github.com/marcus/aula/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_interfaces.go -package=mocks -source=interfaces.go Store,Transport,Session

// Store is the part of the pending store a drain reads and updates.
type Store interface {
	ListPending(kind models.Kind) ([]models.PendingItem, error)
	MarkSent(id string) error
	MarkFailed(id string, cause error) error
}

// Transport is the connection manager surface used for draining.
type Transport interface {
	State() models.ConnState
	EnsureAuthenticated(ctx context.Context, token string) error
	Transmit(ctx context.Context, msg protocol.Message) error
}

// Session supplies the access token used to authenticate the transport and
// renews it when the server rejects it.
type Session interface {
	Token(ctx context.Context) (string, error)
	Renew(ctx context.Context) (models.Credential, error)
}
