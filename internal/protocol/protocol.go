// Package protocol defines the JSON messages exchanged over the socket.
// Every message is an object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marcus/aula/internal/models"
)

// Message type tags
const (
	TypeAuth                = "AUTH"
	TypeAuthSuccess         = "AUTH_SUCCESS"
	TypeAuthError           = "AUTH_ERROR"
	TypeSaveProgress        = "SAVE_PROGRESS"
	TypeSyncProgress        = "SYNC_PROGRESS"
	TypeSyncProgressSuccess = "SYNC_PROGRESS_SUCCESS"
	TypeSyncSuccess         = "SYNC_SUCCESS"
	TypeChatMessage         = "CHAT_MESSAGE"
	TypePing                = "PING"
	TypePong                = "PONG"
	TypeError               = "ERROR"
)

var (
	ErrInvalidProgress = errors.New("invalid progress")
	ErrInvalidChat     = errors.New("invalid chat message")
	ErrUnknownKind     = errors.New("unknown pending kind")
	ErrMissingType     = errors.New("message missing type")
)

// Message is any outbound frame.
type Message interface {
	MessageType() string
}

// Auth is the first frame after the socket opens.
type Auth struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

func NewAuth(token string) Auth { return Auth{Type: TypeAuth, Token: token} }

func (m Auth) MessageType() string { return TypeAuth }

// Progress is one content progress record.
type Progress struct {
	CursoID     int64 `json:"curso_id"`
	ContenidoID int64 `json:"contenido_id"`
	Avance      int   `json:"avance"`
	Completado  bool  `json:"completado"`
}

// Validate checks ids and that avance is a percentage.
func (p Progress) Validate() error {
	if p.CursoID <= 0 || p.ContenidoID <= 0 {
		return fmt.Errorf("%w: curso_id and contenido_id must be positive", ErrInvalidProgress)
	}
	if p.Avance < 0 || p.Avance > 100 {
		return fmt.Errorf("%w: avance %d out of range 0..100", ErrInvalidProgress, p.Avance)
	}
	return nil
}

// SaveProgress reports a single progress record.
type SaveProgress struct {
	Type string `json:"type"`
	Progress
}

func NewSaveProgress(p Progress) SaveProgress {
	return SaveProgress{Type: TypeSaveProgress, Progress: p}
}

func (m SaveProgress) MessageType() string { return TypeSaveProgress }

// SyncProgress is the bulk variant of SaveProgress.
type SyncProgress struct {
	Type      string     `json:"type"`
	Progresos []Progress `json:"progresos"`
}

func NewSyncProgress(items []Progress) SyncProgress {
	if items == nil {
		items = []Progress{}
	}
	return SyncProgress{Type: TypeSyncProgress, Progresos: items}
}

func (m SyncProgress) MessageType() string { return TypeSyncProgress }

// Validate requires at least one record and checks each of them.
func (m SyncProgress) Validate() error {
	if len(m.Progresos) == 0 {
		return fmt.Errorf("%w: progresos is empty", ErrInvalidProgress)
	}
	for i, p := range m.Progresos {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("progresos[%d]: %w", i, err)
		}
	}
	return nil
}

// Chat is a room chat line.
type Chat struct {
	Type  string `json:"type"`
	Room  string `json:"room"`
	Texto string `json:"texto"`
}

func NewChat(room, texto string) Chat { return Chat{Type: TypeChatMessage, Room: room, Texto: texto} }

func (m Chat) MessageType() string { return TypeChatMessage }

// Validate requires a room and non-empty text.
func (m Chat) Validate() error {
	if m.Room == "" {
		return fmt.Errorf("%w: room is required", ErrInvalidChat)
	}
	if m.Texto == "" {
		return fmt.Errorf("%w: texto is required", ErrInvalidChat)
	}
	return nil
}

// Ping is the heartbeat frame.
type Ping struct {
	Type string `json:"type"`
}

func NewPing() Ping { return Ping{Type: TypePing} }

func (m Ping) MessageType() string { return TypePing }

// Envelope is the decoded shape of an inbound frame. Raw keeps the full
// frame so handlers can decode type-specific fields.
type Envelope struct {
	Type  string          `json:"type"`
	Error string          `json:"error,omitempty"`
	Raw   json.RawMessage `json:"-"`
}

// Decode parses an inbound frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	env.Raw = append(json.RawMessage(nil), data...)
	return env, nil
}

// Encode marshals an outbound message.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.MessageType(), err)
	}
	return data, nil
}

// KindOf returns the pending kind for a message, or false when the
// message type is not bufferable.
func KindOf(m Message) (models.Kind, bool) {
	switch m.MessageType() {
	case TypeSaveProgress, TypeSyncProgress:
		return models.KindProgress, true
	case TypeChatMessage:
		return models.KindChat, true
	default:
		return "", false
	}
}

// Payload returns the JSON stored for a buffered message: the Progress
// record for progress kinds, the chat frame for chat.
func Payload(m Message) (models.Kind, []json.RawMessage, error) {
	switch v := m.(type) {
	case SaveProgress:
		data, err := json.Marshal(v.Progress)
		if err != nil {
			return "", nil, err
		}
		return models.KindProgress, []json.RawMessage{data}, nil
	case SyncProgress:
		out := make([]json.RawMessage, 0, len(v.Progresos))
		for _, p := range v.Progresos {
			data, err := json.Marshal(p)
			if err != nil {
				return "", nil, err
			}
			out = append(out, data)
		}
		return models.KindProgress, out, nil
	case Chat:
		data, err := json.Marshal(chatPayload{Room: v.Room, Texto: v.Texto})
		if err != nil {
			return "", nil, err
		}
		return models.KindChat, []json.RawMessage{data}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownKind, m.MessageType())
	}
}

type chatPayload struct {
	Room  string `json:"room"`
	Texto string `json:"texto"`
}

// FromPendingItem rebuilds the outbound message for a buffered item.
func FromPendingItem(item models.PendingItem) (Message, error) {
	switch item.Kind {
	case models.KindProgress:
		p, err := DecodeProgress(item.Payload)
		if err != nil {
			return nil, err
		}
		return NewSaveProgress(p), nil
	case models.KindChat:
		var c chatPayload
		if err := json.Unmarshal(item.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode chat payload %s: %w", item.ID, err)
		}
		return NewChat(c.Room, c.Texto), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, item.Kind)
	}
}

// DecodeProgress parses a stored progress payload.
func DecodeProgress(data json.RawMessage) (Progress, error) {
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		return Progress{}, fmt.Errorf("decode progress payload: %w", err)
	}
	return p, nil
}
