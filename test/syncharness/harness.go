// Package syncharness runs an in-process aula server (HTTP API + websocket)
// for end-to-end tests of the client components.
package syncharness

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	_ "github.com/mattn/go-sqlite3"

	"github.com/marcus/aula/internal/models"
	"github.com/marcus/aula/internal/protocol"
)

// serverSchema records every data frame the server accepted, in arrival order.
const serverSchema = `
CREATE TABLE received (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    device_id TEXT NOT NULL DEFAULT '',
    curso_id INTEGER,
    contenido_id INTEGER,
    avance INTEGER,
    completado INTEGER,
    room TEXT,
    texto TEXT
);
`

// Password accepted by the login endpoint.
const Password = "secreto"

// Server is a fake aula backend. Tokens are opaque strings; an access
// token is valid until Expire is called or it is rotated by a refresh.
type Server struct {
	t   *testing.T
	srv *httptest.Server
	db  *sql.DB

	// URL is the HTTP base, SocketURL the websocket endpoint.
	URL       string
	SocketURL string

	// RefreshDelay holds refresh responses so concurrent renewals overlap.
	RefreshDelay time.Duration
	// KeepOpenOnAuthError leaves the socket open after answering AUTH_ERROR.
	KeepOpenOnAuthError bool

	tokenSeq     atomic.Int64
	refreshCalls atomic.Int64
	authFrames   atomic.Int64

	mu       sync.Mutex
	access   map[string]string // access token -> user id
	refresh  map[string]string // refresh token -> user id
	frames   []string
	bearers  []string
	sockets  map[*websocket.Conn]struct{}
	dropNext int
}

// NewServer starts a server and registers cleanup on t.
func NewServer(t *testing.T) *Server {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(serverSchema); err != nil {
		t.Fatalf("create server schema: %v", err)
	}

	s := &Server{
		t:       t,
		db:      db,
		access:  make(map[string]string),
		refresh: make(map[string]string),
		sockets: make(map[*websocket.Conn]struct{}),
	}

	r := chi.NewRouter()
	r.Get("/api/health", s.handleHealth)
	r.Post("/api/auth/login", s.handleLogin)
	r.Post("/api/auth/register", s.handleLogin)
	r.Post("/api/auth/refresh", s.handleRefresh)
	r.Post("/api/auth/logout", s.handleLogout)
	r.Get("/api/progreso", s.withBearer(s.handleGetProgress))
	r.Post("/api/quiz/{id}/resultado", s.withBearer(s.handleQuiz))
	r.Get("/ws", s.handleSocket)

	s.srv = httptest.NewServer(r)
	s.URL = s.srv.URL
	s.SocketURL = "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"

	t.Cleanup(func() {
		s.DropConnections()
		s.srv.Close()
		db.Close()
	})
	return s
}

// IssueSession creates a fresh access/refresh pair for userID.
func (s *Server) IssueSession(userID string) models.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(userID)
}

func (s *Server) issueLocked(userID string) models.Credential {
	n := s.tokenSeq.Add(1)
	cred := models.Credential{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		Subject:      userID,
	}
	s.access[cred.AccessToken] = userID
	s.refresh[cred.RefreshToken] = userID
	return cred
}

// Expire revokes an access token; its refresh token stays valid.
func (s *Server) Expire(accessToken string) {
	s.mu.Lock()
	delete(s.access, accessToken)
	s.mu.Unlock()
}

// RevokeRefresh makes a refresh token unusable.
func (s *Server) RevokeRefresh(refreshToken string) {
	s.mu.Lock()
	delete(s.refresh, refreshToken)
	s.mu.Unlock()
}

// DropNext makes the server close the socket instead of accepting the
// next n data frames.
func (s *Server) DropNext(n int) {
	s.mu.Lock()
	s.dropNext = n
	s.mu.Unlock()
}

// DropConnections closes every open socket abruptly.
func (s *Server) DropConnections() {
	s.mu.Lock()
	socks := make([]*websocket.Conn, 0, len(s.sockets))
	for c := range s.sockets {
		socks = append(socks, c)
	}
	s.mu.Unlock()
	for _, c := range socks {
		c.CloseNow()
	}
}

// OpenSockets returns the number of connected sockets.
func (s *Server) OpenSockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sockets)
}

// Frames returns the types of every inbound socket frame, in order.
func (s *Server) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

// Bearers returns the Authorization headers seen on authorized endpoints.
func (s *Server) Bearers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bearers...)
}

// RefreshCalls counts POST /api/auth/refresh requests.
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

// AuthFrames counts AUTH frames received over the socket.
func (s *Server) AuthFrames() int { return int(s.authFrames.Load()) }

// Progress returns accepted progress records in arrival order.
func (s *Server) Progress() []protocol.Progress {
	rows, err := s.db.Query(`SELECT curso_id, contenido_id, avance, completado FROM received WHERE curso_id IS NOT NULL ORDER BY seq`)
	if err != nil {
		s.t.Fatalf("query progress: %v", err)
	}
	defer rows.Close()
	var out []protocol.Progress
	for rows.Next() {
		var p protocol.Progress
		if err := rows.Scan(&p.CursoID, &p.ContenidoID, &p.Avance, &p.Completado); err != nil {
			s.t.Fatalf("scan progress: %v", err)
		}
		out = append(out, p)
	}
	return out
}

// Chats returns accepted chat messages in arrival order.
func (s *Server) Chats() []protocol.Chat {
	rows, err := s.db.Query(`SELECT room, texto FROM received WHERE type = ? ORDER BY seq`, protocol.TypeChatMessage)
	if err != nil {
		s.t.Fatalf("query chats: %v", err)
	}
	defer rows.Close()
	var out []protocol.Chat
	for rows.Next() {
		var room, texto string
		if err := rows.Scan(&room, &texto); err != nil {
			s.t.Fatalf("scan chat: %v", err)
		}
		out = append(out, protocol.NewChat(room, texto))
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func sessionBody(cred models.Credential) map[string]any {
	return map[string]any{
		"token":        cred.AccessToken,
		"refreshToken": cred.RefreshToken,
		"user":         map[string]any{"id": cred.Subject, "email": cred.Subject + "@aula.test"},
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if body.Password != Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "credenciales invalidas"})
		return
	}
	user, _, _ := strings.Cut(body.Email, "@")
	writeJSON(w, http.StatusOK, sessionBody(s.IssueSession(user)))
}

// handleRefresh rotates both tokens; the old pair stops working.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if s.RefreshDelay > 0 {
		time.Sleep(s.RefreshDelay)
	}

	s.mu.Lock()
	user, ok := s.refresh[body.RefreshToken]
	if !ok {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "refresh token invalido"})
		return
	}
	delete(s.refresh, body.RefreshToken)
	cred := s.issueLocked(user)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, sessionBody(cred))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.RevokeRefresh(body.RefreshToken)
	w.WriteHeader(http.StatusNoContent)
}

// withBearer rejects requests whose bearer token is unknown or expired.
func (s *Server) withBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		s.mu.Lock()
		s.bearers = append(s.bearers, header)
		_, ok := s.access[strings.TrimPrefix(header, "Bearer ")]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "token expirado"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	out := s.Progress()
	if out == nil {
		out = []protocol.Progress{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuiz(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Respuestas []int `json:"respuestas"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "respuestas invalidas"})
		return
	}
	// Every quiz has answer key [0, 1, 2, ...].
	correct := 0
	for i, a := range body.Respuestas {
		if a == i {
			correct++
		}
	}
	score := 0.0
	if len(body.Respuestas) > 0 {
		score = 100 * float64(correct) / float64(len(body.Respuestas))
	}
	writeJSON(w, http.StatusOK, map[string]any{"puntaje": score, "aprobado": score >= 60})
}

// handleSocket speaks the socket protocol: AUTH first, then data frames
// acknowledged per type, PING answered with PONG.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.sockets[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sockets, c)
		s.mu.Unlock()
		c.CloseNow()
	}()

	ctx := r.Context()
	device := r.Header.Get("X-Device-ID")
	authed := false
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			s.send(ctx, c, map[string]any{"type": protocol.TypeError, "error": "invalid json"})
			continue
		}
		typ, _ := frame["type"].(string)

		s.mu.Lock()
		s.frames = append(s.frames, typ)
		s.mu.Unlock()

		if typ == protocol.TypeAuth {
			s.authFrames.Add(1)
			token, _ := frame["token"].(string)
			s.mu.Lock()
			_, ok := s.access[token]
			s.mu.Unlock()
			if !ok {
				s.send(ctx, c, map[string]any{"type": protocol.TypeAuthError, "error": "token invalido"})
				if s.KeepOpenOnAuthError {
					continue
				}
				c.Close(websocket.StatusPolicyViolation, "unauthorized")
				return
			}
			authed = true
			s.send(ctx, c, map[string]any{"type": protocol.TypeAuthSuccess})
			continue
		}
		if !authed {
			s.send(ctx, c, map[string]any{"type": protocol.TypeError, "error": "not authenticated"})
			continue
		}
		if typ == protocol.TypePing {
			s.send(ctx, c, map[string]any{"type": protocol.TypePong})
			continue
		}
		if s.shouldDrop() {
			return
		}
		if ack := s.accept(typ, data, device); ack != "" {
			s.send(ctx, c, map[string]any{"type": ack})
		}
	}
}

func (s *Server) shouldDrop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropNext > 0 {
		s.dropNext--
		return true
	}
	return false
}

// accept stores a data frame and returns the ack type, if any.
func (s *Server) accept(typ string, data []byte, device string) string {
	switch typ {
	case protocol.TypeSaveProgress:
		var m protocol.SaveProgress
		if json.Unmarshal(data, &m) != nil {
			return ""
		}
		s.insertProgress(typ, device, m.Progress)
		return protocol.TypeSyncProgressSuccess
	case protocol.TypeSyncProgress:
		var m protocol.SyncProgress
		if json.Unmarshal(data, &m) != nil {
			return ""
		}
		for _, p := range m.Progresos {
			s.insertProgress(typ, device, p)
		}
		return protocol.TypeSyncSuccess
	case protocol.TypeChatMessage:
		var m protocol.Chat
		if json.Unmarshal(data, &m) != nil {
			return ""
		}
		if _, err := s.db.Exec(`INSERT INTO received (type, device_id, room, texto) VALUES (?, ?, ?, ?)`,
			typ, device, m.Room, m.Texto); err != nil {
			s.t.Errorf("insert chat: %v", err)
		}
	}
	return ""
}

func (s *Server) insertProgress(typ, device string, p protocol.Progress) {
	if _, err := s.db.Exec(`INSERT INTO received (type, device_id, curso_id, contenido_id, avance, completado) VALUES (?, ?, ?, ?, ?, ?)`,
		typ, device, p.CursoID, p.ContenidoID, p.Avance, p.Completado); err != nil {
		s.t.Errorf("insert progress: %v", err)
	}
}

func (s *Server) send(ctx context.Context, c *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = c.Write(ctx, websocket.MessageText, data)
}
