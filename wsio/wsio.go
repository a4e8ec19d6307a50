// Package wsio is the socket I/O facade: it upgrades /ws/client and
// /ws/anchor connections, wraps each one in a Socket with a serialised
// write path, and drives the hub's register/unregister/handle-message
// lifecycle around its receive loop.
package wsio

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbit-relay/hub/auth"
	"github.com/orbit-relay/hub/hub"
	"github.com/orbit-relay/hub/middleware"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin control-plane traffic is expected: browsers and
	// anchor agents connect from whatever origin the deployment serves.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Socket wraps one WebSocket connection with a mutex-serialised write
// path, so every send (hub broadcast, direct reply, or the keepalive
// ping) can be called from any goroutine without racing the connection.
// It implements hub.Peer.
type Socket struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

func newSocket(conn *websocket.Conn) *Socket {
	return &Socket{conn: conn}
}

// Send writes raw as a single text frame. Errors are logged and
// swallowed: a failed send must never propagate to the caller or tear
// down other peers (spec: all socket sends are wrapped this way).
func (s *Socket) Send(raw []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		log.Printf("wsio: send: %v", err)
	}
}

// Close closes the underlying connection with a WebSocket close frame
// carrying code and reason, then the raw TCP connection.
func (s *Socket) Close(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = s.conn.Close()
}

// Server wires together the hub and the HTTP upgrade handlers for its two
// WebSocket endpoints.
type Server struct {
	Hub    *hub.Hub
	Secret []byte
}

// UpgradeClient handles GET/WS on /ws/client: a preflight GET (no
// Upgrade header) reports auth status without establishing a socket: 401
// on bad/missing token, 426 ("Upgrade required") once authenticated.
func (s *Server) UpgradeClient(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, auth.RoleClient)
}

// UpgradeAnchor handles GET/WS on /ws/anchor, symmetrically to UpgradeClient.
func (s *Server) UpgradeAnchor(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, auth.RoleAnchor)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, role auth.Role) {
	userID, err := middleware.AuthenticateSocket(s.Secret, r, role)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		w.WriteHeader(http.StatusUpgradeRequired)
		_, _ = w.Write([]byte("Upgrade required"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsio: upgrade %s: %v", role, err)
		return
	}

	socket := newSocket(conn)
	clientID := ""
	if role == auth.RoleClient {
		clientID = r.URL.Query().Get("clientId")
	}

	s.Hub.Register(socket, role, userID, clientID)
	s.pump(socket, role)
}

// pump runs the socket's receive loop until it closes, forwarding every
// frame into the hub and running unregister on the way out no matter how
// the loop ends — clean close, error, or abnormal closure.
func (s *Server) pump(socket *Socket, role auth.Role) {
	defer s.Hub.Unregister(socket)
	defer socket.Close(websocket.CloseNormalClosure, "")

	socket.conn.SetReadLimit(1 << 20)
	_ = socket.conn.SetReadDeadline(time.Now().Add(pongWait))
	socket.conn.SetPongHandler(func(string) error {
		_ = socket.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go s.keepalive(socket, stopPing)

	for {
		msgType, raw, err := socket.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.Hub.HandleMessage(socket, raw)
	}
}

func (s *Server) keepalive(socket *Socket, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			socket.writeMu.Lock()
			closed := socket.closed
			if !closed {
				_ = socket.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = socket.conn.WriteMessage(websocket.PingMessage, nil)
			}
			socket.writeMu.Unlock()
			if closed {
				return
			}
		}
	}
}
