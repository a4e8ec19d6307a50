package hub

import (
	"time"

	"github.com/orbit-relay/hub/auth"
)

// Peer is the hub's view of one connected socket: enough to address and
// close it, without the hub owning transport details. wsio.Socket
// implements this; the hub never imports the transport package, so a
// *Socket's identity (its pointer) serves directly as a map key —
// equivalent to the "monotonically assigned session id" fallback
// described for runtimes without weak references.
type Peer interface {
	// Send writes raw as a single text frame. Implementations must
	// swallow transport errors; a failed send must never propagate to
	// the caller or tear down other peers.
	Send(raw []byte)

	// Close closes the underlying connection with a WebSocket close code
	// and reason. Best-effort; errors are swallowed.
	Close(code int, reason string)
}

type userKey struct {
	userID string
	id     string
}

type threadKey struct {
	userID   string
	threadID string
}

type pendingKey struct {
	target Peer
	reqKey string
}

// socketInfo is the reverse-lookup record for a registered socket.
type socketInfo struct {
	role     auth.Role
	userID   string
	clientID string // "" if anonymous client
	anchorID string // "" until anchor.hello
}

type anchorMeta struct {
	anchorID    string
	hostname    string
	platform    string
	connectedAt time.Time
}

// outMsg is a deferred send, queued while the hub lock is held and
// flushed once it is released (spec: notifications produced under the
// lock must not re-enter a peer's send path while still holding it).
type outMsg struct {
	peer Peer
	raw  []byte
}

// outClose is a deferred close, flushed the same way as outMsg.
type outClose struct {
	peer   Peer
	code   int
	reason string
}

// outbox accumulates the side effects of one locked operation.
type outbox struct {
	sends  []outMsg
	closes []outClose
}

func (o *outbox) send(p Peer, raw []byte) {
	if p == nil || raw == nil {
		return
	}
	o.sends = append(o.sends, outMsg{peer: p, raw: raw})
}

func (o *outbox) broadcast(peers map[Peer]bool, raw []byte) {
	for p := range peers {
		o.send(p, raw)
	}
}

func (o *outbox) close(p Peer, code int, reason string) {
	o.closes = append(o.closes, outClose{peer: p, code: code, reason: reason})
}

func (o *outbox) flush() {
	for _, m := range o.sends {
		m.peer.Send(m.raw)
	}
	for _, c := range o.closes {
		c.peer.Close(c.code, c.reason)
	}
}
