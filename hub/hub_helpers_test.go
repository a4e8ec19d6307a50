package hub_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/orbit-relay/hub/auth"
	"github.com/orbit-relay/hub/config"
	"github.com/orbit-relay/hub/hub"
	"github.com/orbit-relay/hub/store"
	"github.com/orbit-relay/hub/store/sqlite"
)

// fakePeer is an in-memory stand-in for wsio.Socket: it records every frame
// sent to it and every close, instead of writing to a real connection.
type fakePeer struct {
	mu     sync.Mutex
	name   string
	sent   [][]byte
	closed bool
	code   int
	reason string
}

func newFakePeer(name string) *fakePeer {
	return &fakePeer{name: name}
}

func (p *fakePeer) Send(raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]byte(nil), raw...)
	p.sent = append(p.sent, cp)
}

func (p *fakePeer) Close(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.code = code
	p.reason = reason
}

func (p *fakePeer) messages() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]map[string]any, 0, len(p.sent))
	for _, raw := range p.sent {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (p *fakePeer) raws() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.sent))
	copy(out, p.sent)
	return out
}

func (p *fakePeer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = nil
}

func (p *fakePeer) last() map[string]any {
	msgs := p.messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func (p *fakePeer) byType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range p.messages() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePeer) isClosed() (bool, int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.code, p.reason
}

// newTestStore opens a fresh in-memory SQLite store for one test.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// newHubWithStore builds a Hub over an already-open store, for tests that
// need a non-default config (retention, multi-dispatch timeout).
func newHubWithStore(st store.Store, cfg *config.Global) *hub.Hub {
	return hub.New(st, cfg)
}

// newTestHub builds a Hub backed by a fresh in-memory SQLite store. nil
// config makes the Hub fall back to the spec's defaults (200/200/15s).
func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	return newHubWithStore(newTestStore(t), nil)
}

func mustFrame(t *testing.T, v map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	return raw
}

func sendFrame(t *testing.T, h *hub.Hub, peer hub.Peer, v map[string]any) {
	t.Helper()
	h.HandleMessage(peer, mustFrame(t, v))
}

// registerAnchor registers peer as an anchor for userID and drains the
// orbit.hello greeting so test assertions start from a clean slate.
func registerAnchor(t *testing.T, h *hub.Hub, userID string, peer *fakePeer) {
	t.Helper()
	h.Register(peer, auth.RoleAnchor, userID, "")
	peer.reset()
}

// registerClient registers peer as a client for userID (optionally with a
// clientID) and drains the orbit.hello greeting.
func registerClient(t *testing.T, h *hub.Hub, userID, clientID string, peer *fakePeer) {
	t.Helper()
	h.Register(peer, auth.RoleClient, userID, clientID)
	peer.reset()
}

// anchorHello sends anchor.hello with the given anchorId. anchor.hello
// never replies to the sender, so there is nothing to drain afterwards.
func anchorHello(t *testing.T, h *hub.Hub, peer hub.Peer, anchorID string) {
	t.Helper()
	sendFrame(t, h, peer, map[string]any{
		"type":     "anchor.hello",
		"anchorId": anchorID,
		"hostname": "host-" + anchorID,
		"platform": "linux",
	})
}

func subscribe(t *testing.T, h *hub.Hub, peer hub.Peer, threadID string) {
	t.Helper()
	sendFrame(t, h, peer, map[string]any{"type": "orbit.subscribe", "threadId": threadID})
}
