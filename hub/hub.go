// Package hub implements the control-plane relay: the in-memory routing
// fabric that pairs interactive clients with long-running anchors for the
// same user, correlates request/response traffic between them, and
// projects enough of that traffic into storage to let a newly connected
// client resume a live thread.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/orbit-relay/hub/auth"
	"github.com/orbit-relay/hub/config"
	"github.com/orbit-relay/hub/protocol"
	"github.com/orbit-relay/hub/store"
)

// Hub is the single routing fabric for all users. One instance is shared by
// every /ws/client and /ws/anchor connection.
type Hub struct {
	mu sync.Mutex

	st  store.Store
	cfg *config.Global

	userClients map[string]map[Peer]bool
	userAnchors map[string]map[Peer]bool
	clientByID  map[userKey]Peer
	anchorByID  map[userKey]Peer

	sockets     map[Peer]*socketInfo
	anchorMetas map[Peer]anchorMeta

	threadClients map[threadKey]map[Peer]bool
	threadAnchors map[threadKey]map[Peer]bool
	threadAnchor  map[threadKey]string // sticky binding memo

	pendingFromClient map[pendingKey]Peer // (target anchor, reqKey) -> client
	pendingFromAnchor map[pendingKey]Peer // (target client, reqKey) -> anchor

	dispatch *dispatchState
}

// New creates an empty Hub backed by st, using cfg for retention and
// multi-dispatch timeout knobs.
func New(st store.Store, cfg *config.Global) *Hub {
	return &Hub{
		st:                st,
		cfg:               cfg,
		userClients:       make(map[string]map[Peer]bool),
		userAnchors:       make(map[string]map[Peer]bool),
		clientByID:        make(map[userKey]Peer),
		anchorByID:        make(map[userKey]Peer),
		sockets:           make(map[Peer]*socketInfo),
		anchorMetas:       make(map[Peer]anchorMeta),
		threadClients:     make(map[threadKey]map[Peer]bool),
		threadAnchors:     make(map[threadKey]map[Peer]bool),
		threadAnchor:      make(map[threadKey]string),
		pendingFromClient: make(map[pendingKey]Peer),
		pendingFromAnchor: make(map[pendingKey]Peer),
		dispatch:          newDispatchState(),
	}
}

// Counts returns the number of currently registered clients and anchors,
// for GET /health.
func (h *Hub) Counts() (clients, anchors int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, info := range h.sockets {
		if info.role == auth.RoleClient {
			clients++
		} else {
			anchors++
		}
	}
	return
}

// ListArtifacts is the read path shared by GET /relay/artifacts and the
// orbit.artifacts.list control frame; it delegates straight to storage.
func (h *Hub) ListArtifacts(ctx context.Context, userID, threadID string, limit int, beforeID int64) ([]store.Artifact, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	return h.st.ListArtifacts(ctx, userID, threadID, limit, beforeID)
}

// Register installs a newly authenticated socket into the routing tables,
// evicting any prior registration colliding on (user_id, id), and greets
// the newcomer with orbit.hello.
func (h *Hub) Register(peer Peer, role auth.Role, userID, clientID string) {
	ob := &outbox{}

	h.mu.Lock()
	h.registerLocked(ob, peer, role, userID, clientID)
	h.mu.Unlock()

	ob.flush()
}

func (h *Hub) registerLocked(ob *outbox, peer Peer, role auth.Role, userID, clientID string) {
	if role == auth.RoleClient && clientID != "" {
		key := userKey{userID: userID, id: clientID}
		if prior, ok := h.clientByID[key]; ok {
			h.teardownLocked(ob, prior, "replaced by newer connection")
		}
	}

	info := &socketInfo{role: role, userID: userID, clientID: clientID}
	h.sockets[peer] = info

	switch role {
	case auth.RoleClient:
		if h.userClients[userID] == nil {
			h.userClients[userID] = make(map[Peer]bool)
		}
		h.userClients[userID][peer] = true
		if clientID != "" {
			h.clientByID[userKey{userID: userID, id: clientID}] = peer
		}
	case auth.RoleAnchor:
		if h.userAnchors[userID] == nil {
			h.userAnchors[userID] = make(map[Peer]bool)
		}
		h.userAnchors[userID][peer] = true
	}

	ob.send(peer, helloFrame(string(role)))
}

// Unregister tears the socket out of every routing structure it
// participates in: subscriptions, id indices, pending maps, multi-dispatch
// aggregates, and (for anchors) thread bindings and presence metadata.
func (h *Hub) Unregister(peer Peer) {
	ob := &outbox{}

	h.mu.Lock()
	h.teardownLocked(ob, peer, "")
	h.mu.Unlock()

	ob.flush()
}

func (h *Hub) teardownLocked(ob *outbox, peer Peer, replaceReason string) {
	info, ok := h.sockets[peer]
	if !ok {
		return
	}
	delete(h.sockets, peer)

	if info.role == auth.RoleClient {
		delete(h.userClients[info.userID], peer)
		if info.clientID != "" {
			key := userKey{userID: info.userID, id: info.clientID}
			if h.clientByID[key] == peer {
				delete(h.clientByID, key)
			}
		}
	} else {
		delete(h.userAnchors[info.userID], peer)
		if info.anchorID != "" {
			key := userKey{userID: info.userID, id: info.anchorID}
			if h.anchorByID[key] == peer {
				delete(h.anchorByID, key)
			}
		}
		delete(h.anchorMetas, peer)
	}

	for tk, set := range h.threadClients {
		if tk.userID == info.userID {
			delete(set, peer)
		}
	}
	for tk, set := range h.threadAnchors {
		if tk.userID == info.userID {
			delete(set, peer)
		}
	}

	for k, v := range h.pendingFromClient {
		if k.target == peer || v == peer {
			delete(h.pendingFromClient, k)
		}
	}
	for k, v := range h.pendingFromAnchor {
		if k.target == peer || v == peer {
			delete(h.pendingFromAnchor, k)
		}
	}

	h.dispatch.purgePeer(h, ob, peer)

	if info.role == auth.RoleAnchor && info.anchorID != "" {
		for tk, anchorID := range h.threadAnchor {
			if tk.userID == info.userID && anchorID == info.anchorID {
				delete(h.threadAnchor, tk)
				if err := h.st.SetThreadAnchor(context.Background(), tk.userID, tk.threadID, ""); err != nil {
					log.Printf("hub: clear thread anchor for %s/%s: %v", tk.userID, tk.threadID, err)
				}
			}
		}
		for c := range h.userClients[info.userID] {
			ob.send(c, anchorDisconnectedFrame(info.anchorID))
		}
	}

	if replaceReason != "" {
		ob.close(peer, 1000, replaceReason)
	}
}

// HandleMessage is the single entry point for every inbound text frame.
func (h *Hub) HandleMessage(peer Peer, raw []byte) {
	ob := &outbox{}

	h.mu.Lock()
	h.handleMessageLocked(ob, peer, raw)
	h.mu.Unlock()

	ob.flush()
}

func (h *Hub) handleMessageLocked(ob *outbox, peer Peer, raw []byte) {
	info, ok := h.sockets[peer]
	if !ok {
		return
	}

	frame := protocol.Parse(raw)

	if frame.Type == "ping" {
		ob.send(peer, pongFrame)
		return
	}

	if strings.HasPrefix(frame.Type, "orbit.push-") {
		return
	}

	if frame.Type != "" {
		if h.handleControlLocked(ob, peer, info, frame, raw) {
			return
		}
	}

	if info.role == auth.RoleClient {
		h.routeClientToAnchorLocked(ob, peer, info, frame, raw)
	} else {
		h.routeAnchorToClientLocked(ob, peer, info, frame, raw)
	}
}

func (h *Hub) handleControlLocked(ob *outbox, peer Peer, info *socketInfo, frame protocol.Frame, raw []byte) bool {
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)

	switch frame.Type {
	case "orbit.subscribe":
		threadID := stringField(obj, "threadId")
		if threadID == "" {
			return true
		}
		h.subscribeLocked(ob, peer, info, threadID)
		return true

	case "orbit.unsubscribe":
		threadID := stringField(obj, "threadId")
		if threadID == "" {
			return true
		}
		tk := threadKey{userID: info.userID, threadID: threadID}
		if info.role == auth.RoleClient {
			delete(h.threadClients[tk], peer)
		} else {
			delete(h.threadAnchors[tk], peer)
		}
		return true

	case "orbit.list-anchors":
		if info.role != auth.RoleClient {
			return true
		}
		ob.send(peer, anchorsFrame(h.listAnchorsLocked(info.userID)))
		return true

	case "orbit.artifacts.list":
		if info.role != auth.RoleClient {
			return true
		}
		h.handleArtifactsListLocked(ob, peer, info, obj)
		return true

	case "orbit.multi-dispatch":
		if info.role != auth.RoleClient {
			return true
		}
		h.startMultiDispatchLocked(ob, peer, info, obj)
		return true

	case "anchor.hello":
		if info.role != auth.RoleAnchor {
			return true
		}
		h.handleAnchorHelloLocked(ob, peer, info, obj)
		return true
	}

	return false
}

func (h *Hub) subscribeLocked(ob *outbox, peer Peer, info *socketInfo, threadID string) {
	tk := threadKey{userID: info.userID, threadID: threadID}

	if info.role == auth.RoleAnchor {
		if h.threadAnchors[tk] == nil {
			h.threadAnchors[tk] = make(map[Peer]bool)
		}
		h.threadAnchors[tk][peer] = true

		if info.anchorID != "" {
			h.threadAnchor[tk] = info.anchorID
			if err := h.st.SetThreadAnchor(context.Background(), info.userID, threadID, info.anchorID); err != nil {
				log.Printf("hub: set thread anchor for %s/%s: %v", info.userID, threadID, err)
			}
		}

		ob.send(peer, subscribedFrame(threadID))
		return
	}

	if h.threadClients[tk] == nil {
		h.threadClients[tk] = make(map[Peer]bool)
	}
	h.threadClients[tk][peer] = true

	ob.send(peer, subscribedFrame(threadID))

	boundAnchorID, turn, replay := h.replayLocked(info.userID, threadID)
	ob.send(peer, relayStateFrame(threadID, boundAnchorID, turn, len(replay)))
	for _, msg := range replay {
		ob.send(peer, []byte(msg))
	}

	for a := range h.threadAnchors[tk] {
		ob.send(a, clientSubscribedFrame(threadID))
	}
}

func (h *Hub) replayLocked(userID, threadID string) (string, *turnView, []string) {
	ctx := context.Background()

	state, err := h.st.GetThreadState(ctx, userID, threadID)
	if err != nil {
		log.Printf("hub: get thread state for %s/%s: %v", userID, threadID, err)
	}

	var boundAnchorID string
	var turn *turnView
	if state != nil {
		boundAnchorID = state.BoundAnchorID
		if state.TurnID != "" || state.TurnStatus != "" {
			turn = &turnView{ID: state.TurnID, Status: state.TurnStatus}
		}
	}

	retention := h.retention()
	msgs, err := h.st.ListThreadMessages(ctx, userID, threadID, retention)
	if err != nil {
		log.Printf("hub: list thread messages for %s/%s: %v", userID, threadID, err)
		return boundAnchorID, turn, nil
	}

	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Raw)
	}
	return boundAnchorID, turn, out
}

func (h *Hub) listAnchorsLocked(userID string) []anchorView {
	var out []anchorView
	for peer := range h.userAnchors[userID] {
		meta, ok := h.anchorMetas[peer]
		if !ok {
			continue
		}
		out = append(out, anchorView{
			AnchorID:    meta.anchorID,
			Hostname:    meta.hostname,
			Platform:    meta.platform,
			ConnectedAt: meta.connectedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func (h *Hub) handleArtifactsListLocked(ob *outbox, peer Peer, info *socketInfo, obj map[string]any) {
	threadID := stringField(obj, "threadId")
	requestID := stringField(obj, "requestId")
	limit := intField(obj, "limit", 200)
	beforeID := int64(intField(obj, "beforeId", 0))

	artifacts, err := h.ListArtifacts(context.Background(), info.userID, threadID, limit, beforeID)
	if err != nil {
		log.Printf("hub: list artifacts for %s/%s: %v", info.userID, threadID, err)
		return
	}

	views := make([]artifactView, 0, len(artifacts))
	var nextBeforeID *int64
	for _, a := range artifacts {
		views = append(views, artifactView{
			ID:           a.ID,
			ThreadID:     a.ThreadID,
			TurnID:       a.TurnID,
			AnchorID:     a.AnchorID,
			ItemID:       a.ItemID,
			ArtifactType: a.ArtifactType,
			ItemType:     a.ItemType,
			Summary:      a.Summary,
			Payload:      decodePayload(a.Payload),
			CreatedAt:    a.CreatedAt.UTC().Format(time.RFC3339),
		})
		id := a.ID
		nextBeforeID = &id
	}

	ob.send(peer, artifactsFrame(threadID, views, nextBeforeID, requestID))
}

// handleAnchorHelloLocked registers the anchor under anchorId, else
// deviceId, else a freshly generated id. A generated id is not sent back to
// the anchor or to anyone else before orbit.anchor-connected, so clients can
// only target such an anchor after learning its id from that notice or
// from orbit.list-anchors.
func (h *Hub) handleAnchorHelloLocked(ob *outbox, peer Peer, info *socketInfo, obj map[string]any) {
	anchorID := stringField(obj, "anchorId")
	if anchorID == "" {
		anchorID = stringField(obj, "deviceId")
	}
	if anchorID == "" {
		anchorID = auth.NewID()
	}

	key := userKey{userID: info.userID, id: anchorID}
	if prior, ok := h.anchorByID[key]; ok && prior != peer {
		h.teardownLocked(ob, prior, "replaced by newer connection")
	}

	info.anchorID = anchorID
	h.anchorByID[key] = peer
	h.anchorMetas[peer] = anchorMeta{
		anchorID:    anchorID,
		hostname:    stringField(obj, "hostname"),
		platform:    stringField(obj, "platform"),
		connectedAt: time.Now(),
	}

	for c := range h.userClients[info.userID] {
		ob.send(c, anchorConnectedFrame(anchorID))
	}
}

func (h *Hub) retention() int {
	if h.cfg == nil {
		return 200
	}
	n := h.cfg.Get().MessageRetention
	if n <= 0 {
		return 200
	}
	return n
}

func (h *Hub) dispatchTimeout() time.Duration {
	if h.cfg == nil {
		return 15 * time.Second
	}
	return h.cfg.Get().MultiDispatchTimeoutDuration()
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return strings.TrimSpace(s)
}

func intField(obj map[string]any, key string, def int) int {
	v, ok := obj[key]
	if !ok {
		return def
	}
	f, ok := v.(float64)
	if !ok {
		return def
	}
	return int(f)
}
