package hub

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"
)

// innerRef locates a single fanned-out request: the anchor peer it was
// sent to and the inner request id assigned to it.
type innerRef struct {
	peer    Peer
	innerID string
}

// pendingEntry is the reverse-lookup record stored per (anchor peer, inner
// id): which aggregate and which original anchor id it belongs to.
type pendingEntry struct {
	agg      *aggregate
	anchorID string
}

// aggregate is one client-initiated multi-dispatch fan-out in flight.
type aggregate struct {
	requester Peer
	requestID string
	order     []string // anchor ids, original order
	results   map[string]multiResultEntry
	pending   map[string]innerRef // anchor id -> where its request went; shrinks to empty on completion
	timer     *time.Timer
	done      bool
}

// dispatchState indexes in-flight aggregates two ways: by the anchor peer
// each fanned-out request was sent to (for response matching and
// anchor-disconnect cleanup) and by requester (for requester-disconnect
// cleanup).
type dispatchState struct {
	byPeer      map[Peer]map[string]*pendingEntry // anchor peer -> inner id -> entry
	byRequester map[Peer]map[*aggregate]bool
}

func newDispatchState() *dispatchState {
	return &dispatchState{
		byPeer:      make(map[Peer]map[string]*pendingEntry),
		byRequester: make(map[Peer]map[*aggregate]bool),
	}
}

func randHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func cloneShallow(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stringSliceField(obj map[string]any, keys ...string) []string {
	for _, key := range keys {
		raw, ok := obj[key].([]any)
		if !ok {
			continue
		}
		seen := make(map[string]bool, len(raw))
		var out []string
		for _, v := range raw {
			s, ok := v.(string)
			if !ok || s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
		return out
	}
	return nil
}

func (h *Hub) startMultiDispatchLocked(ob *outbox, peer Peer, info *socketInfo, obj map[string]any) {
	requestID := stringField(obj, "requestId")
	if requestID == "" {
		requestID = randHex(8)
	}

	ids := stringSliceField(obj, "anchorIds", "anchors")
	if ids == nil {
		for p := range h.userAnchors[info.userID] {
			if anchorInfo, ok := h.sockets[p]; ok && anchorInfo.anchorID != "" {
				ids = append(ids, anchorInfo.anchorID)
			}
		}
	}

	var template map[string]any
	if r, ok := obj["request"].(map[string]any); ok {
		template = r
	} else if p, ok := obj["payload"].(map[string]any); ok {
		template = p
	} else {
		template = map[string]any{}
		if m, ok := obj["method"].(string); ok {
			template["method"] = m
		}
		if p, ok := obj["params"]; ok {
			template["params"] = p
		}
	}

	agg := &aggregate{
		requester: peer,
		requestID: requestID,
		order:     ids,
		results:   make(map[string]multiResultEntry, len(ids)),
		pending:   make(map[string]innerRef, len(ids)),
	}

	for _, anchorID := range ids {
		anchorPeer, ok := h.anchorByID[userKey{userID: info.userID, id: anchorID}]
		if !ok {
			agg.results[anchorID] = multiResultEntry{AnchorID: anchorID, OK: false, Error: errorData{Code: "anchor_not_found"}}
			continue
		}

		innerID := requestID + ":" + anchorID + ":" + randHex(4)
		clone := cloneShallow(template)
		clone["id"] = innerID
		raw, err := json.Marshal(clone)
		if err != nil {
			agg.results[anchorID] = multiResultEntry{AnchorID: anchorID, OK: false, Error: errorData{Code: "invalid_request"}}
			continue
		}

		if h.dispatch.byPeer[anchorPeer] == nil {
			h.dispatch.byPeer[anchorPeer] = make(map[string]*pendingEntry)
		}
		h.dispatch.byPeer[anchorPeer][innerID] = &pendingEntry{agg: agg, anchorID: anchorID}
		agg.pending[anchorID] = innerRef{peer: anchorPeer, innerID: innerID}

		ob.send(anchorPeer, raw)
	}

	if len(agg.pending) == 0 {
		h.finalizeAggregateLocked(ob, agg)
		return
	}

	if h.dispatch.byRequester[peer] == nil {
		h.dispatch.byRequester[peer] = make(map[*aggregate]bool)
	}
	h.dispatch.byRequester[peer][agg] = true

	agg.timer = time.AfterFunc(h.dispatchTimeout(), func() { h.onDispatchTimeout(agg) })
}

// onDispatchTimeout is the timer's finalisation path: any anchor still
// pending when the configured window (15s by default) elapses is marked
// as timed out.
func (h *Hub) onDispatchTimeout(agg *aggregate) {
	ob := &outbox{}

	h.mu.Lock()
	if !agg.done {
		for anchorID, ref := range agg.pending {
			h.removePendingRef(ref)
			agg.results[anchorID] = multiResultEntry{AnchorID: anchorID, OK: false, Error: errorData{Code: "timeout"}}
		}
		agg.pending = map[string]innerRef{}
		h.finalizeAggregateLocked(ob, agg)
	}
	h.mu.Unlock()

	ob.flush()
}

func (h *Hub) removePendingRef(ref innerRef) {
	m, ok := h.dispatch.byPeer[ref.peer]
	if !ok {
		return
	}
	delete(m, ref.innerID)
	if len(m) == 0 {
		delete(h.dispatch.byPeer, ref.peer)
	}
}

// finalizeAggregateLocked emits orbit.multi-dispatch.result and retires the
// aggregate. Guarded by agg.done so the timer path and the natural
// last-response path can both call it safely.
func (h *Hub) finalizeAggregateLocked(ob *outbox, agg *aggregate) {
	if agg.done {
		return
	}
	agg.done = true

	if agg.timer != nil {
		agg.timer.Stop()
	}
	if reqs, ok := h.dispatch.byRequester[agg.requester]; ok {
		delete(reqs, agg)
		if len(reqs) == 0 {
			delete(h.dispatch.byRequester, agg.requester)
		}
	}

	results := make([]multiResultEntry, len(agg.order))
	for i, id := range agg.order {
		results[i] = agg.results[id]
	}
	ob.send(agg.requester, multiDispatchResultFrame(agg.requestID, results))
}

// resolveInner matches an anchor's response frame against the secondary
// multi-dispatch pending map, updates the aggregate slot, and finalises it
// if that was the last outstanding anchor.
func (d *dispatchState) resolveInner(h *Hub, ob *outbox, anchorPeer Peer, innerID string, raw []byte) bool {
	refs, ok := d.byPeer[anchorPeer]
	if !ok {
		return false
	}
	entry, ok := refs[innerID]
	if !ok {
		return false
	}

	delete(refs, innerID)
	if len(refs) == 0 {
		delete(d.byPeer, anchorPeer)
	}

	agg := entry.agg
	delete(agg.pending, entry.anchorID)

	var resp any
	if err := json.Unmarshal(raw, &resp); err != nil {
		resp = string(raw)
	}
	agg.results[entry.anchorID] = multiResultEntry{AnchorID: entry.anchorID, OK: true, Response: resp}

	if len(agg.pending) == 0 {
		h.finalizeAggregateLocked(ob, agg)
	}
	return true
}

// purgePeer removes every trace of a disconnecting peer from in-flight
// multi-dispatch state: as a fan-out target (its still-pending slots are
// resolved to anchor_not_found and their aggregates may complete), and as
// a requester (its aggregates are torn down silently — there is no one
// left to deliver a result to).
func (d *dispatchState) purgePeer(h *Hub, ob *outbox, peer Peer) {
	if refs, ok := d.byPeer[peer]; ok {
		delete(d.byPeer, peer)
		affected := make(map[*aggregate]bool, len(refs))
		for _, entry := range refs {
			agg := entry.agg
			delete(agg.pending, entry.anchorID)
			agg.results[entry.anchorID] = multiResultEntry{AnchorID: entry.anchorID, OK: false, Error: errorData{Code: "anchor_not_found"}}
			affected[agg] = true
		}
		for agg := range affected {
			if len(agg.pending) == 0 && !agg.done {
				h.finalizeAggregateLocked(ob, agg)
			}
		}
	}

	if aggs, ok := d.byRequester[peer]; ok {
		for agg := range aggs {
			agg.done = true
			if agg.timer != nil {
				agg.timer.Stop()
			}
			for _, ref := range agg.pending {
				h.removePendingRef(ref)
			}
		}
		delete(d.byRequester, peer)
	}
}
