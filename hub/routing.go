package hub

import (
	"context"
	"log"

	"github.com/orbit-relay/hub/protocol"
)

var routingErrorMessages = map[string]string{
	"anchor_not_found":       "anchor not found",
	"anchor_offline":         "anchor is not connected",
	"anchor_required":        "multiple anchors connected; anchor id required",
	"thread_anchor_mismatch": "thread is bound to a different anchor",
	"timeout":                "timed out waiting for anchor response",
}

func routingErrorMessage(code string) string {
	if msg, ok := routingErrorMessages[code]; ok {
		return msg
	}
	return code
}

// boundAnchorLocked returns the thread's bound anchor id, consulting the
// in-memory memo first and lazily warming it from storage (persistence is
// the source of truth across process restarts; the memo exists purely to
// avoid a storage round trip on the hot path).
func (h *Hub) boundAnchorLocked(userID, threadID string) (string, bool) {
	tk := threadKey{userID: userID, threadID: threadID}
	if v, ok := h.threadAnchor[tk]; ok {
		return v, v != ""
	}

	state, err := h.st.GetThreadState(context.Background(), userID, threadID)
	if err != nil {
		log.Printf("hub: get thread state for %s/%s: %v", userID, threadID, err)
		return "", false
	}
	if state == nil || state.BoundAnchorID == "" {
		return "", false
	}
	h.threadAnchor[tk] = state.BoundAnchorID
	return state.BoundAnchorID, true
}

// bindThreadAnchorLocked writes through to storage before updating the memo
// (spec.md §9: a crash between the two leaves at worst a stale memo,
// rebuilt on next read, never a stale storage row).
func (h *Hub) bindThreadAnchorLocked(userID, threadID, anchorID string) {
	tk := threadKey{userID: userID, threadID: threadID}
	if h.threadAnchor[tk] == anchorID {
		return
	}
	if err := h.st.SetThreadAnchor(context.Background(), userID, threadID, anchorID); err != nil {
		log.Printf("hub: set thread anchor for %s/%s: %v", userID, threadID, err)
	}
	h.threadAnchor[tk] = anchorID
}

// resolveTargetLocked implements the client→anchor target resolution state
// machine of spec.md §4.5.3.
func (h *Hub) resolveTargetLocked(userID, threadID, anchorID string) (Peer, string, string) {
	if anchorID != "" {
		// Thread-binding conflicts are reported even if the requested
		// anchor itself isn't connected: a stale/wrong anchor id against
		// an already-bound thread is a binding error, not a lookup miss.
		if threadID != "" {
			if bound, has := h.boundAnchorLocked(userID, threadID); has && bound != anchorID {
				return nil, "", "thread_anchor_mismatch"
			}
		}
		peer, ok := h.anchorByID[userKey{userID: userID, id: anchorID}]
		if !ok {
			return nil, "", "anchor_not_found"
		}
		return peer, anchorID, ""
	}

	if threadID != "" {
		if bound, has := h.boundAnchorLocked(userID, threadID); has {
			peer, ok := h.anchorByID[userKey{userID: userID, id: bound}]
			if !ok {
				return nil, "", "anchor_offline"
			}
			return peer, bound, ""
		}

		tk := threadKey{userID: userID, threadID: threadID}
		var matchPeer Peer
		var matchID string
		count := 0
		for p := range h.threadAnchors[tk] {
			info, ok := h.sockets[p]
			if !ok || info.anchorID == "" {
				continue
			}
			count++
			matchPeer, matchID = p, info.anchorID
		}
		switch {
		case count == 1:
			return matchPeer, matchID, ""
		case count > 1:
			return nil, "", "thread_anchor_mismatch"
		}
		// count == 0: fall through to the user's-anchor-set resolution below.
	}

	anchors := h.userAnchors[userID]
	switch len(anchors) {
	case 0:
		return nil, "", "anchor_offline"
	case 1:
		for p := range anchors {
			return p, h.sockets[p].anchorID, ""
		}
	}
	return nil, "", "anchor_required"
}

func (h *Hub) routeClientToAnchorLocked(ob *outbox, peer Peer, info *socketInfo, frame protocol.Frame, raw []byte) {
	if frame.HasID && !frame.HasMethod {
		pk := pendingKey{target: peer, reqKey: frame.RequestID}
		if anchorPeer, ok := h.pendingFromAnchor[pk]; ok {
			delete(h.pendingFromAnchor, pk)
			ob.send(anchorPeer, raw)
			return
		}
	}

	target, anchorID, errCode := h.resolveTargetLocked(info.userID, frame.ThreadID, frame.AnchorID)

	if target != nil && frame.ThreadID != "" {
		h.bindThreadAnchorLocked(info.userID, frame.ThreadID, anchorID)
	}

	if target != nil {
		if frame.HasMethod {
			h.pendingFromClient[pendingKey{target: target, reqKey: frame.RequestID}] = peer
		}
		ob.send(target, raw)
		return
	}

	if errCode != "" && frame.HasID {
		ob.send(peer, errorReplyFrame(frame.RequestID, routingErrorMessage(errCode), errCode))
	}
}

// resolveClientTargetsLocked resolves the broadcast set for an anchor→client
// frame: the thread's subscribed clients if any exist, else the whole
// user's client set (spec.md §4.5.2 Anchor→Client step 2).
func (h *Hub) resolveClientTargetsLocked(userID, threadID string) map[Peer]bool {
	if threadID != "" {
		tk := threadKey{userID: userID, threadID: threadID}
		if subs := h.threadClients[tk]; len(subs) > 0 {
			return subs
		}
	}
	return h.userClients[userID]
}

func (h *Hub) routeAnchorToClientLocked(ob *outbox, peer Peer, info *socketInfo, frame protocol.Frame, raw []byte) {
	if frame.HasID && !frame.HasMethod {
		if h.dispatch.resolveInner(h, ob, peer, frame.RequestID, raw) {
			return
		}

		pk := pendingKey{target: peer, reqKey: frame.RequestID}
		if clientPeer, ok := h.pendingFromClient[pk]; ok {
			delete(h.pendingFromClient, pk)
			if frame.ThreadID != "" {
				if info.anchorID != "" {
					h.bindThreadAnchorLocked(info.userID, frame.ThreadID, info.anchorID)
				}
				h.captureLocked(info.userID, frame.ThreadID, info.anchorID, frame, raw)
			}
			ob.send(clientPeer, raw)
			return
		}
	}

	if frame.ThreadID != "" && info.anchorID != "" {
		h.bindThreadAnchorLocked(info.userID, frame.ThreadID, info.anchorID)
	}

	targets := h.resolveClientTargetsLocked(info.userID, frame.ThreadID)

	if frame.HasMethod {
		for t := range targets {
			h.pendingFromAnchor[pendingKey{target: t, reqKey: frame.RequestID}] = peer
		}
	}

	if frame.ThreadID != "" {
		h.captureLocked(info.userID, frame.ThreadID, info.anchorID, frame, raw)
	}

	for t := range targets {
		ob.send(t, raw)
	}
}
