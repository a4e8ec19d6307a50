package hub

import (
	"context"
	"encoding/json"
	"log"

	"github.com/orbit-relay/hub/artifact"
	"github.com/orbit-relay/hub/protocol"
)

// captureLocked persists an anchor→client frame: it is appended to the
// thread's message log unconditionally, then inspected for turn and
// artifact updates (spec.md §4.6). Called synchronously from inside the
// hub lock, per the concurrency model's "storage calls are trusted fast
// operations" assumption — a slow disk should never be this relay's
// bottleneck given the SQLite WAL write path.
func (h *Hub) captureLocked(userID, threadID, anchorID string, frame protocol.Frame, raw []byte) {
	ctx := context.Background()

	if err := h.st.AppendThreadMessage(ctx, userID, threadID, string(raw), h.retention()); err != nil {
		log.Printf("hub: append thread message for %s/%s: %v", userID, threadID, err)
	}

	if !frame.HasMethod {
		return
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return
	}

	switch frame.Method {
	case "turn/started", "turn/completed":
		h.mergeTurnLocked(ctx, userID, threadID, obj)

	case "item/completed":
		h.captureArtifactLocked(ctx, userID, threadID, anchorID, obj)
	}
}

func (h *Hub) mergeTurnLocked(ctx context.Context, userID, threadID string, obj map[string]any) {
	turn := artifact.ExtractTurn(obj)
	if turn.ID == "" && turn.Status == "" {
		return
	}

	existing, err := h.st.GetThreadState(ctx, userID, threadID)
	if err != nil {
		log.Printf("hub: get thread state for %s/%s: %v", userID, threadID, err)
		return
	}

	turnID, turnStatus := turn.ID, turn.Status
	if existing != nil {
		if turnID == "" {
			turnID = existing.TurnID
		}
		if turnStatus == "" {
			turnStatus = existing.TurnStatus
		}
	}

	if err := h.st.SetThreadTurn(ctx, userID, threadID, turnID, turnStatus); err != nil {
		log.Printf("hub: set thread turn for %s/%s: %v", userID, threadID, err)
	}
}

func (h *Hub) captureArtifactLocked(ctx context.Context, userID, threadID, anchorID string, obj map[string]any) {
	currentTurnID := ""
	if state, err := h.st.GetThreadState(ctx, userID, threadID); err == nil && state != nil {
		currentTurnID = state.TurnID
	}

	rec, ok := artifact.FromItemCompleted(userID, threadID, anchorID, currentTurnID, obj)
	if !ok {
		return
	}

	if err := h.st.UpsertArtifact(ctx, rec, h.artifactRetention()); err != nil {
		log.Printf("hub: upsert artifact for %s/%s: %v", userID, threadID, err)
	}
}

func (h *Hub) artifactRetention() int {
	if h.cfg == nil {
		return 200
	}
	n := h.cfg.Get().ArtifactRetention
	if n <= 0 {
		return 200
	}
	return n
}
