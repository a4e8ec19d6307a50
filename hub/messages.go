package hub

import (
	"encoding/json"
	"time"
)

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Only hub-constructed structs pass through here; a marshal
		// failure means a programming error, not bad input.
		panic(err)
	}
	return b
}

type helloMsg struct {
	Type string `json:"type"`
	Role string `json:"role"`
	TS   int64  `json:"ts"`
}

func helloFrame(role string) []byte {
	return mustJSON(helloMsg{Type: "orbit.hello", Role: role, TS: time.Now().UnixMilli()})
}

type pongMsg struct {
	Type string `json:"type"`
}

var pongFrame = mustJSON(pongMsg{Type: "pong"})

type subscribedMsg struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId"`
}

func subscribedFrame(threadID string) []byte {
	return mustJSON(subscribedMsg{Type: "orbit.subscribed", ThreadID: threadID})
}

type clientSubscribedMsg struct {
	Type     string `json:"type"`
	ThreadID string `json:"threadId"`
}

func clientSubscribedFrame(threadID string) []byte {
	return mustJSON(clientSubscribedMsg{Type: "orbit.client-subscribed", ThreadID: threadID})
}

type turnView struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type relayStateMsg struct {
	Type          string    `json:"type"`
	ThreadID      string    `json:"threadId"`
	BoundAnchorID string    `json:"boundAnchorId,omitempty"`
	Turn          *turnView `json:"turn"`
	Replayed      int       `json:"replayed"`
}

func relayStateFrame(threadID, boundAnchorID string, turn *turnView, replayed int) []byte {
	return mustJSON(relayStateMsg{
		Type:          "orbit.relay-state",
		ThreadID:      threadID,
		BoundAnchorID: boundAnchorID,
		Turn:          turn,
		Replayed:      replayed,
	})
}

type anchorView struct {
	AnchorID    string `json:"anchorId"`
	Hostname    string `json:"hostname"`
	Platform    string `json:"platform"`
	ConnectedAt string `json:"connectedAt"`
}

type anchorsMsg struct {
	Type    string       `json:"type"`
	Anchors []anchorView `json:"anchors"`
}

func anchorsFrame(anchors []anchorView) []byte {
	if anchors == nil {
		anchors = []anchorView{}
	}
	return mustJSON(anchorsMsg{Type: "orbit.anchors", Anchors: anchors})
}

type anchorConnectedMsg struct {
	Type     string `json:"type"`
	AnchorID string `json:"anchorId"`
}

func anchorConnectedFrame(anchorID string) []byte {
	return mustJSON(anchorConnectedMsg{Type: "orbit.anchor-connected", AnchorID: anchorID})
}

type anchorDisconnectedMsg struct {
	Type     string `json:"type"`
	AnchorID string `json:"anchorId"`
}

func anchorDisconnectedFrame(anchorID string) []byte {
	return mustJSON(anchorDisconnectedMsg{Type: "orbit.anchor-disconnected", AnchorID: anchorID})
}

type artifactView struct {
	ID           int64  `json:"id"`
	ThreadID     string `json:"threadId"`
	TurnID       string `json:"turnId"`
	AnchorID     string `json:"anchorId"`
	ItemID       string `json:"itemId"`
	ArtifactType string `json:"artifactType"`
	ItemType     string `json:"itemType"`
	Summary      string `json:"summary"`
	Payload      any    `json:"payload"`
	CreatedAt    string `json:"createdAt"`
}

type artifactsMsg struct {
	Type         string         `json:"type"`
	ThreadID     string         `json:"threadId,omitempty"`
	Artifacts    []artifactView `json:"artifacts"`
	NextBeforeID *int64         `json:"nextBeforeId"`
	RequestID    string         `json:"requestId,omitempty"`
}

func artifactsFrame(threadID string, views []artifactView, nextBeforeID *int64, requestID string) []byte {
	if views == nil {
		views = []artifactView{}
	}
	return mustJSON(artifactsMsg{
		Type:         "orbit.artifacts",
		ThreadID:     threadID,
		Artifacts:    views,
		NextBeforeID: nextBeforeID,
		RequestID:    requestID,
	})
}

type multiResultEntry struct {
	AnchorID string `json:"anchorId"`
	OK       bool   `json:"ok"`
	Response any    `json:"response,omitempty"`
	Error    any    `json:"error,omitempty"`
}

type multiDispatchResultMsg struct {
	Type        string             `json:"type"`
	RequestID   string             `json:"requestId"`
	Results     []multiResultEntry `json:"results"`
	CompletedAt string             `json:"completedAt"`
}

func multiDispatchResultFrame(requestID string, results []multiResultEntry) []byte {
	return mustJSON(multiDispatchResultMsg{
		Type:        "orbit.multi-dispatch.result",
		RequestID:   requestID,
		Results:     results,
		CompletedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

type errorData struct {
	Code string `json:"code"`
}

type errorObj struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    errorData `json:"data"`
}

type errorReplyMsg struct {
	ID    string   `json:"id"`
	Error errorObj `json:"error"`
}

// errorReplyFrame builds the routing-error RPC reply of spec.md §4.7.
func errorReplyFrame(requestID, message, code string) []byte {
	return mustJSON(errorReplyMsg{
		ID: requestID,
		Error: errorObj{
			Code:    -32001,
			Message: message,
			Data:    errorData{Code: code},
		},
	})
}

func decodePayload(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
