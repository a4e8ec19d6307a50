package hub_test

import (
	"context"
	"testing"
)

// S1 — a client's RPC request addressed directly at a connected anchor
// reaches it verbatim, and the anchor's reply is routed back to the
// originating client.
func TestBasicClientAnchorRPC(t *testing.T) {
	h := newTestHub(t)

	anchor := newFakePeer("anchor-one")
	registerAnchor(t, h, "U", anchor)
	anchorHello(t, h, anchor, "anchor-one")

	client := newFakePeer("client")
	registerClient(t, h, "U", "", client)

	sendFrame(t, h, client, map[string]any{
		"id":     900,
		"method": "thread/start",
		"params": map[string]any{"cwd": ".", "anchorId": "anchor-one"},
	})

	got := anchor.last()
	if got == nil || got["method"] != "thread/start" {
		t.Fatalf("anchor did not receive the forwarded request, got %v", got)
	}
	if got["id"].(float64) != 900 {
		t.Fatalf("expected id 900, got %v", got["id"])
	}

	anchor.reset()
	sendFrame(t, h, anchor, map[string]any{
		"id":     900,
		"result": map[string]any{"thread": map[string]any{"id": "T"}},
	})

	reply := client.last()
	if reply == nil || reply["id"].(float64) != 900 {
		t.Fatalf("client did not receive the anchor's reply, got %v", reply)
	}
	if _, ok := reply["result"]; !ok {
		t.Fatalf("expected a result field in the reply, got %v", reply)
	}

	// The thread-to-anchor binding should now be sticky: a fresh client
	// subscribing to "T" sees it as the bound anchor.
	other := newFakePeer("other-client")
	registerClient(t, h, "U", "", other)
	subscribe(t, h, other, "T")

	state := other.byType("orbit.relay-state")
	if len(state) != 1 {
		t.Fatalf("expected exactly one orbit.relay-state frame, got %d", len(state))
	}
	if state[0]["boundAnchorId"] != "anchor-one" {
		t.Fatalf("expected boundAnchorId=anchor-one, got %v", state[0]["boundAnchorId"])
	}
}

// S2 — once a thread is bound, a client request naming a different
// anchor id for that thread is rejected with thread_anchor_mismatch and
// never reaches any anchor.
func TestThreadBindingMismatch(t *testing.T) {
	h := newTestHub(t)

	anchorOne := newFakePeer("anchor-one")
	registerAnchor(t, h, "U", anchorOne)
	anchorHello(t, h, anchorOne, "anchor-one")

	client := newFakePeer("client")
	registerClient(t, h, "U", "", client)

	sendFrame(t, h, client, map[string]any{
		"id":     900,
		"method": "thread/start",
		"params": map[string]any{"anchorId": "anchor-one"},
	})
	anchorOne.reset()
	sendFrame(t, h, anchorOne, map[string]any{
		"id":     900,
		"result": map[string]any{"thread": map[string]any{"id": "T"}},
	})

	client.reset()
	anchorOne.reset()

	sendFrame(t, h, client, map[string]any{
		"id":     902,
		"method": "turn/start",
		"params": map[string]any{"threadId": "T", "anchorId": "anchor-two"},
	})

	if len(anchorOne.raws()) != 0 {
		t.Fatalf("expected no frame delivered to any anchor, got %d", len(anchorOne.raws()))
	}

	reply := client.last()
	if reply == nil {
		t.Fatalf("expected an error reply to the client")
	}
	if reply["id"] != "902" {
		t.Fatalf("expected error reply id \"902\", got %v", reply["id"])
	}
	errObj, _ := reply["error"].(map[string]any)
	if errObj == nil {
		t.Fatalf("expected an error object, got %v", reply)
	}
	data, _ := errObj["data"].(map[string]any)
	if data == nil || data["code"] != "thread_anchor_mismatch" {
		t.Fatalf("expected data.code=thread_anchor_mismatch, got %v", errObj)
	}
}

// S3 — two anchor sockets registering under the same anchor id: the first
// is replaced, closed with code 1000, and that user's clients see
// anchor-disconnected followed by anchor-connected for the same id.
func TestAnchorReplacement(t *testing.T) {
	h := newTestHub(t)

	client := newFakePeer("client")
	registerClient(t, h, "U", "", client)

	first := newFakePeer("first")
	registerAnchor(t, h, "U", first)
	anchorHello(t, h, first, "X")

	client.reset()

	second := newFakePeer("second")
	registerAnchor(t, h, "U", second)
	anchorHello(t, h, second, "X")

	closed, code, reason := first.isClosed()
	if !closed {
		t.Fatalf("expected the first socket to be closed")
	}
	if code != 1000 {
		t.Fatalf("expected close code 1000, got %d", code)
	}
	if reason != "replaced by newer connection" {
		t.Fatalf("expected reason %q, got %q", "replaced by newer connection", reason)
	}

	msgs := client.messages()
	var sawDisconnected, sawConnectedAfter bool
	for _, m := range msgs {
		if m["type"] == "orbit.anchor-disconnected" && m["anchorId"] == "X" {
			sawDisconnected = true
		}
		if m["type"] == "orbit.anchor-connected" && m["anchorId"] == "X" && sawDisconnected {
			sawConnectedAfter = true
		}
	}
	if !sawDisconnected {
		t.Fatalf("expected orbit.anchor-disconnected for X, got %v", msgs)
	}
	if !sawConnectedAfter {
		t.Fatalf("expected orbit.anchor-connected for X after the disconnect notice, got %v", msgs)
	}
}

// S4 — a newly subscribing client replays the bound anchor, the current
// turn, and the message log in original order.
func TestReplay(t *testing.T) {
	h := newTestHub(t)

	anchor := newFakePeer("anchor")
	registerAnchor(t, h, "U", anchor)
	anchorHello(t, h, anchor, "anchor-r")
	subscribe(t, h, anchor, "R")
	anchor.reset()

	sendFrame(t, h, anchor, map[string]any{
		"method": "turn/started",
		"params": map[string]any{"threadId": "R", "turn": map[string]any{"id": "t1"}},
	})
	sendFrame(t, h, anchor, map[string]any{
		"method": "item/agentMessage/delta",
		"params": map[string]any{"threadId": "R", "text": "hi"},
	})

	clientA := newFakePeer("clientA")
	registerClient(t, h, "U", "", clientA)
	subscribe(t, h, clientA, "R")

	live := clientA.messages()
	var sawTurnStarted, sawDelta bool
	for _, m := range live {
		if m["method"] == "turn/started" {
			sawTurnStarted = true
		}
		if m["method"] == "item/agentMessage/delta" {
			sawDelta = true
		}
	}
	if !sawTurnStarted || !sawDelta {
		t.Fatalf("expected clientA to see both live frames via replay, got %v", live)
	}

	h.Unregister(clientA)

	clientB := newFakePeer("clientB")
	registerClient(t, h, "U", "", clientB)
	subscribe(t, h, clientB, "R")

	msgs := clientB.messages()
	if len(msgs) < 4 {
		t.Fatalf("expected at least subscribed+relay-state+2 replayed frames, got %d: %v", len(msgs), msgs)
	}
	if msgs[0]["type"] != "orbit.subscribed" {
		t.Fatalf("expected first frame orbit.subscribed, got %v", msgs[0])
	}
	if msgs[1]["type"] != "orbit.relay-state" {
		t.Fatalf("expected second frame orbit.relay-state, got %v", msgs[1])
	}
	if msgs[1]["boundAnchorId"] != "anchor-r" {
		t.Fatalf("expected boundAnchorId=anchor-r, got %v", msgs[1]["boundAnchorId"])
	}
	turn, _ := msgs[1]["turn"].(map[string]any)
	if turn == nil || turn["id"] != "t1" {
		t.Fatalf("expected turn.id=t1, got %v", msgs[1]["turn"])
	}
	replayed, _ := msgs[1]["replayed"].(float64)
	if replayed < 2 {
		t.Fatalf("expected replayed>=2, got %v", replayed)
	}
	if msgs[2]["method"] != "turn/started" {
		t.Fatalf("expected third frame to be the replayed turn/started, got %v", msgs[2])
	}
	if msgs[3]["method"] != "item/agentMessage/delta" {
		t.Fatalf("expected fourth frame to be the replayed delta, got %v", msgs[3])
	}
}

// S5 — a recognised item/completed frame produces a deduplicated artifact
// record with the documented summary shape.
func TestArtifactCapture(t *testing.T) {
	h := newTestHub(t)

	anchor := newFakePeer("anchor")
	registerAnchor(t, h, "U", anchor)
	anchorHello(t, h, anchor, "anchor-a")

	sendFrame(t, h, anchor, map[string]any{
		"method": "item/completed",
		"params": map[string]any{
			"threadId": "A",
			"item": map[string]any{
				"type":     "commandExecution",
				"command":  "echo hi",
				"exitCode": 0,
				"id":       "cmd-1",
			},
		},
	})

	artifacts, err := h.ListArtifacts(context.Background(), "U", "A", 200, 0)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected exactly one artifact, got %d", len(artifacts))
	}
	a := artifacts[0]
	if a.ArtifactType != "command" {
		t.Errorf("expected artifactType=command, got %q", a.ArtifactType)
	}
	if a.ItemID != "cmd-1" {
		t.Errorf("expected itemId=cmd-1, got %q", a.ItemID)
	}
	if a.Summary != "echo hi (exit=0)" {
		t.Errorf(`expected summary "echo hi (exit=0)", got %q`, a.Summary)
	}
}

// S6 — a client-initiated multi-dispatch fans a single RPC out to every
// named anchor and aggregates the individual responses in original order.
func TestMultiDispatchAggregation(t *testing.T) {
	h := newTestHub(t)

	a := newFakePeer("a")
	registerAnchor(t, h, "U", a)
	anchorHello(t, h, a, "a")

	b := newFakePeer("b")
	registerAnchor(t, h, "U", b)
	anchorHello(t, h, b, "b")

	client := newFakePeer("client")
	registerClient(t, h, "U", "", client)

	sendFrame(t, h, client, map[string]any{
		"type":      "orbit.multi-dispatch",
		"requestId": "md-1",
		"anchorIds": []any{"a", "b"},
		"request": map[string]any{
			"id":     77,
			"method": "anchor.echo",
			"params": map[string]any{"value": "ping"},
		},
	})

	for _, p := range []*fakePeer{a, b} {
		req := p.last()
		if req == nil || req["method"] != "anchor.echo" {
			t.Fatalf("expected anchor.echo delivered, got %v", req)
		}
		innerID, _ := req["id"].(string)
		if innerID == "" {
			t.Fatalf("expected a string inner id, got %v", req["id"])
		}
		sendFrame(t, h, p, map[string]any{
			"id":     innerID,
			"result": map[string]any{"ok": true},
		})
	}

	result := client.last()
	if result == nil || result["type"] != "orbit.multi-dispatch.result" {
		t.Fatalf("expected orbit.multi-dispatch.result, got %v", result)
	}
	if result["requestId"] != "md-1" {
		t.Fatalf("expected requestId=md-1, got %v", result["requestId"])
	}
	results, _ := result["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("expected two result entries, got %d", len(results))
	}
	first, _ := results[0].(map[string]any)
	second, _ := results[1].(map[string]any)
	if first["anchorId"] != "a" || second["anchorId"] != "b" {
		t.Fatalf("expected original order [a, b], got %v then %v", first["anchorId"], second["anchorId"])
	}
	if first["ok"] != true || second["ok"] != true {
		t.Fatalf("expected both entries ok=true, got %v", results)
	}
}

// S7 — per-user namespacing: a frame addressed at an anchor id shared by
// two users only reaches the sender's own anchor, and orbit.list-anchors
// never leaks across users.
func TestCrossUserIsolation(t *testing.T) {
	h := newTestHub(t)

	anchor1 := newFakePeer("anchor1")
	registerAnchor(t, h, "U1", anchor1)
	anchorHello(t, h, anchor1, "shared")

	anchor2 := newFakePeer("anchor2")
	registerAnchor(t, h, "U2", anchor2)
	anchorHello(t, h, anchor2, "shared")

	client1 := newFakePeer("client1")
	registerClient(t, h, "U1", "", client1)

	sendFrame(t, h, client1, map[string]any{
		"id":     1,
		"method": "ping.anchor",
		"params": map[string]any{"anchorId": "shared"},
	})

	if len(anchor2.raws()) != 0 {
		t.Fatalf("expected U2's anchor to receive nothing, got %d frames", len(anchor2.raws()))
	}
	got := anchor1.last()
	if got == nil || got["method"] != "ping.anchor" {
		t.Fatalf("expected U1's anchor to receive the request, got %v", got)
	}

	client1.reset()
	sendFrame(t, h, client1, map[string]any{"type": "orbit.list-anchors"})
	reply := client1.last()
	if reply == nil || reply["type"] != "orbit.anchors" {
		t.Fatalf("expected orbit.anchors reply, got %v", reply)
	}
	anchors, _ := reply["anchors"].([]any)
	if len(anchors) != 1 {
		t.Fatalf("expected exactly one anchor listed for U1, got %d: %v", len(anchors), anchors)
	}
	entry, _ := anchors[0].(map[string]any)
	if entry["anchorId"] != "shared" {
		t.Fatalf("expected the listed anchor id to be 'shared', got %v", entry)
	}

	counts1, counts2 := 0, 0
	for range anchor1.raws() {
		counts1++
	}
	for range anchor2.raws() {
		counts2++
	}
	if counts2 != 0 {
		t.Fatalf("U2's anchor socket must never observe U1 traffic, saw %d frames", counts2)
	}
}
