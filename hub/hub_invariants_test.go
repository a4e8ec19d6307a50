package hub_test

import (
	"context"
	"testing"
	"time"

	"github.com/orbit-relay/hub/auth"
	"github.com/orbit-relay/hub/config"
)

// register(s); unregister(s) restores the pre-registration counts.
func TestRegisterUnregisterRestoresCounts(t *testing.T) {
	h := newTestHub(t)

	c0, a0 := h.Counts()
	if c0 != 0 || a0 != 0 {
		t.Fatalf("expected a fresh hub to report 0/0, got %d/%d", c0, a0)
	}

	peer := newFakePeer("p")
	h.Register(peer, auth.RoleClient, "U", "")

	c1, a1 := h.Counts()
	if c1 != 1 || a1 != 0 {
		t.Fatalf("expected 1 client after register, got %d/%d", c1, a1)
	}

	h.Unregister(peer)

	c2, a2 := h.Counts()
	if c2 != 0 || a2 != 0 {
		t.Fatalf("expected counts restored to 0/0 after unregister, got %d/%d", c2, a2)
	}
}

// subscribe; unsubscribe leaves the subscription set as if neither had
// happened: a frame broadcast afterwards never reaches the unsubscribed
// socket.
func TestSubscribeUnsubscribeIdempotent(t *testing.T) {
	h := newTestHub(t)

	anchor := newFakePeer("anchor")
	registerAnchor(t, h, "U", anchor)
	anchorHello(t, h, anchor, "anchor-1")

	client := newFakePeer("client")
	registerClient(t, h, "U", "", client)

	subscribe(t, h, client, "T")
	sendFrame(t, h, client, map[string]any{"type": "orbit.unsubscribe", "threadId": "T"})
	client.reset()

	sendFrame(t, h, anchor, map[string]any{
		"method": "turn/started",
		"params": map[string]any{"threadId": "T", "turn": map[string]any{"id": "t1"}},
	})

	// No subscribers remain for T, so the anchor-to-client broadcast falls
	// back to "all of the user's clients" (spec.md §4.5.2 step 2) — the
	// client still sees the frame, but only via that fallback path, not
	// via a stale per-thread subscription. Subscribing a second anonymous
	// client and broadcasting again confirms the first client is no longer
	// in the thread-subscriber set.
	second := newFakePeer("second")
	registerClient(t, h, "U", "", second)
	subscribe(t, h, second, "T")
	second.reset()
	client.reset()

	sendFrame(t, h, anchor, map[string]any{
		"method": "turn/completed",
		"params": map[string]any{"threadId": "T"},
	})

	if len(client.raws()) != 0 {
		t.Fatalf("expected the unsubscribed client to receive nothing once another client holds the thread's only subscription, got %d frames", len(client.raws()))
	}
	if len(second.raws()) == 0 {
		t.Fatalf("expected the still-subscribed client to receive the broadcast")
	}
}

// Two consecutive upserts with the same (user, thread, item) key leave
// exactly one artifact row reflecting the latest call.
func TestArtifactUpsertDeduplicates(t *testing.T) {
	h := newTestHub(t)

	anchor := newFakePeer("anchor")
	registerAnchor(t, h, "U", anchor)
	anchorHello(t, h, anchor, "anchor-1")

	item := func(command string, exit int) map[string]any {
		return map[string]any{
			"method": "item/completed",
			"params": map[string]any{
				"threadId": "A",
				"item": map[string]any{
					"type":     "commandExecution",
					"command":  command,
					"exitCode": exit,
					"id":       "cmd-1",
				},
			},
		}
	}

	sendFrame(t, h, anchor, item("echo one", 0))
	sendFrame(t, h, anchor, item("echo two", 1))

	artifacts, err := h.ListArtifacts(context.Background(), "U", "A", 200, 0)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("expected exactly one row after two upserts on the same item id, got %d", len(artifacts))
	}
	if artifacts[0].Summary != "echo two (exit=1)" {
		t.Fatalf("expected the row to reflect the latest call, got %q", artifacts[0].Summary)
	}
}

// The message log is capped at the configured retention (N), evicting the
// oldest entries first.
func TestMessageRetentionCap(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	d := cfg.Get()
	d.MessageRetention = 5
	if err := cfg.Set(d); err != nil {
		t.Fatalf("set config: %v", err)
	}

	db := newTestStore(t)
	h := newHubWithStore(db, cfg)

	anchor := newFakePeer("anchor")
	registerAnchor(t, h, "U", anchor)
	anchorHello(t, h, anchor, "anchor-1")
	subscribe(t, h, anchor, "T")

	for i := 0; i < 8; i++ {
		sendFrame(t, h, anchor, map[string]any{
			"method": "item/agentMessage/delta",
			"params": map[string]any{"threadId": "T", "seq": i},
		})
	}

	client := newFakePeer("client")
	registerClient(t, h, "U", "", client)
	subscribe(t, h, client, "T")

	state := client.byType("orbit.relay-state")
	if len(state) != 1 {
		t.Fatalf("expected one relay-state frame, got %d", len(state))
	}
	replayed, _ := state[0]["replayed"].(float64)
	if int(replayed) != 5 {
		t.Fatalf("expected replay capped at 5, got %v", replayed)
	}
}

// The multi-dispatch timer (15s by default, shortened to 30ms here)
// finalises any anchor still outstanding when it fires, reporting a
// timeout error for that slot.
func TestMultiDispatchTimeout(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	d := cfg.Get()
	d.MultiDispatchTimeout = "30ms"
	if err := cfg.Set(d); err != nil {
		t.Fatalf("set config: %v", err)
	}

	db := newTestStore(t)
	h := newHubWithStore(db, cfg)

	anchor := newFakePeer("silent-anchor")
	registerAnchor(t, h, "U", anchor)
	anchorHello(t, h, anchor, "a")

	client := newFakePeer("client")
	registerClient(t, h, "U", "", client)

	sendFrame(t, h, client, map[string]any{
		"type":      "orbit.multi-dispatch",
		"requestId": "md-timeout",
		"anchorIds": []any{"a"},
		"request":   map[string]any{"id": 1, "method": "anchor.echo"},
	})

	deadline := time.Now().Add(2 * time.Second)
	var result map[string]any
	for time.Now().Before(deadline) {
		if m := client.last(); m != nil && m["type"] == "orbit.multi-dispatch.result" {
			result = m
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if result == nil {
		t.Fatalf("expected orbit.multi-dispatch.result within the deadline, client saw %v", client.messages())
	}

	results, _ := result["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("expected one result entry, got %d", len(results))
	}
	entry, _ := results[0].(map[string]any)
	if entry["ok"] != false {
		t.Fatalf("expected ok=false on timeout, got %v", entry)
	}
	errObj, _ := entry["error"].(map[string]any)
	if errObj == nil || errObj["code"] != "timeout" {
		t.Fatalf("expected error.code=timeout, got %v", entry)
	}
}

// An anchor id absent from the connected set is reported as
// anchor_not_found without blocking the rest of the fan-out.
func TestMultiDispatchUnknownAnchor(t *testing.T) {
	h := newTestHub(t)

	client := newFakePeer("client")
	registerClient(t, h, "U", "", client)

	sendFrame(t, h, client, map[string]any{
		"type":      "orbit.multi-dispatch",
		"requestId": "md-2",
		"anchorIds": []any{"ghost"},
		"request":   map[string]any{"method": "anchor.echo"},
	})

	result := client.last()
	if result == nil || result["type"] != "orbit.multi-dispatch.result" {
		t.Fatalf("expected an immediate orbit.multi-dispatch.result, got %v", result)
	}
	results, _ := result["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("expected one result entry, got %d", len(results))
	}
	entry, _ := results[0].(map[string]any)
	errObj, _ := entry["error"].(map[string]any)
	if errObj == nil || errObj["code"] != "anchor_not_found" {
		t.Fatalf("expected error.code=anchor_not_found, got %v", entry)
	}
}
