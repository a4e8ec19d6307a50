// Package artifact derives turn-state transitions and artifact records from
// anchor-originated protocol payloads, the way the relay's Python original
// inspects item/completed frames as they pass through the hub.
package artifact

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/orbit-relay/hub/auth"
	"github.com/orbit-relay/hub/store"
)

// artifactTypes maps a recognised item.type to its artifact_type bucket.
// Unlisted item types must not produce a record.
var artifactTypes = map[string]string{
	"commandExecution":    "command",
	"fileChange":          "file",
	"imageView":           "image",
	"mcpToolCall":         "tool",
	"webSearch":           "tool",
	"collabAgentToolCall": "tool",
}

// Turn is the merge-on-non-null projection of a turn/started or
// turn/completed frame.
type Turn struct {
	ID     string
	Status string
}

// ExtractTurn reads params.turn.id/status or params.turnId/status from a
// turn/started or turn/completed frame. Either field may be absent; callers
// merge the result with existing state rather than overwrite blindly.
func ExtractTurn(obj map[string]any) Turn {
	params, _ := obj["params"].(map[string]any)
	if params == nil {
		return Turn{}
	}

	var t Turn
	if nested, ok := params["turn"].(map[string]any); ok {
		t.ID = trimmedString(nested["id"])
		t.Status = trimmedString(nested["status"])
	}
	if t.ID == "" {
		t.ID = trimmedString(params["turnId"])
	}
	if t.Status == "" {
		t.Status = trimmedString(params["status"])
	}
	return t
}

// FromItemCompleted builds the artifact record for an item/completed frame,
// or reports ok=false if params.item.type isn't a recognised artifact type.
// currentTurnID is the thread's turn id on record, used as the last-resort
// fallback when the frame names none.
func FromItemCompleted(userID, threadID, anchorID, currentTurnID string, obj map[string]any) (store.Artifact, bool) {
	params, _ := obj["params"].(map[string]any)
	item, _ := params["item"].(map[string]any)
	if item == nil {
		return store.Artifact{}, false
	}

	itemType := trimmedString(item["type"])
	artifactType, ok := artifactTypes[itemType]
	if !ok {
		return store.Artifact{}, false
	}

	itemID := trimmedString(item["id"])
	if itemID == "" {
		itemID = auth.NewID()
	}

	turnID := trimmedString(params["turnId"])
	if turnID == "" {
		turnID = trimmedString(params["turn_id"])
	}
	if turnID == "" {
		turnID = trimmedString(item["turnId"])
	}
	if turnID == "" {
		turnID = trimmedString(item["turn_id"])
	}
	if turnID == "" {
		turnID = currentTurnID
	}

	payload, _ := json.Marshal(item)

	return store.Artifact{
		UserID:       userID,
		ThreadID:     threadID,
		TurnID:       turnID,
		AnchorID:     anchorID,
		ItemID:       itemID,
		ArtifactType: artifactType,
		ItemType:     itemType,
		Summary:      summarise(itemType, item),
		Payload:      string(payload),
	}, true
}

func summarise(itemType string, item map[string]any) string {
	switch itemType {
	case "commandExecution":
		cmd := trimmedString(item["command"])
		if cmd == "" {
			return "command"
		}
		if code, ok := item["exitCode"]; ok {
			return cmd + " (exit=" + numberString(code) + ")"
		}
		return cmd

	case "fileChange":
		paths, _ := item["paths"].([]any)
		out := make([]string, 0, len(paths))
		for _, p := range paths {
			if s := trimmedString(p); s != "" {
				out = append(out, s)
			}
			if len(out) == 5 {
				break
			}
		}
		return strings.Join(out, ", ")

	case "imageView":
		for _, key := range []string{"path", "imagePath", "image_url", "imageUrl", "url"} {
			if s := trimmedString(item[key]); s != "" {
				return s
			}
		}
		return "image artifact"

	case "mcpToolCall", "collabAgentToolCall":
		if s := trimmedString(item["tool"]); s != "" {
			return s
		}
		return "tool call"

	case "webSearch":
		if s := trimmedString(item["query"]); s != "" {
			return s
		}
		return "web search"

	default:
		return ""
	}
}

func trimmedString(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

func numberString(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatInt(int64(t), 10)
	case string:
		return t
	default:
		return ""
	}
}
