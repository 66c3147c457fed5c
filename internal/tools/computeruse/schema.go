package computeruse

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/deskpilot/internal/agent"
	"github.com/haasonsaas/deskpilot/internal/tools/toolschema"
)

// legacyActions are accepted by both tool versions.
var legacyActions = []string{
	"key",
	"type",
	"mouse_move",
	"left_click",
	"left_click_drag",
	"right_click",
	"middle_click",
	"double_click",
	"screenshot",
	"cursor_position",
}

// extendedActions are added by computer_20250124.
var extendedActions = []string{
	"left_mouse_down",
	"left_mouse_up",
	"scroll",
	"hold_key",
	"wait",
	"triple_click",
}

func actionsFor(version agent.ToolVersion) []string {
	if version == agent.ToolVersion20241022 {
		return legacyActions
	}
	return append(append([]string(nil), legacyActions...), extendedActions...)
}

const schemaTemplate = `{
  "type": "object",
  "properties": {
    "action": {
      "type": "string",
      "enum": [%s]
    },
    "coordinate": {
      "type": "array",
      "items": {"type": "integer"},
      "minItems": 2,
      "maxItems": 2
    },
    "text": {"type": "string"},
    "scroll_direction": {"type": "string"},
    "scroll_amount": {"type": "integer"},
    "duration": {"type": "number"},
    "key": {"type": "string"}
  },
  "required": ["action"]
}`

// SchemaJSON returns the input schema for a tool version. The model sees
// the API-owned schema; this one guards what reaches xdotool.
func SchemaJSON(version agent.ToolVersion) string {
	actions := actionsFor(version)
	quoted := make([]string, len(actions))
	for i, a := range actions {
		quoted[i] = fmt.Sprintf("%q", a)
	}
	return fmt.Sprintf(schemaTemplate, strings.Join(quoted, ", "))
}

var validators = map[agent.ToolVersion]*toolschema.Validator{
	agent.ToolVersion20241022: toolschema.NewValidator("computer_20241022", func() string { return SchemaJSON(agent.ToolVersion20241022) }),
	agent.ToolVersion20250124: toolschema.NewValidator("computer_20250124", func() string { return SchemaJSON(agent.ToolVersion20250124) }),
}

func validateInput(version agent.ToolVersion, raw json.RawMessage) error {
	v, ok := validators[version]
	if !ok {
		return fmt.Errorf("%w: %s", agent.ErrUnknownToolVersion, version)
	}
	return v.Validate(raw)
}
