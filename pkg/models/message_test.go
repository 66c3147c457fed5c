package models

import (
	"encoding/json"
	"testing"
)

func TestRole_Valid(t *testing.T) {
	tests := []struct {
		role Role
		want bool
	}{
		{RoleUser, true},
		{RoleAssistant, true},
		{RoleTool, true},
		{Role("system"), false},
		{Role(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			if got := tt.role.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewTextContent(t *testing.T) {
	got := string(NewTextContent("open firefox"))
	want := `{"type":"text","text":"open firefox"}`
	if got != want {
		t.Errorf("NewTextContent() = %s, want %s", got, want)
	}
}

func TestNewToolContent_NullsAbsentFields(t *testing.T) {
	got := string(NewToolContent("done", "", ""))
	want := `{"type":"tool_result","output":"done","error":null,"system":null}`
	if got != want {
		t.Errorf("NewToolContent() = %s, want %s", got, want)
	}
}

func TestNewAssistantContent(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		data, err := NewAssistantContent(nil)
		if err != nil {
			t.Fatalf("NewAssistantContent() error = %v", err)
		}
		if string(data) != `{"content":[]}` {
			t.Errorf("NewAssistantContent(nil) = %s", data)
		}
	})

	t.Run("decodes back", func(t *testing.T) {
		data, err := NewAssistantContent([]ContentBlock{
			&TextBlock{Text: "clicking"},
			&ToolUseBlock{ID: "t1", Name: "computer", Input: json.RawMessage(`{"action":"left_click"}`)},
		})
		if err != nil {
			t.Fatalf("NewAssistantContent() error = %v", err)
		}
		var decoded AssistantContent
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if len(decoded.Content) != 2 {
			t.Fatalf("decoded %d blocks, want 2", len(decoded.Content))
		}
		if use, ok := decoded.Content[1].(*ToolUseBlock); !ok || use.Name != "computer" {
			t.Errorf("second block = %#v", decoded.Content[1])
		}
	})
}
