// Package edit implements the "str_replace_editor" tool for viewing,
// creating and editing files on the desktop host.
package edit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/haasonsaas/deskpilot/internal/agent"
	"github.com/haasonsaas/deskpilot/internal/process"
	"github.com/haasonsaas/deskpilot/internal/tools/toolschema"
)

// Name is the tool name the model calls.
const Name = "str_replace_editor"

const (
	snippetLines  = 4
	truncateAfter = 16000
	tabSize       = 8

	truncatedMessage = "<response clipped><NOTE>To save on context only part of this file has been shown to you. " +
		"You should retry this tool after you have searched inside the file with `grep -n` in order to find " +
		"the line numbers of what you are looking for.</NOTE>"
)

var commands = []string{"view", "create", "str_replace", "insert", "undo_edit"}

// Input is the tool input.
type Input struct {
	Command    string  `json:"command" jsonschema:"description=One of view, create, str_replace, insert, undo_edit."`
	Path       string  `json:"path" jsonschema:"description=Absolute path to a file or directory."`
	FileText   *string `json:"file_text,omitempty"`
	ViewRange  []int   `json:"view_range,omitempty"`
	OldStr     *string `json:"old_str,omitempty"`
	NewStr     *string `json:"new_str,omitempty"`
	InsertLine *int    `json:"insert_line,omitempty"`
}

var validator = toolschema.ForStruct("str_replace_editor", &Input{})

// Schema returns the input schema.
func Schema() json.RawMessage {
	return validator.Schema()
}

// Tool edits files and keeps a per-path undo history for the life of the
// tool.
type Tool struct {
	version agent.ToolVersion
	runner  process.Runner

	mu      sync.Mutex
	history map[string][]string
}

var _ agent.Tool = (*Tool)(nil)

// New creates an editor tool. The runner lists directories for view.
func New(version agent.ToolVersion, runner process.Runner) (*Tool, error) {
	if version != agent.ToolVersion20241022 && version != agent.ToolVersion20250124 {
		return nil, fmt.Errorf("%w: %s", agent.ErrUnknownToolVersion, version)
	}
	if runner == nil {
		return nil, errors.New("edit: runner is required")
	}
	return &Tool{version: version, runner: runner, history: make(map[string][]string)}, nil
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Spec() agent.ToolSpec {
	typ := "text_editor_20250124"
	if t.version == agent.ToolVersion20241022 {
		typ = "text_editor_20241022"
	}
	return agent.ToolSpec{Name: Name, Type: typ}
}

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	if err := validator.Validate(raw); err != nil {
		return nil, err
	}
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, invalidf("invalid input: %v", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := validatePath(in.Command, in.Path); err != nil {
		return nil, err
	}

	switch in.Command {
	case "view":
		return t.view(ctx, in.Path, in.ViewRange)
	case "create":
		if in.FileText == nil {
			return nil, invalidf("Parameter `file_text` is required for command: create")
		}
		if err := writeFile(in.Path, *in.FileText); err != nil {
			return nil, err
		}
		t.history[in.Path] = append(t.history[in.Path], *in.FileText)
		return &agent.ToolResult{Output: fmt.Sprintf("File created successfully at: %s", in.Path)}, nil
	case "str_replace":
		if in.OldStr == nil {
			return nil, invalidf("Parameter `old_str` is required for command: str_replace")
		}
		newStr := ""
		if in.NewStr != nil {
			newStr = *in.NewStr
		}
		return t.strReplace(in.Path, *in.OldStr, newStr)
	case "insert":
		if in.InsertLine == nil {
			return nil, invalidf("Parameter `insert_line` is required for command: insert")
		}
		if in.NewStr == nil {
			return nil, invalidf("Parameter `new_str` is required for command: insert")
		}
		return t.insert(in.Path, *in.InsertLine, *in.NewStr)
	case "undo_edit":
		return t.undo(in.Path)
	}
	return nil, invalidf("Unrecognized command %s. The allowed commands for the %s tool are: %s",
		in.Command, Name, strings.Join(commands, ", "))
}

func validatePath(command, path string) error {
	if !filepath.IsAbs(path) {
		return invalidf("The path %s is not an absolute path, it should start with `/`. Maybe you meant %s?",
			path, "/"+strings.TrimPrefix(path, "./"))
	}
	info, err := os.Stat(path)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return agent.NewToolError(Name, err).WithType(agent.ToolErrorExecution)
	}
	switch {
	case !exists && command != "create":
		return invalidf("The path %s does not exist. Please provide a valid path.", path)
	case exists && command == "create":
		return invalidf("File already exists at: %s. Cannot overwrite files using command `create`.", path)
	}
	if exists && info.IsDir() && command != "view" {
		return invalidf("The path %s is a directory and only the `view` command can be used on directories", path)
	}
	return nil
}

func (t *Tool) view(ctx context.Context, path string, viewRange []int) (*agent.ToolResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, agent.NewToolError(Name, err).WithType(agent.ToolErrorExecution)
	}
	if info.IsDir() {
		if len(viewRange) > 0 {
			return nil, invalidf("The `view_range` parameter is not allowed when `path` points to a directory.")
		}
		res, err := t.runner.Run(ctx, "find", path, "-maxdepth", "2", "-not", "-path", "*/.*")
		if err != nil {
			return nil, err
		}
		out := res.Stdout
		if res.Stderr == "" {
			out = fmt.Sprintf("Here's the files and directories up to 2 levels deep in %s, excluding hidden items:\n%s\n", path, res.Stdout)
		}
		return &agent.ToolResult{Output: out, Error: res.Stderr}, nil
	}

	content, err := readFile(path)
	if err != nil {
		return nil, err
	}
	initLine := 1
	if len(viewRange) > 0 {
		if len(viewRange) != 2 {
			return nil, invalidf("Invalid `view_range`. It should be a list of two integers.")
		}
		lines := strings.Split(content, "\n")
		n := len(lines)
		first, last := viewRange[0], viewRange[1]
		if first < 1 || first > n {
			return nil, invalidf("Invalid `view_range`: %v. Its first element `%d` should be within the range of lines of the file: [1, %d]", viewRange, first, n)
		}
		if last > n {
			return nil, invalidf("Invalid `view_range`: %v. Its second element `%d` should be smaller than the number of lines in the file: `%d`", viewRange, last, n)
		}
		if last != -1 && last < first {
			return nil, invalidf("Invalid `view_range`: %v. Its second element `%d` should be larger or equal than its first `%d`", viewRange, last, first)
		}
		if last == -1 {
			content = strings.Join(lines[first-1:], "\n")
		} else {
			content = strings.Join(lines[first-1:last], "\n")
		}
		initLine = first
	}
	return &agent.ToolResult{Output: makeOutput(content, path, initLine)}, nil
}

func (t *Tool) strReplace(path, oldStr, newStr string) (*agent.ToolResult, error) {
	raw, err := readFile(path)
	if err != nil {
		return nil, err
	}
	content := expandTabs(raw)
	oldStr = expandTabs(oldStr)
	newStr = expandTabs(newStr)

	switch n := strings.Count(content, oldStr); {
	case n == 0:
		return nil, invalidf("No replacement was performed, old_str `%s` did not appear verbatim in %s.", oldStr, path)
	case n > 1:
		var lines []int
		for i, line := range strings.Split(content, "\n") {
			if strings.Contains(line, oldStr) {
				lines = append(lines, i+1)
			}
		}
		return nil, invalidf("No replacement was performed. Multiple occurrences of old_str `%s` in lines %v. Please ensure it is unique", oldStr, lines)
	}

	updated := strings.Replace(content, oldStr, newStr, 1)
	if err := writeFile(path, updated); err != nil {
		return nil, err
	}
	t.history[path] = append(t.history[path], content)

	replacementLine := strings.Count(content[:strings.Index(content, oldStr)], "\n")
	start := max(0, replacementLine-snippetLines)
	end := replacementLine + snippetLines + strings.Count(newStr, "\n")
	snippet := sliceLines(strings.Split(updated, "\n"), start, end+1)

	msg := fmt.Sprintf("The file %s has been edited. ", path) +
		makeOutput(snippet, "a snippet of "+path, start+1) +
		"Review the changes and make sure they are as expected. Edit the file again if necessary."
	return &agent.ToolResult{Output: msg}, nil
}

func (t *Tool) insert(path string, line int, newStr string) (*agent.ToolResult, error) {
	raw, err := readFile(path)
	if err != nil {
		return nil, err
	}
	text := expandTabs(raw)
	newStr = expandTabs(newStr)
	lines := strings.Split(text, "\n")
	n := len(lines)
	if line < 0 || line > n {
		return nil, invalidf("Invalid `insert_line` parameter: %d. It should be within the range of lines of the file: [0, %d]", line, n)
	}

	inserted := strings.Split(newStr, "\n")
	updated := make([]string, 0, n+len(inserted))
	updated = append(updated, lines[:line]...)
	updated = append(updated, inserted...)
	updated = append(updated, lines[line:]...)

	snippet := make([]string, 0, 2*snippetLines+len(inserted))
	snippet = append(snippet, lines[max(0, line-snippetLines):line]...)
	snippet = append(snippet, inserted...)
	snippet = append(snippet, lines[line:min(n, line+snippetLines)]...)

	if err := writeFile(path, strings.Join(updated, "\n")); err != nil {
		return nil, err
	}
	t.history[path] = append(t.history[path], text)

	msg := fmt.Sprintf("The file %s has been edited. ", path) +
		makeOutput(strings.Join(snippet, "\n"), "a snippet of the edited file", max(1, line-snippetLines+1)) +
		"Review the changes and make sure they are as expected (correct indentation, no duplicate lines, etc). Edit the file again if necessary."
	return &agent.ToolResult{Output: msg}, nil
}

func (t *Tool) undo(path string) (*agent.ToolResult, error) {
	entries := t.history[path]
	if len(entries) == 0 {
		return nil, invalidf("No edit history found for %s.", path)
	}
	previous := entries[len(entries)-1]
	t.history[path] = entries[:len(entries)-1]
	if err := writeFile(path, previous); err != nil {
		return nil, err
	}
	return &agent.ToolResult{Output: fmt.Sprintf("Last edit to %s undone successfully. %s", path, makeOutput(previous, path, 1))}, nil
}

// makeOutput renders content the way `cat -n` does, numbering from
// initLine.
func makeOutput(content, descriptor string, initLine int) string {
	content = expandTabs(truncate(content))
	lines := strings.Split(content, "\n")
	var b strings.Builder
	fmt.Fprintf(&b, "Here's the result of running `cat -n` on %s:\n", descriptor)
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%6d\t%s", i+initLine, line)
	}
	b.WriteByte('\n')
	return b.String()
}

func truncate(content string) string {
	runes := []rune(content)
	if len(runes) <= truncateAfter {
		return content
	}
	return string(runes[:truncateAfter]) + truncatedMessage
}

// expandTabs replaces tabs with spaces up to the next multiple of tabSize
// columns, restarting the column count at each newline.
func expandTabs(s string) string {
	if !strings.Contains(s, "\t") {
		return s
	}
	var b strings.Builder
	col := 0
	for _, r := range s {
		switch r {
		case '\t':
			pad := tabSize - col%tabSize
			b.WriteString(strings.Repeat(" ", pad))
			col += pad
		case '\n', '\r':
			b.WriteRune(r)
			col = 0
		default:
			b.WriteRune(r)
			col++
		}
	}
	return b.String()
}

func sliceLines(lines []string, start, end int) string {
	end = min(end, len(lines))
	if start >= end {
		return ""
	}
	return strings.Join(lines[start:end], "\n")
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", agent.ToolErrorf(agent.ToolErrorExecution, "Ran into %v while trying to read %s", err, path)
	}
	return string(data), nil
}

func writeFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return agent.ToolErrorf(agent.ToolErrorExecution, "Ran into %v while trying to write to %s", err, path)
	}
	return nil
}

func invalidf(format string, args ...any) error {
	return agent.ToolErrorf(agent.ToolErrorInvalidInput, format, args...)
}
