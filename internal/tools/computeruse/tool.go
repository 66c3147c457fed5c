// Package computeruse implements the "computer" tool: mouse, keyboard and
// screenshot actions against an X display, driven through xdotool.
package computeruse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/deskpilot/internal/agent"
	"github.com/haasonsaas/deskpilot/internal/backoff"
	"github.com/haasonsaas/deskpilot/internal/process"
)

// Name is the tool name the model calls.
const Name = "computer"

const (
	typingDelayMs   = 12
	typingChunkSize = 50
	maxDuration     = 100
)

// Config describes the display the tool controls.
type Config struct {
	// Width and Height are the real screen size in pixels.
	Width  int
	Height int

	// DisplayNumber is the X display, 1 for ":1".
	DisplayNumber int

	// DisableScaling sends full-size screenshots and coordinates.
	DisableScaling bool

	// ScreenshotDelay lets the screen settle before the screenshot that
	// follows an action.
	ScreenshotDelay time.Duration

	// OutputDir holds screenshot files. Default DefaultOutputDir.
	OutputDir string
}

// Tool is the computer tool for one version.
type Tool struct {
	version agent.ToolVersion
	config  Config
	runner  process.Runner
	scaler  Scaler
	shots   *screenshotter
}

var _ agent.Tool = (*Tool)(nil)

// New creates a computer tool. The runner must target the display, for
// example process.NewExecRunner().WithDisplay(1).
func New(version agent.ToolVersion, config Config, runner process.Runner) (*Tool, error) {
	if version != agent.ToolVersion20241022 && version != agent.ToolVersion20250124 {
		return nil, fmt.Errorf("%w: %s", agent.ErrUnknownToolVersion, version)
	}
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("computer: display size must be positive, got %dx%d", config.Width, config.Height)
	}
	if runner == nil {
		return nil, errors.New("computer: runner is required")
	}
	if config.OutputDir == "" {
		config.OutputDir = DefaultOutputDir
	}

	scaler := NewScaler(Resolution{Width: config.Width, Height: config.Height}, !config.DisableScaling)
	return &Tool{
		version: version,
		config:  config,
		runner:  runner,
		scaler:  scaler,
		shots: &screenshotter{
			runner:    runner,
			scaler:    scaler,
			outputDir: config.OutputDir,
			available: process.Available,
		},
	}, nil
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Spec() agent.ToolSpec {
	typ := "computer_20250124"
	if t.version == agent.ToolVersion20241022 {
		typ = "computer_20241022"
	}
	target := t.scaler.Target()
	return agent.ToolSpec{
		Name:            Name,
		Type:            typ,
		DisplayWidthPx:  target.Width,
		DisplayHeightPx: target.Height,
		DisplayNumber:   t.config.DisplayNumber,
	}
}

type input struct {
	Action          string   `json:"action"`
	Text            *string  `json:"text"`
	Coordinate      []int    `json:"coordinate"`
	ScrollDirection *string  `json:"scroll_direction"`
	ScrollAmount    *int     `json:"scroll_amount"`
	Duration        *float64 `json:"duration"`
	Key             *string  `json:"key"`
}

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	if err := validateInput(t.version, raw); err != nil {
		return nil, err
	}
	var in input
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, agent.ToolErrorf(agent.ToolErrorInvalidInput, "invalid input: %v", err)
	}

	if t.version == agent.ToolVersion20250124 {
		if res, handled, err := t.executeExtended(ctx, in); handled {
			return res, err
		}
	}
	return t.executeLegacy(ctx, in)
}

func (t *Tool) executeLegacy(ctx context.Context, in input) (*agent.ToolResult, error) {
	switch in.Action {
	case "mouse_move", "left_click_drag":
		if in.Coordinate == nil {
			return nil, invalidf("coordinate is required for %s", in.Action)
		}
		if in.Text != nil {
			return nil, invalidf("text is not accepted for %s", in.Action)
		}
		x, y, err := t.coordinates(in.Coordinate)
		if err != nil {
			return nil, err
		}
		if in.Action == "mouse_move" {
			return t.xdotool(ctx, true, "mousemove", "--sync", itoa(x), itoa(y))
		}
		return t.xdotool(ctx, true, "mousedown", "1", "mousemove", "--sync", itoa(x), itoa(y), "mouseup", "1")

	case "key", "type":
		if in.Text == nil {
			return nil, invalidf("text is required for %s", in.Action)
		}
		if in.Coordinate != nil {
			return nil, invalidf("coordinate is not accepted for %s", in.Action)
		}
		if in.Action == "key" {
			return t.xdotool(ctx, true, "key", "--", *in.Text)
		}
		return t.typeText(ctx, *in.Text)

	case "left_click", "right_click", "double_click", "middle_click", "screenshot", "cursor_position":
		if in.Text != nil {
			return nil, invalidf("text is not accepted for %s", in.Action)
		}
		if in.Coordinate != nil {
			return nil, invalidf("coordinate is not accepted for %s", in.Action)
		}
		switch in.Action {
		case "screenshot":
			return t.screenshot(ctx)
		case "cursor_position":
			return t.cursorPosition(ctx)
		}
		return t.xdotool(ctx, true, clickArgs(in.Action)...)
	}
	return nil, invalidf("Invalid action: %s", in.Action)
}

// executeExtended handles the actions added or changed by computer_20250124.
func (t *Tool) executeExtended(ctx context.Context, in input) (*agent.ToolResult, bool, error) {
	switch in.Action {
	case "left_mouse_down", "left_mouse_up":
		if in.Coordinate != nil {
			return nil, true, invalidf("coordinate is not accepted for %s", in.Action)
		}
		cmd := "mousedown"
		if in.Action == "left_mouse_up" {
			cmd = "mouseup"
		}
		res, err := t.xdotool(ctx, true, cmd, "1")
		return res, true, err

	case "scroll":
		res, err := t.scroll(ctx, in)
		return res, true, err

	case "hold_key", "wait":
		res, err := t.holdOrWait(ctx, in)
		return res, true, err

	case "left_click", "right_click", "double_click", "triple_click", "middle_click":
		if in.Text != nil {
			return nil, true, invalidf("text is not accepted for %s", in.Action)
		}
		var args []string
		if in.Coordinate != nil {
			x, y, err := t.coordinates(in.Coordinate)
			if err != nil {
				return nil, true, err
			}
			args = append(args, "mousemove", "--sync", itoa(x), itoa(y))
		}
		key := ""
		if in.Key != nil {
			key = *in.Key
		}
		if key != "" {
			args = append(args, "keydown", key)
		}
		args = append(args, clickArgs(in.Action)...)
		if key != "" {
			args = append(args, "keyup", key)
		}
		res, err := t.xdotool(ctx, true, args...)
		return res, true, err
	}
	return nil, false, nil
}

func (t *Tool) scroll(ctx context.Context, in input) (*agent.ToolResult, error) {
	direction := ""
	if in.ScrollDirection != nil {
		direction = *in.ScrollDirection
	}
	button, ok := scrollButtons[direction]
	if !ok {
		return nil, invalidf("scroll_direction=%q must be 'up', 'down', 'left', or 'right'", direction)
	}
	if in.ScrollAmount == nil || *in.ScrollAmount < 0 {
		return nil, invalidf("scroll_amount must be a non-negative int")
	}

	var args []string
	if in.Coordinate != nil {
		x, y, err := t.coordinates(in.Coordinate)
		if err != nil {
			return nil, err
		}
		args = append(args, "mousemove", "--sync", itoa(x), itoa(y))
	}
	click := []string{"click", "--repeat", itoa(*in.ScrollAmount), button}
	if in.Text != nil && *in.Text != "" {
		args = append(args, "keydown", *in.Text)
		args = append(args, click...)
		args = append(args, "keyup", *in.Text)
	} else {
		args = append(args, click...)
	}
	return t.xdotool(ctx, true, args...)
}

func (t *Tool) holdOrWait(ctx context.Context, in input) (*agent.ToolResult, error) {
	if in.Duration == nil {
		return nil, invalidf("duration must be a number")
	}
	d := *in.Duration
	if d < 0 {
		return nil, invalidf("duration=%v must be non-negative", d)
	}
	if d > maxDuration {
		return nil, invalidf("duration=%v is too long", d)
	}
	if in.Coordinate != nil {
		return nil, invalidf("coordinate is not accepted for %s", in.Action)
	}

	if in.Action == "wait" {
		if err := backoff.Sleep(ctx, time.Duration(d*float64(time.Second))); err != nil {
			return nil, err
		}
		return t.screenshot(ctx)
	}
	if in.Text == nil {
		return nil, invalidf("text is required for %s", in.Action)
	}
	secs := strconv.FormatFloat(d, 'f', -1, 64)
	return t.xdotool(ctx, true, "keydown", *in.Text, "sleep", secs, "keyup", *in.Text)
}

var clickButtons = map[string][]string{
	"left_click":   {"click", "1"},
	"right_click":  {"click", "3"},
	"middle_click": {"click", "2"},
	"double_click": {"click", "--repeat", "2", "--delay", "10", "1"},
	"triple_click": {"click", "--repeat", "3", "--delay", "10", "1"},
}

var scrollButtons = map[string]string{
	"up":    "4",
	"down":  "5",
	"left":  "6",
	"right": "7",
}

func clickArgs(action string) []string {
	return append([]string(nil), clickButtons[action]...)
}

func (t *Tool) typeText(ctx context.Context, text string) (*agent.ToolResult, error) {
	var out, errs strings.Builder
	for _, chunk := range chunkString(text, typingChunkSize) {
		res, err := t.xdotool(ctx, false, "type", "--delay", itoa(typingDelayMs), "--", chunk)
		if err != nil {
			return nil, err
		}
		out.WriteString(res.Output)
		errs.WriteString(res.Error)
	}
	shot, err := t.screenshot(ctx)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Output: out.String(), Error: errs.String(), Base64Image: shot.Base64Image}, nil
}

func (t *Tool) cursorPosition(ctx context.Context) (*agent.ToolResult, error) {
	res, err := t.xdotool(ctx, false, "getmouselocation", "--shell")
	if err != nil {
		return nil, err
	}
	if res.Error != "" {
		return res, nil
	}
	x, y, err := parseMouseLocation(res.Output)
	if err != nil {
		return nil, agent.ToolErrorf(agent.ToolErrorExecution, "%v", err)
	}
	x, y = t.scaler.FromScreen(x, y)
	return &agent.ToolResult{Output: fmt.Sprintf("X=%d,Y=%d", x, y)}, nil
}

func (t *Tool) screenshot(ctx context.Context) (*agent.ToolResult, error) {
	img, err := t.shots.Capture(ctx)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Base64Image: img}, nil
}

// xdotool runs one xdotool invocation and, when requested, attaches a
// screenshot taken after ScreenshotDelay.
func (t *Tool) xdotool(ctx context.Context, withScreenshot bool, args ...string) (*agent.ToolResult, error) {
	res, err := t.runner.Run(ctx, "xdotool", args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, agent.NewToolError(Name, err).WithType(agent.ToolErrorExecution)
	}
	result := &agent.ToolResult{Output: res.Stdout, Error: res.Stderr}
	if !res.Success() && result.Error == "" {
		result.Error = process.Describe("xdotool", res)
	}
	if !withScreenshot {
		return result, nil
	}
	if err := backoff.Sleep(ctx, t.config.ScreenshotDelay); err != nil {
		return nil, err
	}
	shot, err := t.screenshot(ctx)
	if err != nil {
		return nil, err
	}
	result.Base64Image = shot.Base64Image
	return result, nil
}

func (t *Tool) coordinates(coord []int) (int, int, error) {
	if len(coord) != 2 || coord[0] < 0 || coord[1] < 0 {
		return 0, 0, invalidf("%v must be a tuple of non-negative ints", coord)
	}
	return t.scaler.ToScreen(coord[0], coord[1])
}

func parseMouseLocation(output string) (int, int, error) {
	var x, y int
	var haveX, haveY bool
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		switch key {
		case "X":
			x, haveX = n, true
		case "Y":
			y, haveY = n, true
		}
	}
	if !haveX || !haveY {
		return 0, 0, fmt.Errorf("failed to parse mouse location from %q", output)
	}
	return x, y, nil
}

func chunkString(s string, size int) []string {
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	chunks := make([]string, 0, (len(runes)+size-1)/size)
	for start := 0; start < len(runes); start += size {
		end := min(start+size, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

func invalidf(format string, args ...any) error {
	return agent.ToolErrorf(agent.ToolErrorInvalidInput, format, args...)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
