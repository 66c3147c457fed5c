package computeruse

import (
	"math"

	"github.com/haasonsaas/deskpilot/internal/agent"
)

// Resolution is a display size in pixels.
type Resolution struct {
	Width  int
	Height int
}

// ScalingTargets are the resolutions screenshots are downscaled to. The
// model is most accurate at these sizes.
var ScalingTargets = []Resolution{
	{Width: 1024, Height: 768}, // XGA
	{Width: 1280, Height: 800}, // WXGA
	{Width: 1366, Height: 768}, // FWXGA
}

// aspectTolerance is how far a target's aspect ratio may differ from the
// screen's before it is skipped.
const aspectTolerance = 0.02

// Scaler converts between screen coordinates and the coordinates the model
// sees on downscaled screenshots.
type Scaler struct {
	screen  Resolution
	target  Resolution
	enabled bool
}

// NewScaler picks the first target whose aspect ratio matches the screen
// and that is smaller than it. Without a match coordinates pass through.
func NewScaler(screen Resolution, enabled bool) Scaler {
	s := Scaler{screen: screen, target: screen}
	if !enabled || screen.Width <= 0 || screen.Height <= 0 {
		return s
	}
	ratio := float64(screen.Width) / float64(screen.Height)
	for _, t := range ScalingTargets {
		if math.Abs(float64(t.Width)/float64(t.Height)-ratio) < aspectTolerance && t.Width < screen.Width {
			s.target = t
			s.enabled = true
			break
		}
	}
	return s
}

// Target is the resolution reported to the model.
func (s Scaler) Target() Resolution {
	return s.target
}

// Scaled reports whether screenshots are resized.
func (s Scaler) Scaled() bool {
	return s.enabled
}

// ToScreen maps model coordinates to screen coordinates. Coordinates past
// the screen bounds are rejected.
func (s Scaler) ToScreen(x, y int) (int, int, error) {
	if !s.enabled {
		return x, y, nil
	}
	if x > s.screen.Width || y > s.screen.Height {
		return 0, 0, agent.ToolErrorf(agent.ToolErrorInvalidInput, "Coordinates %d, %d are out of bounds", x, y)
	}
	xs, ys := s.factors()
	return int(math.Round(float64(x) / xs)), int(math.Round(float64(y) / ys)), nil
}

// FromScreen maps screen coordinates to model coordinates.
func (s Scaler) FromScreen(x, y int) (int, int) {
	if !s.enabled {
		return x, y
	}
	xs, ys := s.factors()
	return int(math.Round(float64(x) * xs)), int(math.Round(float64(y) * ys))
}

func (s Scaler) factors() (float64, float64) {
	return float64(s.target.Width) / float64(s.screen.Width), float64(s.target.Height) / float64(s.screen.Height)
}
