package computeruse

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/image/draw"

	"github.com/haasonsaas/deskpilot/internal/agent"
	"github.com/haasonsaas/deskpilot/internal/process"
)

// DefaultOutputDir holds screenshots while they are encoded.
const DefaultOutputDir = "/tmp/outputs"

// screenshotter captures the display with scrot, or ImageMagick import
// when scrot is not installed.
type screenshotter struct {
	runner    process.Runner
	scaler    Scaler
	outputDir string
	available func(name string) bool
}

// Capture grabs the screen and returns it base64 encoded as PNG, resized to
// the scaler target.
func (s *screenshotter) Capture(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	path := filepath.Join(s.outputDir, fmt.Sprintf("screenshot_%s.png", uuid.NewString()))
	defer os.Remove(path)

	name, args := "import", []string{"-window", "root", path}
	if s.available("scrot") {
		name, args = "scrot", []string{"-p", path}
	}
	res, err := s.runner.Run(ctx, name, args...)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", agent.ToolErrorf(agent.ToolErrorExecution, "Failed to take screenshot: %s", process.Describe(name, res))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", agent.ToolErrorf(agent.ToolErrorExecution, "Failed to take screenshot: %v", err)
	}
	if s.scaler.Scaled() {
		data, err = resizePNG(data, s.scaler.Target())
		if err != nil {
			return "", agent.ToolErrorf(agent.ToolErrorExecution, "Failed to take screenshot: %v", err)
		}
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// resizePNG scales an image to exactly size, ignoring aspect ratio.
func resizePNG(data []byte, size Resolution) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if b := img.Bounds(); b.Dx() == size.Width && b.Dy() == size.Height {
		return data, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
