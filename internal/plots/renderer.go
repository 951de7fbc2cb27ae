// Package plots renders positioning and sniper-kill scatter plots and
// publishes them for spreadsheet =IMAGE embeds.
package plots

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/google/uuid"
	"golang.org/x/image/font/basicfont"
)

const (
	canvasSize  = 512
	outputWidth = 480
)

// Point is one normalized map coordinate in [0,1].
type Point struct {
	X, Y float64
}

// Renderer draws scatter plots over a dark map canvas and uploads them.
type Renderer struct {
	uploader Uploader
}

// NewRenderer builds a renderer around an uploader.
func NewRenderer(uploader Uploader) *Renderer {
	return &Renderer{uploader: uploader}
}

// RenderScatter produces a PNG scatter plot and returns its public URL. The
// key prefix groups one report's plots together in storage.
func (r *Renderer) RenderScatter(ctx context.Context, keyPrefix, title string, points []Point) (string, error) {
	dc := gg.NewContext(canvasSize, canvasSize)

	dc.SetRGB(0.08, 0.09, 0.11)
	dc.Clear()

	// Site grid lines every quarter, for orientation.
	dc.SetRGBA(1, 1, 1, 0.08)
	dc.SetLineWidth(1)
	for i := 1; i < 4; i++ {
		offset := float64(i) * canvasSize / 4
		dc.DrawLine(offset, 0, offset, canvasSize)
		dc.DrawLine(0, offset, canvasSize, offset)
	}
	dc.Stroke()

	dc.SetRGBA(0.94, 0.27, 0.27, 0.85)
	for _, p := range points {
		x := clamp01(p.X) * canvasSize
		y := clamp01(p.Y) * canvasSize
		dc.DrawCircle(x, y, 5)
		dc.Fill()
	}

	dc.SetFontFace(basicfont.Face7x13)
	dc.SetRGB(1, 1, 1)
	dc.DrawString(title, 8, 16)

	buf := &bytes.Buffer{}
	img := imaging.Resize(dc.Image(), outputWidth, 0, imaging.Lanczos)
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encode plot: %w", err)
	}

	key := fmt.Sprintf("%s/%s-%s.png", keyPrefix, slug(title), uuid.New().String()[:8])
	url, err := r.uploader.Upload(ctx, key, buf.Bytes(), "image/png")
	if err != nil {
		return "", fmt.Errorf("upload plot %q: %w", title, err)
	}
	return url, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func slug(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
