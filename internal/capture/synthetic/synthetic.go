// Package synthetic provides a capture source that renders a moving test
// pattern. It needs no hardware and is the default source for development
// and tests.
package synthetic

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"github.com/zsiec/framecast/internal/capture"
	"github.com/zsiec/framecast/internal/media"
)

// Config controls the generated stream.
type Config struct {
	Width   int
	Height  int
	FPS     int
	Quality int // JPEG quality, 1-100
}

// Source renders frames at a fixed rate. Each Acquire starts an
// independent producer.
type Source struct {
	cfg Config
}

// New returns a synthetic source. Zero fields fall back to 640x360 at
// 15 fps, quality 75.
func New(cfg Config) *Source {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 360
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = 75
	}
	return &Source{cfg: cfg}
}

func (s *Source) Name() string { return "synthetic" }

// Acquire renders the first frame synchronously, so an encoder failure is
// reported before any goroutine starts.
func (s *Source) Acquire(ctx context.Context, w capture.FrameWriter) (capture.Producer, error) {
	first, err := s.render(0)
	if err != nil {
		return nil, fmt.Errorf("render test pattern: %w", err)
	}

	return capture.Go(ctx, s.Name(), func(ctx context.Context) error {
		w.Write(media.Frame{Data: first, CapturedAt: time.Now()})

		ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
		defer ticker.Stop()

		for n := 1; ; n++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case now := <-ticker.C:
				data, err := s.render(n)
				if err != nil {
					return fmt.Errorf("render frame %d: %w", n, err)
				}
				w.Write(media.Frame{Data: data, CapturedAt: now})
			}
		}
	}), nil
}

// render draws a vertical bar that sweeps across a gradient, one column
// step per frame.
func (s *Source) render(n int) ([]byte, error) {
	width, height := s.cfg.Width, s.cfg.Height
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	barWidth := max(width/16, 1)
	barX := (n * barWidth / 2) % width
	for y := 0; y < height; y++ {
		shade := uint8(y * 255 / height)
		for x := 0; x < width; x++ {
			c := color.RGBA{R: uint8(x * 255 / width), G: shade, B: 128, A: 255}
			if x >= barX && x < barX+barWidth {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.cfg.Quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
