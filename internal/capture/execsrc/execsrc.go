// Package execsrc captures frames from an external encoder process that
// writes an MJPEG byte stream to stdout, such as libcamera-vid or ffmpeg.
package execsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/zsiec/framecast/internal/capture"
)

// waitDelay bounds how long the process may keep stdout open after it has
// been signalled.
const waitDelay = 2 * time.Second

// Config describes the encoder. When Command is empty, a libcamera-vid
// invocation is built from the remaining fields.
type Config struct {
	Command  []string
	Width    int
	Height   int
	FPS      int
	Rotation int // degrees, 0 or 180
	Quality  int
}

// DefaultCommand returns the libcamera-vid arguments for cfg.
func DefaultCommand(cfg Config) []string {
	args := []string{
		"libcamera-vid",
		"-t", "0",
		"--nopreview",
		"--codec", "mjpeg",
		"--width", strconv.Itoa(cfg.Width),
		"--height", strconv.Itoa(cfg.Height),
	}
	if cfg.FPS > 0 {
		args = append(args, "--framerate", strconv.Itoa(cfg.FPS))
	}
	if cfg.Rotation != 0 {
		args = append(args, "--rotation", strconv.Itoa(cfg.Rotation))
	}
	if cfg.Quality > 0 {
		args = append(args, "--quality", strconv.Itoa(cfg.Quality))
	}
	return append(args, "-o", "-")
}

// Source starts one encoder process per Acquire.
type Source struct {
	log  *slog.Logger
	argv []string
}

// New returns an exec source. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) (*Source, error) {
	if log == nil {
		log = slog.Default()
	}
	argv := cfg.Command
	if len(argv) == 0 {
		argv = DefaultCommand(cfg)
	}
	if strings.TrimSpace(argv[0]) == "" {
		return nil, errors.New("execsrc: empty command")
	}
	return &Source{
		log:  log.With("component", "exec-capture"),
		argv: argv,
	}, nil
}

func (s *Source) Name() string { return "exec" }

// Acquire starts the encoder. A missing binary or a failed fork surfaces
// here; the process exiting later ends the producer with an error.
func (s *Source) Acquire(ctx context.Context, w capture.FrameWriter) (capture.Producer, error) {
	procCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(procCtx, s.argv[0], s.argv[1:]...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = waitDelay
	stderr := &tailWriter{limit: 4 << 10}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", s.argv[0], err)
	}
	s.log.Info("encoder started", "command", strings.Join(s.argv, " "), "pid", cmd.Process.Pid)

	return capture.Go(procCtx, s.Name(), func(ctx context.Context) error {
		defer cancel()
		// Releasing the producer signals the process; if it keeps stdout
		// open past waitDelay the pipe is closed under the reader.
		stop := context.AfterFunc(ctx, func() {
			cancel()
			time.AfterFunc(waitDelay, func() { stdout.Close() })
		})
		defer stop()

		readErr := capture.ReadJPEGStream(ctx, stdout, w)
		released := ctx.Err() != nil
		streamEnded := errors.Is(readErr, capture.ErrStreamEnded)
		if !released && !streamEnded {
			cancel()
		}
		waitErr := cmd.Wait()

		switch {
		case released:
			return ctx.Err()
		case !streamEnded:
			return readErr
		case waitErr != nil:
			return fmt.Errorf("%s exited: %w (stderr: %s)", s.argv[0], waitErr, stderr.String())
		}
		return readErr
	}), nil
}

// tailWriter keeps the last limit bytes written to it, for error reports.
type tailWriter struct {
	limit int
	buf   []byte
}

var _ io.Writer = (*tailWriter)(nil)

func (t *tailWriter) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailWriter) String() string {
	return strings.TrimSpace(string(t.buf))
}
