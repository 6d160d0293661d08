package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framecast/internal/applog"
	"github.com/zsiec/framecast/internal/broadcast"
	"github.com/zsiec/framecast/internal/capture"
	"github.com/zsiec/framecast/internal/capture/dirsrc"
	"github.com/zsiec/framecast/internal/capture/execsrc"
	"github.com/zsiec/framecast/internal/capture/srtsrc"
	"github.com/zsiec/framecast/internal/capture/synthetic"
	"github.com/zsiec/framecast/internal/certs"
	"github.com/zsiec/framecast/internal/config"
	"github.com/zsiec/framecast/internal/distribution"
	"github.com/zsiec/framecast/internal/gateway"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: framecast [-config file] [token [-subject name] [-ttl duration]]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framecast: %v\n", err)
		os.Exit(1)
	}

	if flag.Arg(0) == "token" {
		if err := runToken(cfg, flag.Args()[1:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "framecast token: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logCloser, err := applog.Init(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framecast: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(cfg); err != nil {
		slog.Error("server error", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	source, err := newCaptureSource(cfg.Capture, slog.Default())
	if err != nil {
		return fmt.Errorf("capture source: %w", err)
	}

	cert, err := loadCert(cfg.HTTP)
	if err != nil {
		return err
	}

	session := broadcast.NewSession(source, broadcast.Config{
		SendTimeout:     cfg.Session.SendTimeout,
		ShutdownTimeout: cfg.Session.ShutdownTimeout,
	}, nil)

	srv, err := distribution.NewServer(distribution.ServerConfig{
		Addr:       cfg.HTTP.Addr,
		H3Addr:     cfg.HTTP.H3Addr,
		Cert:       cert,
		WebDir:     cfg.HTTP.WebDir,
		AuthSecret: cfg.Auth.Secret,
		Gateway:    gateway.New(session, nil),
		Session:    session,
	})
	if err != nil {
		return fmt.Errorf("create distribution server: %w", err)
	}

	slog.Info("framecast starting",
		"version", version,
		"addr", cfg.HTTP.Addr,
		"h3", cfg.HTTP.H3Addr,
		"source", source.Name(),
		"auth", cfg.Auth.Secret != "",
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})

	g.Go(func() error {
		return srv.ListenAndServeH3(ctx)
	})

	// The capture device is released on the way out even when no viewer
	// disconnected cleanly.
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Session.ShutdownTimeout+time.Second)
		defer stopCancel()
		if err := session.Stop(stopCtx); err != nil {
			slog.Warn("stream did not stop cleanly", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// newCaptureSource builds the source named by c.Source.
func newCaptureSource(c config.CaptureConfig, log *slog.Logger) (capture.Source, error) {
	switch c.Source {
	case "synthetic":
		return synthetic.New(synthetic.Config{
			Width:   c.Width,
			Height:  c.Height,
			FPS:     c.FPS,
			Quality: c.Quality,
		}), nil
	case "exec":
		src, err := execsrc.New(execsrc.Config{
			Command:  c.Command,
			Width:    c.Width,
			Height:   c.Height,
			FPS:      c.FPS,
			Rotation: c.Rotation,
			Quality:  c.Quality,
		}, log)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "dir":
		return dirsrc.New(c.Dir, log), nil
	case "srt":
		src, err := srtsrc.New(srtsrc.Config{
			Address:  c.SRTAddress,
			StreamID: c.SRTStreamID,
		}, log)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	return nil, fmt.Errorf("%w: %q", config.ErrUnknownSource, c.Source)
}

// loadCert returns the TLS material the listeners need, or nil for plain
// HTTP. HTTP/3 always needs a certificate.
func loadCert(c config.HTTPConfig) (*certs.CertInfo, error) {
	if !c.TLS && c.H3Addr == "" {
		return nil, nil
	}
	if c.CertFile != "" {
		cert, err := certs.Load(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		return cert, nil
	}

	slog.Info("generating self-signed certificate")
	host, _ := os.Hostname()
	cert, err := certs.Generate(certs.DefaultValidity, host)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)
	return cert, nil
}

// runToken prints a control-surface token signed with the configured
// secret.
func runToken(cfg *config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "operator", "token subject")
	ttl := fs.Duration("ttl", cfg.Auth.TokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.Auth.Secret == "" {
		return errors.New("auth.secret is not configured (set FRAMECAST_AUTH_SECRET)")
	}
	token, err := distribution.IssueToken(cfg.Auth.Secret, *subject, *ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
