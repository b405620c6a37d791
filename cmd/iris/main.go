package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/seliot/iris/internal/capture"
	"github.com/seliot/iris/internal/certs"
	"github.com/seliot/iris/internal/rtc"
	"github.com/seliot/iris/internal/session"
	"github.com/seliot/iris/internal/web"
)

var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	httpAddr := envOr("HTTP_ADDR", ":8080")
	tlsAddr := envOr("TLS_ADDR", ":8443")
	webDir := envOr("WEB_DIR", "web")
	camera := envOr("CAMERA", "camera0")

	defaults := capture.DefaultConfig()
	defaults.Binary = envOr("CAMERA_BINARY", defaults.Binary)
	defaults.Width = envInt("CAMERA_WIDTH", defaults.Width)
	defaults.Height = envInt("CAMERA_HEIGHT", defaults.Height)
	defaults.FPS = envInt("CAMERA_FPS", defaults.FPS)
	defaults.Quality = envInt("CAMERA_QUALITY", defaults.Quality)
	defaults.Bitrate = envInt("CAMERA_BITRATE", defaults.Bitrate)
	if f := os.Getenv("CAMERA_FORMAT"); f != "" {
		format, err := capture.ParseFormat(f)
		if err != nil {
			slog.Error("bad CAMERA_FORMAT", "error", err)
			os.Exit(1)
		}
		defaults.Format = format
	}

	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	sup := capture.NewSupervisor(nil)
	registry := session.NewRegistry(func(cfg capture.Config) (session.Process, error) {
		return sup.Start(cfg)
	}, nil)
	gateway := rtc.NewGateway(registry, nil)

	srv, err := web.NewServer(web.ServerConfig{
		Registry: registry,
		Connect:  gateway.Connect,
		Camera:   camera,
		Defaults: defaults,
		WebDir:   webDir,
	})
	if err != nil {
		slog.Error("failed to create web server", "error", err)
		os.Exit(1)
	}

	slog.Info("iris starting",
		"version", version,
		"http", httpAddr,
		"tls", tlsAddr,
		"camera", camera,
		"capture", defaults.Binary,
		"cert_hash", cert.FingerprintBase64(),
	)

	handler := srv.Handler()
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert.TLSCert}}

	h3Srv := &http3.Server{
		Addr:      tlsAddr,
		Handler:   handler,
		TLSConfig: http3.ConfigureTLSConfig(tlsConfig.Clone()),
	}

	httpSrv := &http.Server{Addr: httpAddr, Handler: handler}
	httpsSrv := &http.Server{
		Addr: tlsAddr,
		// Advertise the HTTP/3 listener on the same port to clients
		// arriving over TCP.
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := h3Srv.SetQUICHeaders(w.Header()); err != nil {
				slog.Debug("failed to set alt-svc headers", "error", err)
			}
			handler.ServeHTTP(w, r)
		}),
		TLSConfig: tlsConfig,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTP signaling server listening", "addr", httpAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("HTTPS signaling server listening", "addr", tlsAddr)
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("https server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("HTTP/3 signaling server listening", "addr", tlsAddr)
		if err := h3Srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http/3 server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		gateway.Close()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = h3Srv.Close()
		_ = httpsSrv.Shutdown(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring bad integer env value", "key", key, "value", v)
		return fallback
	}
	return n
}
