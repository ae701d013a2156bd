package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/tv_access/internal/api"
	"github.com/dgnsrekt/tv_access/internal/audit"
	"github.com/dgnsrekt/tv_access/internal/browser"
	"github.com/dgnsrekt/tv_access/internal/config"
	"github.com/dgnsrekt/tv_access/internal/netutil"
	"github.com/dgnsrekt/tv_access/internal/tradingview"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("access manager config loaded",
		"bind_addr", cfg.BindAddr,
		"probe_timeout_ms", cfg.ProbeTimeoutMS,
		"op_timeout_ms", cfg.OpTimeoutMS,
		"cdp_cookie_fallback", cfg.CDPCookieFallback,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
		"audit_file", cfg.AuditFile,
	)

	endpoints := tradingview.DefaultEndpoints()
	session := tradingview.NewSession(nil, endpoints, cfg.TVUsername, cfg.TVPassword,
		time.Duration(cfg.ProbeTimeoutMS)*time.Millisecond)
	if cfg.CDPCookieFallback {
		cdpURL := cfg.CDPURL()
		session.SetCookieFallback(func(ctx context.Context) (string, error) {
			return browser.SessionCookie(ctx, cdpURL)
		})
	}
	client := tradingview.NewClient(nil, endpoints, session)

	auditLog, err := audit.NewLog(cfg.AuditFile, cfg.PineNames)
	if err != nil {
		slog.Error("failed to open audit log", "path", cfg.AuditFile, "error", err)
		os.Exit(1)
	}

	bindAddr, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.BindCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}

	h := api.NewServer(client, auditLog, time.Duration(cfg.OpTimeoutMS)*time.Millisecond)
	srv := &http.Server{Addr: bindAddr, Handler: h}

	go func() {
		slog.Info("access manager listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
