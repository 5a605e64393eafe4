package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hitushen/portprobe/internal/checker"
	"github.com/hitushen/portprobe/internal/logging"
	"github.com/hitushen/portprobe/internal/scanner"
	"github.com/hitushen/portprobe/internal/server"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string, stderr io.Writer) int {
	fs := newFlagSet("serve", stderr)
	c := bindCommon(fs)

	var addr string
	fs.StringVar(&addr, "addr", "", "HTTP listen address (default from config, :8080)")

	if _, err := parseInterspersed(fs, args); err != nil {
		return ExitUsage
	}

	cfg, err := c.load()
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return ExitFailure
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	logger := logging.Setup(cfg.LogLevel)

	st, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintln(stderr, "store:", err)
		return ExitFailure
	}
	defer st.Close()

	pool := scanner.NewManager(buildProber(cfg), cfg.Server.Concurrency, logger)
	defer pool.Close()

	svc := checker.New(st, pool, cfg.Probe.Timeout, logger)
	srv, err := server.New(cfg, svc, logger)
	if err != nil {
		fmt.Fprintln(stderr, "server init:", err)
		return ExitFailure
	}
	defer srv.Close()

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("portprobe listening", "addr", cfg.Server.Addr, "store", cfg.Store, "engine", cfg.Probe.Engine, "auth", cfg.AuthEnabled())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("http server", "err", err)
			return ExitFailure
		}
		return 0
	case <-ctx.Done():
	}

	// 优雅地关闭服务：先结束长连接，再等待进行中的请求。
	logger.Info("shutting down")
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
		return ExitFailure
	}
	return 0
}
