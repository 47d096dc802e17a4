package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Vanuan/photoq"
	"github.com/Vanuan/photoq/api"
	"github.com/Vanuan/photoq/engine"
	"github.com/Vanuan/photoq/fault"
	"github.com/Vanuan/photoq/queue"
	"github.com/Vanuan/photoq/store/memory"
	"github.com/Vanuan/photoq/store/postgres"
	"github.com/Vanuan/photoq/store/redis"
	"github.com/Vanuan/photoq/store/sqlite"
	"github.com/Vanuan/photoq/worker"
)

type serveOpts struct {
	storeKind   string
	dsn         string
	listen      string
	queues      []string
	concurrency int
	authToken   string
	shell       bool
	verbose     bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOpts{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue engine and its HTTP admin API",
		Long: `Serve runs a queue node: the engine's claim loops, retries, sweeps,
recurring dispatch, and health sampling, plus the HTTP admin API the
other photoq commands talk to.

The node registers the shell.exec job kind, which runs a queued shell
command and stores its output as the job result:

    photoq enqueue shell.exec '{"command":"exiftool -json raw/IMG_0001.CR3"}'

Pass --shell=false to refuse shell jobs on this node; enqueues of the
kind are then rejected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&opts.storeKind, "store", "memory", "store backend: memory, sqlite, redis, or postgres")
	fl.StringVar(&opts.dsn, "dsn", "", "store DSN: sqlite path, redis URL, or postgres connection string")
	fl.StringVar(&opts.listen, "listen", ":8080", "HTTP listen address")
	fl.StringSliceVar(&opts.queues, "queues", nil, "queues to ensure at startup, besides the default")
	fl.IntVar(&opts.concurrency, "concurrency", 0, "claim slots per queue worker (0 uses the engine default)")
	fl.StringVar(&opts.authToken, "auth-token", "", "require this bearer token on admin routes")
	fl.BoolVar(&opts.shell, "shell", true, "register the shell.exec job kind on this node")
	fl.BoolVar(&opts.verbose, "verbose", false, "log at debug level")
	return cmd
}

func openStore(ctx context.Context, opts *serveOpts, logger *slog.Logger) (photoq.Storer, error) {
	switch opts.storeKind {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		dsn := opts.dsn
		if dsn == "" {
			dsn = "photoq.db"
		}
		return sqlite.Open(dsn, sqlite.WithLogger(logger))
	case "redis":
		dsn := opts.dsn
		if dsn == "" {
			dsn = "redis://localhost:6379/0"
		}
		return redis.Open(dsn, redis.WithLogger(logger))
	case "postgres":
		if opts.dsn == "" {
			return nil, errors.New("--dsn is required for the postgres store")
		}
		return postgres.New(ctx, opts.dsn, postgres.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown store %q (want memory, sqlite, redis, or postgres)", opts.storeKind)
	}
}

func runServe(ctx context.Context, opts *serveOpts) error {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, opts, logger)
	if err != nil {
		return err
	}

	coordOpts := []photoq.Option{
		photoq.WithStore(st),
		photoq.WithLogger(logger),
	}
	if opts.concurrency > 0 {
		coordOpts = append(coordOpts, photoq.WithConcurrency(opts.concurrency))
	}
	coord, err := photoq.New(coordOpts...)
	if err != nil {
		return err
	}
	eng, err := engine.Build(coord)
	if err != nil {
		return err
	}
	if opts.shell {
		eng.RegisterKind("shell.exec", shellExecHandler)
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	// Every queue this node knows gets a worker, so claims start
	// flowing without an explicit scale call.
	queues := append([]string{coord.Config().DefaultQueue}, opts.queues...)
	for _, name := range queues {
		if _, err := eng.Queues().Ensure(ctx, name, queue.DefaultConfig()); err != nil {
			return fmt.Errorf("ensure queue %q: %w", name, err)
		}
		if _, err := eng.Workers().Register(ctx, name); err != nil && !errors.Is(err, photoq.ErrWorkerExists) {
			return fmt.Errorf("register worker for %q: %w", name, err)
		}
	}

	apiOpts := []api.Option{api.WithLogger(logger)}
	if opts.authToken != "" {
		apiOpts = append(apiOpts, api.WithAuthorizer(api.StaticTokenAuthorizer(opts.authToken)))
	}
	srv := &http.Server{
		Addr:    opts.listen,
		Handler: api.New(eng, apiOpts...).Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("admin API listening",
			slog.String("addr", opts.listen),
			slog.String("store", opts.storeKind),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), coord.Config().ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		return eng.Stop(shutdownCtx)
	})
	return g.Wait()
}

// shellExecResult is the stored result of a shell.exec job.
type shellExecResult struct {
	Output string `json:"output"`
}

// shellExecHandler runs the payload's command through the shell and
// stages its combined output as the job result. Malformed payloads
// dead-letter immediately; command failures follow the queue's retry
// policy.
func shellExecHandler(ctx context.Context, payload []byte) error {
	var req struct {
		Command string `json:"command"`
		Dir     string `json:"dir,omitempty"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fault.Data(fmt.Errorf("shell.exec payload: %w", err))
	}
	if strings.TrimSpace(req.Command) == "" {
		return fault.Data(errors.New("shell.exec payload has no command"))
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", req.Command)
	cmd.Dir = req.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("shell.exec: %w: %s", err, msg)
		}
		return fmt.Errorf("shell.exec: %w", err)
	}

	result, err := json.Marshal(shellExecResult{Output: string(out)})
	if err != nil {
		return err
	}
	return worker.SetResult(ctx, result)
}
