// comms - approval-gated action pipeline for AI-mediated communications.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/comms-dev/comms/internal/adapter"
	"github.com/comms-dev/comms/internal/config"
	"github.com/comms-dev/comms/internal/confidence"
	"github.com/comms-dev/comms/internal/domain"
	"github.com/comms-dev/comms/internal/engine"
	"github.com/comms-dev/comms/internal/policy"
	"github.com/comms-dev/comms/internal/store"
	"github.com/joho/godotenv"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "configuration:", err)
		return 1
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "propose":
		return runPropose(cfg, args[2:], stdout, stderr)
	case "review":
		return runReview(cfg, args[2:], stdout, stderr)
	case "approve":
		return runApprove(cfg, args[2:], stdout, stderr)
	case "reject":
		return runReject(cfg, args[2:], stdout, stderr)
	case "resolve":
		return runResolve(cfg, args[2:], stdout, stderr)
	case "drafts":
		return runDrafts(cfg, args[2:], stdout, stderr)
	case "stats":
		return runStats(cfg, args[2:], stdout, stderr)
	case "audit":
		return runAudit(cfg, args[2:], stdout, stderr)
	case "daemon":
		return runDaemon(cfg, args[2:], stdout, stderr)
	case "sync":
		return runSync(cfg, stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "comms - approval-gated communications pipeline")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  comms <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "PROPOSALS:")
	printCommand(w, "propose", "Propose an action (--action, --type, --id, --reason)")
	printCommand(w, "review", "List pending proposals, or show one by id prefix")
	printCommand(w, "approve", "Approve a pending proposal (--reason)")
	printCommand(w, "reject", "Reject a pending proposal (--reason, --correct)")
	printCommand(w, "resolve", "Execute all approved proposals")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "DRAFTS:")
	printCommand(w, "drafts", "compose | reply | list | approve | send")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "INSIGHT:")
	printCommand(w, "stats", "Per-action accuracy, corrections, suggestions")
	printCommand(w, "audit", "recent | watch | verify")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "BACKGROUND:")
	printCommand(w, "daemon", "start | status | stop")
	printCommand(w, "sync", "Fetch and triage inbound items once")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

// runtime bundles everything a store-backed command needs.
type runtime struct {
	cfg     *config.Config
	repo    *store.SQLiteStore
	adapter *adapter.Memory
	svc     *engine.Service
}

// openRuntime connects to the shared store, loads policy, and hydrates the
// local adapter's entity registry from stored messages and pending drafts so
// existence checks work across process restarts.
func openRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("load policy: %w", err)
	}

	ad := adapter.NewMemory()
	if err := hydrateAdapter(ctx, repo, ad, cfg.InboxPath); err != nil {
		_ = repo.Close()
		return nil, err
	}

	conf := confidence.New(repo, confidence.WithMinSamples(pol.AutoApprove.MinSamples))
	svc := engine.New(repo, ad, conf, pol)

	return &runtime{cfg: cfg, repo: repo, adapter: ad, svc: svc}, nil
}

func hydrateAdapter(ctx context.Context, repo *store.SQLiteStore, ad *adapter.Memory, inboxPath string) error {
	items, err := repo.ListInbound(ctx)
	if err != nil {
		return fmt.Errorf("hydrate adapter: %w", err)
	}
	for _, item := range items {
		ad.Register(domain.EntityRef{Type: item.EntityType, ID: item.ID})
		if item.ThreadID != "" {
			ad.Register(domain.EntityRef{Type: domain.EntityThread, ID: item.ThreadID})
		}
	}

	drafts, err := repo.ListPendingDrafts(ctx)
	if err != nil {
		return fmt.Errorf("hydrate adapter drafts: %w", err)
	}
	for _, d := range drafts {
		ad.Register(domain.EntityRef{Type: domain.EntityDraft, ID: d.ID})
	}

	staged, err := adapter.LoadInbox(inboxPath)
	if err != nil {
		return err
	}
	ad.QueueInbound(staged...)
	return nil
}

func (rt *runtime) close() {
	if err := rt.repo.Close(); err != nil {
		slog.Error("close repository", "error", err)
	}
}
