package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/comms-dev/comms/internal/config"
	"github.com/comms-dev/comms/internal/domain"
	"github.com/coder/websocket"
)

func runAudit(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: comms audit <recent|watch|verify>")
		return 2
	}

	switch args[0] {
	case "recent":
		return runAuditRecent(cfg, args[1:], stdout, stderr)
	case "watch":
		return runAuditWatch(cfg, stdout, stderr)
	case "verify":
		return runAuditVerify(cfg, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown audit subcommand: %s\n", args[0])
		return 2
	}
}

func runAuditRecent(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit recent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 20, "number of entries to show")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer rt.close()

	entries, err := rt.svc.RecentAudit(ctx, *limit)
	if err != nil {
		fmt.Fprintln(stderr, "audit recent:", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "ledger is empty")
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tACTOR\tACTION\tTARGET\tTRANSITION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s %s\t%s\n",
			e.Seq, e.Timestamp.Format(time.RFC3339), e.Actor, e.Action,
			e.EntityType, shortID(e.EntityID), formatTransition(e))
	}
	_ = tw.Flush()
	return 0
}

func formatTransition(e *domain.AuditEntry) string {
	if e.PrevStatus == "" && e.NewStatus == "" {
		return "-"
	}
	return fmt.Sprintf("%s -> %s", e.PrevStatus, e.NewStatus)
}

// runAuditWatch tails the ledger live through the daemon's websocket stream.
func runAuditWatch(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx := context.Background()
	url := fmt.Sprintf("ws://%s/ws/audit", cfg.DaemonAddr)

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		fmt.Fprintf(stderr, "audit watch: connect to daemon at %s: %v\n", cfg.DaemonAddr, err)
		fmt.Fprintln(stderr, "is the daemon running? start it with 'comms daemon start'")
		return 1
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	fmt.Fprintln(stdout, "watching ledger (ctrl-c to stop)")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			fmt.Fprintln(stderr, "audit watch: stream closed:", err)
			return 1
		}

		var e domain.AuditEntry
		if err := json.Unmarshal(data, &e); err != nil {
			fmt.Fprintln(stderr, "audit watch: bad entry:", err)
			continue
		}
		fmt.Fprintf(stdout, "%d %s %s %s %s %s %s\n",
			e.Seq, e.Timestamp.Format(time.RFC3339), e.Actor, e.Action,
			e.EntityType, shortID(e.EntityID), formatTransition(&e))
	}
}

func runAuditVerify(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer rt.close()

	badSeq, err := rt.repo.VerifyChain(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "audit verify:", err)
		return 1
	}
	if badSeq != 0 {
		fmt.Fprintf(stderr, "ledger corrupt at seq %d\n", badSeq)
		return 1
	}

	last, err := rt.repo.LastAuditSeq(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "audit verify:", err)
		return 1
	}
	fmt.Fprintf(stdout, "ledger intact: %d entries verified\n", last)
	return 0
}
