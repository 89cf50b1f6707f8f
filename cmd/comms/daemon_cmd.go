package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/comms-dev/comms/internal/config"
	"github.com/comms-dev/comms/internal/daemon"
)

func runDaemon(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: comms daemon <start|status|stop>")
		return 2
	}

	switch args[0] {
	case "start":
		return runDaemonStart(cfg, stdout, stderr)
	case "status":
		return runDaemonStatus(cfg, stdout, stderr)
	case "stop":
		return runDaemonStop(cfg, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown daemon subcommand: %s\n", args[0])
		return 2
	}
}

// runDaemonStart runs the daemon in the foreground; process supervision
// (systemd, nohup) is the caller's business.
func runDaemonStart(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer rt.close()

	if err := daemon.Run(ctx, cfg, rt.svc, rt.repo, rt.adapter); err != nil {
		fmt.Fprintln(stderr, "daemon:", err)
		return 1
	}
	return 0
}

func runDaemonStatus(cfg *config.Config, stdout, stderr io.Writer) int {
	if !daemon.Running(cfg.PidFile) {
		fmt.Fprintln(stdout, "daemon: not running")
		return 1
	}

	pid, err := daemon.ReadPid(cfg.PidFile)
	if err != nil {
		fmt.Fprintln(stderr, "daemon status:", err)
		return 1
	}
	fmt.Fprintf(stdout, "daemon: running (pid %d)\n", pid)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/status", cfg.DaemonAddr))
	if err != nil {
		fmt.Fprintln(stderr, "daemon status: control api unreachable:", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	var status struct {
		Poll    daemon.PollStatus `json:"poll"`
		Pending int               `json:"pending_proposals"`
		LastSeq int64             `json:"last_audit_seq"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Fprintln(stderr, "daemon status: bad response:", err)
		return 1
	}

	fmt.Fprintf(stdout, "polls: %d", status.Poll.Polls)
	if status.Poll.LastPoll != nil {
		fmt.Fprintf(stdout, " (last %s, fetched %d, proposed %d)",
			status.Poll.LastPoll.Format(time.RFC3339),
			status.Poll.LastFetched, status.Poll.LastProposed)
	}
	fmt.Fprintln(stdout)
	fmt.Fprintf(stdout, "pending proposals: %d\n", status.Pending)
	fmt.Fprintf(stdout, "ledger entries: %d\n", status.LastSeq)
	return 0
}

func runDaemonStop(cfg *config.Config, stdout, stderr io.Writer) int {
	if err := daemon.Stop(cfg.PidFile); err != nil {
		fmt.Fprintln(stderr, "daemon stop:", err)
		return 1
	}
	fmt.Fprintln(stdout, "stop signal sent")
	return 0
}

// runSync runs one fetch-store-triage cycle in process, without the daemon.
func runSync(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer rt.close()

	poller := daemon.NewPoller(rt.svc, rt.repo, rt.adapter, cfg.PollInterval, cfg.TriageLimit)
	fetched, err := poller.PollOnce(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "sync:", err)
		return 1
	}

	fmt.Fprintf(stdout, "synced %d new items\n", fetched)
	return 0
}
