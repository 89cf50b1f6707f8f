package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/comms-dev/comms/internal/config"
)

func runDrafts(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "usage: comms drafts <compose|reply|list|approve|send>")
		return 2
	}

	switch args[0] {
	case "compose":
		return runDraftCompose(cfg, args[1:], stdout, stderr)
	case "reply":
		return runDraftReply(cfg, args[1:], stdout, stderr)
	case "list":
		return runDraftList(cfg, stdout, stderr)
	case "approve":
		return runDraftApprove(cfg, args[1:], stdout, stderr)
	case "send":
		return runDraftSend(cfg, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown drafts subcommand: %s\n", args[0])
		return 2
	}
}

func runDraftCompose(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("drafts compose", flag.ContinueOnError)
	fs.SetOutput(stderr)
	from := fs.String("from", "", "sending account")
	to := fs.String("to", "", "recipient address")
	cc := fs.String("cc", "", "cc addresses")
	subject := fs.String("subject", "", "message subject")
	body := fs.String("body", "", "message body (omit to use --instruct with a drafter)")
	instruct := fs.String("instruct", "", "instruction for the drafter when body is empty")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *to == "" {
		fmt.Fprintln(stderr, "drafts compose: --to is required")
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer rt.close()

	d, err := rt.svc.Compose(ctx, *from, *to, *cc, *subject, *body, *instruct)
	if err != nil {
		fmt.Fprintln(stderr, "drafts compose:", err)
		return 1
	}

	fmt.Fprintf(stdout, "draft %s: to %s, subject %q\n", shortID(d.ID), d.To, d.Subject)
	fmt.Fprintln(stdout, "approve with 'comms drafts approve', then 'comms drafts send'")
	return 0
}

func runDraftReply(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("drafts reply", flag.ContinueOnError)
	fs.SetOutput(stderr)
	from := fs.String("from", "", "sending account")
	thread := fs.String("thread", "", "thread id to reply in")
	body := fs.String("body", "", "reply body")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *thread == "" || *body == "" {
		fmt.Fprintln(stderr, "drafts reply: --thread and --body are required")
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer rt.close()

	d, err := rt.svc.Reply(ctx, *from, *thread, *body)
	if err != nil {
		fmt.Fprintln(stderr, "drafts reply:", err)
		return 1
	}

	fmt.Fprintf(stdout, "draft %s: reply to %s, subject %q\n", shortID(d.ID), d.To, d.Subject)
	return 0
}

func runDraftList(cfg *config.Config, stdout, stderr io.Writer) int {
	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer rt.close()

	drafts, err := rt.svc.PendingDrafts(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "drafts list:", err)
		return 1
	}
	if len(drafts) == 0 {
		fmt.Fprintln(stdout, "no pending drafts")
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTO\tSUBJECT\tSTATE")
	for _, d := range drafts {
		state := "created"
		if d.Approved() {
			state = "approved"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", shortID(d.ID), d.To, truncate(d.Subject, 50), state)
	}
	_ = tw.Flush()
	return 0
}

func runDraftApprove(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: comms drafts approve <draft-id>")
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer rt.close()

	d, err := rt.svc.ApproveDraft(ctx, args[0])
	if err != nil {
		fmt.Fprintln(stderr, "drafts approve:", err)
		return 1
	}

	fmt.Fprintf(stdout, "draft %s approved; send with 'comms drafts send %s'\n", shortID(d.ID), shortID(d.ID))
	return 0
}

func runDraftSend(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: comms drafts send <draft-id>")
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer rt.close()

	d, err := rt.svc.SendDraft(ctx, args[0])
	if err != nil {
		fmt.Fprintln(stderr, "drafts send:", err)
		return 1
	}

	fmt.Fprintf(stdout, "draft %s sent to %s (provider id %s)\n",
		shortID(d.ID), d.To, d.ProviderMessageID)
	return 0
}
