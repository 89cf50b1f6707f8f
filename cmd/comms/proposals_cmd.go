package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/comms-dev/comms/internal/config"
	"github.com/comms-dev/comms/internal/domain"
)

func runPropose(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("propose", flag.ContinueOnError)
	fs.SetOutput(stderr)
	action := fs.String("action", "", "action to propose (archive, delete, flag, unflag, reply, send, custom)")
	entityType := fs.String("type", string(domain.EntityThread), "entity type (thread, message, draft)")
	entityID := fs.String("id", "", "entity id the action targets")
	reason := fs.String("reason", "", "agent reasoning for the proposal")
	source := fs.String("source", string(domain.SourceAgent), "proposal source (agent, human)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *action == "" || *entityID == "" {
		fmt.Fprintln(stderr, "propose: --action and --id are required")
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer rt.close()

	p, auto, err := rt.svc.Propose(ctx,
		domain.Action(*action), domain.EntityType(*entityType), *entityID,
		domain.Source(*source), *reason)
	if err != nil {
		fmt.Fprintln(stderr, "propose:", err)
		return 1
	}

	fmt.Fprintf(stdout, "proposal %s: %s %s %s [%s]\n",
		shortID(p.ID), p.Action, p.EntityType, p.EntityID, p.Status)
	if auto {
		fmt.Fprintln(stdout, "auto-approved by confidence policy; run 'comms resolve' to execute")
	}
	return 0
}

func runReview(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("review", flag.ContinueOnError)
	fs.SetOutput(stderr)
	status := fs.String("status", string(domain.StatusPending), "filter by status (empty for all)")
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

	if fs.NArg() > 0 {
		return showProposal(ctx, rt, fs.Arg(0), stdout, stderr)
	}

	proposals, err := rt.svc.Proposals(ctx, domain.Status(*status))
	if err != nil {
		fmt.Fprintln(stderr, "review:", err)
		return 1
	}
	if len(proposals) == 0 {
		fmt.Fprintln(stdout, "no proposals")
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTION\tTARGET\tSOURCE\tSTATUS\tREASONING")
	for _, p := range proposals {
		fmt.Fprintf(tw, "%s\t%s\t%s %s\t%s\t%s\t%s\n",
			shortID(p.ID), p.Action, p.EntityType, p.EntityID,
			p.Source, p.Status, truncate(p.AgentReasoning, 60))
	}
	_ = tw.Flush()
	return 0
}

func showProposal(ctx context.Context, rt *runtime, idOrPrefix string, stdout, stderr io.Writer) int {
	p, err := rt.svc.Proposal(ctx, idOrPrefix)
	if err != nil {
		fmt.Fprintln(stderr, "review:", err)
		return 1
	}

	fmt.Fprintf(stdout, "Proposal  %s\n", p.ID)
	fmt.Fprintf(stdout, "Action    %s on %s %s\n", p.Action, p.EntityType, p.EntityID)
	fmt.Fprintf(stdout, "Source    %s\n", p.Source)
	fmt.Fprintf(stdout, "Status    %s\n", p.Status)
	fmt.Fprintf(stdout, "Created   %s\n", p.CreatedAt.Format(time.RFC3339))
	if p.AgentReasoning != "" {
		fmt.Fprintf(stdout, "Reasoning %s\n", p.AgentReasoning)
	}
	if p.DecidedAt != nil {
		fmt.Fprintf(stdout, "Decided   %s by %s\n", p.DecidedAt.Format(time.RFC3339), p.DecidedBy)
	}
	if p.UserReasoning != "" {
		fmt.Fprintf(stdout, "Feedback  %s\n", p.UserReasoning)
	}
	if p.Correction != "" {
		fmt.Fprintf(stdout, "Corrected %s\n", p.Correction)
	}
	if p.ExecutedAt != nil {
		fmt.Fprintf(stdout, "Executed  %s\n", p.ExecutedAt.Format(time.RFC3339))
	}
	return 0
}

func runApprove(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	return runDecide(cfg, args, domain.OutcomeApprove, stdout, stderr)
}

func runReject(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	return runDecide(cfg, args, domain.OutcomeReject, stdout, stderr)
}

func runDecide(cfg *config.Config, args []string, outcome domain.Outcome, stdout, stderr io.Writer) int {
	name := string(outcome)
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	reason := fs.String("reason", "", "why this decision was made")
	var correct string
	if outcome == domain.OutcomeReject {
		fs.StringVar(&correct, "correct", "", "the action that should have been proposed")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(stderr, "usage: comms %s [flags] <proposal-id>\n", name)
		return 2
	}

	ctx := context.Background()
	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer rt.close()

	p, err := rt.svc.Decide(ctx, fs.Arg(0), outcome, *reason, domain.Action(correct))
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 1
	}

	fmt.Fprintf(stdout, "proposal %s: %s %s %s -> %s\n",
		shortID(p.ID), p.Action, p.EntityType, p.EntityID, p.Status)
	if p.Correction != "" {
		fmt.Fprintf(stdout, "correction recorded: should have been %s\n", p.Correction)
	}
	return 0
}

func runResolve(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.SetOutput(stderr)
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

	results, err := rt.svc.Resolve(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "resolve:", err)
		return 1
	}
	if len(results) == 0 {
		fmt.Fprintln(stdout, "nothing to resolve")
		return 0
	}

	failed := 0
	for _, res := range results {
		if res.Success {
			fmt.Fprintf(stdout, "%s %s %s %s: executed\n",
				shortID(res.ProposalID), res.Action, res.EntityType, res.EntityID)
		} else {
			failed++
			fmt.Fprintf(stdout, "%s %s %s %s: failed (%v)\n",
				shortID(res.ProposalID), res.Action, res.EntityType, res.EntityID, res.Err)
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func runStats(cfg *config.Config, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
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

	stats, err := rt.svc.Stats(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "stats:", err)
		return 1
	}
	if len(stats) == 0 {
		fmt.Fprintln(stdout, "no decisions recorded yet")
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tTOTAL\tAPPROVED\tREJECTED\tCORRECTED\tACCURACY")
	for _, st := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.0f%%\n",
			st.Action, st.Total, st.Approved, st.Rejected, st.Corrected, st.Accuracy*100)
	}
	_ = tw.Flush()

	patterns, err := rt.svc.CorrectionPatterns(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "stats:", err)
		return 1
	}
	if len(patterns) > 0 {
		fmt.Fprintln(stdout, "\nCorrections:")
		for _, pat := range patterns {
			fmt.Fprintf(stdout, "  %s -> %s (%d times)\n", pat.Original, pat.Corrected, pat.Count)
		}
	}

	suggestions, err := rt.svc.SuggestAutoApprove(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "stats:", err)
		return 1
	}
	if len(suggestions) > 0 {
		fmt.Fprintf(stdout, "\nCandidates for auto-approval: %v\n", suggestions)
	}
	return 0
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
