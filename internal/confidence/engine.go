// Package confidence derives per-scope success rates from the audit ledger.
package confidence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/comms-dev/comms/internal/domain"
)

// LedgerReader is the slice of the store the engine needs: a replayable,
// order-preserving read over decision entries.
type LedgerReader interface {
	AuditEntries(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, error)
}

// Clock provides time for cache expiry. Tests inject a fake to control
// staleness deterministically.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

const (
	// DefaultMinSamples is the floor below which a scope reports
	// insufficient data.
	DefaultMinSamples = 10

	defaultCacheTTL = 30 * time.Second
)

// Engine computes ConfidenceRecords as a pure fold over the ledger. The
// result is a read-through cache: recomputed on demand after the TTL, never
// mutated in place, and always rebuildable from the ledger. Staleness is
// acceptable; corruption is not.
type Engine struct {
	reader     LedgerReader
	minSamples int
	ttl        time.Duration
	clock      Clock

	mu        sync.Mutex
	records   map[domain.ScopeKey]domain.ConfidenceRecord
	fetchedAt time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMinSamples overrides the insufficient-data floor.
func WithMinSamples(n int) Option {
	return func(e *Engine) { e.minSamples = n }
}

// WithCacheTTL overrides how long a computed snapshot is served.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.ttl = ttl }
}

// WithClock injects a clock for tests.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates a confidence engine over the given ledger reader.
func New(reader LedgerReader, opts ...Option) *Engine {
	e := &Engine{
		reader:     reader,
		minSamples: DefaultMinSamples,
		ttl:        defaultCacheTTL,
		clock:      wallClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Laplace returns the smoothed success rate (successes+1)/(samples+2).
// Smoothing keeps confidence strictly inside (0,1): a single lucky 1/1
// sample must not read as certainty to the auto-approval gate.
func Laplace(successes, samples int) float64 {
	return float64(successes+1) / float64(samples+2)
}

// Record returns the confidence record for a scope, recomputing the snapshot
// from the ledger when the cache has expired. Scopes with no history return
// a zero-sample, insufficient record.
func (e *Engine) Record(ctx context.Context, scope domain.ScopeKey) (domain.ConfidenceRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.refreshLocked(ctx); err != nil {
		return domain.ConfidenceRecord{}, err
	}

	rec, ok := e.records[scope]
	if !ok {
		return domain.ConfidenceRecord{
			Scope:        scope,
			Confidence:   Laplace(0, 0),
			Insufficient: true,
		}, nil
	}
	return rec, nil
}

// Invalidate drops the cached snapshot so the next read refolds the ledger.
// Callers invalidate after recording a decision.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fetchedAt = time.Time{}
}

func (e *Engine) refreshLocked(ctx context.Context) error {
	now := e.clock.Now()
	if e.records != nil && now.Sub(e.fetchedAt) < e.ttl {
		return nil
	}

	folded, err := e.fold(ctx)
	if err != nil {
		return err
	}

	records := make(map[domain.ScopeKey]domain.ConfidenceRecord, len(folded))
	for scope, c := range folded {
		records[scope] = domain.ConfidenceRecord{
			Scope:        scope,
			Samples:      c.samples,
			Successes:    c.successes,
			Confidence:   Laplace(c.successes, c.samples),
			Insufficient: c.samples < e.minSamples,
		}
	}

	e.records = records
	e.fetchedAt = now
	return nil
}

type counts struct {
	samples   int
	successes int
}

// fold replays decision entries from the start of the ledger. A sample is a
// success when the outcome was approved, and a failure when rejected with or
// without correction; pending proposals never reach the ledger as decisions
// so they are excluded by construction.
func (e *Engine) fold(ctx context.Context) (map[domain.ScopeKey]counts, error) {
	entries, err := e.reader.AuditEntries(ctx, domain.AuditFilter{Action: domain.AuditDecision})
	if err != nil {
		return nil, fmt.Errorf("read decision entries: %w", err)
	}

	folded := make(map[domain.ScopeKey]counts)
	for _, entry := range entries {
		var d domain.DecisionDetail
		if err := json.Unmarshal([]byte(entry.Detail), &d); err != nil {
			// A malformed detail is a fact worth knowing but must not
			// poison the whole fold.
			slog.Warn("skipping unreadable decision entry", "seq", entry.Seq, "error", err)
			continue
		}

		scope := domain.ScopeForAction(d.ProposedAction)
		c := folded[scope]
		c.samples++
		if d.Decision == domain.DecisionApproved {
			c.successes++
		}
		folded[scope] = c
	}
	return folded, nil
}

// Stats returns the raw per-action accuracy view used by reporting.
func (e *Engine) Stats(ctx context.Context) ([]domain.ActionStats, error) {
	entries, err := e.reader.AuditEntries(ctx, domain.AuditFilter{Action: domain.AuditDecision})
	if err != nil {
		return nil, fmt.Errorf("read decision entries: %w", err)
	}

	byAction := make(map[domain.Action]*domain.ActionStats)
	for _, entry := range entries {
		var d domain.DecisionDetail
		if err := json.Unmarshal([]byte(entry.Detail), &d); err != nil {
			continue
		}

		s, ok := byAction[d.ProposedAction]
		if !ok {
			s = &domain.ActionStats{Action: d.ProposedAction}
			byAction[d.ProposedAction] = s
		}
		s.Total++
		switch d.Decision {
		case domain.DecisionApproved:
			s.Approved++
		case domain.DecisionRejected:
			s.Rejected++
		case domain.DecisionRejectedWithCorrect:
			s.Corrected++
		}
	}

	out := make([]domain.ActionStats, 0, len(byAction))
	for _, s := range byAction {
		if s.Total > 0 {
			s.Accuracy = float64(s.Approved) / float64(s.Total)
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action < out[j].Action })
	return out, nil
}

// CorrectionPatterns aggregates rejected-with-correction decisions into
// (original, corrected) counts, most frequent first.
func (e *Engine) CorrectionPatterns(ctx context.Context) ([]domain.CorrectionPattern, error) {
	entries, err := e.reader.AuditEntries(ctx, domain.AuditFilter{Action: domain.AuditDecision})
	if err != nil {
		return nil, fmt.Errorf("read decision entries: %w", err)
	}

	type key struct{ original, corrected domain.Action }
	patterns := make(map[key]int)
	for _, entry := range entries {
		var d domain.DecisionDetail
		if err := json.Unmarshal([]byte(entry.Detail), &d); err != nil {
			continue
		}
		if d.Decision == domain.DecisionRejectedWithCorrect && d.Correction != "" {
			patterns[key{d.ProposedAction, d.Correction}]++
		}
	}

	out := make([]domain.CorrectionPattern, 0, len(patterns))
	for k, count := range patterns {
		out = append(out, domain.CorrectionPattern{
			Original:  k.original,
			Corrected: k.corrected,
			Count:     count,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Original < out[j].Original
	})
	return out, nil
}

// SuggestAutoApprove lists actions whose raw accuracy meets the threshold
// with at least minSamples decisions.
func (e *Engine) SuggestAutoApprove(ctx context.Context, threshold float64, minSamples int) ([]domain.Action, error) {
	stats, err := e.Stats(ctx)
	if err != nil {
		return nil, err
	}

	var out []domain.Action
	for _, s := range stats {
		if s.Total >= minSamples && s.Accuracy >= threshold {
			out = append(out, s.Action)
		}
	}
	return out, nil
}
