package domain

import "time"

// Draft is a pending outbound message with a two-gate lifecycle:
// created → approved → sent. A draft never goes from created to sent directly,
// and SentAt is set only after a confirmed adapter success.
type Draft struct {
	ID             string
	FromAccount    string
	To             string
	Cc             string
	Subject        string
	Body           string
	ThreadID       string
	AgentReasoning string
	CreatedAt      time.Time
	ApprovedAt     *time.Time
	SentAt         *time.Time
	// ProviderMessageID is the provider's id for the sent message, recorded
	// from the adapter confirmation when available.
	ProviderMessageID string
}

// Approved reports whether the draft has passed the first gate.
func (d *Draft) Approved() bool { return d.ApprovedAt != nil }

// Sent reports whether the draft has passed the second gate.
func (d *Draft) Sent() bool { return d.SentAt != nil }

// Sendable reports whether the draft is approved but not yet sent.
func (d *Draft) Sendable() bool { return d.Approved() && !d.Sent() }
