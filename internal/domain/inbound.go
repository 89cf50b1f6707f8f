package domain

import "time"

// InboundItem is a message pulled from a provider by the daemon's poller.
// The core stores it for triage but never parses its content.
type InboundItem struct {
	ID         string
	EntityType EntityType
	ThreadID   string
	Sender     string
	Subject    string
	Preview    string
	ReceivedAt time.Time
	SyncedAt   time.Time
}
