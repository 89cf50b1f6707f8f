package domain

import "time"

// Audit actor and action names used across the pipeline.
const (
	ActorUser   = "user"
	ActorSystem = "system"
	ActorDaemon = "daemon"

	AuditPropose       = "propose"
	AuditProposeDenied = "propose_denied"
	AuditDecision      = "decision"
	AuditExecute       = "execute"
	AuditExecuteFailed = "execute_failed"
	AuditDraftCreate   = "draft_create"
	AuditDraftApprove  = "draft_approve"
	AuditDraftSend     = "draft_send"
	AuditDraftFailed   = "draft_send_failed"
	AuditSync          = "sync"
)

// Decision values recorded in ledger detail for confidence computation.
const (
	DecisionApproved            = "approved"
	DecisionRejected            = "rejected"
	DecisionRejectedWithCorrect = "rejected_with_correction"
)

// AuditEntry is an immutable ledger record of one state transition. Entries
// are ordered by Seq, a monotonically increasing sequence number assigned by
// the store; Timestamp is advisory and never used for ordering decisions.
// Each entry carries a SHA-256 hash over its fields and the previous entry's
// hash, chaining the ledger.
type AuditEntry struct {
	Seq        int64
	Timestamp  time.Time
	Actor      string
	Action     string
	EntityType EntityType
	EntityID   string
	PrevStatus Status
	NewStatus  Status
	// Detail is free-form JSON: proposal id, proposed action, decision,
	// correction, adapter confirmation or failure kind.
	Detail   string
	PrevHash string
	Hash     string
}

// DecisionDetail is the JSON payload of a "decision" ledger entry. It is the
// sole input to confidence computation, which is why the proposed action and
// any correction ride in the ledger rather than only in the proposals table.
type DecisionDetail struct {
	ProposalID     string `json:"proposal_id"`
	ProposedAction Action `json:"proposed_action"`
	Decision       string `json:"decision"`
	Correction     Action `json:"correction,omitempty"`
	AgentReasoning string `json:"agent_reasoning,omitempty"`
	UserReasoning  string `json:"user_reasoning,omitempty"`
}

// ExecutionDetail is the JSON payload of an execute/execute_failed entry.
type ExecutionDetail struct {
	ProposalID   string `json:"proposal_id"`
	Action       Action `json:"action"`
	Confirmation string `json:"confirmation,omitempty"`
	FailureKind  string `json:"failure_kind,omitempty"`
	Error        string `json:"error,omitempty"`
}

// AuditFilter narrows a ledger read. Zero values mean no constraint.
type AuditFilter struct {
	EntityType EntityType
	EntityID   string
	Action     string
	Since      time.Time
	Until      time.Time
	AfterSeq   int64
	Limit      int
}
