// Package domain holds the core types of the approval pipeline.
package domain

import (
	"time"
)

// Action is one of the closed set of actions an agent may propose.
type Action string

const (
	ActionArchive Action = "archive"
	ActionDelete  Action = "delete"
	ActionFlag    Action = "flag"
	ActionUnflag  Action = "unflag"
	ActionSend    Action = "send"
	ActionReply   Action = "reply"
	ActionCustom  Action = "custom"
)

// EntityType identifies the kind of provider-side object a proposal targets.
type EntityType string

const (
	EntityThread  EntityType = "thread"
	EntityMessage EntityType = "message"
	EntityDraft   EntityType = "draft"
)

// EntityRef is an opaque reference to a provider-side object. The core never
// inspects entity content; it only routes the reference to adapter calls.
type EntityRef struct {
	Type EntityType
	ID   string
}

// actionsByEntity is the closed capability set per entity type, validated at
// propose time so dispatch can fail fast.
var actionsByEntity = map[EntityType][]Action{
	EntityThread:  {ActionArchive, ActionDelete, ActionFlag, ActionUnflag, ActionReply},
	EntityMessage: {ActionArchive, ActionFlag, ActionUnflag, ActionCustom},
	EntityDraft:   {ActionSend, ActionDelete},
}

// ActionAllowed reports whether action is a member of the allowed set for the
// given entity type.
func ActionAllowed(entityType EntityType, action Action) bool {
	for _, a := range actionsByEntity[entityType] {
		if a == action {
			return true
		}
	}
	return false
}

// AllowedActions returns the allowed action set for an entity type.
func AllowedActions(entityType EntityType) []Action {
	return actionsByEntity[entityType]
}

// Status is a proposal lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	// StatusExecuting marks a proposal claimed by a dispatcher. The claim is
	// committed before any adapter call so two resolvers cannot both execute
	// the same proposal.
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusFailed    Status = "failed"
)

// transitions is the one-directional state machine:
// pending → {approved, rejected}, approved → executing → {executed, failed}.
var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected},
	StatusApproved:  {StatusExecuting},
	StatusExecuting: {StatusExecuted, StatusFailed},
}

// CanTransition reports whether from → to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Source identifies who created a proposal.
type Source string

const (
	SourceAgent Source = "agent"
	SourceRule  Source = "rule"
	SourceHuman Source = "human"
)

// Outcome is a human (or autopilot) disposition of a pending proposal.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

// Proposal is a suggested action on an entity awaiting disposition.
type Proposal struct {
	ID             string
	Action         Action
	EntityType     EntityType
	EntityID       string
	Source         Source
	AgentReasoning string
	Status         Status
	UserReasoning  string
	// Correction is the action the human says should have been proposed
	// instead. Set only when Status is rejected.
	Correction Action
	// DecidedBy is "user" for human decisions, "system" for auto-approvals.
	DecidedBy  string
	CreatedAt  time.Time
	DecidedAt  *time.Time
	ExecutedAt *time.Time
}

// Ref returns the proposal's entity reference.
func (p *Proposal) Ref() EntityRef {
	return EntityRef{Type: p.EntityType, ID: p.EntityID}
}

// Terminal reports whether the proposal can no longer change state.
func (p *Proposal) Terminal() bool {
	switch p.Status {
	case StatusRejected, StatusExecuted, StatusFailed:
		return true
	default:
		return false
	}
}
