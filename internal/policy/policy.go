// Package policy holds user-configured decision policy: the auto-approval
// gate, send restrictions, and triage rules.
package policy

import (
	"fmt"
	"os"
	"strings"

	"github.com/comms-dev/comms/internal/domain"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk policy file (YAML).
type Config struct {
	AutoApprove AutoApprove  `yaml:"auto_approve"`
	Send        Send         `yaml:"send"`
	Rules       []TriageRule `yaml:"rules"`
}

// AutoApprove configures the confidence gate.
type AutoApprove struct {
	Enabled    bool            `yaml:"enabled"`
	Threshold  float64         `yaml:"threshold"`
	MinSamples int             `yaml:"min_samples"`
	Actions    []domain.Action `yaml:"actions"`
}

// Send restricts outbound mail.
type Send struct {
	AllowedRecipients []string `yaml:"allowed_recipients"`
	AllowedDomains    []string `yaml:"allowed_domains"`
	MaxDailySends     int      `yaml:"max_daily_sends"`
}

// TriageRule proposes an action for inbound items matching a sender pattern.
type TriageRule struct {
	SenderContains string        `yaml:"sender_contains"`
	Action         domain.Action `yaml:"action"`
	Reason         string        `yaml:"reason"`
}

// Default returns the policy used when no file exists: approval required for
// everything, a sane send budget, no triage rules.
func Default() *Config {
	return &Config{
		AutoApprove: AutoApprove{
			Enabled:    false,
			Threshold:  0.95,
			MinSamples: 10,
		},
		Send: Send{
			MaxDailySends: 50,
		},
	}
}

// Load reads the policy file at path. A missing file yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return cfg, nil
}

// Validate checks policy bounds.
func (c *Config) Validate() error {
	if c.AutoApprove.Threshold < 0 || c.AutoApprove.Threshold > 1 {
		return fmt.Errorf("auto_approve.threshold must be in [0,1], got %v", c.AutoApprove.Threshold)
	}
	if c.AutoApprove.MinSamples < 1 {
		return fmt.Errorf("auto_approve.min_samples must be >= 1, got %d", c.AutoApprove.MinSamples)
	}
	if c.Send.MaxDailySends < 0 {
		return fmt.Errorf("send.max_daily_sends must be >= 0, got %d", c.Send.MaxDailySends)
	}
	for _, r := range c.Rules {
		if r.SenderContains == "" {
			return fmt.Errorf("triage rule with empty sender_contains")
		}
		if r.Action == "" {
			return fmt.Errorf("triage rule for %q with empty action", r.SenderContains)
		}
	}
	return nil
}

// DecideAuto is the auto-approval policy: a total, deterministic function of
// its inputs with no I/O, so it is testable without any adapter or store.
// Send is never eligible regardless of configuration; approval of outbound
// mail is a hard-coded human gate, not a tunable.
func DecideAuto(p *domain.Proposal, rec domain.ConfidenceRecord, cfg AutoApprove) bool {
	if !cfg.Enabled {
		return false
	}
	if p.Action == domain.ActionSend {
		return false
	}
	configured := false
	for _, a := range cfg.Actions {
		if a == p.Action {
			configured = true
			break
		}
	}
	if !configured {
		return false
	}
	if rec.Insufficient || rec.Samples < cfg.MinSamples {
		return false
	}
	return rec.Confidence >= cfg.Threshold
}

// ValidateSend checks a draft against send policy. sentToday is the count of
// sends already recorded in the ledger for the current day.
func ValidateSend(cfg Send, d *domain.Draft, sentToday int) error {
	if !d.Approved() {
		return fmt.Errorf("draft %s is not approved", d.ID)
	}
	if d.Sent() {
		return fmt.Errorf("draft %s was already sent", d.ID)
	}
	if cfg.MaxDailySends > 0 && sentToday >= cfg.MaxDailySends {
		return fmt.Errorf("daily send budget exhausted (%d/%d)", sentToday, cfg.MaxDailySends)
	}
	if len(cfg.AllowedRecipients) == 0 && len(cfg.AllowedDomains) == 0 {
		return nil
	}
	if recipientAllowed(cfg, d.To) {
		return nil
	}
	return fmt.Errorf("recipient %s not in allowed recipients or domains", d.To)
}

func recipientAllowed(cfg Send, addr string) bool {
	lower := strings.ToLower(strings.TrimSpace(addr))
	for _, r := range cfg.AllowedRecipients {
		if strings.ToLower(r) == lower {
			return true
		}
	}
	if at := strings.LastIndex(lower, "@"); at >= 0 {
		dom := lower[at+1:]
		for _, d := range cfg.AllowedDomains {
			if strings.ToLower(d) == dom {
				return true
			}
		}
	}
	return false
}

// MatchRule returns the first triage rule matching the sender, if any.
func (c *Config) MatchRule(sender string) (TriageRule, bool) {
	lower := strings.ToLower(sender)
	for _, r := range c.Rules {
		if strings.Contains(lower, strings.ToLower(r.SenderContains)) {
			return r, true
		}
	}
	return TriageRule{}, false
}
