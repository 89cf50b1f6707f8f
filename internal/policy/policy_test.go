package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/comms-dev/comms/internal/domain"
)

func TestLoadMissingFileYieldsDefault(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.AutoApprove.Enabled {
		t.Error("default policy must not enable auto-approval")
	}
	if cfg.AutoApprove.Threshold != 0.95 {
		t.Errorf("expected default threshold 0.95, got %v", cfg.AutoApprove.Threshold)
	}
	if cfg.Send.MaxDailySends != 50 {
		t.Errorf("expected default daily budget 50, got %d", cfg.Send.MaxDailySends)
	}
}

func TestLoadParsesPolicyFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
auto_approve:
  enabled: true
  threshold: 0.9
  min_samples: 5
  actions: [archive, flag]
send:
  allowed_domains: [example.com]
  max_daily_sends: 10
rules:
  - sender_contains: newsletter@
    action: archive
    reason: bulk mail
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.AutoApprove.Enabled || cfg.AutoApprove.Threshold != 0.9 || cfg.AutoApprove.MinSamples != 5 {
		t.Errorf("unexpected auto_approve: %+v", cfg.AutoApprove)
	}
	if len(cfg.Rules) != 1 || cfg.Rules[0].Action != domain.ActionArchive {
		t.Errorf("unexpected rules: %+v", cfg.Rules)
	}
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("auto_approve:\n  threshold: 1.5\n"), 0644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected out-of-range threshold to be rejected")
	}
}

func TestDecideAuto(t *testing.T) {
	t.Parallel()

	base := AutoApprove{
		Enabled:    true,
		Threshold:  0.9,
		MinSamples: 10,
		Actions:    []domain.Action{domain.ActionArchive, domain.ActionSend},
	}
	confident := domain.ConfidenceRecord{Samples: 20, Successes: 19, Confidence: 0.95}

	tests := []struct {
		name   string
		action domain.Action
		rec    domain.ConfidenceRecord
		cfg    AutoApprove
		want   bool
	}{
		{"confident configured action", domain.ActionArchive, confident, base, true},
		{"disabled gate", domain.ActionArchive, confident, AutoApprove{Threshold: 0.9, MinSamples: 10, Actions: base.Actions}, false},
		{"unconfigured action", domain.ActionDelete, confident, base, false},
		{"send never auto-approved even when configured", domain.ActionSend, confident, base, false},
		{"insufficient record", domain.ActionArchive, domain.ConfidenceRecord{Samples: 20, Confidence: 0.95, Insufficient: true}, base, false},
		{"too few samples", domain.ActionArchive, domain.ConfidenceRecord{Samples: 9, Confidence: 0.95}, base, false},
		{"below threshold", domain.ActionArchive, domain.ConfidenceRecord{Samples: 20, Confidence: 0.89}, base, false},
		{"exactly at threshold", domain.ActionArchive, domain.ConfidenceRecord{Samples: 10, Confidence: 0.9}, base, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &domain.Proposal{Action: tt.action, EntityType: domain.EntityThread}
			if got := DecideAuto(p, tt.rec, tt.cfg); got != tt.want {
				t.Errorf("DecideAuto = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateSend(t *testing.T) {
	t.Parallel()

	now := time.Now()
	approved := &domain.Draft{ID: "d1", To: "alice@example.com", ApprovedAt: &now}

	if err := ValidateSend(Send{}, &domain.Draft{ID: "d2", To: "alice@example.com"}, 0); err == nil {
		t.Error("expected unapproved draft to be rejected")
	}

	sent := &domain.Draft{ID: "d3", To: "alice@example.com", ApprovedAt: &now, SentAt: &now}
	if err := ValidateSend(Send{}, sent, 0); err == nil {
		t.Error("expected already-sent draft to be rejected")
	}

	if err := ValidateSend(Send{MaxDailySends: 5}, approved, 5); err == nil {
		t.Error("expected exhausted daily budget to be rejected")
	}
	if err := ValidateSend(Send{MaxDailySends: 5}, approved, 4); err != nil {
		t.Errorf("expected send within budget to pass, got %v", err)
	}

	// Empty allow-lists permit any recipient.
	if err := ValidateSend(Send{}, approved, 0); err != nil {
		t.Errorf("expected open recipient policy to pass, got %v", err)
	}

	restricted := Send{AllowedDomains: []string{"example.com"}}
	if err := ValidateSend(restricted, approved, 0); err != nil {
		t.Errorf("expected allowed domain to pass, got %v", err)
	}
	outsider := &domain.Draft{ID: "d4", To: "mallory@evil.net", ApprovedAt: &now}
	if err := ValidateSend(restricted, outsider, 0); err == nil {
		t.Error("expected recipient outside allowed domains to be rejected")
	}

	byAddr := Send{AllowedRecipients: []string{"Alice@Example.com"}}
	if err := ValidateSend(byAddr, approved, 0); err != nil {
		t.Errorf("expected case-insensitive recipient match, got %v", err)
	}
}

func TestMatchRule(t *testing.T) {
	t.Parallel()

	cfg := &Config{Rules: []TriageRule{
		{SenderContains: "newsletter@", Action: domain.ActionArchive, Reason: "bulk"},
		{SenderContains: "billing@", Action: domain.ActionFlag, Reason: "money"},
	}}

	rule, ok := cfg.MatchRule("Weekly Newsletter@lists.example.com")
	if !ok || rule.Action != domain.ActionArchive {
		t.Errorf("expected first rule to match case-insensitively, got %+v ok=%v", rule, ok)
	}

	if _, ok := cfg.MatchRule("alice@example.com"); ok {
		t.Error("expected no rule match for plain sender")
	}
}
