package domain

import (
	"testing"
	"time"
)

func TestSeverityEscalate(t *testing.T) {
	tests := []struct {
		name     string
		severity Severity
		expected Severity
	}{
		{"Low escalates to Medium", SeverityLow, SeverityMedium},
		{"Medium escalates to High", SeverityMedium, SeverityHigh},
		{"High escalates to Critical", SeverityHigh, SeverityCritical},
		{"Critical stays Critical", SeverityCritical, SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.severity.Escalate(); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestSeverityRank(t *testing.T) {
	if SeverityLow.Rank() >= SeverityMedium.Rank() {
		t.Error("Expected LOW to rank below MEDIUM")
	}
	if SeverityHigh.Rank() >= SeverityCritical.Rank() {
		t.Error("Expected HIGH to rank below CRITICAL")
	}
}

func TestAlertStatusIsOpen(t *testing.T) {
	tests := []struct {
		status AlertStatus
		open   bool
	}{
		{StatusTriggered, true},
		{StatusAcknowledged, true},
		{StatusResolved, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsOpen(); got != tt.open {
				t.Errorf("Expected IsOpen=%v for %s, got %v", tt.open, tt.status, got)
			}
		})
	}
}

func TestAlertStatusCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    AlertStatus
		to      AlertStatus
		allowed bool
	}{
		{"Triggered to Acknowledged", StatusTriggered, StatusAcknowledged, true},
		{"Triggered to Resolved", StatusTriggered, StatusResolved, true},
		{"Acknowledged to Resolved", StatusAcknowledged, StatusResolved, true},
		{"Acknowledged to Triggered", StatusAcknowledged, StatusTriggered, false},
		{"Resolved is terminal", StatusResolved, StatusTriggered, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.allowed {
				t.Errorf("Expected CanTransition(%s -> %s)=%v, got %v", tt.from, tt.to, tt.allowed, got)
			}
		})
	}
}

func TestRuleScopeAppliesTo(t *testing.T) {
	tests := []struct {
		name    string
		scope   RuleScope
		orgID   string
		presets []string
		applies bool
	}{
		{"Org scope matches org", OrganizationScope("org-1"), "org-1", nil, true},
		{"Org scope rejects other org", OrganizationScope("org-1"), "org-2", nil, false},
		{"Preset scope matches preset", PresetScope("preset-a"), "org-1", []string{"preset-a", "preset-b"}, true},
		{"Preset scope rejects missing preset", PresetScope("preset-c"), "org-1", []string{"preset-a"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.scope.AppliesTo(tt.orgID, tt.presets); got != tt.applies {
				t.Errorf("Expected AppliesTo=%v, got %v", tt.applies, got)
			}
		})
	}
}

func TestRuleScopeValidate(t *testing.T) {
	if err := OrganizationScope("org-1").Validate(); err != nil {
		t.Errorf("Expected valid organization scope, got %v", err)
	}
	if err := PresetScope("preset-a").Validate(); err != nil {
		t.Errorf("Expected valid preset scope, got %v", err)
	}
	if err := (RuleScope{Kind: ScopeOrganization}).Validate(); err == nil {
		t.Error("Expected error for organization scope without organization ID")
	}
	if err := (RuleScope{Kind: "BOGUS"}).Validate(); err == nil {
		t.Error("Expected error for unknown scope kind")
	}
}

func TestWindowHistory(t *testing.T) {
	ref := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	history := []Observation{
		{ID: "a", RecordedAt: ref.Add(-10 * 24 * time.Hour)},
		{ID: "b", RecordedAt: ref.Add(-5 * 24 * time.Hour)},
		{ID: "c", RecordedAt: ref.Add(-1 * 24 * time.Hour)},
	}
	evalCtx := &EvaluationContext{History: history}

	window := evalCtx.WindowHistory(7*24*time.Hour, ref)
	if len(window) != 2 {
		t.Fatalf("Expected 2 observations inside 7d window, got %d", len(window))
	}
	if window[0].ID != "b" || window[1].ID != "c" {
		t.Errorf("Expected oldest-to-newest [b c], got [%s %s]", window[0].ID, window[1].ID)
	}

	if got := evalCtx.WindowHistory(0, ref); got != nil {
		t.Errorf("Expected nil window for zero duration, got %d entries", len(got))
	}

	if got := evalCtx.WindowHistory(time.Hour, ref); got != nil {
		t.Errorf("Expected empty window when nothing is recent enough, got %d entries", len(got))
	}
}

func TestAlertRuleWindowed(t *testing.T) {
	if (AlertRule{Window: 0}).Windowed() {
		t.Error("Expected rule without window to be instantaneous")
	}
	if !(AlertRule{Window: time.Hour}).Windowed() {
		t.Error("Expected rule with window to be windowed")
	}
}
