// Package domain contains the core entities and types for clinical
// observation monitoring: observations, alert rules, rule violations and
// the alerts raised for clinical staff when a rule is violated.
package domain

import (
	"errors"
	"fmt"
)

// Severity orders the clinical urgency of an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRanks maps each severity to its position in the ascending order.
var severityRanks = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// IsValid reports whether the severity is one of the four known tiers.
func (s Severity) IsValid() bool {
	_, ok := severityRanks[s]
	return ok
}

// Rank returns the ascending position of the severity tier (LOW=0 ... CRITICAL=3).
// Unknown severities rank below LOW.
func (s Severity) Rank() int {
	if r, ok := severityRanks[s]; ok {
		return r
	}
	return -1
}

// Escalate returns the next severity tier up. CRITICAL never escalates further.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh, SeverityCritical:
		return SeverityCritical
	default:
		return s
	}
}

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// AlertStatus tracks the lifecycle of an alert.
// Valid transitions: TRIGGERED -> ACKNOWLEDGED -> RESOLVED, or
// TRIGGERED -> RESOLVED directly. RESOLVED is terminal.
type AlertStatus string

const (
	StatusTriggered    AlertStatus = "TRIGGERED"
	StatusAcknowledged AlertStatus = "ACKNOWLEDGED"
	StatusResolved     AlertStatus = "RESOLVED"
)

// IsValid reports whether the status is a known lifecycle state.
func (st AlertStatus) IsValid() bool {
	switch st {
	case StatusTriggered, StatusAcknowledged, StatusResolved:
		return true
	default:
		return false
	}
}

// IsOpen reports whether an alert in this status still deduplicates new
// violations of the same (patient, rule) pair.
func (st AlertStatus) IsOpen() bool {
	return st == StatusTriggered || st == StatusAcknowledged
}

// CanTransition reports whether moving from the current status to next is a
// legal lifecycle transition.
func (st AlertStatus) CanTransition(next AlertStatus) bool {
	switch st {
	case StatusTriggered:
		return next == StatusAcknowledged || next == StatusResolved
	case StatusAcknowledged:
		return next == StatusResolved
	default:
		return false
	}
}

// String returns the string representation of the status.
func (st AlertStatus) String() string {
	return string(st)
}

// ComparisonOp is the comparison a rule applies to an observation.
//
// The windowed operators aggregate the prior-observation window plus the
// current observation: OpDeltaOverWindow compares the change between the
// earliest windowed value and the current value against the threshold,
// OpCountOverWindow counts values crossing the threshold and fires once the
// rule's MinCount is reached.
type ComparisonOp string

const (
	OpGreaterThan     ComparisonOp = "GT"
	OpGreaterOrEqual  ComparisonOp = "GTE"
	OpLessThan        ComparisonOp = "LT"
	OpLessOrEqual     ComparisonOp = "LTE"
	OpEqual           ComparisonOp = "EQ"
	OpDeltaOverWindow ComparisonOp = "DELTA_OVER_WINDOW"
	OpCountOverWindow ComparisonOp = "COUNT_OVER_WINDOW"
)

// IsValid reports whether the operator is known.
func (op ComparisonOp) IsValid() bool {
	switch op {
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual,
		OpEqual, OpDeltaOverWindow, OpCountOverWindow:
		return true
	default:
		return false
	}
}

// Windowed reports whether the operator aggregates over prior observations.
func (op ComparisonOp) Windowed() bool {
	return op == OpDeltaOverWindow || op == OpCountOverWindow
}

// ScopeKind distinguishes the two levels a rule can be scoped to.
type ScopeKind string

const (
	ScopeOrganization    ScopeKind = "ORGANIZATION"
	ScopeConditionPreset ScopeKind = "CONDITION_PRESET"
)

// RuleScope is the explicit two-level scope of an alert rule: either
// organization-wide or bound to a single condition preset. Exactly one of
// OrganizationID and PresetID is set, determined by Kind.
type RuleScope struct {
	Kind           ScopeKind `json:"kind"`
	OrganizationID string    `json:"organization_id,omitempty"`
	PresetID       string    `json:"preset_id,omitempty"`
}

// OrganizationScope builds an organization-wide rule scope.
func OrganizationScope(orgID string) RuleScope {
	return RuleScope{Kind: ScopeOrganization, OrganizationID: orgID}
}

// PresetScope builds a condition-preset rule scope.
func PresetScope(presetID string) RuleScope {
	return RuleScope{Kind: ScopeConditionPreset, PresetID: presetID}
}

// AppliesTo reports whether a rule with this scope governs a patient in the
// given organization carrying the given condition presets.
func (s RuleScope) AppliesTo(orgID string, presetIDs []string) bool {
	switch s.Kind {
	case ScopeOrganization:
		return s.OrganizationID == orgID
	case ScopeConditionPreset:
		for _, id := range presetIDs {
			if id == s.PresetID {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Validate ensures the scope names exactly one target.
func (s RuleScope) Validate() error {
	switch s.Kind {
	case ScopeOrganization:
		if s.OrganizationID == "" {
			return fmt.Errorf("rule scope validation: %w", errors.New("organization id is required for organization scope"))
		}
	case ScopeConditionPreset:
		if s.PresetID == "" {
			return fmt.Errorf("rule scope validation: %w", errors.New("preset id is required for condition preset scope"))
		}
	default:
		return fmt.Errorf("rule scope validation: unknown scope kind %q", s.Kind)
	}
	return nil
}
