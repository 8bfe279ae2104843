package types

import (
	"strings"
	"time"
)

// SymbolSubscription describes the desired live subscriptions for one
// symbol. Keyed by canonical symbol in the coordinator.
type SymbolSubscription struct {
	Symbol          string `json:"symbol" yaml:"symbol"`
	SubscribeTrades bool   `json:"subscribe_trades" yaml:"subscribe_trades"`
	SubscribeDepth  bool   `json:"subscribe_depth" yaml:"subscribe_depth"`
	DepthLevels     int    `json:"depth_levels" yaml:"depth_levels"`
	Exchange        string `json:"exchange,omitempty" yaml:"exchange"`
	PrimaryExchange string `json:"primary_exchange,omitempty" yaml:"primary_exchange"`
	LocalSymbol     string `json:"local_symbol,omitempty" yaml:"local_symbol"`
	SecurityType    string `json:"security_type,omitempty" yaml:"security_type"`
	Currency        string `json:"currency,omitempty" yaml:"currency"`
}

// Equal reports whether two subscriptions request the same thing. String
// fields compare case-insensitively; currency and security type do not
// affect the active subscription and are excluded.
func (s SymbolSubscription) Equal(o SymbolSubscription) bool {
	return s.SubscribeTrades == o.SubscribeTrades &&
		s.SubscribeDepth == o.SubscribeDepth &&
		s.DepthLevels == o.DepthLevels &&
		strings.EqualFold(s.Exchange, o.Exchange) &&
		strings.EqualFold(s.LocalSymbol, o.LocalSymbol) &&
		strings.EqualFold(s.PrimaryExchange, o.PrimaryExchange)
}

// maxRecentIssues bounds the per-provider issue ring
const maxRecentIssues = 16

// ProviderHealth is the rolling health state the failover supervisor keeps
// per provider.
type ProviderHealth struct {
	ProviderID           string    `json:"provider_id"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailureAt        time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt        time.Time `json:"last_success_at,omitempty"`
	AvgLatencyMs         float64   `json:"avg_latency_ms"`
	RecentIssues         []string  `json:"recent_issues,omitempty"`
}

// AddIssue appends to the bounded issue ring, evicting the oldest entry
func (h *ProviderHealth) AddIssue(issue string) {
	h.RecentIssues = append(h.RecentIssues, issue)
	if len(h.RecentIssues) > maxRecentIssues {
		h.RecentIssues = h.RecentIssues[len(h.RecentIssues)-maxRecentIssues:]
	}
}

// Clone returns a deep copy safe to hand to callers
func (h *ProviderHealth) Clone() *ProviderHealth {
	c := *h
	c.RecentIssues = append([]string(nil), h.RecentIssues...)
	return &c
}

// FailoverRule declares a primary provider and its ordered backups
type FailoverRule struct {
	ID                string   `json:"id" yaml:"id"`
	PrimaryProviderID string   `json:"primary_provider_id" yaml:"primary_provider_id"`
	BackupProviderIDs []string `json:"backup_provider_ids" yaml:"backup_provider_ids"`
	FailoverThreshold int      `json:"failover_threshold" yaml:"failover_threshold"`
	RecoveryThreshold int      `json:"recovery_threshold" yaml:"recovery_threshold"`
	MaxLatencyMs      float64  `json:"max_latency_ms" yaml:"max_latency_ms"`
}

// Candidates returns the rule's providers in election order
func (r FailoverRule) Candidates() []string {
	out := make([]string, 0, len(r.BackupProviderIDs)+1)
	out = append(out, r.PrimaryProviderID)
	out = append(out, r.BackupProviderIDs...)
	return out
}

// FailoverState is the runtime state of one rule
type FailoverState struct {
	RuleID        string    `json:"rule_id"`
	CurrentActive string    `json:"current_active"`
	IsInFailover  bool      `json:"is_in_failover"`
	LastSwitchAt  time.Time `json:"last_switch_at,omitempty"`
	SwitchCount   int       `json:"switch_count"`
}

// BackfillRequest asks the orchestrator for a bulk historical ingest
type BackfillRequest struct {
	ProviderID     string    `json:"provider_id"`
	Symbols        []string  `json:"symbols"`
	From           time.Time `json:"from,omitempty"`
	To             time.Time `json:"to,omitempty"`
	EnableFallback bool      `json:"enable_fallback"`
}

// SymbolResult records the per-symbol outcome of a backfill run
type SymbolResult struct {
	Symbol      string `json:"symbol"`
	Success     bool   `json:"success"`
	BarsWritten int    `json:"bars_written"`
	Error       string `json:"error,omitempty"`
}

// BackfillResult is the persisted record of one backfill run. Each run
// overwrites the previous record.
type BackfillResult struct {
	RunID            string         `json:"run_id"`
	Success          bool           `json:"success"`
	Provider         string         `json:"provider"`
	Symbols          []string       `json:"symbols"`
	From             time.Time      `json:"from,omitempty"`
	To               time.Time      `json:"to,omitempty"`
	BarsWritten      int            `json:"bars_written"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      time.Time      `json:"completed_at"`
	Error            string         `json:"error,omitempty"`
	PerSymbolResults []SymbolResult `json:"per_symbol_results"`
}
