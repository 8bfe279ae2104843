package failover

import (
	"fmt"
	"sync"
	"time"

	"github.com/openquant/tickerd/pkg/events"
	"github.com/openquant/tickerd/pkg/log"
	"github.com/openquant/tickerd/pkg/metrics"
	"github.com/openquant/tickerd/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds the supervisor settings
type Config struct {
	Enable              bool
	HealthCheckInterval time.Duration
	Rules               []types.FailoverRule
}

// DefaultConfig returns the supervisor defaults
func DefaultConfig() Config {
	return Config{
		Enable:              true,
		HealthCheckInterval: 10 * time.Second,
	}
}

const (
	defaultFailoverThreshold = 3
	defaultRecoveryThreshold = 3
)

// Supervisor evaluates failover rules against provider health and elects
// the active provider per rule. All rule evaluation runs under a single
// outer lock so FailoverTriggered and FailoverRecovered events observe a
// total order consistent with the switches; events are published outside
// the lock.
type Supervisor struct {
	cfg    Config
	health *HealthTracker
	broker *events.Broker
	logger zerolog.Logger

	// emit, when set, pushes integrity events in-band (pipeline publish)
	emit func(types.Event)

	mu     sync.Mutex
	rules  map[string]types.FailoverRule
	states map[string]*types.FailoverState

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a supervisor for the given rules. Threshold defaults are
// applied to rules that leave them zero.
func New(cfg Config, health *HealthTracker, broker *events.Broker) (*Supervisor, error) {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultConfig().HealthCheckInterval
	}

	s := &Supervisor{
		cfg:    cfg,
		health: health,
		broker: broker,
		logger: log.WithComponent("failover"),
		rules:  make(map[string]types.FailoverRule),
		states: make(map[string]*types.FailoverState),
		stopCh: make(chan struct{}),
	}

	for _, rule := range cfg.Rules {
		if rule.ID == "" || rule.PrimaryProviderID == "" {
			return nil, fmt.Errorf("failover rule needs id and primary provider: %+v", rule)
		}
		if _, dup := s.rules[rule.ID]; dup {
			return nil, fmt.Errorf("duplicate failover rule: %s", rule.ID)
		}
		if rule.FailoverThreshold <= 0 {
			rule.FailoverThreshold = defaultFailoverThreshold
		}
		if rule.RecoveryThreshold <= 0 {
			rule.RecoveryThreshold = defaultRecoveryThreshold
		}
		s.rules[rule.ID] = rule
		s.states[rule.ID] = &types.FailoverState{
			RuleID:        rule.ID,
			CurrentActive: rule.PrimaryProviderID,
		}
	}
	return s, nil
}

// SetEmitter wires the in-band integrity emitter. Must be called before
// Start.
func (s *Supervisor) SetEmitter(emit func(types.Event)) {
	s.emit = emit
}

// Health returns the supervisor's health tracker
func (s *Supervisor) Health() *HealthTracker {
	return s.health
}

// Start begins periodic rule evaluation
func (s *Supervisor) Start() {
	if !s.cfg.Enable {
		s.logger.Info().Msg("Failover disabled")
		return
	}
	go s.run()
}

// Stop stops the supervisor
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Supervisor) run() {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	s.logger.Info().Int("rules", len(s.rules)).Msg("Failover supervisor started")

	for {
		select {
		case <-ticker.C:
			s.Evaluate()
		case <-s.stopCh:
			s.logger.Info().Msg("Failover supervisor stopped")
			return
		}
	}
}

type emission struct {
	topic   events.Topic
	payload any
	integ   *types.Event
}

// Evaluate runs one evaluation cycle over every rule
func (s *Supervisor) Evaluate() {
	s.mu.Lock()
	var emissions []emission
	for id := range s.rules {
		emissions = append(emissions, s.evaluateRuleLocked(id)...)
	}
	s.mu.Unlock()

	s.publish(emissions)
}

func (s *Supervisor) evaluateRuleLocked(ruleID string) []emission {
	rule := s.rules[ruleID]
	state := s.states[ruleID]

	var out []emission

	active := s.health.Get(state.CurrentActive)
	shouldFailover := active.ConsecutiveFailures >= rule.FailoverThreshold ||
		(rule.MaxLatencyMs > 0 && active.AvgLatencyMs > rule.MaxLatencyMs)

	if shouldFailover && !state.IsInFailover {
		target, found := s.electLocked(rule, state.CurrentActive)
		if !found {
			s.logger.Error().Str("rule", rule.ID).Msg("No healthy backup available")
			integ := types.NewIntegrity("failover", "", types.IntegrityNoHealthyBackup,
				fmt.Sprintf("rule %s: no healthy backup for %s", rule.ID, state.CurrentActive))
			out = append(out, emission{integ: &integ})
			return out
		}

		reason := fmt.Sprintf("%d consecutive failures", active.ConsecutiveFailures)
		if rule.MaxLatencyMs > 0 && active.AvgLatencyMs > rule.MaxLatencyMs {
			reason = fmt.Sprintf("latency %.0fms above %.0fms", active.AvgLatencyMs, rule.MaxLatencyMs)
		}

		from := state.CurrentActive
		state.CurrentActive = target
		state.IsInFailover = true
		state.LastSwitchAt = time.Now()
		state.SwitchCount++

		metrics.FailoversTriggered.WithLabelValues(rule.ID).Inc()
		s.logger.Warn().
			Str("rule", rule.ID).
			Str("from", from).
			Str("to", target).
			Str("reason", reason).
			Msg("Failover triggered")

		out = append(out, emission{
			topic:   events.TopicFailoverTriggered,
			payload: events.FailoverTriggered{RuleID: rule.ID, From: from, To: target, Reason: reason},
		})
		return out
	}

	if state.IsInFailover {
		primary := s.health.Get(rule.PrimaryProviderID)
		if primary.ConsecutiveSuccesses >= rule.RecoveryThreshold {
			from := state.CurrentActive
			state.CurrentActive = rule.PrimaryProviderID
			state.IsInFailover = false
			state.LastSwitchAt = time.Now()
			state.SwitchCount++

			metrics.FailoversRecovered.WithLabelValues(rule.ID).Inc()
			s.logger.Info().
				Str("rule", rule.ID).
				Str("from", from).
				Str("to", rule.PrimaryProviderID).
				Msg("Failover recovered, primary restored")

			out = append(out, emission{
				topic:   events.TopicFailoverRecovered,
				payload: events.FailoverRecovered{RuleID: rule.ID, Primary: rule.PrimaryProviderID},
			})
		}
	}
	return out
}

// electLocked scans [primary, backups...] \ {exclude} for the first
// provider under the failure threshold. A never-seen provider counts as
// healthy.
func (s *Supervisor) electLocked(rule types.FailoverRule, exclude string) (string, bool) {
	for _, candidate := range rule.Candidates() {
		if candidate == exclude {
			continue
		}
		if s.health.Get(candidate).ConsecutiveFailures < rule.FailoverThreshold {
			return candidate, true
		}
	}
	return "", false
}

func (s *Supervisor) publish(emissions []emission) {
	for _, e := range emissions {
		if e.integ != nil {
			if s.emit != nil {
				s.emit(*e.integ)
			}
			s.broker.Publish(events.TopicIntegrityEvent, *e.integ)
			continue
		}
		s.broker.Publish(e.topic, e.payload)
	}
}

// ForceFailover manually switches a rule to the given target provider
func (s *Supervisor) ForceFailover(ruleID, target string) error {
	s.mu.Lock()

	rule, ok := s.rules[ruleID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown failover rule: %s", ruleID)
	}

	valid := false
	for _, candidate := range rule.Candidates() {
		if candidate == target {
			valid = true
			break
		}
	}
	if !valid {
		s.mu.Unlock()
		return fmt.Errorf("provider %s is not a candidate of rule %s", target, ruleID)
	}

	state := s.states[ruleID]
	from := state.CurrentActive
	if from == target {
		s.mu.Unlock()
		return nil
	}

	state.CurrentActive = target
	state.IsInFailover = target != rule.PrimaryProviderID
	state.LastSwitchAt = time.Now()
	state.SwitchCount++
	s.mu.Unlock()

	s.logger.Warn().
		Str("rule", ruleID).
		Str("from", from).
		Str("to", target).
		Msg("Forced failover")

	s.broker.Publish(events.TopicFailoverTriggered, events.FailoverTriggered{
		RuleID: ruleID, From: from, To: target, Reason: "forced",
	})
	return nil
}

// ActiveProvider returns the rule's current active provider
func (s *Supervisor) ActiveProvider(ruleID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[ruleID]
	if !ok {
		return "", false
	}
	return state.CurrentActive, true
}

// Snapshot returns a copy of every rule's runtime state
func (s *Supervisor) Snapshot() []types.FailoverState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.FailoverState, 0, len(s.states))
	for _, state := range s.states {
		out = append(out, *state)
	}
	return out
}
