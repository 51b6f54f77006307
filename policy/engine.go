package policy

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/bruno/config"
	"github.com/isdmx/bruno/job"
)

// Decision is the outcome of validating a job against policy. Events holds
// the SecurityEvents this validation recorded, so callers can attach them
// to the job's result without fishing them back out of the shared trail.
type Decision struct {
	Allowed    bool
	Violations []job.Violation
	Events     []job.SecurityEvent
}

// Options configures the policy engine
type Options struct {
	MaxEvents  int    // audit trail capacity; 0 uses a default of 1000
	RulesFile  string // optional extra deny rules, YAML
	ExtraRules []Rule // rules appended programmatically (tests, embedding)
}

// Engine evaluates jobs against security policy and keeps the audit trail.
// All methods are safe for concurrent use.
type Engine struct {
	logger *zap.Logger
	rules  []Rule

	mu        sync.Mutex
	events    []job.SecurityEvent
	maxEvents int
}

// NewFromConfig builds a policy engine from the application configuration
func NewFromConfig(logger *zap.Logger, cfg *config.Config) (*Engine, error) {
	return New(logger, Options{
		MaxEvents: cfg.Policy.MaxEvents,
		RulesFile: cfg.Policy.RulesFile,
	})
}

// New creates a policy engine with the built-in blocklist plus any rules
// from Options. An unreadable rules file is an error rather than a silent
// reduction of the policy surface.
func New(logger *zap.Logger, opts Options) (*Engine, error) {
	maxEvents := opts.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 1000
	}

	rules := make([]Rule, 0, len(builtinRules)+len(opts.ExtraRules))
	rules = append(rules, builtinRules...)
	rules = append(rules, opts.ExtraRules...)

	if opts.RulesFile != "" {
		loaded, err := LoadRules(opts.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = append(rules, loaded...)
		logger.Info("loaded extra policy rules",
			zap.String("file", opts.RulesFile),
			zap.Int("count", len(loaded)))
	}

	return &Engine{
		logger:    logger,
		rules:     rules,
		maxEvents: maxEvents,
	}, nil
}

// ValidateJob checks the job's declared permissions against what its spec
// requires and, for shell and script jobs, runs the command text through
// the blocklist. Every violation is recorded as a SecurityEvent.
func (e *Engine) ValidateJob(j job.Job) Decision {
	var violations []job.Violation
	var events []job.SecurityEvent

	for _, cap := range requiredCapabilities(j.Spec) {
		if !j.Permissions.Has(cap) {
			v := job.Violation{
				RuleID:      "missing-capability",
				Severity:    job.SeverityMedium,
				Description: fmt.Sprintf("job %s requires capability %q", j.ID, cap),
			}
			violations = append(violations, v)
			events = append(events, job.SecurityEvent{
				Timestamp: time.Now(),
				Type:      job.EventPermissionDenied,
				Severity:  v.Severity,
				Details:   v.Description,
				Action:    job.ActionBlocked,
			})
		}
	}

	switch spec := j.Spec.(type) {
	case job.ShellSpec:
		v, ev := e.checkCommand(j.ID, spec.Command)
		violations = append(violations, v...)
		events = append(events, ev...)
	case job.ScriptSpec:
		v, ev := e.checkCommand(j.ID, spec.Source)
		violations = append(violations, v...)
		events = append(events, ev...)
	}

	for _, event := range events {
		e.record(event)
	}

	if len(violations) > 0 {
		e.logger.Warn("job rejected by policy",
			zap.String("job_id", j.ID),
			zap.Int("violations", len(violations)))
		return Decision{Allowed: false, Violations: violations, Events: events}
	}
	return Decision{Allowed: true}
}

// CheckCommand runs command text through the blocklist and records a
// SecurityEvent per match. The shell handler calls this again right before
// spawning, independent of the validation pass.
func (e *Engine) CheckCommand(command string) []job.Violation {
	violations, events := e.checkCommand("", command)
	for _, event := range events {
		e.record(event)
	}
	return violations
}

// checkCommand matches command text against every rule. It returns the
// violations plus the events describing them; recording is left to the
// caller so ValidateJob can hand a job's own events back to the executor.
func (e *Engine) checkCommand(jobID, command string) ([]job.Violation, []job.SecurityEvent) {
	var violations []job.Violation
	var events []job.SecurityEvent

	for _, rule := range e.rules {
		if !rule.Matches(command) {
			continue
		}
		violations = append(violations, job.Violation{
			RuleID:      rule.ID,
			Severity:    rule.Severity,
			Description: rule.Description,
		})
		events = append(events, job.SecurityEvent{
			Timestamp: time.Now(),
			Type:      job.EventPolicyViolation,
			Severity:  rule.Severity,
			Details:   eventDetails(jobID, rule),
			Action:    job.ActionBlocked,
		})
	}

	if invokesPrivilegeEscalation(command) {
		rule := privilegeEscalationRule
		violations = append(violations, job.Violation{
			RuleID:      rule.ID,
			Severity:    rule.Severity,
			Description: rule.Description,
		})
		events = append(events, job.SecurityEvent{
			Timestamp: time.Now(),
			Type:      job.EventSuspiciousActivity,
			Severity:  rule.Severity,
			Details:   eventDetails(jobID, rule),
			Action:    job.ActionBlocked,
		})
	}

	return violations, events
}

func eventDetails(jobID string, rule Rule) string {
	if jobID == "" {
		return fmt.Sprintf("command blocked by rule %s: %s", rule.ID, rule.Description)
	}
	return fmt.Sprintf("job %s: command blocked by rule %s: %s", jobID, rule.ID, rule.Description)
}

// Record appends an externally observed security event to the audit trail
func (e *Engine) Record(event job.SecurityEvent) {
	e.record(event)
}

func (e *Engine) record(event job.SecurityEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	if len(e.events) > e.maxEvents {
		e.events = e.events[len(e.events)-e.maxEvents:]
	}
}

// SecurityEvents returns the most recent events, newest first. A
// non-positive limit returns the full trail.
func (e *Engine) SecurityEvents(limit int) []job.SecurityEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]job.SecurityEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.events[i])
	}
	return out
}
