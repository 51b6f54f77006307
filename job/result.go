package job

import "time"

// Status is the terminal state of a job execution
type Status string

// Terminal statuses
const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// ResourceUsage reports what a job consumed while running
type ResourceUsage struct {
	CPUTime  time.Duration `json:"cpu_time"`
	MemoryMB int           `json:"memory_mb"`
	DiskMB   int           `json:"disk_mb"`
}

// Violation is a structured policy-rule match
type Violation struct {
	RuleID      string   `json:"rule_id"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Result is the audited outcome of one job execution. It is immutable once
// produced and stored in history keyed by JobID.
type Result struct {
	JobID          string          `json:"job_id"`
	Status         Status          `json:"status"`
	ExitCode       int             `json:"exit_code"`
	Stdout         string          `json:"stdout,omitempty"`
	Stderr         string          `json:"stderr,omitempty"`
	Output         string          `json:"output,omitempty"`
	Err            string          `json:"error,omitempty"`
	Duration       time.Duration   `json:"duration"`
	Usage          *ResourceUsage  `json:"resource_usage,omitempty"`
	Violations     []Violation     `json:"violations,omitempty"`
	SecurityEvents []SecurityEvent `json:"security_events,omitempty"`
}
