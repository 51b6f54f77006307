package job

import "time"

// ResourceLimits are the ceilings applied to a single job's sandbox
type ResourceLimits struct {
	CPUPercent int           // share of one CPU
	MemoryMB   int
	DiskMB     int
	Network    bool
	Timeout    time.Duration
}

// ExecutionContext is the per-run state the engine builds for a job. It is
// created once per execution and owned exclusively by the engine for the
// job's lifetime; handlers read it but never mutate it.
type ExecutionContext struct {
	JobID       string
	SandboxID   string
	StartTime   time.Time
	Env         map[string]string
	Permissions CapabilitySet
	WorkDir     string
	Limits      ResourceLimits
}

// MergeEnv layers job overrides and injected identifiers over the base
// environment. Later layers win. The result is a fresh map.
func MergeEnv(base, overrides, injected map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides)+len(injected))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	for k, v := range injected {
		merged[k] = v
	}
	return merged
}
