// Package executor orchestrates sandboxed job execution.
//
// The executor package implements the engine at the heart of Bruno. Each
// Execute call runs one job through the full lifecycle: policy validation,
// admission control against the concurrency cap, execution-context
// construction, sandbox acquisition, kind-specific dispatch raced against
// the effective timeout, and release with history recording and ordered
// lifecycle notifications.
//
// Execute always returns a Result; policy rejections, admission refusals,
// timeouts and runtime panics are all converted into Results rather than
// propagated to the caller.
//
// Usage:
//
//	engine := executor.New(logger, cfg, policyEngine, sandboxManager)
//	result := engine.Execute(ctx, j)
//	if result.Status == job.StatusTimeout {
//	    // the job exceeded its effective timeout
//	}
package executor
