// Package job defines the data model shared across the engine.
//
// The job package holds the Job submission record, the ExecutionContext
// created for each run, the Result returned to callers, and the
// SecurityEvent audit record. Jobs carry a sealed Spec union describing
// the requested work (shell, script, file, api, database) so that dispatch
// is exhaustive over the known kinds.
//
// Usage:
//
//	j := job.Job{
//	    ID:          "job-1",
//	    Spec:        job.ShellSpec{Command: "echo hello"},
//	    Permissions: job.NewCapabilitySet(job.CapExecute),
//	}
package job
