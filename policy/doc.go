// Package policy implements security policy evaluation for jobs.
//
// The policy package checks a job's declared capabilities against what its
// spec requires and runs shell command text through a deny-pattern
// blocklist covering destructive commands (recursive delete of root, fork
// bombs, raw device writes, world-writable chmod of root, privilege
// escalation). Every violation is recorded as a SecurityEvent on a bounded
// append-only audit trail.
//
// The blocklist is pattern-based and will under-detect obfuscated payloads
// (encoded commands, path aliases). It is a defense layer, not a complete
// allow-list execution model.
//
// Usage:
//
//	engine, err := policy.New(logger, policy.Options{MaxEvents: 1000})
//	if err != nil {
//	    return err
//	}
//	decision := engine.ValidateJob(j)
//	if !decision.Allowed {
//	    // reject before any sandbox is created
//	}
package policy
