// Package sandbox manages isolated execution environments for jobs.
//
// The sandbox package creates and destroys the environments jobs run in.
// Two backends are supported: docker, which starts an idle hardened
// container per sandbox and runs commands inside it with docker exec, and
// process, which isolates a job to a private temporary working directory
// on the host. The manager prefers docker and falls back to process
// isolation when the container runtime is unavailable.
//
// Every sandbox is exclusive to a single job and destroyed exactly once;
// Destroy is idempotent and DestroyAll drains everything at shutdown.
//
// Usage:
//
//	mgr := sandbox.NewManager(logger, sandbox.Options{Backend: "docker", Image: "alpine:3.20"})
//	sb, err := mgr.Create(ctx, execCtx)
//	defer mgr.Destroy(context.Background(), sb.ID)
package sandbox
