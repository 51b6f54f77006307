package sandbox

import (
	"fmt"

	"github.com/isdmx/bruno/job"
)

// Backend identifies the isolation mechanism behind a sandbox
type Backend string

// Supported backends
const (
	BackendDocker  Backend = "docker"
	BackendProcess Backend = "process"
)

// SecurityOptions are the hardening flags applied to a container sandbox
type SecurityOptions struct {
	NoNewPrivileges bool
	ReadOnlyRoot    bool
	CapDrop         []string
	CapAdd          []string
}

// DefaultSecurityOptions is the hardening profile applied to every
// container sandbox
func DefaultSecurityOptions() SecurityOptions {
	return SecurityOptions{
		NoNewPrivileges: true,
		ReadOnlyRoot:    true,
		CapDrop:         []string{"ALL"},
	}
}

// Sandbox is the handle for one isolated execution environment. A sandbox
// is never shared across jobs and is destroyed exactly once at the end of
// its job's execution.
type Sandbox struct {
	ID          string
	Backend     Backend
	ContainerID string // docker backend only
	WorkDir     string
	Limits      job.ResourceLimits
	Security    SecurityOptions

	// removeRoot is the ephemeral directory tree deleted when the sandbox
	// goes away. Empty for named workspaces, which outlive the sandbox.
	removeRoot string
}

// containerName derives the docker container name from the sandbox id
func (s *Sandbox) containerName() string {
	return fmt.Sprintf("bruno-sbx-%s", s.ID)
}
