package job

import (
	"fmt"
	"time"
)

// Kind identifies the kind of work a Job requests
type Kind string

// Supported job kinds
const (
	KindShell    Kind = "shell"
	KindScript   Kind = "script"
	KindFile     Kind = "file"
	KindAPI      Kind = "api"
	KindDatabase Kind = "database"
)

// Capability names a permission a job may declare
type Capability string

// Capability constants
const (
	CapExecute         Capability = "execute"
	CapFilesystemRead  Capability = "filesystem:read"
	CapFilesystemWrite Capability = "filesystem:write"
	CapNetwork         Capability = "network"
	CapDatabaseRead    Capability = "database:read"
	CapDatabaseWrite   Capability = "database:write"
)

// CapabilitySet is the set of capabilities a job declares
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet builds a set from the given capabilities
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// ParseCapabilities builds a set from raw capability strings
func ParseCapabilities(raw []string) CapabilitySet {
	set := make(CapabilitySet, len(raw))
	for _, r := range raw {
		set[Capability(r)] = struct{}{}
	}
	return set
}

// Has reports whether the set contains the capability
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Clone returns an independent copy of the set
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c := range s {
		out[c] = struct{}{}
	}
	return out
}

// Strings returns the capabilities as a sorted-insensitive string slice
func (s CapabilitySet) Strings() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, string(c))
	}
	return out
}

// Spec describes the work a job requests. It is a sealed union: the only
// implementations are ShellSpec, ScriptSpec, FileSpec, APISpec and
// DatabaseSpec, so dispatch can type-switch exhaustively.
type Spec interface {
	Kind() Kind
}

// ShellSpec requests execution of a shell command inside the sandbox
type ShellSpec struct {
	Command string
}

// Kind returns KindShell
func (ShellSpec) Kind() Kind { return KindShell }

// ScriptSpec requests execution of an inline script. The engine persists the
// source to a content-addressed file in the sandbox before running it.
type ScriptSpec struct {
	Interpreter string // defaults to "sh"
	Source      string
}

// Kind returns KindScript
func (ScriptSpec) Kind() Kind { return KindScript }

// FileOp names a filesystem operation for a FileSpec
type FileOp string

// File operations
const (
	FileRead   FileOp = "read"
	FileWrite  FileOp = "write"
	FileExists FileOp = "exists"
)

// FileSpec requests a filesystem operation relative to the sandbox workdir
type FileSpec struct {
	Op      FileOp
	Path    string
	Content []byte // write only
}

// Kind returns KindFile
func (FileSpec) Kind() Kind { return KindFile }

// APISpec requests an outbound API call. The engine enforces only the
// network capability gate; the actual transport is an external collaborator.
type APISpec struct {
	Method string
	URL    string
	Body   []byte
}

// Kind returns KindAPI
func (APISpec) Kind() Kind { return KindAPI }

// DatabaseOp names the access class of a DatabaseSpec
type DatabaseOp string

// Database operations
const (
	DatabaseRead  DatabaseOp = "read"
	DatabaseWrite DatabaseOp = "write"
)

// DatabaseSpec requests a database operation. Only the capability gate is
// part of the engine; the client integration is external.
type DatabaseSpec struct {
	Op    DatabaseOp
	Query string
}

// Kind returns KindDatabase
func (DatabaseSpec) Kind() Kind { return KindDatabase }

// RetryPolicy is carried on the job for an external orchestrator. The engine
// itself never retries.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

// Job is a unit of requested work submitted to the engine. It is immutable
// once submitted.
type Job struct {
	ID          string
	Spec        Spec
	Permissions CapabilitySet
	Env         map[string]string
	WorkDir     string
	Timeout     time.Duration // zero means the engine default applies
	Retry       *RetryPolicy
	Metadata    map[string]string
}

// Validate checks the structural completeness of the submission record. It
// does not apply security policy; that is the policy engine's job.
func (j Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if j.Spec == nil {
		return fmt.Errorf("job %s: spec is required", j.ID)
	}
	switch spec := j.Spec.(type) {
	case ShellSpec:
		if spec.Command == "" {
			return fmt.Errorf("job %s: shell command is empty", j.ID)
		}
	case ScriptSpec:
		if spec.Source == "" {
			return fmt.Errorf("job %s: script source is empty", j.ID)
		}
	case FileSpec:
		if spec.Path == "" {
			return fmt.Errorf("job %s: file path is empty", j.ID)
		}
		switch spec.Op {
		case FileRead, FileWrite, FileExists:
		default:
			return fmt.Errorf("job %s: unknown file operation %q", j.ID, spec.Op)
		}
	case APISpec:
		if spec.URL == "" {
			return fmt.Errorf("job %s: api url is empty", j.ID)
		}
	case DatabaseSpec:
		switch spec.Op {
		case DatabaseRead, DatabaseWrite:
		default:
			return fmt.Errorf("job %s: unknown database operation %q", j.ID, spec.Op)
		}
	default:
		return fmt.Errorf("job %s: unsupported spec type %T", j.ID, j.Spec)
	}
	return nil
}
