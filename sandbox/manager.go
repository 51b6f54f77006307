package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/bruno/config"
	"github.com/isdmx/bruno/job"
)

// Options configures the sandbox manager
type Options struct {
	Backend            string // "docker" or "process"
	Image              string // container image for docker sandboxes
	WorkdirRoot        string // parent for sandbox workdirs; "" uses the OS temp dir
	EnableProcessMode  bool   // opt-in for the weaker process isolation
	FallbackOnNoDocker bool   // fall back to process isolation when docker is unavailable
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithCommandRunner sets the CommandRunner for the manager
func WithCommandRunner(runner CommandRunner) ManagerOption {
	return func(m *Manager) {
		m.runner = runner
	}
}

// WithFileSystem sets the FileSystem for the manager
func WithFileSystem(fs FileSystem) ManagerOption {
	return func(m *Manager) {
		m.fs = fs
	}
}

// Manager creates and destroys sandboxes. It is safe for concurrent use:
// concurrent Create calls for different contexts each get an exclusive
// working directory, and Destroy on an already-destroyed id is a no-op.
type Manager struct {
	logger *zap.Logger
	opts   Options
	runner CommandRunner
	fs     FileSystem

	probeOnce   sync.Once
	dockerAlive bool

	mu     sync.Mutex
	active map[string]*Sandbox
}

// NewManagerFromConfig builds a manager from the application configuration
func NewManagerFromConfig(logger *zap.Logger, cfg *config.Config) *Manager {
	return NewManager(logger, Options{
		Backend:            cfg.Sandbox.Backend,
		Image:              cfg.Sandbox.Image,
		WorkdirRoot:        cfg.Sandbox.WorkdirRoot,
		EnableProcessMode:  cfg.Sandbox.EnableProcessMode,
		FallbackOnNoDocker: cfg.Sandbox.FallbackOnNoDocker,
	})
}

// NewManager creates a sandbox manager with default seam implementations
func NewManager(logger *zap.Logger, opts Options, managerOpts ...ManagerOption) *Manager {
	m := &Manager{
		logger: logger,
		opts:   opts,
		runner: &RealCommandRunner{},
		fs:     &RealFileSystem{},
		active: make(map[string]*Sandbox),
	}
	for _, opt := range managerOpts {
		opt(m)
	}
	return m
}

// dockerAvailable probes the container runtime once and caches the answer
func (m *Manager) dockerAvailable(ctx context.Context) bool {
	m.probeOnce.Do(func() {
		_, _, exitCode, err := m.runner.RunCommand(ctx, "", nil, []string{"docker", "version", "--format", "{{.Server.Version}}"})
		m.dockerAlive = err == nil && exitCode == 0
		if !m.dockerAlive {
			m.logger.Warn("container runtime unavailable",
				zap.Error(err),
				zap.Int("exit_code", exitCode))
		}
	})
	return m.dockerAlive
}

// selectBackend resolves which backend a new sandbox uses
func (m *Manager) selectBackend(ctx context.Context) (Backend, error) {
	switch m.opts.Backend {
	case "process":
		return BackendProcess, nil
	case "docker":
		if m.dockerAvailable(ctx) {
			return BackendDocker, nil
		}
		// Falling back still means running with the weaker isolation, so
		// it needs the same opt-in as requesting the process backend.
		if m.opts.FallbackOnNoDocker && m.opts.EnableProcessMode {
			m.logger.Info("falling back to process isolation")
			return BackendProcess, nil
		}
		return "", fmt.Errorf("docker backend requested but the container runtime is unavailable")
	default:
		return "", fmt.Errorf("unsupported sandbox backend: %s", m.opts.Backend)
	}
}

// ErrWorkdirEscape is returned when a requested working directory resolves
// outside the workspace root
var ErrWorkdirEscape = errors.New("requested working directory escapes the workspace root")

// Create allocates a new sandbox for the execution context. The returned
// handle carries a working directory exclusive to the job for its lifetime
// and the backend config. A context that names a working directory gets a
// stable directory under the workspace root, shared by jobs naming the
// same one across their lifetimes and not removed at destroy; an unnamed
// context gets a fresh temp dir.
func (m *Manager) Create(ctx context.Context, execCtx *job.ExecutionContext) (*Sandbox, error) {
	backend, err := m.selectBackend(ctx)
	if err != nil {
		return nil, err
	}

	workdir, removeRoot, err := m.allocateWorkdir(execCtx.WorkDir)
	if err != nil {
		return nil, err
	}

	sb := &Sandbox{
		ID:         uuid.NewString(),
		Backend:    backend,
		WorkDir:    workdir,
		Limits:     execCtx.Limits,
		Security:   DefaultSecurityOptions(),
		removeRoot: removeRoot,
	}

	if backend == BackendDocker {
		if err := m.startContainer(ctx, sb); err != nil {
			// Named workspaces hold other jobs' data and must survive this.
			if removeRoot != "" {
				if rmErr := m.fs.RemoveAll(removeRoot); rmErr != nil {
					m.logger.Error("failed to remove workdir after container start failure",
						zap.String("path", removeRoot), zap.Error(rmErr))
				}
			}
			return nil, err
		}
	}

	m.mu.Lock()
	m.active[sb.ID] = sb
	m.mu.Unlock()

	m.logger.Debug("sandbox created",
		zap.String("sandbox_id", sb.ID),
		zap.String("backend", string(backend)),
		zap.String("workdir", workdir))
	return sb, nil
}

// allocateWorkdir resolves the on-disk working directory for a sandbox.
// For an unnamed context it returns a fresh workdir plus the temp tree to
// delete at teardown; for a named workspace removeRoot is empty and nothing
// is ever deleted.
func (m *Manager) allocateWorkdir(requested string) (dir, removeRoot string, err error) {
	root := m.opts.WorkdirRoot
	if root == "" {
		root = os.TempDir()
	}

	if requested == "" {
		tempRoot, err := m.fs.MkdirTemp(root, "bruno-sbx-*")
		if err != nil {
			return "", "", fmt.Errorf("failed to allocate sandbox workdir: %w", err)
		}
		// MkdirTemp yields 0700; the bind-mounted workdir must be a
		// directory the container's unprivileged user can enter.
		dir = filepath.Join(tempRoot, "workdir")
		if err := m.fs.MkdirAll(dir, DirPermission); err != nil {
			if rmErr := m.fs.RemoveAll(tempRoot); rmErr != nil {
				m.logger.Error("failed to remove temp root",
					zap.String("path", tempRoot), zap.Error(rmErr))
			}
			return "", "", fmt.Errorf("failed to allocate sandbox workdir: %w", err)
		}
		return dir, tempRoot, nil
	}

	dir = filepath.Join(root, requested)
	rel, relErr := filepath.Rel(root, dir)
	if relErr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", "", fmt.Errorf("%w: %s", ErrWorkdirEscape, requested)
	}
	if err = m.fs.MkdirAll(dir, DirPermission); err != nil {
		return "", "", fmt.Errorf("failed to create named workspace: %w", err)
	}
	return dir, "", nil
}

// startContainer starts the idle hardened container backing a docker sandbox
func (m *Manager) startContainer(ctx context.Context, sb *Sandbox) error {
	args := []string{
		"docker", "run", "-d",
		"--name", sb.containerName(),
		"-v", fmt.Sprintf("%s:/workdir", sb.WorkDir),
		"--workdir", "/workdir",
		"--memory", fmt.Sprintf("%dm", sb.Limits.MemoryMB),
		"--cpus", fmt.Sprintf("%.2f", float64(sb.Limits.CPUPercent)/100),
		"--pids-limit", "256",
		"--user", "nobody",
	}
	if sb.Security.NoNewPrivileges {
		args = append(args, "--security-opt", "no-new-privileges:true")
	}
	if sb.Security.ReadOnlyRoot {
		args = append(args, "--read-only", "--tmpfs", "/tmp")
	}
	for _, capability := range sb.Security.CapDrop {
		args = append(args, "--cap-drop", capability)
	}
	for _, capability := range sb.Security.CapAdd {
		args = append(args, "--cap-add", capability)
	}
	if sb.Limits.Network {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}
	args = append(args, m.opts.Image, "sleep", "infinity")

	stdout, stderr, exitCode, err := m.runner.RunCommand(ctx, "", nil, args)
	if err != nil {
		return fmt.Errorf("failed to start sandbox container: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("failed to start sandbox container: %s", stderr)
	}

	sb.ContainerID = firstLine(stdout)
	return nil
}

// ShellInvocation builds the argv, working directory and environment for
// running a shell command inside the sandbox. Docker sandboxes exec inside
// the container; process sandboxes run on the host rooted at the workdir.
func (m *Manager) ShellInvocation(sb *Sandbox, command string, env map[string]string) (args []string, dir string, environ []string) {
	switch sb.Backend {
	case BackendDocker:
		args = []string{"docker", "exec", "-w", "/workdir"}
		for key, value := range env {
			args = append(args, "-e", fmt.Sprintf("%s=%s", key, value))
		}
		args = append(args, sb.ContainerID, "sh", "-c", command)
		return args, "", nil
	default:
		environ = os.Environ()
		for key, value := range env {
			environ = append(environ, fmt.Sprintf("%s=%s", key, value))
		}
		return []string{"sh", "-c", command}, sb.WorkDir, environ
	}
}

// Destroy tears down the sandbox's backend resources. It is idempotent: a
// second call on an already-destroyed id is a no-op, not an error.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	sb, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.teardown(ctx, sb)
}

func (m *Manager) teardown(ctx context.Context, sb *Sandbox) error {
	if sb.Backend == BackendDocker && sb.ContainerID != "" {
		_, stderr, exitCode, err := m.runner.RunCommand(ctx, "", nil, []string{"docker", "rm", "-f", sb.ContainerID})
		if err != nil {
			m.logger.Error("failed to remove sandbox container",
				zap.String("sandbox_id", sb.ID),
				zap.String("container_id", sb.ContainerID),
				zap.Error(err))
		} else if exitCode != 0 {
			m.logger.Error("failed to remove sandbox container",
				zap.String("sandbox_id", sb.ID),
				zap.String("container_id", sb.ContainerID),
				zap.String("stderr", stderr))
		}
	}

	if sb.removeRoot != "" {
		if err := m.fs.RemoveAll(sb.removeRoot); err != nil {
			m.logger.Error("failed to remove sandbox workdir",
				zap.String("sandbox_id", sb.ID),
				zap.String("path", sb.removeRoot),
				zap.Error(err))
			return fmt.Errorf("failed to remove sandbox workdir: %w", err)
		}
	}

	m.logger.Debug("sandbox destroyed", zap.String("sandbox_id", sb.ID))
	return nil
}

// DestroyAll drains every live sandbox. It is invoked once at process
// shutdown so no sandbox is orphaned.
func (m *Manager) DestroyAll(ctx context.Context) {
	m.mu.Lock()
	remaining := make([]*Sandbox, 0, len(m.active))
	for _, sb := range m.active {
		remaining = append(remaining, sb)
	}
	m.active = make(map[string]*Sandbox)
	m.mu.Unlock()

	for _, sb := range remaining {
		if err := m.teardown(ctx, sb); err != nil {
			m.logger.Error("teardown failed during shutdown",
				zap.String("sandbox_id", sb.ID),
				zap.Error(err))
		}
	}
	if len(remaining) > 0 {
		m.logger.Info("destroyed remaining sandboxes", zap.Int("count", len(remaining)))
	}
}

// ActiveCount reports how many sandboxes are currently live
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' {
			return s[:i]
		}
	}
	return s
}
