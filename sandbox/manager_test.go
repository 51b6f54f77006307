package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/bruno/job"
)

// recordingRunner implements CommandRunner and records every invocation
type recordingRunner struct {
	mu       sync.Mutex
	calls    [][]string
	failOn   string // substring of the joined argv that triggers an error
	exitCode int
	stdout   string
}

func (r *recordingRunner) RunCommand(_ context.Context, _ string, _ []string, args []string) (string, string, int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()

	joined := strings.Join(args, " ")
	if r.failOn != "" && strings.Contains(joined, r.failOn) {
		return "", "command failed", 1, fmt.Errorf("simulated failure")
	}
	if strings.HasPrefix(joined, "docker run") {
		return "container-abc123\n", "", 0, nil
	}
	return r.stdout, "", r.exitCode, nil
}

func (r *recordingRunner) joinedCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

// fakeFS implements FileSystem backed by maps
type fakeFS struct {
	mu      sync.Mutex
	nextDir int
	made    map[string]os.FileMode
	removed []string
}

func (f *fakeFS) MkdirTemp(dir, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextDir++
	if dir == "" {
		dir = "/tmp"
	}
	return fmt.Sprintf("%s/bruno-sbx-%d", dir, f.nextDir), nil
}

func (f *fakeFS) MkdirAll(path string, perm os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.made == nil {
		f.made = make(map[string]os.FileMode)
	}
	f.made[path] = perm
	return nil
}

func (f *fakeFS) WriteFile(string, []byte, os.FileMode) error { return nil }
func (f *fakeFS) ReadFile(string) ([]byte, error)             { return nil, nil }
func (f *fakeFS) FileExists(string) (bool, error)             { return false, nil }

func (f *fakeFS) RemoveAll(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return nil
}

func execContext() *job.ExecutionContext {
	return &job.ExecutionContext{
		JobID: "job-1",
		Limits: job.ResourceLimits{
			CPUPercent: 50,
			MemoryMB:   512,
			DiskMB:     1024,
		},
	}
}

func TestManagerCreateDockerBackend(t *testing.T) {
	runner := &recordingRunner{}
	fs := &fakeFS{}
	mgr := NewManager(zaptest.NewLogger(t),
		Options{Backend: "docker", Image: "alpine:3.20"},
		WithCommandRunner(runner), WithFileSystem(fs))

	sb, err := mgr.Create(context.Background(), execContext())
	require.NoError(t, err)
	assert.Equal(t, BackendDocker, sb.Backend)
	assert.Equal(t, "container-abc123", sb.ContainerID)
	assert.NotEmpty(t, sb.ID)
	assert.NotEmpty(t, sb.WorkDir)
	assert.Equal(t, 1, mgr.ActiveCount())

	calls := runner.joinedCalls()
	require.GreaterOrEqual(t, len(calls), 2, "probe plus docker run")
	runCall := calls[1]
	assert.Contains(t, runCall, "--security-opt no-new-privileges:true")
	assert.Contains(t, runCall, "--cap-drop ALL")
	assert.Contains(t, runCall, "--read-only")
	assert.Contains(t, runCall, "--network none")
	assert.Contains(t, runCall, "--memory 512m")
	assert.Contains(t, runCall, "--cpus 0.50")
}

func TestManagerCreateNetworkEnabled(t *testing.T) {
	runner := &recordingRunner{}
	mgr := NewManager(zaptest.NewLogger(t),
		Options{Backend: "docker", Image: "alpine:3.20"},
		WithCommandRunner(runner), WithFileSystem(&fakeFS{}))

	execCtx := execContext()
	execCtx.Limits.Network = true
	_, err := mgr.Create(context.Background(), execCtx)
	require.NoError(t, err)

	assert.Contains(t, runner.joinedCalls()[1], "--network bridge")
}

func TestManagerFallbackToProcess(t *testing.T) {
	t.Run("FallbackEnabled", func(t *testing.T) {
		runner := &recordingRunner{failOn: "docker version"}
		mgr := NewManager(zaptest.NewLogger(t),
			Options{Backend: "docker", Image: "alpine:3.20", EnableProcessMode: true, FallbackOnNoDocker: true},
			WithCommandRunner(runner), WithFileSystem(&fakeFS{}))

		sb, err := mgr.Create(context.Background(), execContext())
		require.NoError(t, err)
		assert.Equal(t, BackendProcess, sb.Backend)
		assert.Empty(t, sb.ContainerID)
	})

	t.Run("FallbackWithoutProcessMode", func(t *testing.T) {
		// The fallback runs with process isolation, so a deployment that
		// never opted into it must not get it through the back door.
		runner := &recordingRunner{failOn: "docker version"}
		mgr := NewManager(zaptest.NewLogger(t),
			Options{Backend: "docker", Image: "alpine:3.20", FallbackOnNoDocker: true},
			WithCommandRunner(runner), WithFileSystem(&fakeFS{}))

		_, err := mgr.Create(context.Background(), execContext())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unavailable")
	})

	t.Run("FallbackDisabled", func(t *testing.T) {
		runner := &recordingRunner{failOn: "docker version"}
		mgr := NewManager(zaptest.NewLogger(t),
			Options{Backend: "docker", Image: "alpine:3.20"},
			WithCommandRunner(runner), WithFileSystem(&fakeFS{}))

		_, err := mgr.Create(context.Background(), execContext())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unavailable")
	})
}

func TestEphemeralWorkdirPermissions(t *testing.T) {
	fs := &fakeFS{}
	mgr := NewManager(zaptest.NewLogger(t),
		Options{Backend: "docker", Image: "alpine:3.20", WorkdirRoot: "/work"},
		WithCommandRunner(&recordingRunner{}), WithFileSystem(fs))

	sb, err := mgr.Create(context.Background(), execContext())
	require.NoError(t, err)

	// The mounted directory must be enterable by the container's nobody
	// user, so it is created with DirPermission inside the 0700 temp root
	// rather than mounted as the temp root itself.
	assert.Equal(t, "workdir", filepath.Base(sb.WorkDir))
	assert.Equal(t, "/work/bruno-sbx-1", filepath.Dir(sb.WorkDir))
	assert.Equal(t, os.FileMode(DirPermission), fs.made[sb.WorkDir])
}

func TestContainerStartFailure(t *testing.T) {
	t.Run("NamedWorkspaceSurvives", func(t *testing.T) {
		runner := &recordingRunner{failOn: "docker run"}
		fs := &fakeFS{}
		mgr := NewManager(zaptest.NewLogger(t),
			Options{Backend: "docker", Image: "alpine:3.20", WorkdirRoot: "/work"},
			WithCommandRunner(runner), WithFileSystem(fs))

		execCtx := execContext()
		execCtx.WorkDir = "shared"

		_, err := mgr.Create(context.Background(), execCtx)
		require.Error(t, err)
		assert.Empty(t, fs.removed, "a failed container start must not delete the shared workspace")
		assert.Equal(t, 0, mgr.ActiveCount())
	})

	t.Run("EphemeralWorkdirRemoved", func(t *testing.T) {
		runner := &recordingRunner{failOn: "docker run"}
		fs := &fakeFS{}
		mgr := NewManager(zaptest.NewLogger(t),
			Options{Backend: "docker", Image: "alpine:3.20", WorkdirRoot: "/work"},
			WithCommandRunner(runner), WithFileSystem(fs))

		_, err := mgr.Create(context.Background(), execContext())
		require.Error(t, err)
		assert.Equal(t, []string{"/work/bruno-sbx-1"}, fs.removed)
	})
}

func TestManagerDestroyIdempotent(t *testing.T) {
	runner := &recordingRunner{}
	fs := &fakeFS{}
	mgr := NewManager(zaptest.NewLogger(t),
		Options{Backend: "process"},
		WithCommandRunner(runner), WithFileSystem(fs))

	sb, err := mgr.Create(context.Background(), execContext())
	require.NoError(t, err)

	require.NoError(t, mgr.Destroy(context.Background(), sb.ID))
	assert.Equal(t, 0, mgr.ActiveCount())
	assert.Equal(t, []string{filepath.Dir(sb.WorkDir)}, fs.removed, "the whole temp tree goes away")

	// second destroy of the same id is a no-op
	require.NoError(t, mgr.Destroy(context.Background(), sb.ID))
	assert.Len(t, fs.removed, 1)

	// unknown id is also a no-op
	require.NoError(t, mgr.Destroy(context.Background(), "no-such-sandbox"))
}

func TestManagerDestroyRemovesContainer(t *testing.T) {
	runner := &recordingRunner{}
	mgr := NewManager(zaptest.NewLogger(t),
		Options{Backend: "docker", Image: "alpine:3.20"},
		WithCommandRunner(runner), WithFileSystem(&fakeFS{}))

	sb, err := mgr.Create(context.Background(), execContext())
	require.NoError(t, err)
	require.NoError(t, mgr.Destroy(context.Background(), sb.ID))

	calls := runner.joinedCalls()
	assert.Equal(t, "docker rm -f container-abc123", calls[len(calls)-1])
}

func TestManagerDestroyAll(t *testing.T) {
	runner := &recordingRunner{}
	fs := &fakeFS{}
	mgr := NewManager(zaptest.NewLogger(t),
		Options{Backend: "process"},
		WithCommandRunner(runner), WithFileSystem(fs))

	for i := 0; i < 3; i++ {
		_, err := mgr.Create(context.Background(), execContext())
		require.NoError(t, err)
	}
	require.Equal(t, 3, mgr.ActiveCount())

	mgr.DestroyAll(context.Background())
	assert.Equal(t, 0, mgr.ActiveCount())
	assert.Len(t, fs.removed, 3)

	// DestroyAll again is harmless
	mgr.DestroyAll(context.Background())
	assert.Len(t, fs.removed, 3)
}

func TestManagerConcurrentCreates(t *testing.T) {
	runner := &recordingRunner{}
	mgr := NewManager(zaptest.NewLogger(t),
		Options{Backend: "process"},
		WithCommandRunner(runner), WithFileSystem(&fakeFS{}))

	const n = 16
	workdirs := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sb, err := mgr.Create(context.Background(), execContext())
			assert.NoError(t, err)
			workdirs <- sb.WorkDir
		}()
	}
	wg.Wait()
	close(workdirs)

	seen := make(map[string]bool)
	for dir := range workdirs {
		assert.False(t, seen[dir], "workdirs must be exclusive: %s", dir)
		seen[dir] = true
	}
	assert.Equal(t, n, mgr.ActiveCount())
}

func TestNamedWorkspace(t *testing.T) {
	t.Run("PersistsAcrossSandboxes", func(t *testing.T) {
		fs := &fakeFS{}
		mgr := NewManager(zaptest.NewLogger(t),
			Options{Backend: "process", WorkdirRoot: "/work"},
			WithCommandRunner(&recordingRunner{}), WithFileSystem(fs))

		execCtx := execContext()
		execCtx.WorkDir = "shared"

		sb1, err := mgr.Create(context.Background(), execCtx)
		require.NoError(t, err)
		assert.Equal(t, "/work/shared", sb1.WorkDir)
		require.NoError(t, mgr.Destroy(context.Background(), sb1.ID))
		assert.Empty(t, fs.removed, "named workspaces survive destroy")

		sb2, err := mgr.Create(context.Background(), execCtx)
		require.NoError(t, err)
		assert.Equal(t, sb1.WorkDir, sb2.WorkDir, "same name resolves to the same directory")
		assert.NotEqual(t, sb1.ID, sb2.ID)
	})

	t.Run("EscapeRejected", func(t *testing.T) {
		mgr := NewManager(zaptest.NewLogger(t),
			Options{Backend: "process", WorkdirRoot: "/work"},
			WithCommandRunner(&recordingRunner{}), WithFileSystem(&fakeFS{}))

		execCtx := execContext()
		execCtx.WorkDir = "../outside"

		_, err := mgr.Create(context.Background(), execCtx)
		require.ErrorIs(t, err, ErrWorkdirEscape)
	})
}

func TestShellInvocation(t *testing.T) {
	mgr := NewManager(zaptest.NewLogger(t), Options{Backend: "process"})

	t.Run("DockerBackend", func(t *testing.T) {
		sb := &Sandbox{ID: "s1", Backend: BackendDocker, ContainerID: "cid", WorkDir: "/tmp/x"}
		args, dir, environ := mgr.ShellInvocation(sb, "echo hi", map[string]string{"K": "V"})
		assert.Equal(t, "", dir)
		assert.Nil(t, environ)
		joined := strings.Join(args, " ")
		assert.Contains(t, joined, "docker exec -w /workdir")
		assert.Contains(t, joined, "-e K=V")
		assert.Contains(t, joined, "cid sh -c echo hi")
	})

	t.Run("ProcessBackend", func(t *testing.T) {
		sb := &Sandbox{ID: "s2", Backend: BackendProcess, WorkDir: "/tmp/y"}
		args, dir, environ := mgr.ShellInvocation(sb, "echo hi", map[string]string{"K": "V"})
		assert.Equal(t, []string{"sh", "-c", "echo hi"}, args)
		assert.Equal(t, "/tmp/y", dir)
		assert.Contains(t, environ, "K=V")
	})
}
