package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
)

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, dir string, env []string, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments. An empty dir runs in
// the caller's working directory; a nil env inherits the process environment.
func (RealCommandRunner) RunCommand(ctx context.Context, dir string, env []string, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // argv is built by the sandbox manager
	cmd.Dir = dir
	cmd.Env = env

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
			err = nil
		} else {
			return stdoutBuf.String(), stderrBuf.String(), 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// File permission constants
const (
	DirPermission  = 0755
	FilePermission = 0600
)
