package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobValidate(t *testing.T) {
	t.Run("ValidShellJob", func(t *testing.T) {
		j := Job{
			ID:          "job-1",
			Spec:        ShellSpec{Command: "echo hello"},
			Permissions: NewCapabilitySet(CapExecute),
		}
		require.NoError(t, j.Validate())
	})

	t.Run("MissingID", func(t *testing.T) {
		j := Job{Spec: ShellSpec{Command: "echo hello"}}
		err := j.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "id is required")
	})

	t.Run("MissingSpec", func(t *testing.T) {
		j := Job{ID: "job-2"}
		err := j.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "spec is required")
	})

	t.Run("EmptyShellCommand", func(t *testing.T) {
		j := Job{ID: "job-3", Spec: ShellSpec{}}
		require.Error(t, j.Validate())
	})

	t.Run("EmptyScriptSource", func(t *testing.T) {
		j := Job{ID: "job-4", Spec: ScriptSpec{Interpreter: "sh"}}
		require.Error(t, j.Validate())
	})

	t.Run("UnknownFileOp", func(t *testing.T) {
		j := Job{ID: "job-5", Spec: FileSpec{Op: "truncate", Path: "a.txt"}}
		err := j.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown file operation")
	})

	t.Run("ValidFileJob", func(t *testing.T) {
		j := Job{ID: "job-6", Spec: FileSpec{Op: FileWrite, Path: "a.txt", Content: []byte("hi")}}
		require.NoError(t, j.Validate())
	})

	t.Run("EmptyAPIURL", func(t *testing.T) {
		j := Job{ID: "job-7", Spec: APISpec{Method: "GET"}}
		require.Error(t, j.Validate())
	})

	t.Run("UnknownDatabaseOp", func(t *testing.T) {
		j := Job{ID: "job-8", Spec: DatabaseSpec{Op: "drop"}}
		require.Error(t, j.Validate())
	})
}

func TestCapabilitySet(t *testing.T) {
	t.Run("HasAndClone", func(t *testing.T) {
		set := NewCapabilitySet(CapExecute, CapNetwork)
		assert.True(t, set.Has(CapExecute))
		assert.True(t, set.Has(CapNetwork))
		assert.False(t, set.Has(CapFilesystemWrite))

		clone := set.Clone()
		clone[CapFilesystemWrite] = struct{}{}
		assert.False(t, set.Has(CapFilesystemWrite), "clone must not alias the original")
	})

	t.Run("ParseCapabilities", func(t *testing.T) {
		set := ParseCapabilities([]string{"execute", "database:read"})
		assert.True(t, set.Has(CapExecute))
		assert.True(t, set.Has(CapDatabaseRead))
		assert.Len(t, set, 2)
	})
}

func TestMergeEnv(t *testing.T) {
	base := map[string]string{"PATH": "/usr/bin", "LANG": "C"}
	overrides := map[string]string{"LANG": "en_US.UTF-8"}
	injected := map[string]string{"BRUNO_JOB_ID": "job-1"}

	merged := MergeEnv(base, overrides, injected)

	assert.Equal(t, "/usr/bin", merged["PATH"])
	assert.Equal(t, "en_US.UTF-8", merged["LANG"], "job override wins over base")
	assert.Equal(t, "job-1", merged["BRUNO_JOB_ID"])

	merged["PATH"] = "/tmp"
	assert.Equal(t, "/usr/bin", base["PATH"], "merge must not alias the base map")
}

func TestSeverityAtLeast(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
	assert.True(t, SeverityLow.AtLeast(SeverityLow))
}
