package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ormasoftchile/apiline/pkg/step"
	"github.com/ormasoftchile/apiline/pkg/vars"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeWorkflow(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func load(t *testing.T, content string) *Workflow {
	t.Helper()
	w, _, err := Load(writeWorkflow(t, content), zaptest.NewLogger(t))
	require.NoError(t, err)
	return w
}

func complete(t *testing.T, s *Step) {
	t.Helper()
	require.NoError(t, s.Runtime.Dispatch())
	require.NoError(t, s.Runtime.Complete(&step.Response{Status: 200}))
}

func TestLoad(t *testing.T) {
	w := load(t, loginProfile)
	assert.Equal(t, 2, w.Vars.Len())
	require.Len(t, w.Steps, 2)
	for _, s := range w.Steps {
		assert.Equal(t, step.Pending, s.Runtime.State)
	}
	assert.Len(t, w.StoredFingerprint(), 64)
	assert.False(t, w.Dirty())
}

func TestLoad_Errors(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "read", perr.Op)

	_, verrs, err := Load(writeWorkflow(t, "requests: []\n"), nil)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "validate", perr.Op)
	assert.True(t, HasErrors(verrs))
}

func TestWriteBack_UpdatesFingerprint(t *testing.T) {
	w := load(t, loginProfile)
	before := w.StoredFingerprint()

	w.Vars.Set("jwt", "tok123")
	require.NoError(t, w.WriteBack())
	assert.NotEqual(t, before, w.StoredFingerprint())

	data, err := os.ReadFile(w.Path)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(data), w.StoredFingerprint())
	assert.Contains(t, string(data), "jwt: tok123")

	changed, err := w.Changed()
	require.NoError(t, err)
	assert.False(t, changed, "own write must not look like an external edit")

	report, err := w.Reload()
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestWriteBack_KeepsFileMode(t *testing.T) {
	w := load(t, loginProfile)
	w.Vars.Set("jwt", "x")
	require.NoError(t, w.WriteBack())
	info, err := os.Stat(w.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestWriteBack_RefusesExternalChange(t *testing.T) {
	w := load(t, loginProfile)
	edited := strings.Replace(loginProfile, "password: secret", "password: changed", 1)
	require.NoError(t, os.WriteFile(w.Path, []byte(edited), 0o600))

	w.Vars.Set("jwt", "tok123")
	err := w.WriteBack()
	require.ErrorIs(t, err, ErrExternalChange)
	assert.True(t, w.Dirty())

	data, err := os.ReadFile(w.Path)
	require.NoError(t, err)
	assert.Equal(t, edited, string(data), "external edit must not be clobbered")

	report, err := w.Reload()
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.True(t, report.Written)
	assert.False(t, w.Dirty())

	data, err = os.ReadFile(w.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "jwt: tok123")
	// Live value wins over the edited file value.
	v, _ := w.Vars.Get("password")
	assert.Equal(t, "secret", v)
}

func TestReload_PreservesRuntimeVariablesAndStates(t *testing.T) {
	w := load(t, loginProfile)
	w.Vars.Set("token", "XYZ")
	complete(t, w.Steps[0])
	w.Cursor = 1

	// The operator appends a step without touching variables. The file on
	// disk still lacks token since nothing was written back.
	edited := loginProfile + `  - name: logout
    method: POST
    endpoint: /auth/logout
    auth: jwt
`
	require.NoError(t, os.WriteFile(w.Path, []byte(edited), 0o600))

	changed, err := w.Changed()
	require.NoError(t, err)
	require.True(t, changed)

	report, err := w.Reload()
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, []string{"logout"}, report.StepsAdded)
	assert.Empty(t, report.StepsChanged)
	assert.Empty(t, report.VarsAdded)

	v, ok := w.Vars.Get("token")
	require.True(t, ok)
	assert.Equal(t, "XYZ", v)

	require.Len(t, w.Steps, 3)
	assert.Equal(t, step.Completed, w.Steps[0].Runtime.State)
	assert.Equal(t, step.Pending, w.Steps[1].Runtime.State)
	assert.Equal(t, step.Pending, w.Steps[2].Runtime.State)
	assert.Equal(t, 1, w.Cursor)

	// token was only in memory; the reload writes it back.
	assert.True(t, report.Written)
	data, err := os.ReadFile(w.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "token: XYZ")
	assert.Contains(t, string(data), "name: logout")
}

func TestReload_ChangedAndRemovedSteps(t *testing.T) {
	w := load(t, loginProfile)
	complete(t, w.Steps[0])
	complete(t, w.Steps[1])
	w.Cursor = 2

	edited := `variables:
  user_email: a@b.c
  password: secret
  region: eu
requests:
  - name: login
    method: POST
    endpoint: /v2/auth/login
    auth: none
`
	require.NoError(t, os.WriteFile(w.Path, []byte(edited), 0o600))

	report, err := w.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"login"}, report.StepsChanged)
	assert.Equal(t, []string{"profile"}, report.StepsRemoved)
	assert.Equal(t, []string{"region"}, report.VarsAdded)
	require.Len(t, w.Steps, 1)
	assert.Equal(t, step.Pending, w.Steps[0].Runtime.State)
	assert.Equal(t, "/v2/auth/login", w.Steps[0].Def.Endpoint)
	assert.Equal(t, 1, w.Cursor, "cursor clamped to the step count")
	assert.False(t, report.Written, "file already declares every live variable")
}

func TestReload_InvalidKeepsLiveState(t *testing.T) {
	w := load(t, loginProfile)
	complete(t, w.Steps[0])
	before := w.StoredFingerprint()

	require.NoError(t, os.WriteFile(w.Path, []byte("requests: [\n"), 0o600))
	_, err := w.Reload()
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "validate", perr.Op)

	assert.Equal(t, before, w.StoredFingerprint())
	assert.Len(t, w.Steps, 2)
	assert.Equal(t, step.Completed, w.Steps[0].Runtime.State)

	changed, err := w.Changed()
	require.NoError(t, err)
	assert.False(t, changed, "a rejected version is not reported again")
}

func TestReload_DeferredWhileExecuting(t *testing.T) {
	w := load(t, loginProfile)
	require.NoError(t, w.Steps[0].Runtime.Dispatch())

	require.NoError(t, os.WriteFile(w.Path, []byte(loginProfile+"  - {name: x, method: GET, endpoint: /x}\n"), 0o600))
	_, err := w.Reload()
	assert.True(t, errors.Is(err, ErrReloadDeferred))
	assert.Len(t, w.Steps, 2)
	assert.Equal(t, step.Executing, w.Steps[0].Runtime.State)
}

func TestMergeWriteBackReload_Superset(t *testing.T) {
	w := load(t, loginProfile)
	merged := []vars.Entry{
		{Name: "jwt", Value: "tok123"},
		{Name: "user_id", Value: int64(42)},
	}
	w.Vars.Merge(merged)
	require.NoError(t, w.WriteBack())

	fresh, _, err := Load(w.Path, nil)
	require.NoError(t, err)
	for _, e := range w.Vars.Snapshot() {
		v, ok := fresh.Vars.Get(e.Name)
		require.True(t, ok, e.Name)
		assert.EqualValues(t, e.Value, v, e.Name)
	}
	assert.Equal(t, w.Vars.Len(), fresh.Vars.Len())
}

func TestAdvanceCursor(t *testing.T) {
	w := load(t, loginProfile)
	w.AdvanceCursor()
	assert.Equal(t, 0, w.Cursor)

	complete(t, w.Steps[0])
	require.NoError(t, w.Steps[1].Runtime.Skip())
	w.AdvanceCursor()
	assert.Equal(t, 2, w.Cursor)
}

func TestReloadReport_String(t *testing.T) {
	assert.Equal(t, "no changes", (&ReloadReport{}).String())
	r := &ReloadReport{StepsAdded: []string{"a", "b"}, VarsAdded: []string{"v"}}
	assert.Equal(t, "new variables: v; new steps: a, b", r.String())
}

func TestReload_NumericExtractionNotRewritten(t *testing.T) {
	w := load(t, loginProfile)
	w.Vars.Set("user_id", int64(42))
	w.Vars.Set("ratio", 0.5)
	w.Vars.Set("code", "42")

	// The operator's edit declares the extracted values and adds a step.
	_, requests, _ := strings.Cut(loginProfile, "requests:")
	edited := `variables:
  user_email: a@b.c
  password: secret
  user_id: 42
  ratio: 0.5
  code: "42"
requests:` + requests + `  - name: logout
    method: POST
    endpoint: /auth/logout
`
	require.NoError(t, os.WriteFile(w.Path, []byte(edited), 0o600))

	report, err := w.Reload()
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, []string{"logout"}, report.StepsAdded)
	assert.False(t, report.Written, "values declared in the file need no write-back")

	after, err := os.ReadFile(w.Path)
	require.NoError(t, err)
	assert.Equal(t, edited, string(after))
}

func TestSameValue(t *testing.T) {
	assert.True(t, sameValue(int64(42), 42))
	assert.True(t, sameValue(map[string]any{"a": int64(1)}, map[string]any{"a": 1}))
	assert.False(t, sameValue("42", 42))
	assert.False(t, sameValue(1, 2))
}
