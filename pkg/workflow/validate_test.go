package workflow

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findError(errs []*ValidationError, path string) *ValidationError {
	for _, e := range errs {
		if e.Path == path {
			return e
		}
	}
	return nil
}

func TestValidate_Valid(t *testing.T) {
	doc, errs := Validate([]byte(loginProfile))
	require.NotNil(t, doc)
	assert.False(t, HasErrors(errs), "%v", errs)
}

func TestValidate_Fixtures(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "testdata", "workflows", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	for _, f := range files {
		t.Run(filepath.Base(f), func(t *testing.T) {
			_, errs := ValidateFile(f)
			assert.False(t, HasErrors(errs), "%v", errs)
		})
	}
}

func TestValidate_Structural(t *testing.T) {
	doc, errs := Validate([]byte("requests: [\n"))
	assert.Nil(t, doc)
	require.Len(t, errs, 1)
	assert.Equal(t, "structural", errs[0].Phase)
}

func TestValidate_Semantic(t *testing.T) {
	_, errs := Validate([]byte(`requests:
  - name: a
    method: GET
    endpoint: /a
    expected_status: 900
`))
	require.True(t, HasErrors(errs))
	var semantic bool
	for _, e := range errs {
		if e.Phase == "semantic" {
			semantic = true
		}
	}
	assert.True(t, semantic, "%v", errs)
}

func TestValidate_Domain(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		path     string
		severity string
	}{
		{"bad method", "{name: a, method: FETCH, endpoint: /a}", "requests[0].method", "error"},
		{"bad auth", "{name: a, method: GET, endpoint: /a, auth: kerberos}", "requests[0].auth", "error"},
		{"bad timeout", "{name: a, method: GET, endpoint: /a, timeout: soon}", "requests[0].timeout", "error"},
		{"bad extract path", "{name: a, method: GET, endpoint: /a, save_as: x, extract_path: '$..id'}", "requests[0].extract_path", "error"},
		{"extract without target", "{name: a, method: GET, endpoint: /a, extract_path: $.id}", "requests[0].extract_path", "warning"},
		{"bad save_multiple path", "{name: a, method: GET, endpoint: /a, save_multiple: {id: 'user.id'}}", "requests[0].save_multiple.id", "error"},
		{"both extractions", "{name: a, method: GET, endpoint: /a, save_as: x, save_multiple: {id: $.id}}", "requests[0]", "warning"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errs := Validate([]byte("requests:\n  - " + tt.request + "\n"))
			e := findError(errs, tt.path)
			require.NotNil(t, e, "%v", errs)
			assert.Equal(t, tt.severity, e.Severity)
			assert.Equal(t, "domain", e.Phase)
		})
	}
}

func TestValidate_DuplicateNameWarns(t *testing.T) {
	_, errs := Validate([]byte(`requests:
  - {name: a, method: GET, endpoint: /a}
  - {name: a, method: get, endpoint: /b}
`))
	assert.False(t, HasErrors(errs))
	e := findError(errs, "requests[1].name")
	require.NotNil(t, e)
	assert.Equal(t, "warning", e.Severity)
}

func TestValidate_NoRequests(t *testing.T) {
	_, errs := Validate([]byte("variables: {a: 1}\n"))
	assert.True(t, HasErrors(errs))
}

func TestValidateFile_Missing(t *testing.T) {
	_, errs := ValidateFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Len(t, errs, 1)
	assert.Equal(t, "structural", errs[0].Phase)
}

func TestGenerateJSONSchema(t *testing.T) {
	data, err := GenerateJSONSchema()
	require.NoError(t, err)

	var s map[string]any
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, schemaID, s["$id"])
	assert.Equal(t, "apiline workflow v0", s["title"])
}
