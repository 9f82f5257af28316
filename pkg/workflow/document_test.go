package workflow

import (
	"testing"

	"github.com/ormasoftchile/apiline/pkg/vars"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const loginProfile = `variables:
  user_email: a@b.c # login email
  password: secret
requests:
  - name: login
    method: POST
    endpoint: /auth/login
    auth: none
    payload:
      email: ${user_email}
      password: ${password}
    save_as: jwt
    extract_path: $.access_token
    owner: platform-team
  - name: profile
    method: GET
    endpoint: /me
    auth: jwt
`

func TestParse_OrderedVariables(t *testing.T) {
	doc, err := Parse([]byte(loginProfile))
	require.NoError(t, err)
	require.Len(t, doc.Variables, 2)
	assert.Equal(t, "user_email", doc.Variables[0].Name)
	assert.Equal(t, "a@b.c", doc.Variables[0].Value)
	assert.Equal(t, "password", doc.Variables[1].Name)

	require.Len(t, doc.Requests, 2)
	login := doc.Requests[0]
	assert.Equal(t, "POST", login.Method)
	assert.Equal(t, "jwt", login.SaveAs)
	assert.Equal(t, "$.access_token", login.ExtractPath)
	assert.Equal(t, DefaultExpectedStatus, login.Expected())
	assert.Equal(t, "platform-team", login.Extra["owner"])
	assert.Empty(t, doc.Unknown)
}

func TestParse_ExpectedStatusZero(t *testing.T) {
	doc, err := Parse([]byte(`requests:
  - name: any
    method: GET
    endpoint: /x
    expected_status: 0
`))
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Requests[0].Expected())
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"sequence root", "- a\n- b\n"},
		{"variables not a mapping", "variables: [a, b]\nrequests: []\n"},
		{"broken yaml", "requests: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestEncode_PreservesRequestsAndComments(t *testing.T) {
	doc, err := Parse([]byte(loginProfile))
	require.NoError(t, err)

	entries := append(doc.Variables, vars.Entry{Name: "jwt", Value: "tok123"})
	out, err := doc.Encode(entries)
	require.NoError(t, err)
	assert.Contains(t, string(out), "# login email")

	again, err := Parse(out)
	require.NoError(t, err)
	require.Len(t, again.Variables, 3)
	assert.Equal(t, "jwt", again.Variables[2].Name)
	assert.Equal(t, "tok123", again.Variables[2].Value)
	assert.Equal(t, doc.Requests, again.Requests)
	assert.Equal(t, "platform-team", again.Requests[0].Extra["owner"])
}

func TestEncode_StructuredValues(t *testing.T) {
	doc, err := Parse([]byte("requests:\n  - {name: a, method: GET, endpoint: /a}\n"))
	require.NoError(t, err)

	out, err := doc.Encode([]vars.Entry{
		{Name: "user", Value: map[string]any{"id": int64(42), "roles": []any{"admin"}}},
		{Name: "count", Value: int64(3)},
	})
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	require.Len(t, again.Variables, 2)
	assert.Equal(t, map[string]any{"id": 42, "roles": []any{"admin"}}, again.Variables[0].Value)
	assert.Equal(t, 3, again.Variables[1].Value)
}

func TestEncode_DropsUnknownSections(t *testing.T) {
	doc, err := Parse([]byte("notes: hello\nrequests:\n  - {name: a, method: GET, endpoint: /a}\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, doc.Unknown)

	out, err := doc.Encode(nil)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "notes")
	assert.Empty(t, doc.Unknown)
}
