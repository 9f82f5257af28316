package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup_UserID(t *testing.T) {
	body := DecodeBody([]byte(`{"user": {"id": 42, "token": "abc"}}`))

	v, ok := Lookup(body, "$.user.id")
	require.True(t, ok)
	assert.Equal(t, int64(42), v)

	v, ok = Lookup(body, "$.user.token")
	require.True(t, ok)
	assert.Equal(t, "abc", v)

	_, ok = Lookup(body, "$.user.missing")
	assert.False(t, ok)
}

func TestLookup_Arrays(t *testing.T) {
	body := DecodeBody([]byte(`{"items": [{"id": "a"}, {"id": "b"}], "matrix": [[1, 2], [3, 4]]}`))

	cases := []struct {
		path  string
		want  any
		found bool
	}{
		{"$.items[1].id", "b", true},
		{"$.items.0.id", "a", true},
		{"$.matrix[1][0]", int64(3), true},
		{"$.items[2].id", nil, false},
		{"$.items.id", nil, false},
		{"$.items[0].id.deeper", nil, false},
		{"$['items'][0]['id']", "a", true},
		{"$", body, true},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			v, ok := Lookup(body, tc.path)
			assert.Equal(t, tc.found, ok)
			if tc.found {
				assert.Equal(t, tc.want, v)
			}
		})
	}
}

func TestLookup_BracketIndexOnObjectMisses(t *testing.T) {
	body := map[string]any{"0": "zero"}

	_, ok := Lookup(body, "$[0]")
	assert.False(t, ok)

	v, ok := Lookup(body, "$.0")
	require.True(t, ok)
	assert.Equal(t, "zero", v)
}

func TestLookup_TopLevelArray(t *testing.T) {
	body := DecodeBody([]byte(`[{"access_token": "t"}]`))
	v, ok := Lookup(body, "$[0].access_token")
	require.True(t, ok)
	assert.Equal(t, "t", v)
}

func TestCompile_RejectsUnsupportedSyntax(t *testing.T) {
	for _, expr := range []string{
		"",
		"user.id",
		"$..id",
		"$.items[*]",
		"$.items[?(@.id)]",
		"$.items[-1]",
		"$.a.",
		"$.items[0",
		"$x",
		"$['a.b']",
		"$.a*",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := Compile(expr)
			var serr *SyntaxError
			require.ErrorAs(t, err, &serr)

			_, ok := Lookup(map[string]any{"a": 1}, expr)
			assert.False(t, ok, "invalid paths are reported as not found")
		})
	}
}

func TestDecodeBody(t *testing.T) {
	assert.Equal(t, map[string]any{}, DecodeBody(nil))
	assert.Equal(t, map[string]any{}, DecodeBody([]byte("  \n")))
	assert.Equal(t, "not json", DecodeBody([]byte("not json")))
	assert.Equal(t, "{} trailing", DecodeBody([]byte("{} trailing")))
	assert.Equal(t, map[string]any{"f": 1.5, "i": int64(7)}, DecodeBody([]byte(`{"f": 1.5, "i": 7}`)))
	assert.Equal(t, "text", DecodeBody([]byte(`"text"`)))
}

func TestLookup_StringBodyMisses(t *testing.T) {
	_, ok := Lookup("plain text", "$.field")
	assert.False(t, ok)
}

func TestLookup_NullIntermediate(t *testing.T) {
	body := DecodeBody([]byte(`{"user": null}`))

	v, ok := Lookup(body, "$.user")
	require.True(t, ok)
	assert.Nil(t, v)

	_, ok = Lookup(body, "$.user.id")
	assert.False(t, ok)
	_, ok = Lookup(body, "$.user[0]")
	assert.False(t, ok)
}

func TestPath_ReusedAcrossBodies(t *testing.T) {
	p, err := Compile("$.data[0].id")
	require.NoError(t, err)
	assert.Equal(t, "$.data[0].id", p.String())

	v, ok := p.Lookup(DecodeBody([]byte(`{"data": [{"id": "x"}]}`)))
	require.True(t, ok)
	assert.Equal(t, "x", v)

	_, ok = p.Lookup(DecodeBody([]byte(`{"data": {"id": "x"}}`)))
	assert.False(t, ok)
}
