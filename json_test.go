package hearth

import (
	"testing"

	"github.com/hearth-im/hearth/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"empty object", `{}`, `{}`},
		{"key order", `{"one": 1, "two": "Two"}`, `{"one":1,"two":"Two"}`},
		{"reversed keys", `{"b":"2","a":"1"}`, `{"a":"1","b":"2"}`},
		{
			"nested",
			`{"auth":{"success":true,"mxid":"@john.doe:example.com","profile":{"display_name":"John Doe","three_pids":[{"medium":"email","address":"john.doe@example.org"},{"medium":"msisdn","address":"123456789"}]}}}`,
			`{"auth":{"mxid":"@john.doe:example.com","profile":{"display_name":"John Doe","three_pids":[{"address":"john.doe@example.org","medium":"email"},{"address":"123456789","medium":"msisdn"}]},"success":true}}`,
		},
		{"raw unicode kept", `{"a":"日本語"}`, `{"a":"日本語"}`},
		{"unicode keys sorted by codepoint", `{"本":2,"日":1}`, `{"日":1,"本":2}`},
		{"null kept", `{"a":null}`, `{"a":null}`},
		{"integer kept verbatim", `{"a":-0}`, `{"a":-0}`},
		{"exponent collapsed", `{"a":1e1}`, `{"a":10}`},
		{"array order kept", `{"a":[3,1,2]}`, `{"a":[3,1,2]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CanonicalJSON([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestCanonicalJSONKeyOrderIndependence(t *testing.T) {
	a, err := CanonicalJSON([]byte(`{"x":{"b":1,"a":2},"y":[true,false]}`))
	require.NoError(t, err)
	b, err := CanonicalJSON([]byte(`{"y":[true,false],"x":{"a":2,"b":1}}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestCanonicalJSONIdempotent(t *testing.T) {
	once, err := CanonicalJSON([]byte(`{"two": "Two", "one": 1}`))
	require.NoError(t, err)
	twice, err := CanonicalJSON(once)
	require.NoError(t, err)
	assert.Equal(t, string(once), string(twice))
}

func TestCanonicalJSONRejectsMalformedInput(t *testing.T) {
	for _, input := range []string{
		``,
		`{`,
		`{"a":}`,
		`{"a":1}trailing`,
		"{\"a\":\"" + string(rune(0xff)) + "\"}",
	} {
		_, err := CanonicalJSON([]byte(input))
		if assert.Error(t, err, "input %q", input) {
			assert.Equal(t, spec.KindValidation, spec.KindOf(err), "input %q", input)
		}
	}
}

func TestCompactJSONUnicodeEscapes(t *testing.T) {
	// The inputs carry literal backslash escapes, built by hand so the
	// test file itself stays printable.
	bs := string(rune(0x5C))
	esc := func(hex string) string { return `{"a":"` + bs + "u" + hex + `"}` }

	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"printable ascii expanded", esc("0041"), `{"a":"A"}`},
		{"backslash stays escaped", esc("005C"), `{"a":"` + bs + bs + `"}`},
		{"quote stays escaped", esc("0022"), `{"a":"` + bs + `""}`},
		{"newline gets short escape", esc("000A"), `{"a":"` + bs + `n"}`},
		{"control char stays escaped", esc("0001"), esc("0001")},
		{"lowercase hex accepted", esc("65e5"), `{"a":"日"}`},
		{"surrogate pair collapsed", `{"a":"` + bs + `ud83d` + bs + `ude00"}`, `{"a":"😀"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CanonicalJSON([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}

	// HTML-significant characters are never escaped in canonical form.
	got, err := CanonicalJSON([]byte(`{"a":"<&>"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<&>"}`, string(got))
}
