package pgurl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Scenario F — round-trip URI.
func TestRoundTrip_KeyValue(t *testing.T) {
	cases := []Params{
		{Host: "localhost", Port: 5432, DBName: "postgres", User: "postgres"},
		{Host: "db.example.com", Port: 6432, DBName: "o'brien's db", User: `back\slash`},
		{Host: "10.0.0.1", Port: 5433, DBName: "plain", User: "u", Password: `p'\"ss`},
		{Host: "", Port: 0, DBName: "", User: ""},
	}

	for _, want := range cases {
		built := BuildKeyValue(want)
		got, err := ParseKeyValue(built)
		require.NoError(t, err, "built string: %s", built)
		require.Equal(t, want.Host, got.Host)
		require.Equal(t, want.Port, got.Port)
		require.Equal(t, want.DBName, got.DBName)
		require.Equal(t, want.User, got.User)
		require.Equal(t, want.Password, got.Password)
	}
}

func TestRoundTrip_URI(t *testing.T) {
	want := Params{Host: "localhost", Port: 5432, DBName: "postgres", User: "postgres", SSLMode: "require"}
	built := BuildURI(want)
	got, err := ParseURI(built)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestParseKeyValue_RejectsUnknownField(t *testing.T) {
	_, err := ParseKeyValue(`bogus='x'`)
	require.Error(t, err)
}

func TestParseKeyValue_RejectsUnterminatedQuote(t *testing.T) {
	_, err := ParseKeyValue(`host='unterminated`)
	require.Error(t, err)
}
