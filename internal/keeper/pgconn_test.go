package keeper

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// TestPgtypeLSN_ParsesHighAndLowWords exercises the bigint-shaped parsing:
// a pg_lsn text value is two hex words, and the 64-bit offset they encode
// must round-trip exactly, including values that only populate the high
// word.
func TestPgtypeLSN_ParsesHighAndLowWords(t *testing.T) {
	cases := []struct {
		text string
		want uint64
	}{
		{"0/0", 0},
		{"0/16B3748", 0x16B3748},
		{"1/0", 0x100000000},
		{"2AB/FFFFFFFF", 0x2AB_FFFFFFFF},
		{"FFFFFFFF/FFFFFFFF", 0xFFFFFFFF_FFFFFFFF},
	}
	for _, c := range cases {
		t.Run(c.text, func(t *testing.T) {
			var l pgtypeLSN
			require.NoError(t, l.Scan(c.text))
			require.Equal(t, c.want, uint64(l))
		})
	}
}

func TestPgtypeLSN_RejectsMalformedText(t *testing.T) {
	var l pgtypeLSN
	err := l.Scan("not-an-lsn")
	require.Error(t, err)
}

func TestPgtypeLSN_NilScansToZero(t *testing.T) {
	var l pgtypeLSN
	require.NoError(t, l.Scan(nil))
	require.Equal(t, uint64(0), uint64(l))
}

// TestClassifyError_EmptySQLSTATEIsSurfacedNotSwallowed guards against an
// empty or unrecognized SQLSTATE being treated as success: a PgError with
// such a Code must still produce a non-nil, identifiable error.
func TestClassifyError_EmptySQLSTATEIsSurfacedNotSwallowed(t *testing.T) {
	err := classifyError(&pgconn.PgError{Code: "", Message: "generic failure"}, "read system_identifier")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownDatabaseError))
}

func TestClassifyError_ConnectionExceptionClassified(t *testing.T) {
	err := classifyError(&pgconn.PgError{Code: "08006", Message: "connection failure"}, "read current LSN")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrUnknownDatabaseError))
	require.Contains(t, err.Error(), "connection error")
}

func TestClassifyError_WrapsPlainError(t *testing.T) {
	err := classifyError(fmt.Errorf("dial tcp: timeout"), "read current LSN")
	require.Error(t, err)
	require.Contains(t, err.Error(), "read current LSN")
}
