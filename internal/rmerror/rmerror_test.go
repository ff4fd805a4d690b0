package rmerror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCodes(t *testing.T) {
	cases := map[Kind]int{
		BadConfig:    1,
		DbConnection: 6,
		DbQuery:      7,
		Promoted:     8,
		FailoverFail: 11,
		SysFailure:   13,
	}
	for kind, code := range cases {
		require.Equal(t, code, kind.ExitCode())
	}
}

func TestKindOfUnwraps(t *testing.T) {
	base := errors.New("connection refused")
	wrapped := fmt.Errorf("dial primary: %w", New(DbConnection, "dial", base))

	require.Equal(t, DbConnection, KindOf(wrapped))
	require.Equal(t, SysFailure, KindOf(base))
}
