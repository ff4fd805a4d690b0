package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatchArity(t *testing.T) {
	require.Equal(t, 1, dispatchArity("register"))
	require.Equal(t, 2, dispatchArity("standby"))
	require.Equal(t, 2, dispatchArity("cluster"))
	require.Equal(t, 2, dispatchArity("unknown"))
}
