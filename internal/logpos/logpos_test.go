package logpos

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRenderInverse(t *testing.T) {
	for _, s := range []string{"0/0", "1/0", "A/FF", "100/2AF09", "FFFFFFFF/FFFFFFFF"} {
		p, err := Parse(s)
		require.NoError(t, err)
		require.Equal(t, s, p.String())
	}
}

func TestParseMalformed(t *testing.T) {
	for _, s := range []string{"", "nope", "1/2/3", "ZZZ/0", "1/ZZZ"} {
		_, err := Parse(s)
		require.Error(t, err, s)
	}
}

func TestInvalidSentinel(t *testing.T) {
	p, err := Parse("0/0")
	require.NoError(t, err)
	require.Equal(t, Invalid, p)
	require.False(t, p.IsValid())

	other, err := Parse("0/1")
	require.NoError(t, err)
	require.True(t, other.IsValid())
}

func TestCompareAndScalar(t *testing.T) {
	orig := SegmentMultiplier
	defer func() { SegmentMultiplier = orig }()
	SegmentMultiplier = 0xFF000000

	a := Pos{High: 0, Offset: 0x100}
	b := Pos{High: 0, Offset: 0x200}
	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))

	c := Pos{High: 1, Offset: 0}
	require.Equal(t, 1, c.Compare(b))
}

func TestSubClampsNegative(t *testing.T) {
	a := Pos{High: 0, Offset: 100}
	b := Pos{High: 0, Offset: 200}

	dist, clamped := Sub(a, b)
	require.Zero(t, dist)
	require.True(t, clamped)

	dist, clamped = Sub(b, a)
	require.Equal(t, uint64(100), dist)
	require.False(t, clamped)
}
