// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cpumask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormatRoundtrip(t *testing.T) {
	cases := []string{
		"1",
		"2",
		"ff",
		"00000001",
		"ffffffff,00000000",
		"1,00000000",
	}
	for _, s := range cases {
		m, err := Parse(s)
		require.NoError(t, err)
		again, err := Parse(m.Format())
		require.NoError(t, err)
		assert.True(t, m.Equal(again), "roundtrip mismatch for %q -> %q", s, m.Format())
	}
}

func TestParseRightmostGroupIsLowBits(t *testing.T) {
	m, err := Parse("2,1")
	require.NoError(t, err)
	assert.True(t, m.Test(0))
	assert.False(t, m.Test(1))
	assert.True(t, m.Test(33))
	assert.False(t, m.Test(32))
}

func TestParseCaseInsensitive(t *testing.T) {
	m1, err := Parse("FF")
	require.NoError(t, err)
	m2, err := Parse("ff")
	require.NoError(t, err)
	assert.True(t, m1.Equal(m2))
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("")
	assert.Error(t, err)
	_, err = Parse("zz")
	assert.Error(t, err)
	_, err = Parse(",,")
	assert.Error(t, err)
}

func TestFormatMinimalGroups(t *testing.T) {
	m := Single(0)
	assert.Equal(t, "1", m.Format())
}

func TestSetClearTestWeight(t *testing.T) {
	var m Mask
	m.Set(0)
	m.Set(5)
	m.Set(63)
	assert.True(t, m.Test(0))
	assert.True(t, m.Test(5))
	assert.True(t, m.Test(63))
	assert.Equal(t, 3, m.Weight())
	m.ClearBit(5)
	assert.False(t, m.Test(5))
	assert.Equal(t, 2, m.Weight())
}

func TestOrAndComplement(t *testing.T) {
	a := Single(0)
	b := Single(1)
	or := a.Or(b)
	assert.True(t, or.Test(0))
	assert.True(t, or.Test(1))

	and := a.And(b)
	assert.True(t, and.IsEmpty())

	comp := a.Complement()
	assert.False(t, comp.Test(0))
	assert.True(t, comp.Test(1))
}

func TestLowestSet(t *testing.T) {
	var m Mask
	m.Set(5)
	m.Set(2)
	m.Set(40)
	id, ok := m.LowestSet()
	require.True(t, ok)
	assert.Equal(t, 2, id)

	var empty Mask
	_, ok = empty.LowestSet()
	assert.False(t, ok)
}

func TestValidateRuntime(t *testing.T) {
	m := Full()
	m.ValidateRuntime(4)
	assert.True(t, m.Test(0))
	assert.True(t, m.Test(3))
	assert.False(t, m.Test(4))
	assert.False(t, m.Test(100))
}

func TestEqualAndIsEmpty(t *testing.T) {
	var a, b Mask
	assert.True(t, a.Equal(b))
	assert.True(t, a.IsEmpty())
	a.Set(10)
	assert.False(t, a.Equal(b))
	assert.False(t, a.IsEmpty())
}
