package pose

import (
	iface "AtagDetServer/interface"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solution(seed, err float64) iface.PoseSolution {
	return iface.PoseSolution{
		R:   [3][3]float64{{seed, 0, 0}, {0, seed, 0}, {0, 0, seed}},
		T:   [3]float64{seed, seed * 2, seed * 3},
		Err: err,
	}
}

func TestDisambiguate_SecondHasLowerError(t *testing.T) {
	s1, s2 := solution(1, 0.5), solution(2, 0.3)
	res := Disambiguate(s1, &s2, true)

	assert.Equal(t, s2.R, res.Rotation)
	assert.Equal(t, s2.T, res.Translation)
	assert.Equal(t, 0.3, res.Err)
	assert.True(t, res.SolutionIsUnique)
	require.NotNil(t, res.Alternate)
	assert.Equal(t, s1.R, res.Alternate.Rotation)
	assert.Equal(t, s1.T, res.Alternate.Translation)
	assert.Equal(t, 0.5, res.Alternate.Err)
}

func TestDisambiguate_FirstHasLowerError(t *testing.T) {
	s1, s2 := solution(1, 0.1), solution(2, 0.3)
	res := Disambiguate(s1, &s2, true)

	assert.Equal(t, s1.R, res.Rotation)
	assert.Equal(t, 0.1, res.Err)
	assert.True(t, res.SolutionIsUnique)
	require.NotNil(t, res.Alternate)
	assert.Equal(t, s2.T, res.Alternate.Translation)
}

func TestDisambiguate_TieFavoursFirst(t *testing.T) {
	s1, s2 := solution(1, 0.25), solution(2, 0.25)
	res := Disambiguate(s1, &s2, true)

	assert.Equal(t, s1.R, res.Rotation)
	assert.Equal(t, s1.T, res.Translation)
	require.NotNil(t, res.Alternate)
	assert.Equal(t, s2.R, res.Alternate.Rotation)
}

func TestDisambiguate_NoSecondSolution(t *testing.T) {
	s1 := solution(1, 0.7)
	res := Disambiguate(s1, nil, true)

	assert.Equal(t, s1.R, res.Rotation)
	assert.Equal(t, 0.7, res.Err)
	assert.False(t, res.SolutionIsUnique)
	require.NotNil(t, res.Alternate)
	assert.Equal(t, s1.R, res.Alternate.Rotation)
	assert.Equal(t, s1.T, res.Alternate.Translation)
	assert.Equal(t, s1.Err, res.Alternate.Err)
}

func TestDisambiguate_NoSecondSolutionIgnoresInfiniteFirst(t *testing.T) {
	s1 := solution(1, math.Inf(1))
	res := Disambiguate(s1, nil, false)
	assert.Equal(t, s1.R, res.Rotation)
	assert.False(t, res.SolutionIsUnique)
}

func TestDisambiguate_AlternateNotReported(t *testing.T) {
	s1, s2 := solution(1, 0.5), solution(2, 0.3)
	res := Disambiguate(s1, &s2, false)

	assert.Equal(t, s2.R, res.Rotation)
	assert.Nil(t, res.Alternate)
	assert.True(t, res.SolutionIsUnique)
}

func TestTagSizeFromID(t *testing.T) {
	cases := map[int]float64{
		0:    0.150,
		150:  0.150,
		151:  0.100,
		300:  0.100,
		301:  0.050,
		450:  0.050,
		451:  0.020,
		586:  0.020,
		-1:   0.150,
		9999: 0.020,
	}
	for id, want := range cases {
		assert.Equal(t, want, TagSizeFromID(id), "id %d", id)
	}
}

func TestSizeTable(t *testing.T) {
	var none SizeTable
	assert.Equal(t, 0.150, none.Size(5))

	table := SizeTable{5: 0.5}
	assert.Equal(t, 0.5, table.Size(5))
	assert.Equal(t, 0.100, table.Size(200))

	c := table.Clone()
	c[5] = 0.25
	assert.Equal(t, 0.5, table.Size(5))
	assert.NotNil(t, none.Clone())
}
