package orchestrator

import (
	"testing"

	"github.com/NodePath81/homenet/internal/config"
	"github.com/NodePath81/homenet/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGradeBoundaries(t *testing.T) {
	g, err := NewGradeTable(config.DefaultGrades)
	require.NoError(t, err)

	cases := []struct {
		delta float64
		want  string
	}{
		{-3, "A"},
		{0, "A"},
		{4.99, "A"},
		{5, "B"},
		{29.9, "B"},
		{30, "C"},
		{59, "C"},
		{60, "D"},
		{199.99, "D"},
		{200, "F"},
		{1500, "F"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, g.ForDelta(tc.delta), "delta %v", tc.delta)
	}
}

func TestGradeIsMonotonic(t *testing.T) {
	g, err := NewGradeTable(config.DefaultGrades)
	require.NoError(t, err)
	prev := g.ForDelta(0)
	for d := 0.0; d < 400; d += 0.5 {
		cur := g.ForDelta(d)
		assert.GreaterOrEqual(t, cur, prev, "grade improved at %v ms", d)
		prev = cur
	}
}

func TestGradeMissingInput(t *testing.T) {
	g, err := NewGradeTable(config.DefaultGrades)
	require.NoError(t, err)
	assert.Equal(t, GradeUnknown, g.Grade(nil, util.Float(10)))
	assert.Equal(t, GradeUnknown, g.Grade(util.Float(10), nil))
	assert.Equal(t, "C", g.Grade(util.Float(10), util.Float(50)))
}

func TestGradeTableRejectsUnorderedRows(t *testing.T) {
	_, err := NewGradeTable([]config.GradeThreshold{{Grade: "A", BelowMs: 10}, {Grade: "B", BelowMs: 10}})
	assert.Error(t, err)
	_, err = NewGradeTable([]config.GradeThreshold{{Grade: "B", BelowMs: 10}})
	assert.Error(t, err)

	rows := []config.GradeThreshold{{Grade: "a", BelowMs: 1}}
	g, err := NewGradeTable(rows)
	require.NoError(t, err)
	assert.Equal(t, "A", g.ForDelta(0.5))
	assert.Equal(t, "a", rows[0].Grade, "caller rows are not modified")
}
