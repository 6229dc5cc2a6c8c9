package orchestrator

import (
	"math"

	"github.com/NodePath81/homenet/internal/config"
)

const (
	GradeWorst   = "F"
	GradeUnknown = "?"
)

// GradeTable maps the latency increase under load to a letter. Rows are
// ordered by bound; anything at or past the last bound is F.
type GradeTable struct {
	rows []config.GradeThreshold
}

func NewGradeTable(rows []config.GradeThreshold) (GradeTable, error) {
	rows = append([]config.GradeThreshold(nil), rows...)
	if err := config.ValidateGrades(rows); err != nil {
		return GradeTable{}, err
	}
	return GradeTable{rows: rows}, nil
}

// ForDelta grades a loaded-minus-idle increase in milliseconds. A negative
// increase counts as none.
func (g GradeTable) ForDelta(deltaMs float64) string {
	deltaMs = math.Max(deltaMs, 0)
	for _, row := range g.rows {
		if deltaMs < row.BelowMs {
			return row.Grade
		}
	}
	return GradeWorst
}

// Grade returns "?" when either input is missing.
func (g GradeTable) Grade(idleMs, loadedMs *float64) string {
	if idleMs == nil || loadedMs == nil {
		return GradeUnknown
	}
	return g.ForDelta(*loadedMs - *idleMs)
}
