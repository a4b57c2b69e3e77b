package core

import (
	"context"
	"fmt"

	"palletcore/pkg/domain"
)

// ReferenceLookup resolves a unit identifier to its reference attributes.
// *refdata.Loader satisfies it.
type ReferenceLookup interface {
	Lookup(ctx context.Context, unit string) (domain.ReferenceRecord, bool, error)
}

// powerAttribute is the reference dataset column carrying the measured power
// reading checked against the per-category windows.
const powerAttribute = "pm"

type powerWindow struct {
	min, max float64
}

var powerWindows = map[string]powerWindow{
	"200WT": {195, 206},
	"220WT": {214, 227},
	"330WT": {320, 340},
	"450WT": {439, 463.5},
	"450BT": {439, 463.5},
}

// NewPowerRangeRule returns a rule that flags units whose reference power
// reading falls outside the expected window for the record's category. The
// violations are warnings: an out-of-window reading never blocks an export.
// Units without a reading, and categories without a window, pass silently.
func NewPowerRangeRule(source ReferenceLookup) domain.Rule {
	return powerRangeRule{source: source}
}

type powerRangeRule struct {
	source ReferenceLookup
}

func (powerRangeRule) Name() string { return "power_range" }

func (r powerRangeRule) Evaluate(ctx context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if r.source == nil {
		return res, nil
	}
	for _, change := range changes {
		if change.Entity != domain.EntityBatchRecord || change.Action != domain.ActionCreate {
			continue
		}
		rec, ok := change.After.(domain.BatchRecord)
		if !ok {
			continue
		}
		window, ok := powerWindows[rec.Category]
		if !ok {
			continue
		}
		for _, unit := range rec.Units {
			ref, found, err := r.source.Lookup(ctx, unit)
			if err != nil || !found {
				continue
			}
			reading, ok := ref.Float(powerAttribute)
			if !ok {
				continue
			}
			if reading < window.min || reading > window.max {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "power_range",
					Severity: domain.SeverityWarn,
					Message:  fmt.Sprintf("unit %q power %.1f outside %s window %.1f-%.1f", unit, reading, rec.Category, window.min, window.max),
					Entity:   domain.EntityBatchRecord,
					EntityID: domain.SequenceID(rec.Sequence),
				})
			}
		}
	}
	return res, nil
}
