package core

import (
	"context"
	"fmt"

	"palletcore/pkg/domain"
)

// NewUnitUniquenessRule returns the in-transaction rule enforcing that an
// identifier is reserved by at most one place: the live batch or a single
// committed record.
func NewUnitUniquenessRule() domain.Rule {
	return unitUniquenessRule{}
}

type unitUniquenessRule struct{}

func (unitUniquenessRule) Name() string { return "unit_uniqueness" }

func (unitUniquenessRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	owners := make(map[string]string)
	res := domain.Result{}

	flag := func(unit, owner, holder string) {
		msg := fmt.Sprintf("unit %q held by both %s and %s", unit, owner, holder)
		if owner == holder {
			msg = fmt.Sprintf("unit %q appears twice in %s", unit, holder)
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "unit_uniqueness",
			Severity: domain.SeverityBlock,
			Message:  msg,
			Entity:   domain.EntityBatch,
			EntityID: unit,
		})
	}

	for _, rec := range view.ListRecords() {
		holder := fmt.Sprintf("record %d", rec.Sequence)
		for _, unit := range rec.Units {
			if owner, dup := owners[unit]; dup {
				flag(unit, owner, holder)
				continue
			}
			owners[unit] = holder
		}
	}
	if batch, ok := view.ActiveBatch(); ok {
		holder := fmt.Sprintf("batch %d", batch.Sequence)
		for _, unit := range batch.Units {
			if owner, dup := owners[unit]; dup {
				flag(unit, owner, holder)
				continue
			}
			owners[unit] = holder
		}
	}
	return res, nil
}
