package core

import (
	"context"
	"fmt"

	"palletcore/pkg/domain"
)

// NewLifecycleTransitionRule returns the in-transaction rule blocking illegal
// batch state transitions. Exported is terminal; Full may drop back to
// Building only because removing a unit can reopen the batch.
func NewLifecycleTransitionRule() domain.Rule {
	return lifecycleTransitionRule{}
}

type lifecycleTransitionRule struct{}

var legalTransitions = map[domain.BatchState]map[domain.BatchState]struct{}{
	domain.BatchBuilding: {
		domain.BatchBuilding: {},
		domain.BatchFull:     {},
		domain.BatchExported: {},
	},
	domain.BatchFull: {
		domain.BatchBuilding: {},
		domain.BatchFull:     {},
		domain.BatchExported: {},
	},
	domain.BatchExported: {
		domain.BatchExported: {},
	},
}

func (lifecycleTransitionRule) Name() string { return "lifecycle_transition" }

func (lifecycleTransitionRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityBatch {
			continue
		}
		after, ok := change.After.(domain.Batch)
		if !ok {
			continue
		}
		if _, valid := legalTransitions[after.State]; !valid {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "lifecycle_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("batch %d set to unknown state %q", after.Sequence, after.State),
				Entity:   domain.EntityBatch,
				EntityID: domain.SequenceID(after.Sequence),
			})
			continue
		}
		before, ok := change.Before.(domain.Batch)
		if !ok {
			continue
		}
		if _, legal := legalTransitions[before.State][after.State]; !legal {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "lifecycle_transition",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("batch %d cannot move from %s to %s", after.Sequence, before.State, after.State),
				Entity:   domain.EntityBatch,
				EntityID: domain.SequenceID(after.Sequence),
			})
		}
	}
	return res, nil
}
