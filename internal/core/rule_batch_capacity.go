package core

import (
	"context"
	"fmt"

	"palletcore/pkg/domain"
)

// NewBatchCapacityRule returns the in-transaction rule enforcing that no
// batch ever holds more units than its capacity.
func NewBatchCapacityRule() domain.Rule {
	return batchCapacityRule{}
}

type batchCapacityRule struct{}

func (batchCapacityRule) Name() string { return "batch_capacity" }

func (batchCapacityRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	batch, ok := view.ActiveBatch()
	if !ok {
		return res, nil
	}
	if batch.Capacity > 0 && batch.Count() > batch.Capacity {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "batch_capacity",
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("batch %d over capacity: %d/%d units", batch.Sequence, batch.Count(), batch.Capacity),
			Entity:   domain.EntityBatch,
			EntityID: domain.SequenceID(batch.Sequence),
		})
	}
	return res, nil
}
