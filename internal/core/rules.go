package core

import "palletcore/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewBatchCapacityRule())
	engine.Register(NewUnitUniquenessRule())
	engine.Register(NewLifecycleTransitionRule())
	return engine
}
