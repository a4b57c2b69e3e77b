package domain

// UnitLocation records where a reserved unit identifier lives: the batch
// sequence holding it and whether that batch is still being assembled.
type UnitLocation struct {
	Sequence int
	Live     bool
}

// UniquenessIndex projects every reserved unit identifier onto the batch
// holding it. Identifiers from committed history and from the live batch
// share a single namespace; a reservation is freed only by deleting the
// owning record or resetting the live batch.
type UniquenessIndex struct {
	units map[string]UnitLocation
}

// NewUniquenessIndex constructs an empty index.
func NewUniquenessIndex() *UniquenessIndex {
	return &UniquenessIndex{units: map[string]UnitLocation{}}
}

// Rebuild replaces the index contents from committed records and the live
// batch. Hidden records keep their reservations.
func (ix *UniquenessIndex) Rebuild(records []BatchRecord, active *Batch) {
	units := make(map[string]UnitLocation, len(records)*DefaultBatchCapacity)
	for _, rec := range records {
		for _, unit := range rec.Units {
			units[unit] = UnitLocation{Sequence: rec.Sequence}
		}
	}
	if active != nil {
		for _, unit := range active.Units {
			units[unit] = UnitLocation{Sequence: active.Sequence, Live: true}
		}
	}
	ix.units = units
}

// Lookup returns the location reserving unit, if any.
func (ix *UniquenessIndex) Lookup(unit string) (UnitLocation, bool) {
	loc, ok := ix.units[unit]
	return loc, ok
}

// Assign reserves unit for the live batch seq.
func (ix *UniquenessIndex) Assign(unit string, seq int) {
	ix.units[unit] = UnitLocation{Sequence: seq, Live: true}
}

// Release frees the reservations held by the given identifiers.
func (ix *UniquenessIndex) Release(units ...string) {
	for _, unit := range units {
		delete(ix.units, unit)
	}
}

// Commit flips every live reservation of batch seq to historical.
func (ix *UniquenessIndex) Commit(seq int) {
	for unit, loc := range ix.units {
		if loc.Live && loc.Sequence == seq {
			ix.units[unit] = UnitLocation{Sequence: seq}
		}
	}
}

// Len returns the number of reserved identifiers.
func (ix *UniquenessIndex) Len() int { return len(ix.units) }

// Clone returns a deep copy of the index.
func (ix *UniquenessIndex) Clone() *UniquenessIndex {
	units := make(map[string]UnitLocation, len(ix.units))
	for k, v := range ix.units {
		units[k] = v
	}
	return &UniquenessIndex{units: units}
}
