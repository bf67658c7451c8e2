// Package state merges live feed pushes and RPC pulls into canonical pool records
// and ranks pools by trending score.
package state

// Timestamped is a value with last-writer-wins-by-timestamp semantics.
type Timestamped[T any] struct {
	Value     T
	UpdatedAt int64 // unix milliseconds of the observation
	Set       bool
}

// Apply stores v unless a newer value is already held. Equal timestamps overwrite.
func (t *Timestamped[T]) Apply(v T, ts int64) bool {
	if t.Set && ts < t.UpdatedAt {
		return false
	}
	t.Value = v
	t.UpdatedAt = ts
	t.Set = true
	return true
}
