package domain

import "time"

// Checkpoint is an immutable, sequenced snapshot of conversation/agent state.
// Sequences are assigned by the store and strictly increase per thread; a
// written (thread, sequence) pair never changes.
type Checkpoint struct {
	ThreadID       string
	Sequence       int64
	State          []byte
	ParentSequence *int64 // nil for a chain root
	WrittenAt      time.Time
}

// Clone returns a deep copy so callers cannot mutate store-held state.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	cp := *c
	cp.State = append([]byte(nil), c.State...)
	if c.ParentSequence != nil {
		v := *c.ParentSequence
		cp.ParentSequence = &v
	}
	return &cp
}
