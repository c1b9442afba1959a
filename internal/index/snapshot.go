package index

// Snapshot is a versioned read view of the index. Writers only run between
// batches, so a snapshot taken after the upsert barrier observes one
// consistent epoch. Resolution tasks receive it by reference and must only
// call read methods.
type Snapshot struct {
	Epoch uint64
	*Index
}

func (ix *Index) Snapshot(epoch uint64) *Snapshot {
	return &Snapshot{Epoch: epoch, Index: ix}
}
