package txn

// WriteObserver receives a callback for every transactional write. The
// default observer does nothing; diagnostics that want write-volume
// accounting install their own.
type WriteObserver interface {
	OnWrite(size int)
}

type nopObserver struct{}

func (nopObserver) OnWrite(int) {}
