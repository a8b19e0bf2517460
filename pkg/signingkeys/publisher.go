package signingkeys

import "sync/atomic"

// Publisher exposes the latest KeySet snapshot to verifiers and the
// well-known endpoint. Publishing swaps a single reference; readers always
// see either the previous complete snapshot or the new one, never a mix.
type Publisher struct {
	snapshot atomic.Pointer[KeySet]
}

// NewPublisher creates an empty publisher. A snapshot must be published
// before Snapshot is first consulted; the Manager does this during
// initialization.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// Snapshot returns the current key set, or nil if nothing has been
// published yet.
func (p *Publisher) Snapshot() *KeySet {
	return p.snapshot.Load()
}

// publish installs a new snapshot. Called by the Manager after every
// rotation, adoption or eviction completes.
func (p *Publisher) publish(ks *KeySet) {
	p.snapshot.Store(ks)
}
