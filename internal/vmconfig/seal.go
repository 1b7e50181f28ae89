package vmconfig

import "sync/atomic"

// seal is the one-way mutable -> sealed transition shared by every node of a
// configuration graph. Nodes have a single writer until sealed; the flag is
// atomic so sealed nodes can be read from any goroutine.
type seal struct {
	sealed atomic.Bool
}

// Sealed reports whether the node has been handed to a configuration.
func (s *seal) Sealed() bool {
	return s.sealed.Load()
}

func (s *seal) markSealed() {
	s.sealed.Store(true)
}

func (s *seal) mutable(what string) error {
	if s.sealed.Load() {
		return frozen(what)
	}
	return nil
}

// binding records the one port or device an attachment backs.
type binding struct {
	owner any
}

func (b *binding) bind(owner any) error {
	if b.owner != nil && b.owner != owner {
		return invalidParam("attachment already backs another port or device")
	}
	b.owner = owner
	return nil
}

func (b *binding) release(owner any) {
	if b.owner == owner {
		b.owner = nil
	}
}

func (b *binding) boundTo(owner any) bool { return b.owner == owner }
