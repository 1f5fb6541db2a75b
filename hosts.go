package overlay

import (
	"sync"

	"github.com/raskyld/overlay/pkg/wire"
)

// Hosts is the pool of known peer addresses, shared by the outbound slots
// and the address protocol, plus the set of addresses currently claimed
// by a dialing slot.
//
// Stored addresses are kept for the lifetime of the process.
type Hosts struct {
	lk      sync.Mutex
	addrs   []wire.Addr
	known   map[wire.Addr]struct{}
	pending map[wire.Addr]struct{}
	cursor  int
}

func NewHosts() *Hosts {
	return &Hosts{
		known:   make(map[wire.Addr]struct{}),
		pending: make(map[wire.Addr]struct{}),
	}
}

// Store merges addrs into the pool and returns how many were new.
// Duplicates and addresses which can't be dialed are ignored.
func (h *Hosts) Store(addrs []wire.Addr) int {
	h.lk.Lock()
	defer h.lk.Unlock()

	added := 0
	for _, addr := range addrs {
		if !addr.Valid() {
			continue
		}
		if _, ok := h.known[addr]; ok {
			continue
		}
		h.known[addr] = struct{}{}
		h.addrs = append(h.addrs, addr)
		added++
	}
	return added
}

// LoadAll returns a snapshot of the pool in insertion order.
func (h *Hosts) LoadAll() []wire.Addr {
	h.lk.Lock()
	defer h.lk.Unlock()

	out := make([]wire.Addr, len(h.addrs))
	copy(out, h.addrs)
	return out
}

// LoadSingle returns the pool's addresses one after the other, wrapping
// around. It returns false only if the pool is empty.
func (h *Hosts) LoadSingle() (wire.Addr, bool) {
	h.lk.Lock()
	defer h.lk.Unlock()

	if len(h.addrs) == 0 {
		return wire.Addr{}, false
	}
	idx := h.cursor % len(h.addrs)
	h.cursor = idx + 1
	return h.addrs[idx], true
}

// AddPending claims addr for dialing. It returns false if someone else
// already holds the claim.
func (h *Hosts) AddPending(addr wire.Addr) bool {
	h.lk.Lock()
	defer h.lk.Unlock()

	if _, ok := h.pending[addr]; ok {
		return false
	}
	h.pending[addr] = struct{}{}
	return true
}

// RemovePending releases the claim on addr, it is a no-op if addr is not
// pending.
func (h *Hosts) RemovePending(addr wire.Addr) {
	h.lk.Lock()
	delete(h.pending, addr)
	h.lk.Unlock()
}

func (h *Hosts) IsPending(addr wire.Addr) bool {
	h.lk.Lock()
	defer h.lk.Unlock()
	_, ok := h.pending[addr]
	return ok
}

func (h *Hosts) Contains(addr wire.Addr) bool {
	h.lk.Lock()
	defer h.lk.Unlock()
	_, ok := h.known[addr]
	return ok
}

func (h *Hosts) Len() int {
	h.lk.Lock()
	defer h.lk.Unlock()
	return len(h.addrs)
}

func (h *Hosts) IsEmpty() bool {
	return h.Len() == 0
}
