package engine

import (
	"time"

	"crypto_link/internal/domain"

	"github.com/google/btree"
)

type closedKey struct {
	at time.Time
	id string
}

func lessClosed(a, b closedKey) bool {
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	return a.id < b.id
}

// history is the bounded set of closed orders ordered by close time.
// Not safe for concurrent use; the engine guards it with its mutex.
type history struct {
	tree   *btree.BTreeG[closedKey]
	orders map[string]*domain.Order
	limit  int
}

func newHistory(limit int) *history {
	return &history{
		tree:   btree.NewG[closedKey](16, lessClosed),
		orders: make(map[string]*domain.Order),
		limit:  limit,
	}
}

// add archives o and returns the ids evicted to stay within the limit.
func (h *history) add(o *domain.Order) []string {
	if old, ok := h.orders[o.ID]; ok {
		h.tree.Delete(closedKey{at: old.ClosedAt, id: old.ID})
	}
	h.orders[o.ID] = o
	h.tree.ReplaceOrInsert(closedKey{at: o.ClosedAt, id: o.ID})

	var evicted []string
	for h.tree.Len() > h.limit {
		k, ok := h.tree.DeleteMin()
		if !ok {
			break
		}
		delete(h.orders, k.id)
		evicted = append(evicted, k.id)
	}
	return evicted
}

func (h *history) get(id string) (*domain.Order, bool) {
	o, ok := h.orders[id]
	return o, ok
}

// recent returns up to n orders, most recently closed first.
func (h *history) recent(n int) []domain.OrderView {
	if n <= 0 {
		return nil
	}
	out := make([]domain.OrderView, 0, min(n, h.tree.Len()))
	h.tree.Descend(func(k closedKey) bool {
		if len(out) >= n {
			return false
		}
		out = append(out, h.orders[k.id].View())
		return true
	})
	return out
}

func (h *history) len() int {
	return h.tree.Len()
}
