package dashboard

// ring keeps the newest limit entries, newest first.
type ring[T any] struct {
	limit int
	items []T
}

func newRing[T any](limit int) *ring[T] {
	return &ring[T]{limit: limit}
}

func (r *ring[T]) push(v T) {
	r.items = append(r.items, v)
	if len(r.items) > r.limit {
		copy(r.items, r.items[len(r.items)-r.limit:])
		r.items = r.items[:r.limit]
	}
}

func (r *ring[T]) list() []T {
	out := make([]T, len(r.items))
	for i, v := range r.items {
		out[len(r.items)-1-i] = v
	}
	return out
}

func (r *ring[T]) clear() { r.items = nil }
