package ptr

// T returns a pointer to a copy of v.
func T[V any](v V) *V {
	return &v
}

// ValueOr dereferences p, falling back to def for nil.
func ValueOr[V any](p *V, def V) V {
	if p == nil {
		return def
	}
	return *p
}
