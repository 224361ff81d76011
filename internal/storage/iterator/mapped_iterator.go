package iterator

// Mapped converts the keys and values of an iterator. A conversion error
// ends the iteration and is reported by Err.
type Mapped[K1 any, V1 any, K2 any, V2 any] struct {
	inner    Iterator[K1, V1]
	mapKey   func(K1) (K2, error)
	mapValue func(V1) (V2, error)
	key      K2
	value    V2
	err      error
}

// Map wraps inner with the given conversions
func Map[K1 any, V1 any, K2 any, V2 any](
	inner Iterator[K1, V1],
	mapKey func(K1) (K2, error),
	mapValue func(V1) (V2, error),
) *Mapped[K1, V1, K2, V2] {
	return &Mapped[K1, V1, K2, V2]{inner: inner, mapKey: mapKey, mapValue: mapValue}
}

func (it *Mapped[K1, V1, K2, V2]) Next() bool {
	if it.err != nil || !it.inner.Next() {
		return false
	}
	key, err := it.mapKey(it.inner.Key())
	if err != nil {
		it.err = err
		return false
	}
	value, err := it.mapValue(it.inner.Value())
	if err != nil {
		it.err = err
		return false
	}
	it.key, it.value = key, value
	return true
}

func (it *Mapped[K1, V1, K2, V2]) Key() K2 {
	return it.key
}

func (it *Mapped[K1, V1, K2, V2]) Value() V2 {
	return it.value
}

func (it *Mapped[K1, V1, K2, V2]) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.inner.Err()
}

func (it *Mapped[K1, V1, K2, V2]) Close() error {
	return it.inner.Close()
}
