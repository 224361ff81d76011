package iterator

import (
	"github.com/devrev/pairdb/windowstore/internal/model"
	"go.uber.org/multierr"
)

// Iterator is a forward-only, single-pass sequence of key/value pairs.
// Next must return true before Key and Value are valid. Err reports the
// error that ended the sequence early, if any. Close releases resources and
// must be called on every exit path.
type Iterator[K any, V any] interface {
	Next() bool
	Key() K
	Value() V
	Err() error
	Close() error
}

// SliceIterator iterates a materialized slice of pairs
type SliceIterator[K any, V any] struct {
	items []model.KeyValue[K, V]
	pos   int
}

// NewSliceIterator creates an iterator over items
func NewSliceIterator[K any, V any](items []model.KeyValue[K, V]) *SliceIterator[K, V] {
	return &SliceIterator[K, V]{items: items, pos: -1}
}

// Empty returns an iterator with no elements
func Empty[K any, V any]() *SliceIterator[K, V] {
	return NewSliceIterator[K, V](nil)
}

func (it *SliceIterator[K, V]) Next() bool {
	if it.pos+1 >= len(it.items) {
		it.pos = len(it.items)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator[K, V]) Key() K {
	return it.items[it.pos].Key
}

func (it *SliceIterator[K, V]) Value() V {
	return it.items[it.pos].Value
}

func (it *SliceIterator[K, V]) Err() error {
	return nil
}

func (it *SliceIterator[K, V]) Close() error {
	it.items = nil
	it.pos = 0
	return nil
}

// Peeking adds one element of lookahead to an iterator
type Peeking[K any, V any] struct {
	it     Iterator[K, V]
	peeked bool
	has    bool
	key    K
	value  V
}

// NewPeeking wraps it
func NewPeeking[K any, V any](it Iterator[K, V]) *Peeking[K, V] {
	return &Peeking[K, V]{it: it}
}

// HasNext reports whether another element is available without consuming it
func (p *Peeking[K, V]) HasNext() bool {
	if !p.peeked {
		p.has = p.it.Next()
		if p.has {
			p.key, p.value = p.it.Key(), p.it.Value()
		}
		p.peeked = true
	}
	return p.has
}

// PeekKey returns the key of the next element. HasNext must have returned true.
func (p *Peeking[K, V]) PeekKey() K {
	return p.key
}

// PeekValue returns the value of the next element. HasNext must have returned true.
func (p *Peeking[K, V]) PeekValue() V {
	return p.value
}

// Advance consumes the peeked element
func (p *Peeking[K, V]) Advance() {
	p.peeked = false
}

func (p *Peeking[K, V]) Err() error {
	return p.it.Err()
}

func (p *Peeking[K, V]) Close() error {
	return p.it.Close()
}

// Collect drains and closes it
func Collect[K any, V any](it Iterator[K, V]) (result []model.KeyValue[K, V], err error) {
	defer func() {
		err = multierr.Append(err, it.Close())
	}()

	for it.Next() {
		result = append(result, model.Pair(it.Key(), it.Value()))
	}
	return result, it.Err()
}
