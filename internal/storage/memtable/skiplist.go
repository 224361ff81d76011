package memtable

import (
	"bytes"
	"math/rand"
)

const (
	MaxLevel    = 16
	Probability = 0.5
)

// SkipListNode represents a node in the skip list
type SkipListNode struct {
	Key     []byte
	Value   []byte
	Forward []*SkipListNode
}

// SkipList is a probabilistic ordered map over byte keys
type SkipList struct {
	Head  *SkipListNode
	Level int
	Size  int
	bytes int64
}

// NewSkipList creates a new skip list
func NewSkipList() *SkipList {
	head := &SkipListNode{
		Forward: make([]*SkipListNode, MaxLevel),
	}
	return &SkipList{
		Head:  head,
		Level: 0,
	}
}

// randomLevel generates a random level for a new node
func (sl *SkipList) randomLevel() int {
	level := 0
	for rand.Float64() < Probability && level < MaxLevel-1 {
		level++
	}
	return level
}

// findPredecessors fills update with the rightmost node below key on every level
func (sl *SkipList) findPredecessors(key []byte, update []*SkipListNode) *SkipListNode {
	current := sl.Head
	for i := sl.Level; i >= 0; i-- {
		for current.Forward[i] != nil && bytes.Compare(current.Forward[i].Key, key) < 0 {
			current = current.Forward[i]
		}
		if update != nil {
			update[i] = current
		}
	}
	return current.Forward[0]
}

// Insert adds or updates a key-value pair
func (sl *SkipList) Insert(key []byte, value []byte) {
	update := make([]*SkipListNode, MaxLevel)

	// Check if key already exists
	current := sl.findPredecessors(key, update)
	if current != nil && bytes.Equal(current.Key, key) {
		sl.bytes += int64(len(value) - len(current.Value))
		current.Value = value
		return
	}

	// Insert new node
	newLevel := sl.randomLevel()
	if newLevel > sl.Level {
		for i := sl.Level + 1; i <= newLevel; i++ {
			update[i] = sl.Head
		}
		sl.Level = newLevel
	}

	newNode := &SkipListNode{
		Key:     key,
		Value:   value,
		Forward: make([]*SkipListNode, newLevel+1),
	}

	for i := 0; i <= newLevel; i++ {
		newNode.Forward[i] = update[i].Forward[i]
		update[i].Forward[i] = newNode
	}

	sl.Size++
	sl.bytes += int64(len(key) + len(value))
}

// Search finds a value by key
func (sl *SkipList) Search(key []byte) ([]byte, bool) {
	current := sl.findPredecessors(key, nil)
	if current != nil && bytes.Equal(current.Key, key) {
		return current.Value, true
	}
	return nil, false
}

// Delete removes a key from the skip list
func (sl *SkipList) Delete(key []byte) bool {
	update := make([]*SkipListNode, MaxLevel)

	current := sl.findPredecessors(key, update)
	if current == nil || !bytes.Equal(current.Key, key) {
		return false
	}

	// Remove node
	for i := 0; i <= sl.Level; i++ {
		if update[i].Forward[i] != current {
			break
		}
		update[i].Forward[i] = current.Forward[i]
	}

	// Update level
	for sl.Level > 0 && sl.Head.Forward[sl.Level] == nil {
		sl.Level--
	}

	sl.Size--
	sl.bytes -= int64(len(current.Key) + len(current.Value))
	return true
}

// Len returns the number of elements in the skip list
func (sl *SkipList) Len() int {
	return sl.Size
}

// Bytes returns the total size of keys and values held
func (sl *SkipList) Bytes() int64 {
	return sl.bytes
}

// Iterator returns an iterator positioned before the first element
func (sl *SkipList) Iterator() *SkipListIterator {
	return &SkipListIterator{
		current: sl.Head,
	}
}

// Seek returns an iterator positioned before the first element with key >= start
func (sl *SkipList) Seek(start []byte) *SkipListIterator {
	update := make([]*SkipListNode, MaxLevel)
	sl.findPredecessors(start, update)
	return &SkipListIterator{
		current: update[0],
	}
}

// SkipListIterator iterates over skip list entries
type SkipListIterator struct {
	current *SkipListNode
}

// Next moves to the next element
func (it *SkipListIterator) Next() bool {
	if it.current == nil {
		return false
	}
	it.current = it.current.Forward[0]
	return it.current != nil
}

// Key returns the current key
func (it *SkipListIterator) Key() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.Key
}

// Value returns the current value
func (it *SkipListIterator) Value() []byte {
	if it.current == nil {
		return nil
	}
	return it.current.Value
}
