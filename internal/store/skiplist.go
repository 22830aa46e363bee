package store

import (
	"golang.org/x/exp/rand"
)

const (
	maxLevel    = 16
	probability = 0.5
)

type node struct {
	key     string
	record  Record
	forward []*node
}

// skipList is an ordered key index. Callers provide synchronization.
type skipList struct {
	head  *node
	level int
	size  int
	rnd   *rand.Rand
}

func newSkipList(seed uint64) *skipList {
	return &skipList{
		head: &node{forward: make([]*node, maxLevel)},
		rnd:  rand.New(rand.NewSource(seed)),
	}
}

func (sl *skipList) randomLevel() int {
	level := 0
	for sl.rnd.Float64() < probability && level < maxLevel-1 {
		level++
	}
	return level
}

// put inserts or replaces a record
func (sl *skipList) put(rec Record) {
	update := make([]*node, maxLevel)
	current := sl.head

	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < rec.Key {
			current = current.forward[i]
		}
		update[i] = current
	}

	current = current.forward[0]
	if current != nil && current.key == rec.Key {
		current.record = rec
		return
	}

	newLevel := sl.randomLevel()
	if newLevel > sl.level {
		for i := sl.level + 1; i <= newLevel; i++ {
			update[i] = sl.head
		}
		sl.level = newLevel
	}

	n := &node{key: rec.Key, record: rec, forward: make([]*node, newLevel+1)}
	for i := 0; i <= newLevel; i++ {
		n.forward[i] = update[i].forward[i]
		update[i].forward[i] = n
	}
	sl.size++
}

func (sl *skipList) get(key string) (Record, bool) {
	current := sl.head
	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
	}

	current = current.forward[0]
	if current != nil && current.key == key {
		return current.record, true
	}
	return Record{}, false
}

func (sl *skipList) remove(key string) bool {
	update := make([]*node, maxLevel)
	current := sl.head

	for i := sl.level; i >= 0; i-- {
		for current.forward[i] != nil && current.forward[i].key < key {
			current = current.forward[i]
		}
		update[i] = current
	}

	current = current.forward[0]
	if current == nil || current.key != key {
		return false
	}

	for i := 0; i <= sl.level; i++ {
		if update[i].forward[i] != current {
			break
		}
		update[i].forward[i] = current.forward[i]
	}
	for sl.level > 0 && sl.head.forward[sl.level] == nil {
		sl.level--
	}
	sl.size--
	return true
}

// each visits records in key order until fn returns false
func (sl *skipList) each(fn func(Record) bool) {
	for n := sl.head.forward[0]; n != nil; n = n.forward[0] {
		if !fn(n.record) {
			return
		}
	}
}
