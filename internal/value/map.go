package value

// OrderedMap backs the Map object kind: a hash table of Value->Value that
// also preserves insertion order.
type OrderedMap struct {
	index map[uint64][]mapEntry
	order []Value
}

type mapEntry struct {
	key Value
	val Value
}

func NewOrderedMap() *OrderedMap {
	return &OrderedMap{index: make(map[uint64][]mapEntry)}
}

func (m *OrderedMap) Get(key Value) (Value, bool) {
	h := Hash(key)
	for _, e := range m.index[h] {
		if Equal(e.key, key) {
			return e.val, true
		}
	}
	return Nil, false
}

func (m *OrderedMap) Set(key, val Value) {
	h := Hash(key)
	bucket := m.index[h]
	for i, e := range bucket {
		if Equal(e.key, key) {
			bucket[i].val = val
			return
		}
	}
	m.index[h] = append(bucket, mapEntry{key, val})
	m.order = append(m.order, key)
}

func (m *OrderedMap) Delete(key Value) bool {
	h := Hash(key)
	bucket := m.index[h]
	for i, e := range bucket {
		if Equal(e.key, key) {
			m.index[h] = append(bucket[:i], bucket[i+1:]...)
			for j, k := range m.order {
				if Equal(k, key) {
					m.order = append(m.order[:j], m.order[j+1:]...)
					break
				}
			}
			return true
		}
	}
	return false
}

func (m *OrderedMap) Len() int { return len(m.order) }

// Each calls fn for every entry in insertion order; used by the GC mark
// phase (internal/heap) and by the DUPMAP copy (internal/vm).
func (m *OrderedMap) Each(fn func(k, v Value)) {
	for _, k := range m.order {
		v, ok := m.Get(k)
		if ok {
			fn(k, v)
		}
	}
}
