package vm

import "unsafe"

// tableKey normalizes a Value for hash lookup: numbers hash by numeric
// value, strings by content, everything else by boxed identity.
type tableKey any

func normalizeKey(k Value) tableKey {
	switch k.Kind() {
	case KindNumber:
		return k.Number()
	case KindString:
		return k.AsString().Data
	case KindBool:
		return k.Bool()
	default:
		return k
	}
}

type tableEntry struct {
	key   Value
	value Value
}

// Table is the aggregate type: a dense array part plus an insertion-ordered
// hash part. The explicit entry order is load-bearing: host code may hold
// live iterators across a snapshot/restore boundary, so restored tables must
// iterate in the same order as their source.
type Table struct {
	objectHeader

	array []Value

	entries []tableEntry
	index   map[tableKey]int

	ReadOnly bool
	SafeEnv  bool

	meta Value // metatable or Nil
}

// NewTable allocates an empty table value.
func NewTable() Value {
	return NewTableSized(0, 0)
}

// NewTableSized allocates a table pre-sized to the given array and hash
// capacities.
func NewTableSized(narray, nhash int) Value {
	t := &Table{
		objectHeader: objectHeader{kind: KindTable},
		array:        make([]Value, 0, narray),
		entries:      make([]tableEntry, 0, nhash),
		index:        make(map[tableKey]int, nhash),
		meta:         Nil,
	}
	registerHeap(unsafe.Pointer(t))
	return fromHeapPtr(unsafe.Pointer(t))
}

// Value returns the boxed form of the table.
func (t *Table) Value() Value {
	return fromHeapPtr(unsafe.Pointer(t))
}

// ArrayLen returns the length of the dense array part.
func (t *Table) ArrayLen() int {
	return len(t.array)
}

// HashLen returns the number of live hash-part entries.
func (t *Table) HashLen() int {
	return len(t.entries)
}

// ArrayGet returns the array element at i (zero-based); Nil out of range.
func (t *Table) ArrayGet(i int) Value {
	if i < 0 || i >= len(t.array) {
		return Nil
	}
	return t.array[i]
}

// ArraySet stores into the array part, extending it as needed.
func (t *Table) ArraySet(i int, v Value) {
	for len(t.array) <= i {
		t.array = append(t.array, Nil)
	}
	t.array[i] = v
}

// Append pushes a value onto the end of the array part.
func (t *Table) Append(v Value) {
	t.array = append(t.array, v)
}

// Get looks a key up in the array part (one-based numeric keys within
// range) or the hash part.
func (t *Table) Get(key Value) Value {
	if key.IsNumber() {
		n := key.Number()
		i := int(n)
		if float64(i) == n && i >= 1 && i <= len(t.array) {
			return t.array[i-1]
		}
	}
	if idx, ok := t.index[normalizeKey(key)]; ok {
		return t.entries[idx].value
	}
	return Nil
}

// GetField looks up a string key.
func (t *Table) GetField(name string) Value {
	if idx, ok := t.index[name]; ok {
		return t.entries[idx].value
	}
	return Nil
}

// Set stores key→value. Setting Nil removes the key from the hash part.
// Insertion order of new keys is preserved for iteration.
func (t *Table) Set(key Value, v Value) {
	if key.IsNumber() {
		n := key.Number()
		i := int(n)
		if float64(i) == n && i >= 1 && i <= len(t.array)+1 {
			t.ArraySet(i-1, v)
			return
		}
	}
	nk := normalizeKey(key)
	if idx, ok := t.index[nk]; ok {
		if v == Nil {
			t.removeAt(idx)
			return
		}
		t.entries[idx].value = v
		return
	}
	if v == Nil {
		return
	}
	t.index[nk] = len(t.entries)
	t.entries = append(t.entries, tableEntry{key: key, value: v})
}

// SetField stores under a string key.
func (t *Table) SetField(name string, v Value) {
	t.Set(NewString(name), v)
}

func (t *Table) removeAt(idx int) {
	delete(t.index, normalizeKey(t.entries[idx].key))
	copy(t.entries[idx:], t.entries[idx+1:])
	t.entries = t.entries[:len(t.entries)-1]
	for i := idx; i < len(t.entries); i++ {
		t.index[normalizeKey(t.entries[i].key)] = i
	}
}

// Iterate calls fn for every live pair in iteration order: array part
// first, then hash entries in insertion order. Returning false stops.
func (t *Table) Iterate(fn func(key, value Value) bool) {
	for i, v := range t.array {
		if v == Nil {
			continue
		}
		if !fn(FromNumber(float64(i+1)), v) {
			return
		}
	}
	for _, e := range t.entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}

// HashIterate calls fn for every hash-part pair in insertion order,
// without visiting the array part. The snapshot codec depends on this
// order being reproducible.
func (t *Table) HashIterate(fn func(key, value Value) bool) {
	for _, e := range t.entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Meta returns the metatable value (Nil when absent).
func (t *Table) Meta() Value {
	return t.meta
}

// SetMeta installs a metatable. Must be a table or Nil.
func (t *Table) SetMeta(m Value) {
	if m != Nil && m.Kind() != KindTable {
		panic("Table.SetMeta: metatable must be a table or nil")
	}
	t.meta = m
}

// Length implements the # operator: the array-part border.
func (t *Table) Length() int {
	n := len(t.array)
	for n > 0 && t.array[n-1] == Nil {
		n--
	}
	return n
}
