package tensor

import (
	"fmt"
	"strings"
)

// Map is an ordered name to tensor mapping. Names keep their first insertion
// position; setting an existing name replaces the tensor in place.
type Map struct {
	names   []string
	tensors map[string]*Tensor
}

// NewMap creates an empty map.
func NewMap() *Map {
	return &Map{tensors: map[string]*Tensor{}}
}

// MapOf builds a map from alternating name/tensor pairs, mostly for tests.
func MapOf(pairs ...any) *Map {
	m := NewMap()
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i].(string), pairs[i+1].(*Tensor))
	}
	return m
}

// Set stores t under name.
func (m *Map) Set(name string, t *Tensor) {
	if _, ok := m.tensors[name]; !ok {
		m.names = append(m.names, name)
	}
	m.tensors[name] = t
}

// Get returns the tensor stored under name.
func (m *Map) Get(name string) (*Tensor, bool) {
	if m == nil {
		return nil, false
	}
	t, ok := m.tensors[name]
	return t, ok
}

// Names returns the names in insertion order.
func (m *Map) Names() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.names...)
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.names)
}

// Clone returns a shallow copy. Tensors are immutable so sharing them is safe.
func (m *Map) Clone() *Map {
	c := NewMap()
	for _, name := range m.Names() {
		c.Set(name, m.tensors[name])
	}
	return c
}

// Equal reports whether both maps hold the same names in the same order with
// bit-identical tensors.
func (m *Map) Equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	for i, name := range m.Names() {
		if o.names[i] != name || !m.tensors[name].Equal(o.tensors[name]) {
			return false
		}
	}
	return true
}

func (m *Map) String() string {
	parts := make([]string, 0, m.Len())
	for _, name := range m.Names() {
		parts = append(parts, fmt.Sprintf("%s: %s", name, m.tensors[name]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// StackMaps stacks the same-named tensors of every map along a new leading
// axis. All maps must hold the names of the first one.
func StackMaps(ms []*Map) (*Map, error) {
	if len(ms) == 0 {
		return nil, fmt.Errorf("nothing to stack")
	}
	out := NewMap()
	for _, name := range ms[0].Names() {
		ts := make([]*Tensor, len(ms))
		for i, m := range ms {
			t, ok := m.Get(name)
			if !ok {
				return nil, fmt.Errorf("sample %d is missing %q", i, name)
			}
			ts[i] = t
		}
		stacked, err := Stack(ts)
		if err != nil {
			return nil, fmt.Errorf("stack %q: %w", name, err)
		}
		out.Set(name, stacked)
	}
	return out, nil
}

// SplitMap is the inverse of StackMaps for n samples. A tensor whose leading
// dimension is not n is only accepted when n is 1 and is then passed through
// unchanged, which covers engines that drop the batch axis.
func SplitMap(m *Map, n int) ([]*Map, error) {
	out := make([]*Map, n)
	for i := range out {
		out[i] = NewMap()
	}
	for _, name := range m.Names() {
		t, _ := m.Get(name)
		if t.Rank() == 0 || t.shape[0] != int64(n) {
			if n != 1 {
				return nil, fmt.Errorf("output %q has shape %s, want leading dimension %d", name, t.shape, n)
			}
			out[0].Set(name, t)
			continue
		}
		for i := 0; i < n; i++ {
			part, err := t.Index(i)
			if err != nil {
				return nil, err
			}
			out[i].Set(name, part)
		}
	}
	return out, nil
}
