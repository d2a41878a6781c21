package mapsafe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	m := map[string]any{
		"threads": 4.0,
		"topk":    5,
		"name":    "resnet",
		"fp16":    true,
		"mean":    []any{1, 2},
	}

	assert.Equal(t, 4, Get(m, "threads", 1))
	assert.Equal(t, 5.0, Get(m, "topk", 0.0))
	assert.Equal(t, "resnet", Get(m, "name", ""))
	assert.True(t, Get(m, "fp16", false))
	assert.Equal(t, "fallback", Get(m, "missing", "fallback"))
	assert.Equal(t, 7, Get(m, "name", 7))
	assert.Equal(t, []any{1, 2}, Get(m, "mean", []any(nil)))
	assert.Equal(t, 3, Get(nil, "threads", 3))
}

func TestLists(t *testing.T) {
	m := map[string]any{
		"mean":   []any{123.675, 116, int64(103)},
		"scale":  []int{32, 16},
		"mixed":  []any{1, "two"},
		"keys":   []any{"img", "mask"},
		"single": "img",
	}

	fs, ok := Floats(m, "mean")
	assert.True(t, ok)
	assert.Equal(t, []float64{123.675, 116, 103}, fs)

	is, ok := Ints(m, "scale")
	assert.True(t, ok)
	assert.Equal(t, []int{32, 16}, is)

	_, ok = Floats(m, "mixed")
	assert.False(t, ok)
	_, ok = Ints(m, "missing")
	assert.False(t, ok)

	ss, ok := Strings(m, "keys")
	assert.True(t, ok)
	assert.Equal(t, []string{"img", "mask"}, ss)

	ss, ok = Strings(m, "single")
	assert.True(t, ok)
	assert.Equal(t, []string{"img"}, ss)

	_, ok = Strings(m, "mixed")
	assert.False(t, ok)
}
