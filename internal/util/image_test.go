package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeImage(t *testing.T) {
	base := map[string]any{"a": "hello", "b": 1}
	got := MergeImage(base, map[string]any{"b": 2, "c": nil})
	assert.Equal(t, map[string]any{"a": "hello", "b": 2, "c": nil}, got)
	assert.Equal(t, 1, base["b"], "base must not be mutated")
}

func TestCloneImage(t *testing.T) {
	assert.Nil(t, CloneImage(nil))
	src := map[string]any{"x": 1}
	c := CloneImage(src)
	c["x"] = 2
	assert.Equal(t, 1, src["x"])
}

func TestSortedKeysAndToString(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(map[string]any{"c": 1, "a": 2, "b": 3}))
	assert.Equal(t, "42", ToString(42))
	assert.Equal(t, "raw", ToString([]byte("raw")))
	assert.Equal(t, "", ToString(nil))
}
