package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryAddRemove(t *testing.T) {
	r := newRegistry()
	a, b := newMockConn("a"), newMockConn("b")

	assert.True(t, r.add("x", a))
	assert.False(t, r.add("x", a))
	assert.True(t, r.add("x", b))
	assert.True(t, r.add("y", a))
	assert.Equal(t, 2, r.count("x"))
	assert.Equal(t, 3, r.total())

	assert.True(t, r.remove("x", a))
	assert.False(t, r.remove("x", a))
	assert.Equal(t, 1, r.count("x"))

	assert.ElementsMatch(t, []string{"x"}, r.removeAll(b))
	assert.Equal(t, 0, r.count("x"))
	assert.Equal(t, 1, r.total())
}

func TestRegistryPick(t *testing.T) {
	r := newRegistry()
	a, b, c := newMockConn("a"), newMockConn("b"), newMockConn("c")
	r.add("x", a)
	r.add("x", b)
	r.add("x", c)

	var picked []string
	for i := 0; i < 4; i++ {
		picked = append(picked, r.pick("x", nil).Identity())
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, picked)

	assert.Equal(t, "c", r.pick("x", map[string]bool{"b": true}).Identity())
	assert.Nil(t, r.pick("x", map[string]bool{"a": true, "b": true, "c": true}))
	assert.Nil(t, r.pick("y", nil))
}

func TestRegistryRemoveKeepsOrder(t *testing.T) {
	r := newRegistry()
	a, b, c := newMockConn("a"), newMockConn("b"), newMockConn("c")
	r.add("x", a)
	r.add("x", b)
	r.add("x", c)

	assert.Equal(t, "a", r.pick("x", nil).Identity())
	assert.Equal(t, "b", r.pick("x", nil).Identity())
	r.remove("x", a)
	assert.Equal(t, "c", r.pick("x", nil).Identity())
	assert.Equal(t, "b", r.pick("x", nil).Identity())
}
