package pattern_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tyrexcad/cadcore/pkg/pattern"
)

func TestMatchExact(t *testing.T) {
	m := pattern.Compile("order.created")
	assert.True(t, m.Match("order.created"))
	assert.False(t, m.Match("order.updated"))
}

func TestMatchAnyAll(t *testing.T) {
	m := pattern.Compile("*")
	assert.True(t, m.Match(""))
	assert.True(t, m.Match("anything.at.all"))
}

func TestMatchEmbeddedWildcard(t *testing.T) {
	m := pattern.Compile("a.*.c")

	assert.True(t, m.Match("a.b.c"))
	assert.True(t, m.Match("a.b.x.c"))
	assert.False(t, m.Match("a.c"), "prefix \"a.\" and suffix \".c\" would overlap")
	assert.False(t, m.Match("b.a.x.c"), "leading literal segment must anchor at position zero")
}

func TestMatchTrailingWildcard(t *testing.T) {
	m := pattern.Compile("order.*")
	assert.True(t, m.Match("order.created"))
	assert.True(t, m.Match("order."))
	assert.False(t, m.Match("orders.created"))
}

func TestMatchLeadingWildcard(t *testing.T) {
	m := pattern.Compile("*.created")
	assert.True(t, m.Match("order.created"))
	assert.True(t, m.Match("a.b.c.created"))
	assert.False(t, m.Match("order.createdx"))
}

func TestMatchConsecutiveWildcards(t *testing.T) {
	m := pattern.Compile("a.**.b")
	assert.True(t, m.Match("a..b"), "both wildcards may match the empty run")
	assert.True(t, m.Match("a.x.y.b"))
	assert.False(t, m.Match("a.b"), "prefix and suffix literals would overlap")
}

func TestCacheReusesCompiledMatcher(t *testing.T) {
	c := pattern.NewCache(0)
	assert.True(t, c.Matches("x.y", "x.*"))
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Matches("x.z", "x.*"))
	assert.Equal(t, 1, c.Len(), "second lookup of the same pattern must not recompile")
}

func TestCacheEvictsOldestHalfOnOverflow(t *testing.T) {
	c := pattern.NewCache(4)
	for _, p := range []string{"a", "b", "c", "d", "e"} {
		c.Matches("x", p)
	}
	assert.LessOrEqual(t, c.Len(), 4)
}

func TestCacheInvalidateAndClear(t *testing.T) {
	c := pattern.NewCache(0)
	c.Matches("foo", "foo")
	assert.Equal(t, 1, c.Len())
	c.Invalidate("foo")
	assert.Equal(t, 0, c.Len())

	c.Matches("bar", "bar")
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
