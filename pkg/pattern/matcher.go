// Package pattern compiles subscription patterns into matchers and decides
// whether an event name matches a pattern.
//
// Patterns are dotted strings with optional "*" segments:
//   - "*" alone matches every event.
//   - An embedded "*" matches any run of characters, including "." and the
//     empty string, e.g. "a.*.created" matches both "a.x.created" and
//     "a.x.y.created".
//   - Every other character is a literal.
//
// The source framework this is modeled on compiles patterns to a regular
// expression; cadcore instead compiles to a small segment program matched
// with a straight two-pointer scan, avoiding a regex engine dependency.
package pattern

import "sync"

// Matcher is a compiled pattern ready to be tested against event names.
type Matcher struct {
	pattern string
	// literal segments split around "*"; matching a "*" skips any run of
	// characters until the next literal segment is found (or consumes the
	// rest of the string for a trailing "*").
	segments []string
	anyAll   bool // pattern is exactly "*"
}

// Compile builds a Matcher for pattern. Compilation never fails for
// patterns within the bus's length limit; it is a pure function of the
// pattern string.
func Compile(p string) *Matcher {
	if p == "*" {
		return &Matcher{pattern: p, anyAll: true}
	}
	return &Matcher{pattern: p, segments: splitOnWildcard(p)}
}

func splitOnWildcard(p string) []string {
	segments := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(p); i++ {
		if p[i] == '*' {
			segments = append(segments, p[start:i])
			start = i + 1
		}
	}
	segments = append(segments, p[start:])
	return segments
}

// Match reports whether event satisfies the compiled pattern.
func (m *Matcher) Match(event string) bool {
	if m.anyAll {
		return true
	}
	if len(m.segments) == 1 {
		// no wildcard: exact literal match
		return event == m.segments[0]
	}

	pos := 0
	for i, seg := range m.segments {
		switch {
		case i == 0:
			// must match at the start
			if len(seg) > len(event)-pos || event[pos:pos+len(seg)] != seg {
				return false
			}
			pos += len(seg)
		case i == len(m.segments)-1:
			// must match at the end, without re-using bytes already
			// consumed by an earlier segment
			start := len(event) - len(seg)
			if start < pos {
				return false
			}
			return event[start:] == seg
		case seg == "":
			// consecutive wildcards, nothing to anchor on
			continue
		default:
			idx := indexFrom(event, seg, pos)
			if idx < 0 {
				return false
			}
			pos = idx + len(seg)
		}
	}
	return true
}

func indexFrom(s, substr string, from int) int {
	if from > len(s) {
		return -1
	}
	for i := from; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// Cache memoizes compiled matchers keyed by pattern string, bounded when
// capacity is set to a positive value. Eviction follows insertion order; a
// cache hit does not refresh an entry's position.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*Matcher
	order    []string // insertion order, oldest first
}

// NewCache builds a Cache. capacity <= 0 means unbounded.
func NewCache(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*Matcher),
	}
}

// Matches compiles (or reuses a cached compilation of) pattern and tests it
// against event.
func (c *Cache) Matches(event, p string) bool {
	return c.get(p).Match(event)
}

func (c *Cache) get(p string) *Matcher {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.entries[p]; ok {
		return m
	}

	m := Compile(p)
	c.entries[p] = m
	c.order = append(c.order, p)

	if c.capacity > 0 && len(c.entries) > c.capacity {
		c.evictHalf()
	}
	return m
}

// evictHalf drops the oldest half of the cache on overflow, per the bus's
// production-mode pattern cache policy.
func (c *Cache) evictHalf() {
	n := len(c.order) / 2
	for i := 0; i < n; i++ {
		delete(c.entries, c.order[i])
	}
	c.order = append([]string(nil), c.order[n:]...)
}

// Invalidate removes a cached compiled matcher for pattern, if present.
func (c *Cache) Invalidate(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, p)
	for i, existing := range c.order {
		if existing == p {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Matcher)
	c.order = nil
}

// Len reports the number of cached compiled matchers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
