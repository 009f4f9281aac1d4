package config

import "testing"

func TestSnowflakeGeneratorProducesIncreasingUniqueIDs(t *testing.T) {
	g := NewSnowflakeGenerator()
	seen := make(map[uint64]bool)
	var prev uint64
	for i := 0; i < 10_000; i++ {
		id := g.Next()
		if seen[id] {
			t.Fatalf("duplicate id %d at iteration %d", id, i)
		}
		seen[id] = true
		if id <= prev {
			t.Fatalf("id %d at iteration %d did not increase over previous %d", id, i, prev)
		}
		prev = id
	}
}
