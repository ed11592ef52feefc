package identity

import (
	"hash/fnv"
	"time"
)

// Clock is the engine's only time source. Everything that stamps an edit or
// judges staleness goes through it, so tests can drive time by hand.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Display colors for cursors and lock badges. Assignment hashes the stable
// provider identity so an actor keeps the same color across sessions.
var palette = []string{
	"#e6194b",
	"#3cb44b",
	"#dd9c09",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
	"#008080",
	"#9a6324",
	"#800000",
	"#808000",
	"#000075",
	"#568203",
}

func ColorFor(key string) string {
	h := fnv.New32a()
	h.Write([]byte(key))
	return palette[h.Sum32()%uint32(len(palette))]
}
