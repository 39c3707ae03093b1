package room

import (
	"math/rand"
	"sync"
	"time"
)

// codeAlphabet excludes glyphs that are easy to misread (0/O, 1/I).
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

// codeGenerator produces random room codes. Guarded by its own mutex so the
// registry can generate codes without holding its map lock.
type codeGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newCodeGenerator() *codeGenerator {
	return &codeGenerator{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (g *codeGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	buf := make([]byte, codeLength)
	for i := range buf {
		buf[i] = codeAlphabet[g.rng.Intn(len(codeAlphabet))]
	}
	return string(buf)
}
