// Package sim runs IPCP negotiations over an in-process lossy link.
package sim

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/codelaboratoryltd/sstpc/pkg/ppp"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when a link has no receiving end
var ErrNotConnected = errors.New("link not connected")

// LinkConfig controls frame loss on a link
type LinkConfig struct {
	Loss      float64 // Probability in [0,1] of dropping a frame
	DropFirst int     // Number of leading frames dropped unconditionally
	Seed      int64   // Seed for the loss generator
}

// LinkStats counts frames carried by a link
type LinkStats struct {
	Sent    int
	Dropped int
}

// Link is a one-way ppp.Link delivering frames to a remote runner
type Link struct {
	name   string
	config LinkConfig
	rng    *rand.Rand
	remote *ppp.Runner
	stats  LinkStats
	mu     sync.Mutex
	logger *zap.Logger
}

// NewLink creates an unconnected link
func NewLink(name string, config LinkConfig, logger *zap.Logger) *Link {
	return &Link{
		name:   name,
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
		logger: logger.With(zap.String("link", name)),
	}
}

// Connect sets the runner receiving frames sent on this link
func (l *Link) Connect(remote *ppp.Runner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remote = remote
}

// AddControlUnit implements ppp.Link
func (l *Link) AddControlUnit(protocol uint16, data []byte) error {
	l.mu.Lock()
	remote := l.remote
	if remote == nil {
		l.mu.Unlock()
		return ErrNotConnected
	}

	l.stats.Sent++
	drop := l.stats.Sent <= l.config.DropFirst ||
		(l.config.Loss > 0 && l.rng.Float64() < l.config.Loss)
	if drop {
		l.stats.Dropped++
	}
	l.mu.Unlock()

	if drop {
		l.logger.Debug("Dropping frame", zap.Uint16("protocol", protocol), zap.Int("length", len(data)))
		return nil
	}

	remote.Deliver(data)
	return nil
}

// Stats returns a snapshot of the link counters
func (l *Link) Stats() LinkStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
