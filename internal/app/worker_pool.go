package app

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dkeye/callserver/internal/core"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// FatalFunc terminates the process. It is injected so tests can observe it.
type FatalFunc func(reason error)

type WorkerPoolOptions struct {
	Size        int
	ListenIP    net.IP
	AnnouncedIP string
	MinPort     uint16
	MaxPort     uint16
	// ServerPort is the base port of the per-worker listener; 0 disables it.
	ServerPort int
	DeathGrace time.Duration
}

// WorkerPool hands out media workers round-robin.
type WorkerPool struct {
	workers []core.MediaWorker

	mu   sync.Mutex
	next int
}

// NewWorkerPool creates opts.Size workers. A worker that dies later takes the
// process down through fatal after opts.DeathGrace.
func NewWorkerPool(ctx context.Context, engine core.MediaEngine, opts WorkerPoolOptions, fatal FatalFunc) (*WorkerPool, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("worker pool size must be positive, got %d", opts.Size)
	}
	p := &WorkerPool{workers: make([]core.MediaWorker, 0, opts.Size)}
	for i := range opts.Size {
		settings := core.WorkerSettings{
			Index:       i,
			ListenIP:    opts.ListenIP,
			AnnouncedIP: opts.AnnouncedIP,
			MinPort:     opts.MinPort,
			MaxPort:     opts.MaxPort,
		}
		if opts.ServerPort > 0 {
			settings.ServerPort = opts.ServerPort + i
		}
		w, err := engine.CreateWorker(ctx, settings)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("create worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
		go watchWorker(w, opts.DeathGrace, fatal)
	}
	log.Info().Str("module", "app.workers").Int("size", opts.Size).Msg("worker pool ready")
	return p, nil
}

func watchWorker(w core.MediaWorker, grace time.Duration, fatal FatalFunc) {
	<-w.Died()
	err := w.Err()
	if err == nil {
		return
	}
	log.Error().Err(err).Str("module", "app.workers").Int("worker", w.Index()).
		Dur("grace", grace).Msg("media worker died, exiting")
	time.AfterFunc(grace, func() {
		fatal(fmt.Errorf("media worker %d died: %w", w.Index(), err))
	})
}

// Next returns the next worker, wrapping around the pool.
func (p *WorkerPool) Next() core.MediaWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.workers[p.next]
	p.next = (p.next + 1) % len(p.workers)
	return w
}

func (p *WorkerPool) Size() int { return len(p.workers) }

// Close closes every worker in parallel.
func (p *WorkerPool) Close() {
	var wg conc.WaitGroup
	for _, w := range p.workers {
		wg.Go(w.Close)
	}
	wg.Wait()
}
