package kernel

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/twinproto/twinterp/protocol"
)

// idleMin/idleMax bound the jittered idle-reap timeout an idle pool worker
// waits before exiting (spec §4.5): 9-11 seconds, computed once per idle
// spell with backoff.Backoff's jitter rather than its retry role, so
// workers do not all wake and reap in lockstep.
const (
	idleMin = 9 * time.Second
	idleMax = 11 * time.Second
)

// workerPool runs a bounded set of goroutines pulling protocol.Request
// values off a single FIFO channel. Workers past the first self-terminate
// after sitting idle past a jittered timeout; the pool always keeps at
// least one worker parked so the queue is never left unattended.
type workerPool struct {
	process func(protocol.Request) *protocol.StopTwinterpreter
	queue   chan protocol.Request
	wg      sync.WaitGroup

	mu      sync.Mutex
	live    int
	maxSize int

	stopCode chan int
}

func newWorkerPool(size int, process func(protocol.Request) *protocol.StopTwinterpreter) *workerPool {
	p := &workerPool{
		process:  process,
		queue:    make(chan protocol.Request, size*4),
		maxSize:  size,
		stopCode: make(chan int, 1),
	}
	p.spawnWorker(true)
	return p
}

func (p *workerPool) submit(req protocol.Request) {
	p.mu.Lock()
	if p.live < p.maxSize {
		select {
		case p.queue <- req:
			p.mu.Unlock()
			return
		default:
			p.spawnWorkerLocked(false)
		}
	}
	p.mu.Unlock()
	p.queue <- req
}

func (p *workerPool) spawnWorker(pinned bool) {
	p.mu.Lock()
	p.spawnWorkerLocked(pinned)
	p.mu.Unlock()
}

func (p *workerPool) spawnWorkerLocked(pinned bool) {
	p.live++
	p.wg.Add(1)
	go p.runWorker(pinned)
}

func (p *workerPool) runWorker(pinned bool) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
	}()

	// Factor must be >1: backoff.Backoff's ForAttempt(0) always returns Min
	// verbatim, and a Factor of 1 keeps every later attempt pinned to Min
	// too (Min*1^n == Min), so the jitter never actually reaches toward Max.
	idle := &backoff.Backoff{Min: idleMin, Max: idleMax, Factor: 2, Jitter: true}
	for {
		if pinned {
			req, ok := <-p.queue
			if !ok {
				return
			}
			p.run(req)
			continue
		}
		timer := time.NewTimer(idle.Duration())
		select {
		case req, ok := <-p.queue:
			timer.Stop()
			if !ok {
				return
			}
			p.run(req)
		case <-timer.C:
			return
		}
	}
}

func (p *workerPool) run(req protocol.Request) {
	if stop := p.process(req); stop != nil {
		select {
		case p.stopCode <- stop.ExitCode:
		default:
		}
	}
}

// drain closes the queue and waits for every worker to finish whatever it
// is holding, returning the exit code if any worker observed a
// StopTwinterpreter while draining.
func (p *workerPool) drain() *int {
	close(p.queue)
	p.wg.Wait()
	select {
	case code := <-p.stopCode:
		return &code
	default:
		return nil
	}
}

