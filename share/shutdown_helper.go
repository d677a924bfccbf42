package share

import (
	"context"
	"sync"
)

// OnceActivateHandler runs exactly once, with shutdown paused, to bring a
// kernel pair's owner up (spec §4.9's "bring up before accepting directives"
// step). Returning nil activates the owner; returning an error instead
// starts shutdown immediately with that error as the completion status.
// It is never invoked once shutdown has already started.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by whatever ShutdownHelper is
// embedded into: for twinterp that is master.Master, tearing down its
// subprocess, transport, and kernel goroutines.
type OnceShutdownHandler interface {
	// HandleOnceShutdown runs exactly once, in its own goroutine, and is
	// never called while shutdown is paused. completionError is the
	// advisory status that triggered shutdown; the returned error becomes
	// the final status every WaitShutdown caller observes.
	HandleOnceShutdown(completionError error) error
}

// AsyncShutdowner is implemented by a child object a ShutdownHelper can
// cascade shutdown into via AddShutdownChild (a master's own dispatcher or
// a secondary kernel pair it spawned, for instance).
type AsyncShutdowner interface {
	// StartShutdown schedules shutdown with an advisory completion error.
	// A second call while shutdown is already scheduled has no effect.
	StartShutdown(completionErr error)

	// ShutdownDoneChan closes once shutdown has fully completed.
	ShutdownDoneChan() <-chan struct{}

	// IsDoneShutdown reports whether shutdown has fully completed.
	IsDoneShutdown() bool

	// WaitShutdown blocks until shutdown completes and returns its status.
	WaitShutdown() error
}

// ShutdownHelper gives an embedding type one-shot, racy-call-safe
// asynchronous shutdown: many goroutines may call StartShutdown or
// Shutdown concurrently, but OnceShutdownHandler.HandleOnceShutdown runs
// exactly once. A master embeds this to coordinate tearing down its twin
// subprocess, wire transport, and kernel server/client pair without
// duplicating that teardown if both an explicit Destroy and an unexpected
// channel termination race to trigger it.
type ShutdownHelper struct {
	// Logger is used for this helper's own diagnostic output.
	Logger

	// Lock serializes the bookkeeping fields below. An embedder may also
	// use it as a general-purpose mutex for its own state.
	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	// shutdownPauseCount must return to zero before a scheduled shutdown
	// is allowed to actually run (see PauseShutdown/ResumeShutdown).
	shutdownPauseCount int

	isActivated          bool
	isScheduledShutdown  bool
	isStartedShutdown    bool
	isDoneShutdown       bool
	shutdownErr          error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	// wg counts children registered via AddShutdownChildChan/AddShutdownChild
	// that must finish before shutdown is considered complete.
	wg sync.WaitGroup
}

// InitShutdownHelper initializes a ShutdownHelper embedded by value.
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

// NewShutdownHelper builds a ShutdownHelper on the heap, for an embedder
// that prefers a pointer field over an embedded value.
func NewShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) *ShutdownHelper {
	h := &ShutdownHelper{}
	h.InitShutdownHelper(logger, shutdownHandler)
	return h
}

// asyncDoStartedShutdown runs after isStartedShutdown has already flipped
// true and shutdownErr holds the advisory status that triggered it.
func (h *ShutdownHelper) asyncDoStartedShutdown() {
	h.DLogf("shutdown: started")
	close(h.shutdownStartedChan)
	go func() {
		h.shutdownErr = h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		h.DLogf("shutdown: handler done")
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.isDoneShutdown = true
		h.DLogf("shutdown: done")
		close(h.shutdownDoneChan)
	}()
}

// PauseShutdown defers an already-scheduled shutdown from actually
// running until a matching ResumeShutdown is called once per pause. It
// does not prevent StartShutdown from being called, only from taking
// effect. An owner can use it to let in-flight recursive calls from a twin
// drain before HandleOnceShutdown starts tearing the channel down (spec
// §5's cancellation-on-termination would otherwise cut them off mid-flight);
// master.Master does not call it.
func (h *ShutdownHelper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isStartedShutdown {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.shutdownPauseCount++
	return nil
}

// IsActivated reports whether Activate has succeeded.
func (h *ShutdownHelper) IsActivated() bool {
	return h.isActivated
}

// Activate flags the embedder as up and running. A no-op if already
// activated; fails once shutdown has started.
func (h *ShutdownHelper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// DoOnceActivate pauses shutdown, runs onceActivateHandler, and either
// activates the embedder or starts shutdown with the handler's error,
// resuming shutdown either way. A no-op returning nil if already
// activated; returns an error without invoking the handler if shutdown
// has already started (waiting for it first when waitOnFail is true).
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		var err error
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.shutdownPauseCount++
	h.Lock.Unlock()

	err := onceActivateHandler()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ResumeShutdown undoes one PauseShutdown; once the pause count returns
// to zero, a shutdown already scheduled via StartShutdown begins running.
func (h *ShutdownHelper) ResumeShutdown() {
	h.Lock.Lock()
	if h.shutdownPauseCount < 1 {
		h.Panic("ResumeShutdown called without a matching PauseShutdown")
		return
	}
	h.shutdownPauseCount--
	runNow := h.shutdownPauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if runNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if runNow {
		h.asyncDoStartedShutdown()
	}
}

// ResumeAndShutdown resumes from one PauseShutdown and blocks until
// shutdown (started by this call or a concurrent one) completes,
// returning the final status. Suited to a defer right after PauseShutdown.
func (h *ShutdownHelper) ResumeAndShutdown(completionErr error) error {
	h.ResumeShutdown()
	return h.Shutdown(completionErr)
}

// ResumeAndWaitShutdown resumes from one PauseShutdown and waits for
// shutdown to complete without itself scheduling one.
func (h *ShutdownHelper) ResumeAndWaitShutdown(completionErr error) error {
	h.ResumeShutdown()
	return h.WaitShutdown()
}

// ShutdownOnContext starts shutdown with ctx.Err() as the completion
// status the moment ctx is done, unless shutdown has already started by
// then. It returns immediately; the watch runs in its own goroutine for
// the lifetime of the helper.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsScheduledShutdown reports whether StartShutdown has ever been called.
func (h *ShutdownHelper) IsScheduledShutdown() bool {
	return h.isScheduledShutdown
}

// IsStartedShutdown reports whether shutdown is underway or complete.
func (h *ShutdownHelper) IsStartedShutdown() bool {
	return h.isStartedShutdown
}

// IsDoneShutdown reports whether shutdown has fully completed.
func (h *ShutdownHelper) IsDoneShutdown() bool {
	return h.isDoneShutdown
}

// ShutdownWG exposes the WaitGroup final completion waits on, so an
// embedder can Add() work that must finish before shutdown is considered
// done without registering a separate child chan or AsyncShutdowner.
func (h *ShutdownHelper) ShutdownWG() *sync.WaitGroup {
	return &h.wg
}

// ShutdownStartedChan closes the moment shutdown begins running.
func (h *ShutdownHelper) ShutdownStartedChan() <-chan struct{} {
	return h.shutdownStartedChan
}

// ShutdownHandlerDoneChan closes once HandleOnceShutdown has returned, but
// before children are shut down and waited on. A goroutine racing to shut
// a child down itself once the parent commits to shutting down watches
// this instead of ShutdownDoneChan.
func (h *ShutdownHelper) ShutdownHandlerDoneChan() <-chan struct{} {
	return h.shutdownHandlerDoneChan
}

// ShutdownDoneChan closes once shutdown has fully completed.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown blocks until shutdown completes and returns its status. It
// does not itself schedule shutdown, so it is safe to call on a helper
// that may never be told to shut down.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	return h.shutdownErr
}

// Shutdown schedules shutdown if it has not already started, then blocks
// until it completes, returning the final status.
func (h *ShutdownHelper) Shutdown(completionError error) error {
	h.StartShutdown(completionError)
	return h.WaitShutdown()
}

// StartShutdown schedules shutdown with an advisory completion status. A
// second call, concurrent or not, has no further effect once the first
// has scheduled it. If shutdown is currently paused, the actual run of
// HandleOnceShutdown is deferred until the pause count drains to zero.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	var runNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		if h.isStartedShutdown {
			h.Panic("shutdown started before it was scheduled")
		}
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		runNow = h.shutdownPauseCount == 0
		h.isStartedShutdown = runNow
	}
	h.Lock.Unlock()

	if runNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with a nil advisory status and waits for it to finish,
// satisfying io.Closer for an embedder that wants one.
func (h *ShutdownHelper) Close() error {
	h.DLogf("shutdown: Close()")
	return h.Shutdown(nil)
}

// AddShutdownChildChan registers a channel that must close before this
// helper's own shutdown is considered complete. The helper never closes
// it itself; something else owns that.
func (h *ShutdownHelper) AddShutdownChildChan(childDoneChan <-chan struct{}) {
	h.DLogf("shutdown: tracking child chan")
	h.wg.Add(1)
	go func() {
		<-childDoneChan
		h.wg.Done()
	}()
}

// AddShutdownChild registers an AsyncShutdowner that either shuts down on
// its own before this helper does, or is actively told to shut down (with
// this helper's completion status) once HandleOnceShutdown returns.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.DLogf("shutdown: tracking child %v", child)
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
			h.DLogf("shutdown: child %v already done", child)
		case <-h.shutdownHandlerDoneChan:
			h.DLogf("shutdown: shutting down child %v", child)
			child.StartShutdown(h.shutdownErr)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
