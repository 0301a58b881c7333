// Package worker gives long-lived reactor objects a uniform start/halt/wait
// lifecycle for their background goroutines.
package worker

import "sync"

// Worker is embedded by any type that runs one or more background
// goroutines tied to the object's lifetime (Channel, ChannelMux, Host, Peer,
// TimerQueue).
// Call Go to launch a loop, HaltCh/Done inside the loop to notice and
// acknowledge a halt request, and Halt/Wait from the owner to tear down.
type Worker struct {
	haltOnce   sync.Once
	haltedCh   chan struct{}
	wg         sync.WaitGroup
	initOnce   sync.Once
}

func (w *Worker) init() {
	w.haltedCh = make(chan struct{})
}

// Go launches fn in its own goroutine, tracked by Wait.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// HaltCh returns the channel closed by Halt. Loops launched via Go should
// select on it to notice shutdown.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce.Do(w.init)
	return w.haltedCh
}

// Halt requests shutdown of all goroutines launched via Go. Idempotent.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() {
		close(w.haltedCh)
	})
}

// Wait blocks until every goroutine launched via Go has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Done does nothing. It is a marker for callers that want to document the
// end of a Go-launched loop explicitly; the actual bookkeeping happens in
// the deferred Done call installed by Go.
func (w *Worker) Done() {}
