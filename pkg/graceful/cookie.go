package graceful

import (
	"context"
	"sync"
)

////////////////////////////////////////////////////////////////////////////////

type shutdownState struct {
	requested     chan struct{}
	finished      chan struct{}
	requestedOnce sync.Once
	finishedOnce  sync.Once
}

// ShutdownSource is the worker side of the handshake.
type ShutdownSource struct {
	*shutdownState
}

// ShutdownCookie is the controller side of the handshake.
// Requesting a shutdown more than once is allowed.
type ShutdownCookie struct {
	*shutdownState
}

////////////////////////////////////////////////////////////////////////////////

func NewShutdownCookie() ShutdownCookie {
	state := &shutdownState{
		requested: make(chan struct{}),
		finished:  make(chan struct{}),
	}

	return ShutdownCookie{state}
}

////////////////////////////////////////////////////////////////////////////////

// Stop requests a shutdown and waits until the worker reports completion.
func (c ShutdownCookie) Stop(ctx context.Context) error {
	c.Signal()
	return c.Wait(ctx)
}

func (c ShutdownCookie) Signal() {
	c.requestedOnce.Do(func() {
		close(c.requested)
	})
}

func (c ShutdownCookie) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.finished:
		return nil
	}
}

// Finished is closed once the worker has called Finish.
func (c ShutdownCookie) Finished() <-chan struct{} {
	return c.finished
}

func (c ShutdownCookie) GetSource() ShutdownSource {
	return ShutdownSource{c.shutdownState}
}

////////////////////////////////////////////////////////////////////////////////

func (s ShutdownSource) Done() <-chan struct{} {
	return s.requested
}

func (s ShutdownSource) IsDone() bool {
	select {
	case <-s.requested:
		return true
	default:
		return false
	}
}

func (s ShutdownSource) Finish() {
	s.finishedOnce.Do(func() {
		close(s.finished)
	})
}

////////////////////////////////////////////////////////////////////////////////
