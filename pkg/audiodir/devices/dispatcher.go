package devices

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrDispatcherStopped is returned when work is handed to a dispatcher that isn't running
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// Dispatcher owns a single goroutine (pinned to its OS thread) that runs
// scheduled work one item at a time, in the order it was dispatched.
// All DeviceDirectory state lives on this goroutine.
type Dispatcher struct {
	logger *zap.SugaredLogger

	mu        sync.Mutex
	queue     []func()
	isRunning bool

	wake     chan struct{}
	stopChan chan struct{}
	done     chan struct{}
}

// NewDispatcher creates a new dispatcher, call Start to run it
func NewDispatcher(logger *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		logger: logger.Named("dispatcher"),
		wake:   make(chan struct{}, 1),
	}
}

// Start begins the owner loop
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return fmt.Errorf("dispatcher is already running")
	}

	d.isRunning = true
	d.stopChan = make(chan struct{})
	d.done = make(chan struct{})

	go d.dispatchLoop(d.stopChan, d.done)

	d.logger.Debug("Dispatcher started")
	return nil
}

// Stop halts the owner loop. Work that is still queued is discarded.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}

	d.isRunning = false
	d.queue = nil
	close(d.stopChan)
	done := d.done
	d.mu.Unlock()

	<-done
	d.logger.Debug("Dispatcher stopped")

	return nil
}

// IsRunning returns whether the owner loop is active
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.isRunning
}

// Dispatch schedules fn on the owner goroutine and returns immediately.
// It never blocks the caller and never drops work while running.
func (d *Dispatcher) Dispatch(fn func()) bool {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		d.logger.Debug("Dropping work dispatched to stopped dispatcher")
		return false
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}

	return true
}

// Invoke runs fn on the owner goroutine and waits for it to finish.
// Must not be called from the owner goroutine itself.
func (d *Dispatcher) Invoke(ctx context.Context, fn func()) error {
	finished := make(chan struct{})

	if !d.Dispatch(func() {
		defer close(finished)
		fn()
	}) {
		return ErrDispatcherStopped
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.doneChan():
		// the loop may have finished our item right before stopping
		select {
		case <-finished:
			return nil
		default:
			return ErrDispatcherStopped
		}
	}
}

func (d *Dispatcher) doneChan() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

func (d *Dispatcher) dispatchLoop(stop <-chan struct{}, done chan<- struct{}) {
	// COM apartments are per thread, so the owner has to stay on one
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if len(d.queue) == 0 || !d.isRunning {
				d.mu.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()

			d.run(fn)
		}
	}
}

func (d *Dispatcher) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("Recovered from panic in dispatched work",
				"error", r,
				"stack", string(debug.Stack()))
		}
	}()

	fn()
}
