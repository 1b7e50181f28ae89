package vm

import (
	"fmt"

	"github.com/containerd/log"
	"github.com/docker/go-events"
)

// SerialExecutor runs functions one at a time in submission order on a
// single goroutine, the way a serial dispatch queue does.
type SerialExecutor struct {
	queue *events.Queue
}

// NewSerialExecutor starts an executor. Close stops it after the functions
// already submitted have run.
func NewSerialExecutor() *SerialExecutor {
	return &SerialExecutor{queue: events.NewQueue(funcSink{})}
}

// Execute schedules fn. Functions submitted after Close are discarded.
func (e *SerialExecutor) Execute(fn func()) {
	if err := e.queue.Write(fn); err != nil {
		log.L.WithError(err).Debug("serial executor closed, discarding function")
	}
}

// Close drains pending functions and stops the executor.
func (e *SerialExecutor) Close() error {
	return e.queue.Close()
}

type funcSink struct{}

func (funcSink) Write(ev events.Event) error {
	fn, ok := ev.(func())
	if !ok {
		return fmt.Errorf("serial executor: unexpected event %T", ev)
	}
	fn()
	return nil
}

func (funcSink) Close() error { return nil }
