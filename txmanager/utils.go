package txmanager

import (
	"sync"

	"github.com/pkg/errors"
)

// StartStopOnce guards a service that may be started once and stopped once,
// in that order.
type StartStopOnce struct {
	state StartStopOnceState
	sync.RWMutex
}

type StartStopOnceState int

const (
	StartStopOnce_Unstarted StartStopOnceState = iota
	StartStopOnce_Started
	StartStopOnce_Stopped
)

func (s StartStopOnceState) String() string {
	switch s {
	case StartStopOnce_Unstarted:
		return "unstarted"
	case StartStopOnce_Started:
		return "started"
	case StartStopOnce_Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StartOnce runs fn if the service was never started. A failing fn leaves the
// service unstarted.
func (once *StartStopOnce) StartOnce(name string, fn func() error) error {
	once.Lock()
	defer once.Unlock()

	if once.state != StartStopOnce_Unstarted {
		return errors.Errorf("%v cannot be started, it is %v", name, once.state)
	}
	if err := fn(); err != nil {
		return err
	}
	once.state = StartStopOnce_Started
	return nil
}

// StopOnce runs fn if the service is running. The service counts as stopped
// even if fn fails.
func (once *StartStopOnce) StopOnce(name string, fn func() error) error {
	once.Lock()
	defer once.Unlock()

	if once.state != StartStopOnce_Started {
		return errors.Errorf("%v cannot be stopped, it is %v", name, once.state)
	}
	once.state = StartStopOnce_Stopped
	return fn()
}

func (once *StartStopOnce) State() StartStopOnceState {
	once.RLock()
	defer once.RUnlock()
	return once.state
}

// WrapIfError wraps *err with msg when it is not nil. Meant to be deferred in
// functions with a named error result.
func WrapIfError(err *error, msg string) {
	if *err != nil {
		*err = errors.Wrap(*err, msg)
	}
}
