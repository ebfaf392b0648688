package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// monitor is the handle of one progress polling goroutine. A monitor exists
// exactly while its transfer is InProgress; whoever moves the transfer out
// of InProgress detaches it and waits on done before touching the record
// again.
type monitor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// wait blocks until the monitor goroutine has returned. nil is a no-op.
func (m *monitor) wait() {
	if m == nil {
		return
	}
	<-m.done
}

// startMonitorLocked launches a monitor for id. Callers hold the registry
// write lock for id, which orders the start against every other transition.
func (e *Engine) startMonitorLocked(id string) bool {
	e.monMu.Lock()
	defer e.monMu.Unlock()

	if e.stopping {
		return false
	}
	if previous, ok := e.monitors[id]; ok {
		previous.cancel()
	}

	ctx, cancel := context.WithCancel(e.ctx)
	m := &monitor{cancel: cancel, done: make(chan struct{})}
	e.monitors[id] = m
	e.wg.Add(1)
	go e.runMonitor(ctx, id, m)
	return true
}

// detachMonitorLocked removes and cancels the monitor for id without waiting.
// When only is non-nil the monitor is detached only if it is that instance.
func (e *Engine) detachMonitorLocked(id string, only *monitor) *monitor {
	e.monMu.Lock()
	defer e.monMu.Unlock()

	m, ok := e.monitors[id]
	if !ok || (only != nil && m != only) {
		return nil
	}
	delete(e.monitors, id)
	m.cancel()
	return m
}

func (e *Engine) runMonitor(ctx context.Context, id string, m *monitor) {
	defer e.wg.Done()
	defer close(m.done)
	defer m.cancel()

	log := e.log.WithFields(logrus.Fields{
		"function":    "runMonitor",
		"transfer_id": id,
	})
	ticker := time.NewTicker(e.opts.MonitorInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		transferred, err := e.client.QueryProgress(ctx, id)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			if Unrecoverable(err) || failures >= e.opts.MaxProgressErrors {
				e.failFromMonitor(ctx, id, m, err)
				return
			}
			log.WithError(err).WithField("failures", failures).Warn("Progress query failed")
			continue
		}
		failures = 0

		if e.applyProgress(ctx, id, m, transferred) {
			return
		}
	}
}

// applyProgress commits one progress sample and reports whether the monitor
// should exit.
func (e *Engine) applyProgress(ctx context.Context, id string, m *monitor, transferred int64) bool {
	exit := true
	completed := false
	e.registry.Mutate(id, func(rec *Record) {
		if ctx.Err() != nil || rec.Status != StatusInProgress {
			return
		}

		if transferred > rec.BytesTransferred {
			rec.BytesTransferred = transferred
		}
		if rec.BytesTransferred > rec.TotalSize {
			rec.BytesTransferred = rec.TotalSize
		}
		rec.UpdatedAt = e.opts.Now()

		if rec.BytesTransferred >= rec.TotalSize {
			rec.Status = StatusCompleted
			e.detachMonitorLocked(id, m)
			completed = true
		} else {
			exit = false
		}
		e.hub.Publish(eventFromRecord(rec))
	})

	if completed {
		e.log.WithFields(logrus.Fields{
			"function":    "applyProgress",
			"transfer_id": id,
		}).Info("Transfer completed")
	}
	return exit
}

func (e *Engine) failFromMonitor(ctx context.Context, id string, m *monitor, cause error) {
	failed := false
	e.registry.Mutate(id, func(rec *Record) {
		if ctx.Err() != nil || rec.Status != StatusInProgress {
			return
		}
		rec.Status = StatusFailed
		rec.Err = cause.Error()
		rec.UpdatedAt = e.opts.Now()
		e.detachMonitorLocked(id, m)
		e.hub.Publish(eventFromRecord(rec))
		failed = true
	})

	if failed {
		e.log.WithFields(logrus.Fields{
			"function":    "failFromMonitor",
			"transfer_id": id,
		}).WithError(cause).Error("Transfer failed")
	}
}

// superviseFaults applies transport-pushed faults to InProgress and Paused
// transfers until the engine shuts down or the channel closes.
func (e *Engine) superviseFaults(faults <-chan Fault) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case fault, ok := <-faults:
			if !ok {
				return
			}
			e.applyFault(fault)
		}
	}
}

func (e *Engine) applyFault(fault Fault) {
	cause := fault.Err
	if cause == nil {
		cause = errors.New("transport reported an unspecified fault")
	}

	var stopped *monitor
	failed := false
	e.registry.Mutate(fault.ID, func(rec *Record) {
		if rec.Status != StatusInProgress && rec.Status != StatusPaused {
			return
		}
		rec.Status = StatusFailed
		rec.Err = cause.Error()
		rec.UpdatedAt = e.opts.Now()
		stopped = e.detachMonitorLocked(fault.ID, nil)
		e.hub.Publish(eventFromRecord(rec))
		failed = true
	})
	stopped.wait()

	if failed {
		e.log.WithFields(logrus.Fields{
			"function":    "applyFault",
			"transfer_id": fault.ID,
		}).WithError(cause).Error("Transfer failed")
	}
}
