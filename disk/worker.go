// Package disk implements the single-goroutine disk worker (spec §5):
// identity persistence and node-database verification are serialized
// through here so neither blocks router logic. Grounded on the
// teacher's StateWriter (disk.go): a worker.Worker embed draining a job
// channel on its own goroutine.
package disk

import (
	"github.com/veilrelay/veil/core/log"
	"github.com/veilrelay/veil/core/worker"
)

var log_ = log.GetLogger("veil/disk")

// defaultQueueDepth bounds how many jobs may be outstanding before
// Submit blocks the caller.
const defaultQueueDepth = 64

// Worker drains a queue of disk jobs on a single dedicated goroutine.
type Worker struct {
	worker.Worker

	jobCh chan func()
}

// New starts a disk worker.
func New() *Worker {
	w := &Worker{jobCh: make(chan func(), defaultQueueDepth)}
	w.Go(w.loop)
	return w
}

// Submit enqueues fn to run on the disk worker's goroutine. fn must not
// block indefinitely; it runs to completion before the next queued job
// starts.
func (w *Worker) Submit(fn func()) {
	select {
	case w.jobCh <- fn:
	case <-w.HaltCh():
		log_.Warning("dropping disk job submitted after halt")
	}
}

func (w *Worker) loop() {
	for {
		select {
		case <-w.HaltCh():
			return
		case job := <-w.jobCh:
			job()
		}
	}
}
