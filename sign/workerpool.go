package sign

import (
	"crypto/ed25519"
	"sync"
)

// VerifyJob is a single signature-verification request submitted to the
// worker pool; its completion is posted back on Result.
type VerifyJob struct {
	PubKey ed25519.PublicKey
	Data   []byte
	Sig    []byte
	Result chan<- VerifyResult
}

// VerifyResult carries the outcome of one VerifyJob back to the main loop.
type VerifyResult struct {
	OK  bool
	Err error
}

// WorkerPool runs ed25519 verification off the submitting goroutine,
// per Design Note 9 ("Worker-pool signature verification").
// Submitted jobs are processed by nworker goroutines; completions are
// delivered on each job's own Result channel, which the submitter waits
// on the same way it waits on fetch/delivery futures.
type WorkerPool struct {
	jobs chan VerifyJob
	wg   sync.WaitGroup
	stop chan struct{}
}

// NewWorkerPool starts nworker goroutines draining a bounded job queue.
func NewWorkerPool(nworker int, queueSize int) *WorkerPool {
	if nworker <= 0 {
		nworker = 1
	}
	wp := &WorkerPool{
		jobs: make(chan VerifyJob, queueSize),
		stop: make(chan struct{}),
	}
	wp.wg.Add(nworker)
	for i := 0; i < nworker; i++ {
		go wp.run()
	}
	return wp
}

func (wp *WorkerPool) run() {
	defer wp.wg.Done()
	for {
		select {
		case job, ok := <-wp.jobs:
			if !ok {
				return
			}
			ok2, err := VerifyEd25519(job.PubKey, job.Data, job.Sig)
			job.Result <- VerifyResult{OK: ok2, Err: err}
		case <-wp.stop:
			return
		}
	}
}

// Submit enqueues a verification job. It blocks only if the queue is
// full; callers on the main loop should size the queue generously.
func (wp *WorkerPool) Submit(job VerifyJob) {
	select {
	case wp.jobs <- job:
	case <-wp.stop:
	}
}

// Shutdown drains the queue without executing pending jobs; in-flight
// results for jobs already picked up by a worker are discarded by the
// caller, not awaited.
func (wp *WorkerPool) Shutdown() {
	close(wp.stop)
	wp.wg.Wait()
}
