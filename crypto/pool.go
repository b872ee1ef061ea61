// Package crypto implements the fixed-size crypto worker pool (spec §5):
// hybrid key exchange and frame encrypt/decrypt run here, off router
// logic, with results handed back through a completion callback that the
// owning executor is responsible for hopping onto its own loop.
// Grounded on the teacher's cryptoWorker shape (crypto_worker.go,
// server/internal/cryptoworker): a small fixed pool of goroutines
// draining a shared job channel.
package crypto

import (
	"runtime"

	"github.com/veilrelay/veil/core/log"
	"github.com/veilrelay/veil/core/worker"
	"github.com/veilrelay/veil/crypt"
	"github.com/veilrelay/veil/identity"
	"github.com/veilrelay/veil/introduction"
)

var log_ = log.GetLogger("veil/crypto")

// MinPoolSize is the floor on the number of worker goroutines, even on
// single-CPU hosts.
const MinPoolSize = 2

// defaultQueueDepth bounds outstanding jobs before Submit blocks.
const defaultQueueDepth = 256

// Pool is a fixed-size set of goroutines executing independent crypto
// jobs. Jobs must not touch router-logic state directly; they report
// results through the callback passed at submission time, and it is
// that callback's job to hop back onto the owning executor's loop
// before mutating any shared state (spec §5).
type Pool struct {
	worker.Worker

	jobCh chan func()
}

// NewPool starts a pool with size worker goroutines. size <= 0 selects
// runtime.NumCPU(), floored at MinPoolSize.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	if size < MinPoolSize {
		size = MinPoolSize
	}
	p := &Pool{jobCh: make(chan func(), defaultQueueDepth)}
	for i := 0; i < size; i++ {
		p.Go(p.loop)
	}
	return p
}

func (p *Pool) loop() {
	for {
		select {
		case <-p.HaltCh():
			return
		case job := <-p.jobCh:
			job()
		}
	}
}

// submit enqueues fn. If the pool is halted before fn can be enqueued,
// fn is dropped — per spec §7, a failed/abandoned crypto job logs and is
// dropped rather than propagating an error.
func (p *Pool) submit(fn func()) {
	select {
	case p.jobCh <- fn:
	case <-p.HaltCh():
		log_.Warning("dropping crypto job submitted after halt")
	}
}

// HandshakeComplete is the completion signature for InitiateHandshake.
type HandshakeComplete func(result *crypt.HandshakeResult, err error)

// InitiateHandshake runs the initiator side of the hybrid key exchange
// on the pool and reports the outcome via complete.
func (p *Pool) InitiateHandshake(local *identity.Identity, remote *identity.ServiceInfo, introReply introduction.Introduction, proto crypt.ProtocolType, payload []byte, complete HandshakeComplete) {
	p.submit(func() {
		result, err := crypt.Initiate(local, remote, introReply, proto, payload)
		complete(result, err)
	})
}

// RespondComplete is the completion signature for RespondHandshake.
type RespondComplete func(msg *crypt.ProtocolMessage, sessionKey [32]byte, err error)

// RespondHandshake runs the responder side of the hybrid key exchange on
// the pool.
func (p *Pool) RespondHandshake(local *identity.Identity, frame *crypt.ProtocolFrame, complete RespondComplete) {
	p.submit(func() {
		msg, key, err := crypt.Respond(local, frame)
		complete(msg, key, err)
	})
}

// SealComplete is the completion signature for Seal.
type SealComplete func(frame *crypt.ProtocolFrame, err error)

// Seal encrypts msg under the fast-path session key on the pool.
func (p *Pool) Seal(sessionKey [32]byte, seq uint64, tag crypt.ConvoTag, msg *crypt.ProtocolMessage, complete SealComplete) {
	p.submit(func() {
		frame, err := crypt.Seal(sessionKey, seq, tag, msg)
		complete(frame, err)
	})
}

// OpenComplete is the completion signature for Open.
type OpenComplete func(msg *crypt.ProtocolMessage, err error)

// Open decrypts a fast-path frame on the pool.
func (p *Pool) Open(sessionKey [32]byte, frame *crypt.ProtocolFrame, complete OpenComplete) {
	p.submit(func() {
		msg, err := crypt.Open(sessionKey, frame)
		complete(msg, err)
	})
}
