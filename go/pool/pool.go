// Package pool fans record-processing work out to long-lived workers over
// framed ipc channels, with a bounded pending queue and explicit per-slot
// idleness tracking.
//
// Workers are goroutines rather than forked children, but each one is
// crash-contained: a panic or a deliberate Exit inside the run function
// terminates only that worker, and the recorded exit status fails the
// pool on the next dispatch cycle. Results are not returned in submission
// order; callers that need order must tag their requests.
//
// On the wire a request is a JSON array of positional arguments, and a
// reply is a JSON object: {"r": <result>} on success or {"e": <message>}
// when the run function returned an error.
package pool

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/metastore/harvest/go/ipc"
	log "github.com/sirupsen/logrus"
)

// DefaultMaxQueue bounds the pending request queue when no explicit
// bound is given.
const DefaultMaxQueue = 8

// backpressureWait is how long AddRequest sleeps between dispatch cycles
// while the pending queue is full.
const backpressureWait = 10 * time.Millisecond

// RunFunc processes one request. Its positional arguments are the raw
// JSON values of the submitted request. The returned value is marshalled
// into the reply envelope.
type RunFunc func(args []json.RawMessage) (interface{}, error)

// InitFunc runs once in each worker before its request loop starts.
type InitFunc func() error

// ExitError terminates the worker that returns it, recording the given
// status code, like a child process calling exit().
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("worker exit with status %d", e.Code) }

// WorkerDiedError is the fatal pool error raised when any owned worker
// has terminated.
type WorkerDiedError struct {
	Pool   string
	Worker int
	Code   int
}

func (e *WorkerDiedError) Error() string {
	return fmt.Sprintf("pool %s: worker %d died with exit status %d", e.Pool, e.Worker, e.Code)
}

// Result is one completed request.
type Result struct {
	Value json.RawMessage
	Err   error
}

// envelope is the reply wire shape.
type envelope struct {
	R json.RawMessage `json:"r,omitempty"`
	E string          `json:"e,omitempty"`
}

type slot struct {
	id     int
	ch     *ipc.Channel
	active bool
}

// Pool routes requests to idle workers and collects their replies.
//
// The submitter is assumed single-threaded with respect to the pool:
// AddRequest, handleRequests, WaitUntilDone and Destroy must not be
// called concurrently. Worker goroutines only touch the exit table,
// which has its own lock.
type Pool struct {
	id       string
	fn       RunFunc
	maxQueue int

	slots   []*slot
	pending [][]byte
	results []Result

	// failed latches the first WorkerDiedError so that every subsequent
	// call reports the same failure.
	failed error

	exitMu sync.Mutex
	exits  map[int]int // worker id -> exit status
	owned  map[int]bool
}

// New builds a pool of `workers` goroutines with a pending queue bounded
// by `maxQueue` (DefaultMaxQueue when <= 0). With workers == 0 the pool
// is degenerate: requests execute synchronously on the submitter and
// results appear in submission order.
func New(id string, workers, maxQueue int, fn RunFunc, init InitFunc) *Pool {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	var p = &Pool{
		id:       id,
		fn:       fn,
		maxQueue: maxQueue,
		exits:    make(map[int]int),
		owned:    make(map[int]bool),
	}
	for i := 0; i < workers; i++ {
		var near, far = ipc.Pipe()
		var s = &slot{id: i + 1, ch: near}
		p.slots = append(p.slots, s)
		p.owned[s.id] = true
		go p.runWorker(s.id, far, init)
	}
	return p
}

// runWorker is the worker side: read a request frame, run it, reply.
func (p *Pool) runWorker(id int, ch *ipc.Channel, init InitFunc) {
	defer ch.Close()
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"pool": p.id, "worker": id, "panic": r}).
				Error("worker panicked")
			p.recordExit(id, 1)
		}
	}()

	if init != nil {
		if err := init(); err != nil {
			log.WithFields(log.Fields{"pool": p.id, "worker": id, "error": err}).
				Error("worker init failed")
			p.recordExit(id, 1)
			return
		}
	}

	for {
		var req, err = ch.ReadBlocking()
		if errors.Is(err, ipc.ErrClosed) {
			return // parent tore the pool down
		} else if err != nil {
			p.recordExit(id, 1)
			return
		}

		var args []json.RawMessage
		if err = json.Unmarshal(req, &args); err != nil {
			p.recordExit(id, 1)
			return
		}

		var reply envelope
		value, err := p.fn(args)
		if err != nil {
			var xe *ExitError
			if errors.As(err, &xe) {
				p.recordExit(id, xe.Code)
				return
			}
			reply.E = err.Error()
		} else if reply.R, err = json.Marshal(value); err != nil {
			reply = envelope{E: fmt.Sprintf("marshalling reply: %v", err)}
		}

		buf, err := json.Marshal(reply)
		if err != nil {
			p.recordExit(id, 1)
			return
		}
		if err = ch.Write(buf); err != nil {
			// Parent side is gone; nothing left to do.
			return
		}
	}
}

// recordExit stores a worker termination. Exits of workers no longer
// owned by the pool (after Destroy) land in the external table; they are
// recoverable metadata, not errors.
func (p *Pool) recordExit(id, code int) {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	if p.owned[id] {
		p.exits[id] = code
	} else {
		recordExternalExit(id, code)
	}
}

// AddRequest submits one request, marshalling args into the positional
// JSON envelope. It blocks while the pending queue is at its bound,
// alternating dispatch cycles with a short sleep.
func (p *Pool) AddRequest(args ...interface{}) error {
	var raw = make([]json.RawMessage, len(args))
	for i, a := range args {
		var b, err = json.Marshal(a)
		if err != nil {
			return fmt.Errorf("marshalling request argument %d: %w", i, err)
		}
		raw[i] = b
	}

	// Degenerate pool: run on the submitter, in order.
	if len(p.slots) == 0 {
		var res Result
		value, err := p.fn(raw)
		if err != nil {
			res.Err = err
		} else if res.Value, err = json.Marshal(value); err != nil {
			res.Err = fmt.Errorf("marshalling reply: %w", err)
		}
		p.results = append(p.results, res)
		return nil
	}

	frame, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}

	for len(p.pending) >= p.maxQueue {
		if err := p.handleRequests(); err != nil {
			return err
		}
		time.Sleep(backpressureWait)
	}
	p.pending = append(p.pending, frame)
	return p.handleRequests()
}

// handleRequests runs one dispatch cycle: reap worker exits, hand pending
// requests to idle workers, and poll every active worker for a reply.
func (p *Pool) handleRequests() error {
	if p.failed != nil {
		return p.failed
	}
	if err := p.checkWorkers(); err != nil {
		p.failed = err
		return err
	}

	for len(p.pending) > 0 {
		var s = p.idleSlot()
		if s == nil {
			break
		}
		if err := s.ch.Write(p.pending[0]); err != nil {
			p.failed = fmt.Errorf("pool %s: dispatching to worker %d: %w", p.id, s.id, err)
			return p.failed
		}
		s.active = true
		p.pending = p.pending[1:]
	}

	for _, s := range p.slots {
		if !s.active {
			continue
		}
		var buf, ok, err = s.ch.ReadNonBlocking()
		if err != nil {
			// The worker records its exit before closing its channel, so
			// a dead channel normally shows up in the exit table.
			if derr := p.checkWorkers(); derr != nil {
				p.failed = derr
			} else {
				p.failed = fmt.Errorf("pool %s: reading from worker %d: %w", p.id, s.id, err)
			}
			return p.failed
		}
		if !ok {
			continue
		}
		s.active = false

		var reply envelope
		if err = json.Unmarshal(buf, &reply); err != nil {
			p.failed = fmt.Errorf("pool %s: decoding reply from worker %d: %w", p.id, s.id, err)
			return p.failed
		}
		var res Result
		if reply.E != "" {
			res.Err = errors.New(reply.E)
		} else {
			res.Value = reply.R
		}
		p.results = append(p.results, res)
	}
	return nil
}

func (p *Pool) idleSlot() *slot {
	for _, s := range p.slots {
		if !s.active {
			return s
		}
	}
	return nil
}

func (p *Pool) checkWorkers() error {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	for id, code := range p.exits {
		return &WorkerDiedError{Pool: p.id, Worker: id, Code: code}
	}
	return nil
}

// RequestsActive reports whether any worker slot currently holds an
// in-flight request.
func (p *Pool) RequestsActive() bool {
	for _, s := range p.slots {
		if s.active {
			return true
		}
	}
	return false
}

// RequestsPending reports the depth of the pending queue.
func (p *Pool) RequestsPending() int { return len(p.pending) }

// WaitUntilDone drains the pool: it cycles dispatch until no request is
// pending or in flight, surfacing any worker failure.
func (p *Pool) WaitUntilDone() error {
	for {
		if err := p.handleRequests(); err != nil {
			return err
		}
		if len(p.pending) == 0 && !p.RequestsActive() {
			return nil
		}
		time.Sleep(backpressureWait)
	}
}

// Results returns and clears the collected results.
func (p *Pool) Results() []Result {
	var r = p.results
	p.results = nil
	return r
}

// Destroy hard-cancels the pool: pending requests are dropped, channels
// are closed so in-flight workers abandon their work, and worker slots
// are disowned so late exits become external metadata instead of errors.
// Collected results persist until drained.
func (p *Pool) Destroy() {
	p.pending = nil

	p.exitMu.Lock()
	for _, s := range p.slots {
		delete(p.owned, s.id)
	}
	p.exitMu.Unlock()

	for _, s := range p.slots {
		s.ch.Close()
		s.active = false
	}
	p.slots = nil
}

// External exit table: terminations of workers not owned by any live
// pool, keyed by worker id.
var (
	externalMu    sync.Mutex
	externalExits = make(map[int]int)
)

func recordExternalExit(id, code int) {
	externalMu.Lock()
	defer externalMu.Unlock()
	externalExits[id] = code
}

// ExternalExit reports the recorded exit status of a disowned worker.
func ExternalExit(id int) (int, bool) {
	externalMu.Lock()
	defer externalMu.Unlock()
	var code, ok = externalExits[id]
	return code, ok
}
