package gpurv

import (
	"time"
)

// The device timeline. One goroutine exclusively owns guest memory and the
// live execution-state words, standing in for the accelerator queue: the
// host cannot call into it mid-dispatch, it can only enqueue work and
// observe results after completion. Because the timeline consumes requests
// strictly serially, the ordering contract holds by construction: all
// guest MMIO/bridge writes of batch k are visible to host polls that
// follow it, and host resume-writes land before batch k+1 begins.

// DefaultBatchSize is the number of cycles one dispatch invocation
// executes. Batching amortizes the host round-trip; requested cycle counts
// are rounded down to a batch multiple.
const DefaultBatchSize = 100

type dispatchResult struct {
	executed uint64
	status   RunStatus
}

type engineReq struct {
	// Exactly one of the following is active per request.
	dispatchCycles uint64
	stateRead      bool
	stateWrite     WordBatch
	memReadOff     uint32
	memReadLen     int
	memWrite       []byte
	memWriteOff    uint32
	kind           int

	reply chan engineResp
}

const (
	reqDispatch = iota
	reqStateRead
	reqStateWrite
	reqMemRead
	reqMemWrite
)

type engineResp struct {
	dispatch dispatchResult
	state    []uint32
	data     []byte
	err      error
}

type engine struct {
	mem   *GuestMemory
	amap  *AddressMap
	cpu   *cpu
	batch uint32

	reqs chan engineReq
	quit chan struct{}
	done chan struct{}
}

func newEngine(mem *GuestMemory, amap *AddressMap, batch uint32) *engine {
	if batch == 0 {
		batch = DefaultBatchSize
	}
	e := &engine{
		mem:   mem,
		amap:  amap,
		cpu:   newCPU(mem, amap),
		batch: batch,
		reqs:  make(chan engineReq),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.loop()
	return e
}

// loop is the device timeline. It exits when stop signals quit.
func (e *engine) loop() {
	defer close(e.done)
	for {
		var req engineReq
		select {
		case req = <-e.reqs:
		case <-e.quit:
			return
		}
		switch req.kind {
		case reqDispatch:
			req.reply <- engineResp{dispatch: e.runDispatch(req.dispatchCycles)}

		case reqStateRead:
			// Staged read: snapshot the live words into a fresh buffer so
			// the host never parses state under mutation.
			snap := make([]uint32, StateWords)
			copy(snap, e.cpu.st)
			req.reply <- engineResp{state: snap}

		case reqStateWrite:
			for idx, v := range req.stateWrite {
				e.cpu.st[idx] = v
			}
			req.reply <- engineResp{}

		case reqMemRead:
			buf := make([]byte, req.memReadLen)
			err := e.mem.ReadAt(req.memReadOff, buf)
			req.reply <- engineResp{data: buf, err: err}

		case reqMemWrite:
			req.reply <- engineResp{err: e.mem.WriteAt(req.memWriteOff, req.memWrite)}
		}
	}
}

// runDispatch executes the requested cycles, rounded down to whole
// batches. Returns the exact cycle count consumed.
func (e *engine) runDispatch(cycles uint64) dispatchResult {
	start := time.Now()
	batches := cycles / uint64(e.batch)
	for i := uint64(0); i < batches; i++ {
		e.cpu.runBatch(e.batch)
	}
	executed := batches * uint64(e.batch)
	recordDispatch(executed, time.Since(start))
	return dispatchResult{executed: executed, status: e.cpu.status()}
}

func (e *engine) submit(req engineReq) (engineResp, error) {
	req.reply = make(chan engineResp, 1)
	select {
	case e.reqs <- req:
		return <-req.reply, nil
	case <-e.done:
		return engineResp{}, ErrSessionClosed
	}
}

// dispatch runs cycles on the timeline and blocks until the batch
// completes. Exactly one dispatch is in flight at a time.
func (e *engine) dispatch(cycles uint64) (dispatchResult, error) {
	resp, err := e.submit(engineReq{kind: reqDispatch, dispatchCycles: cycles})
	if err != nil {
		return dispatchResult{}, err
	}
	return resp.dispatch, nil
}

// readState performs the staged copy-then-parse read of the state words.
func (e *engine) readState() ([]uint32, error) {
	resp, err := e.submit(engineReq{kind: reqStateRead})
	if err != nil {
		return nil, err
	}
	recordStateRead()
	return resp.state, nil
}

// writeState applies a narrow resume-write between dispatch batches.
func (e *engine) writeState(batch WordBatch) error {
	if err := batch.validate(); err != nil {
		return err
	}
	_, err := e.submit(engineReq{kind: reqStateWrite, stateWrite: batch})
	if err == nil {
		recordResumeWrite()
	}
	return err
}

func (e *engine) readMem(off uint32, n int) ([]byte, error) {
	resp, err := e.submit(engineReq{kind: reqMemRead, memReadOff: off, memReadLen: n})
	if err != nil {
		return nil, err
	}
	return resp.data, resp.err
}

func (e *engine) writeMem(off uint32, data []byte) error {
	resp, err := e.submit(engineReq{kind: reqMemWrite, memWriteOff: off, memWrite: data})
	if err != nil {
		return err
	}
	return resp.err
}

// stop shuts the timeline down and waits for it to exit. Stopping is the
// only cancellation primitive: an in-flight batch always runs to
// completion.
func (e *engine) stop() {
	close(e.quit)
	<-e.done
}
