// Package workerpool manages a warm external test/transpile worker,
// spawned once and kept alive for the daemon's lifetime, with requests
// multiplexed by correlation id over the same ipcframe protocol used for
// the client connection.
//
// The preferred path is an embedded native worker; on error the request
// falls back to the external process, and the result records which path
// actually served it. A dead external worker is respawned on next use.
package workerpool

import (
	"context"
	"os/exec"
	"sync"
	"sync/atomic"

	"golang.org/x/xerrors"

	"howth/internal/ipcframe"
)

// Path records which execution path served a request.
type Path string

const (
	PathNative   Path = "native"
	PathExternal Path = "external"
)

// TestResult is the outcome of running a test file through a worker.
type TestResult struct {
	Path   Path
	Passed int
	Failed int
	Output string
}

// Native is the embedded, in-process worker preference, e.g. a V8 embed
// or an in-process transpile call. It is tried first; an error falls back
// to the external process worker.
type Native interface {
	RunTests(ctx context.Context, files []string) (TestResult, error)
}

// Spawner starts the external worker process and returns a framed
// connection plus its *exec.Cmd (so the pool can wait/kill it).
type Spawner interface {
	Spawn(ctx context.Context) (*ipcframe.Conn, *exec.Cmd, error)
}

// correlated is a single in-flight request awaiting its tagged response.
type correlated struct {
	id   uint64
	resp chan []byte
	err  chan error
}

// Pool owns the warm external worker process and (optionally) a preferred
// native path, multiplexing requests by correlation id.
type Pool struct {
	native  Native
	spawner Spawner

	mu      sync.Mutex
	conn    *ipcframe.Conn
	cmd     *exec.Cmd
	nextID  uint64
	waiters map[uint64]*correlated
}

// New constructs a Pool. native may be nil if no embedded path exists for
// this build.
func New(native Native, spawner Spawner) *Pool {
	return &Pool{native: native, spawner: spawner, waiters: make(map[uint64]*correlated)}
}

// RunTests executes files through the preferred native worker, falling
// back to the external process on error, and reports which path served
// the request.
func (p *Pool) RunTests(ctx context.Context, files []string) (TestResult, error) {
	if p.native != nil {
		res, err := p.native.RunTests(ctx, files)
		if err == nil {
			res.Path = PathNative
			return res, nil
		}
	}
	return p.runExternal(ctx, files)
}

// ensureConn dials the external worker if not already connected,
// respawning a dead worker on next use.
func (p *Pool) ensureConn(ctx context.Context) (*ipcframe.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return p.conn, nil
	}
	conn, cmd, err := p.spawner.Spawn(ctx)
	if err != nil {
		return nil, xerrors.Errorf("workerpool: spawn external worker: %w", err)
	}
	p.conn = conn
	p.cmd = cmd
	go p.readLoop(conn)
	return conn, nil
}

// readLoop demultiplexes frames by correlation id, dispatching each to its
// waiting caller. On a read error (dead worker), all outstanding waiters
// are failed and the connection is cleared so the next call respawns.
func (p *Pool) readLoop(conn *ipcframe.Conn) {
	for {
		body, err := conn.ReadFrame()
		if err != nil {
			p.failAll(conn, err)
			return
		}
		id, payload := decodeCorrelated(body)
		p.dispatch(id, payload)
	}
}

func (p *Pool) dispatch(id uint64, payload []byte) {
	p.mu.Lock()
	w, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	w.resp <- payload
}

func (p *Pool) failAll(conn *ipcframe.Conn, err error) {
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
		p.cmd = nil
	}
	waiters := p.waiters
	p.waiters = make(map[uint64]*correlated)
	p.mu.Unlock()
	for _, w := range waiters {
		w.err <- err
	}
}

func (p *Pool) runExternal(ctx context.Context, files []string) (TestResult, error) {
	conn, err := p.ensureConn(ctx)
	if err != nil {
		return TestResult{}, err
	}

	id := atomic.AddUint64(&p.nextID, 1)
	w := &correlated{id: id, resp: make(chan []byte, 1), err: make(chan error, 1)}
	p.mu.Lock()
	p.waiters[id] = w
	p.mu.Unlock()

	if err := conn.WriteFrame(encodeCorrelated(id, encodeRunTestsRequest(files))); err != nil {
		p.mu.Lock()
		delete(p.waiters, id)
		p.mu.Unlock()
		return TestResult{}, xerrors.Errorf("workerpool: write request: %w", err)
	}

	select {
	case <-ctx.Done():
		return TestResult{}, ctx.Err()
	case err := <-w.err:
		return TestResult{}, err
	case payload := <-w.resp:
		res, err := decodeRunTestsResponse(payload)
		if err != nil {
			return TestResult{}, err
		}
		res.Path = PathExternal
		return res, nil
	}
}

// Close terminates the external worker process, if running.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}
