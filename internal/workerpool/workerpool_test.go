package workerpool

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"testing"

	"howth/internal/ipcframe"
)

// pipeSpawner hands back an in-process framed pipe pair standing in for a
// spawned external worker process, with a fake server goroutine that
// echoes a canned test result for every request.
type pipeSpawner struct {
	spawned int
}

type rwc struct {
	io.Reader
	io.Writer
	closer io.Closer
}

func (r rwc) Close() error { return r.closer.Close() }

func (s *pipeSpawner) Spawn(ctx context.Context) (*ipcframe.Conn, *exec.Cmd, error) {
	s.spawned++
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	go func() {
		serverConn := ipcframe.NewConn(rwc{serverR, serverW, serverR})
		for {
			body, err := serverConn.ReadFrame()
			if err != nil {
				return
			}
			id, _ := decodeCorrelated(body)
			resp := encodeCorrelated(id, []byte(`{"passed":3,"failed":0,"output":"ok"}`))
			if err := serverConn.WriteFrame(resp); err != nil {
				return
			}
		}
	}()

	clientConn := ipcframe.NewConn(rwc{clientR, clientW, clientR})
	return clientConn, nil, nil
}

func TestRunTestsFallsBackToExternal(t *testing.T) {
	p := New(nil, &pipeSpawner{})
	res, err := p.RunTests(context.Background(), []string{"a_test.ts"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Path != PathExternal {
		t.Fatalf("want external path, got %v", res.Path)
	}
	if res.Passed != 3 {
		t.Fatalf("got %+v", res)
	}
}

type fakeNative struct {
	err error
	res TestResult
}

func (n fakeNative) RunTests(ctx context.Context, files []string) (TestResult, error) {
	return n.res, n.err
}

func TestRunTestsPrefersNativeWhenHealthy(t *testing.T) {
	spawner := &pipeSpawner{}
	p := New(fakeNative{res: TestResult{Passed: 5}}, spawner)
	res, err := p.RunTests(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Path != PathNative || res.Passed != 5 {
		t.Fatalf("got %+v", res)
	}
	if spawner.spawned != 0 {
		t.Fatalf("native success must not spawn external worker")
	}
}

func TestRunTestsFallsBackWhenNativeErrors(t *testing.T) {
	p := New(fakeNative{err: errors.New("native crashed")}, &pipeSpawner{})
	res, err := p.RunTests(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Path != PathExternal {
		t.Fatalf("want fallback to external, got %v", res.Path)
	}
}
