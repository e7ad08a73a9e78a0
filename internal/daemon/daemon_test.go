package daemon

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"howth/internal/ipcframe"
	"howth/internal/wireproto"
)

// startDaemon serves a fresh Daemon on a unix socket under a temp dir and
// returns the socket path plus a channel closed when Serve returns.
func startDaemon(t *testing.T) (*Daemon, string, chan struct{}) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "d.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}

	d := New(Options{
		Channel:   "test",
		StoreRoot: filepath.Join(dir, "store"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := d.Serve(ctx, ln); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	return d, sock, done
}

// roundTrip frames req over a fresh connection and decodes the single
// response frame, mirroring the one-request-per-connection client contract.
func roundTrip(t *testing.T, sock string, req *wireproto.Request) *wireproto.Response {
	t.Helper()
	nc, err := net.Dial("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	conn := ipcframe.NewConn(nc)

	body, err := json.Marshal(wireproto.Envelope{
		Hello:   wireproto.Hello{ServerVersion: wireproto.ProtoVersion},
		Request: req,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteFrame(body); err != nil {
		t.Fatal(err)
	}
	b, err := conn.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	var env wireproto.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatal(err)
	}
	if env.Response == nil {
		t.Fatal("no response in envelope")
	}
	if env.Hello.ServerVersion != wireproto.ProtoVersion {
		t.Fatalf("server did not echo its version: %+v", env.Hello)
	}
	return env.Response
}

func TestPingPong(t *testing.T) {
	_, sock, _ := startDaemon(t)
	resp := roundTrip(t, sock, &wireproto.Request{
		Kind:               wireproto.KindPing,
		ClientProtoVersion: wireproto.ProtoVersion,
		Ping:               &wireproto.PingReq{Nonce: "n-1"},
	})
	if resp.Pong == nil || resp.Pong.Nonce != "n-1" {
		t.Fatalf("expected pong echoing nonce, got %+v", resp)
	}
}

func TestProtoVersionMismatchRejectedBeforeDispatch(t *testing.T) {
	_, sock, _ := startDaemon(t)
	resp := roundTrip(t, sock, &wireproto.Request{
		Kind:               wireproto.KindPing,
		ClientProtoVersion: wireproto.ProtoVersion + 1,
		Ping:               &wireproto.PingReq{Nonce: "x"},
	})
	if resp.Error == nil || resp.Error.Code != wireproto.ErrProtoVersionMismatch {
		t.Fatalf("expected PROTO_VERSION_MISMATCH, got %+v", resp)
	}
	if resp.Pong != nil {
		t.Fatal("mismatched request must not be dispatched")
	}
}

func TestShutdownStopsServe(t *testing.T) {
	_, sock, done := startDaemon(t)
	resp := roundTrip(t, sock, &wireproto.Request{
		Kind:               wireproto.KindShutdown,
		ClientProtoVersion: wireproto.ProtoVersion,
		Shutdown:           &wireproto.ShutdownReq{},
	})
	if resp.Ok == nil {
		t.Fatalf("expected ok acknowledgement, got %+v", resp)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestBuildInvalidCwd(t *testing.T) {
	_, sock, _ := startDaemon(t)
	resp := roundTrip(t, sock, &wireproto.Request{
		Kind:               wireproto.KindBuild,
		ClientProtoVersion: wireproto.ProtoVersion,
		Build:              &wireproto.BuildReq{Cwd: "/definitely/not/a/dir"},
	})
	if resp.Error == nil || resp.Error.Code != wireproto.ErrBuildCwdInvalid {
		t.Fatalf("expected BUILD_CWD_INVALID, got %+v", resp)
	}
}

func TestBuildNoDefaultTargets(t *testing.T) {
	_, sock, _ := startDaemon(t)
	cwd := t.TempDir()
	resp := roundTrip(t, sock, &wireproto.Request{
		Kind:               wireproto.KindBuild,
		ClientProtoVersion: wireproto.ProtoVersion,
		Build:              &wireproto.BuildReq{Cwd: cwd},
	})
	if resp.Error == nil || resp.Error.Code != wireproto.ErrBuildNoDefaultTargets {
		t.Fatalf("expected BUILD_NO_DEFAULT_TARGETS, got %+v", resp)
	}
}

// TestBuildScriptCacheHit drives the first end-to-end scenario: a script
// node misses on its first run and hits (with duration 0) on an unchanged
// second run.
func TestBuildScriptCacheHit(t *testing.T) {
	_, sock, _ := startDaemon(t)
	cwd := t.TempDir()
	manifest := `{"name":"app","version":"1.0.0","scripts":{"build":"true"}}`
	if err := os.WriteFile(filepath.Join(cwd, "package.json"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	build := func() *wireproto.BuildResp {
		resp := roundTrip(t, sock, &wireproto.Request{
			Kind:               wireproto.KindBuild,
			ClientProtoVersion: wireproto.ProtoVersion,
			Build:              &wireproto.BuildReq{Cwd: cwd, Targets: []string{"build"}},
		})
		if resp.Error != nil {
			t.Fatalf("build error: %+v", resp.Error)
		}
		return resp.Build
	}

	first := build()
	if len(first.Results) != 1 {
		t.Fatalf("expected one result, got %+v", first.Results)
	}
	if r := first.Results[0]; !r.OK || r.Cache != "miss" || r.Reason != "first_build" {
		t.Fatalf("unexpected first run: %+v", r)
	}

	second := build()
	if r := second.Results[0]; !r.OK || r.Cache != "hit" || r.Reason != "cache_hit" || r.DurationMS != 0 {
		t.Fatalf("unexpected second run: %+v", r)
	}
}

func TestBuildDryRunEmitsGraph(t *testing.T) {
	_, sock, _ := startDaemon(t)
	cwd := t.TempDir()
	manifest := `{"name":"app","scripts":{"build":"true"}}`
	if err := os.WriteFile(filepath.Join(cwd, "package.json"), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}

	resp := roundTrip(t, sock, &wireproto.Request{
		Kind:               wireproto.KindBuild,
		ClientProtoVersion: wireproto.ProtoVersion,
		Build:              &wireproto.BuildReq{Cwd: cwd, DryRun: true, Targets: []string{"build"}},
	})
	if resp.Error != nil {
		t.Fatalf("dry run error: %+v", resp.Error)
	}
	var g struct {
		SchemaVersion int `json:"schema_version"`
		Nodes         []struct {
			ID string `json:"id"`
		} `json:"nodes"`
	}
	if err := json.Unmarshal(resp.Build.Graph, &g); err != nil {
		t.Fatalf("graph not valid JSON: %v", err)
	}
	if len(g.Nodes) != 1 || g.Nodes[0].ID != "script:build" {
		t.Fatalf("unexpected dry-run graph: %+v", g)
	}
}

func TestDoctorReportsMissingNodeModules(t *testing.T) {
	_, sock, _ := startDaemon(t)
	cwd := t.TempDir()
	resp := roundTrip(t, sock, &wireproto.Request{
		Kind:               wireproto.KindPkgDoctor,
		ClientProtoVersion: wireproto.ProtoVersion,
		PkgDoctor:          &wireproto.PkgDoctorReq{Cwd: cwd},
	})
	if resp.PkgDoctor == nil || !resp.PkgDoctor.OK || resp.PkgDoctor.Doctor == nil {
		t.Fatalf("expected a doctor report, got %+v", resp)
	}
	rep := resp.PkgDoctor.Doctor
	found := false
	for _, f := range rep.Findings {
		if f.Code == "NODE_MODULES_NOT_FOUND" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected NODE_MODULES_NOT_FOUND finding, got %+v", rep.Findings)
	}
	if rep.Notes == nil {
		t.Fatal("doctor notes must always be an array")
	}
}

func TestParsePackageSpecForms(t *testing.T) {
	cases := []struct {
		in   string
		name string
		rng  string
	}{
		{"left-pad", "left-pad", ""},
		{"left-pad@^1.3.0", "left-pad", "^1.3.0"},
		{"@acme/widgets", "@acme/widgets", ""},
		{"@acme/widgets@~2.0.0", "@acme/widgets", "~2.0.0"},
		{"lp@npm:left-pad@^1.0.0", "lp", "npm:left-pad@^1.0.0"},
	}
	for _, c := range cases {
		got := parsePackageSpec(c.in)
		if got.Name != c.name || got.Range != c.rng {
			t.Errorf("parsePackageSpec(%q) = %+v, want {%s %s}", c.in, got, c.name, c.rng)
		}
	}
}
