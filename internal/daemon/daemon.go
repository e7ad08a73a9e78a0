// Package daemon implements the long-lived process owning every shared
// mutable cache (build cache, resolver cache, package.json cache), the
// file watcher and the warm worker pool, dispatching framed requests from
// one-shot client connections.
//
// The daemon is the only thing that opens a buildcache.Store or holds the
// resolver.Cache; every component downstream receives access through the
// small interfaces those packages already define, never a package-level
// global.
package daemon

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"howth/internal/buildcache"
	"howth/internal/ipcframe"
	"howth/internal/registry"
	"howth/internal/resolver"
	"howth/internal/watcher"
	"howth/internal/wireproto"
	"howth/internal/workerpool"
)

// Options configures a Daemon.
type Options struct {
	Channel      string
	StoreRoot    string
	RegistryURL  string
	RegistryAuth string
	CacheDir     string // registry HTTP response cache, empty disables
	Log          *log.Logger
}

// pkgJSONCacheEntry is a single cached, parsed package.json keyed by its
// absolute path, evicted exactly by the watcher.
type pkgJSONCacheEntry struct {
	manifest *Manifest
	modTime  time.Time
}

// projectState holds the per-cwd serialization mutex and lazily-opened
// build cache store: concurrent builds for the same project serialize on
// the mutex while independent projects proceed in parallel.
type projectState struct {
	mu    sync.Mutex
	cache *buildcache.FileStore
}

// Daemon owns all shared daemon-lifetime state and dispatches requests.
type Daemon struct {
	Channel   string
	StoreRoot string
	Registry  *registry.Client
	Log       *log.Logger

	mu            sync.Mutex
	projects      map[string]*projectState
	resolverCache *resolver.Cache
	pkgJSONCache  map[string]pkgJSONCacheEntry

	watcherMu  sync.Mutex
	watch      *watcher.Watcher
	watchRoots []string

	workers *workerpool.Pool

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New constructs a Daemon ready to Serve.
func New(opts Options) *Daemon {
	l := opts.Log
	if l == nil {
		l = log.New(os.Stderr, "howthd: ", log.LstdFlags)
	}
	reg := registry.New(opts.RegistryURL, opts.CacheDir)
	reg.AuthToken = opts.RegistryAuth
	return &Daemon{
		Channel:       opts.Channel,
		StoreRoot:     opts.StoreRoot,
		Registry:      reg,
		Log:           l,
		projects:      make(map[string]*projectState),
		resolverCache: resolver.NewCache(),
		pkgJSONCache:  make(map[string]pkgJSONCacheEntry),
		workers:       workerpool.New(nil, noopSpawner{}),
		shutdown:      make(chan struct{}),
	}
}

// manifestFor returns cwd's parsed package.json through the daemon-owned
// cache the watcher evicts by exact file path. Mutating handlers read
// fresh and write through writeManifest instead, so the cache never holds
// a manifest mid-edit.
func (d *Daemon) manifestFor(cwd string) (*Manifest, error) {
	path := ManifestPath(cwd)
	d.mu.Lock()
	if e, ok := d.pkgJSONCache[path]; ok {
		d.mu.Unlock()
		return e.manifest, nil
	}
	d.mu.Unlock()

	m, err := ReadManifest(cwd)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.pkgJSONCache[path] = pkgJSONCacheEntry{manifest: m, modTime: time.Now()}
	d.mu.Unlock()
	return m, nil
}

// writeManifest publishes m to cwd's package.json and evicts the cached
// parse, so the next read observes the new content even without a watcher
// running.
func (d *Daemon) writeManifest(cwd string, m *Manifest) error {
	if err := WriteManifest(cwd, m); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.pkgJSONCache, ManifestPath(cwd))
	d.mu.Unlock()
	return nil
}

// Shutdown initiates a cooperative daemon stop: the listener closes, the
// watcher and worker pool are torn down, and Serve returns once in-flight
// connections drain. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdown) })
}

// projectFor returns (creating if necessary) the serialization state for
// cwd, keyed on its cleaned absolute form so callers need not normalize it
// themselves.
func (d *Daemon) projectFor(cwd string) *projectState {
	if abs, err := filepath.Abs(cwd); err == nil {
		cwd = abs
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.projects[cwd]
	if !ok {
		p = &projectState{}
		d.projects[cwd] = p
	}
	return p
}

// buildCacheFor opens (or reuses) the build cache store for cwd, stored
// under .howth/build-cache.jsonl inside the project so it travels with the
// checkout rather than a single daemon-wide cache keyed across unrelated
// projects.
func (p *projectState) buildCacheFor(cwd string) (*buildcache.FileStore, error) {
	if p.cache != nil {
		return p.cache, nil
	}
	dir := cwd + "/.howth"
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("daemon: mkdir %s: %w", dir, err)
	}
	fs, err := buildcache.Open(dir + "/build-cache.jsonl")
	if err != nil {
		return nil, err
	}
	p.cache = fs
	return fs, nil
}

// InvalidatePaths implements watcher.Invalidator, fanning a coalesced
// batch of changed paths out to every daemon-owned cache: the build cache
// (path-scoped), the resolver cache (tried-path intersection) and the
// package.json cache (exact-file eviction).
func (d *Daemon) InvalidatePaths(paths []string) {
	d.mu.Lock()
	projects := make([]*projectState, 0, len(d.projects))
	for _, p := range d.projects {
		projects = append(projects, p)
	}
	for _, path := range paths {
		delete(d.pkgJSONCache, path)
	}
	d.mu.Unlock()

	for _, p := range projects {
		p.mu.Lock()
		cache := p.cache
		p.mu.Unlock()
		if cache == nil {
			continue
		}
		for _, path := range paths {
			if err := cache.InvalidatePath(path); err != nil {
				d.Log.Printf("invalidate %s: %v", path, err)
			}
		}
	}

	for _, path := range paths {
		d.resolverCache.Invalidate(path)
	}
}

// Serve accepts connections on ln until ctx is canceled or Shutdown is
// requested, handling each on its own goroutine. Exactly one request (or a
// bounded stream, for WatchBuild) is served per connection.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-d.shutdown:
		}
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			d.teardown()
			if ctx.Err() != nil || d.isShuttingDown() {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.handleConn(ctx, conn)
		}()
	}
}

func (d *Daemon) isShuttingDown() bool {
	select {
	case <-d.shutdown:
		return true
	default:
		return false
	}
}

// teardown releases daemon-owned resources on the way out: the watcher (if
// running) and the warm worker pool.
func (d *Daemon) teardown() {
	d.watcherMu.Lock()
	if d.watch != nil {
		d.watch.Stop()
		d.watch = nil
		d.watchRoots = nil
	}
	d.watcherMu.Unlock()
	d.workers.Close()
}

// handleConn serves exactly one request/response exchange over conn;
// there is never more than one outstanding request per connection.
func (d *Daemon) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	fc := ipcframe.NewConn(nc)

	body, err := fc.ReadFrame()
	if err != nil {
		return
	}
	var env wireproto.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return
	}
	if env.Request == nil {
		return
	}

	resp := d.dispatch(ctx, env.Request)
	out := wireproto.Envelope{
		Hello:    wireproto.Hello{ServerVersion: wireproto.ProtoVersion},
		Response: resp,
	}
	b, err := json.Marshal(out)
	if err != nil {
		d.Log.Printf("marshal response: %v", err)
		return
	}
	if err := fc.WriteFrame(b); err != nil {
		d.Log.Printf("write response: %v", err)
	}

	// The client got its acknowledgement; now actually stop accepting.
	if env.Request.Kind == wireproto.KindShutdown && resp.Error == nil {
		d.Shutdown()
	}
}

// dispatch classifies and runs req. The sync/async split is a
// scheduling-pool distinction only; goroutines make a runtime-level
// distinction moot.
func (d *Daemon) dispatch(ctx context.Context, req *wireproto.Request) *wireproto.Response {
	resp := &wireproto.Response{ServerProtoVersion: wireproto.ProtoVersion}

	if req.ClientProtoVersion != 0 && req.ClientProtoVersion != wireproto.ProtoVersion {
		resp.Error = &wireproto.ErrorBody{
			Code:    wireproto.ErrProtoVersionMismatch,
			Message: "client/server protocol version mismatch",
		}
		return resp
	}

	switch req.Kind {
	case wireproto.KindPing:
		nonce := ""
		if req.Ping != nil {
			nonce = req.Ping.Nonce
		}
		resp.Pong = &wireproto.PongResp{Nonce: nonce}
	case wireproto.KindShutdown:
		resp.Ok = &wireproto.OkResp{}
	case wireproto.KindRun:
		resp.Run, resp.Error = d.handleRun(ctx, req.Run)
	case wireproto.KindBuild, wireproto.KindWatchBuild:
		resp.Build, resp.Error = d.handleBuild(ctx, req.Build)
	case wireproto.KindRunTests:
		resp.RunTests, resp.Error = d.handleRunTests(ctx, req.RunTests)
	case wireproto.KindWatchStart:
		resp.Ok, resp.Error = d.handleWatchStart(req.WatchStart)
	case wireproto.KindWatchStop:
		resp.Ok, resp.Error = d.handleWatchStop()
	case wireproto.KindWatchStatus:
		resp.WatchStatus = d.handleWatchStatus()
	case wireproto.KindPkgInstall:
		resp.PkgInstall, resp.Error = d.handlePkgInstall(ctx, req.PkgInstall)
	case wireproto.KindPkgAdd:
		resp.PkgInstall, resp.Error = d.handlePkgAdd(ctx, req.PkgAdd)
	case wireproto.KindPkgRemove:
		resp.PkgInstall, resp.Error = d.handlePkgRemove(ctx, req.PkgRemove)
	case wireproto.KindPkgUpdate:
		resp.PkgInstall, resp.Error = d.handlePkgUpdate(ctx, req.PkgUpdate)
	case wireproto.KindPkgGraph:
		resp.PkgGraph, resp.Error = d.handlePkgGraph(req.PkgGraph)
	case wireproto.KindPkgExplain:
		resp.PkgExplain, resp.Error = d.handlePkgExplain(req.PkgExplain)
	case wireproto.KindPkgWhy:
		resp.PkgWhy, resp.Error = d.handlePkgWhy(req.PkgWhy)
	case wireproto.KindPkgDoctor:
		resp.PkgDoctor, resp.Error = d.handlePkgDoctor(req.PkgDoctor)
	case wireproto.KindPkgOutdated:
		resp.PkgOutdated, resp.Error = d.handlePkgOutdated(ctx, req.PkgOutdated)
	case wireproto.KindPkgCacheLs:
		resp.PkgCache, resp.Error = d.handlePkgCacheList(req.PkgCache)
	case wireproto.KindPkgCachePrune:
		resp.PkgCache, resp.Error = d.handlePkgCachePrune(req.PkgCache)
	case wireproto.KindPkgPublish:
		resp.Ok, resp.Error = d.handlePkgPublish(ctx, req.PkgPublish)
	default:
		resp.Error = &wireproto.ErrorBody{Code: wireproto.ErrInternal, Message: "unknown request kind: " + string(req.Kind)}
	}

	return resp
}

func errBody(code wireproto.ErrorCode, err error) *wireproto.ErrorBody {
	if err == nil {
		return nil
	}
	return &wireproto.ErrorBody{Code: code, Message: err.Error()}
}

// noopSpawner is the default workerpool.Spawner when no external test
// worker binary has been configured: RunTests then only ever uses the
// native path if one is registered; absent both, requests fail cleanly
// rather than hanging on a spawn that could never succeed.
type noopSpawner struct{}

func (noopSpawner) Spawn(ctx context.Context) (*ipcframe.Conn, *exec.Cmd, error) {
	return nil, nil, xerrors.New("daemon: no external test worker configured")
}
