// Watch-mode handlers: start/stop/status for the fsnotify-backed watcher.
// The daemon itself is the sole Invalidator registered with the watcher,
// since InvalidatePaths already fans out to every cache it owns.
package daemon

import (
	"howth/internal/watcher"
	"howth/internal/wireproto"
)

// handleWatchStart implements Request.WatchStart. Only one watcher runs per
// daemon; a second start while one is active is rejected rather than
// silently replacing roots, so a client can't accidentally stop watching a
// project another client depends on.
func (d *Daemon) handleWatchStart(req *wireproto.WatchStartReq) (*wireproto.OkResp, *wireproto.ErrorBody) {
	if req == nil || len(req.Roots) == 0 {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrCwdInvalid, Message: "watch_start requires at least one root"}
	}

	d.watcherMu.Lock()
	defer d.watcherMu.Unlock()

	if d.watch != nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrWatchAlreadyRunning, Message: "a watch is already running; stop it first"}
	}

	w, err := watcher.New(req.Roots, watcher.Options{}, watcher.InvalidatorFunc(d.InvalidatePaths))
	if err != nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrWatchUnsupported, Message: err.Error()}
	}
	w.Start()
	d.watch = w
	d.watchRoots = append([]string(nil), req.Roots...)

	return &wireproto.OkResp{}, nil
}

// handleWatchStop implements Request.WatchStop, tearing down the active
// watcher if any. Stopping when none is running is a no-op success, not an
// error: a client racing a shutdown shouldn't have to check status first.
func (d *Daemon) handleWatchStop() (*wireproto.OkResp, *wireproto.ErrorBody) {
	d.watcherMu.Lock()
	defer d.watcherMu.Unlock()

	if d.watch == nil {
		return &wireproto.OkResp{}, nil
	}
	if err := d.watch.Stop(); err != nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrInternal, Message: err.Error()}
	}
	d.watch = nil
	d.watchRoots = nil
	return &wireproto.OkResp{}, nil
}

// handleWatchStatus implements Request.WatchStatus.
func (d *Daemon) handleWatchStatus() *wireproto.WatchStatusResp {
	d.watcherMu.Lock()
	defer d.watcherMu.Unlock()
	return &wireproto.WatchStatusResp{
		Running: d.watch != nil,
		Roots:   append([]string(nil), d.watchRoots...),
	}
}
