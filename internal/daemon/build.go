package daemon

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"

	"howth/internal/buildexec"
	"howth/internal/fingerprint"
	"howth/internal/wireproto"
)

// validateCwd reports whether cwd exists and is a directory.
func validateCwd(cwd string) error {
	if cwd == "" {
		return os.ErrInvalid
	}
	fi, err := os.Stat(cwd)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return os.ErrInvalid
	}
	return nil
}

// handleBuild implements Request.Build / Request.WatchBuild (a non-streaming
// caller just gets the final frame): load the project's graph, plan the
// requested targets, and run the plan through buildexec, serialized per
// project.
func (d *Daemon) handleBuild(ctx context.Context, req *wireproto.BuildReq) (*wireproto.BuildResp, *wireproto.ErrorBody) {
	if req == nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrBuildCwdInvalid, Message: "missing build request"}
	}
	if err := validateCwd(req.Cwd); err != nil {
		return nil, errBody(wireproto.ErrBuildCwdInvalid, err)
	}

	graph, aliases, err := LoadBuildGraph(req.Cwd)
	if err != nil {
		return nil, errBody(wireproto.ErrBuildHashIOError, err)
	}

	targets := req.Targets
	if len(targets) == 0 {
		targets = graph.Defaults
	}
	if len(targets) == 0 {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrBuildNoDefaultTargets, Message: "no targets requested and graph declares no defaults"}
	}

	plan, err := graph.PlanTargets(targets, aliases)
	if err != nil {
		return nil, errBody(wireproto.ErrBuildTargetInvalid, err)
	}

	if req.DryRun {
		g, err := graph.ToJSON()
		if err != nil {
			return nil, errBody(wireproto.ErrBuildHashIOError, err)
		}
		return &wireproto.BuildResp{OK: true, Severity: "info", Graph: json.RawMessage(g)}, nil
	}

	proj := d.projectFor(req.Cwd)
	proj.mu.Lock()
	defer proj.mu.Unlock()

	cache, err := proj.buildCacheFor(req.Cwd)
	if err != nil {
		return nil, errBody(wireproto.ErrBuildHashIOError, err)
	}

	ex := &buildexec.Executor{
		Graph:  graph,
		Cache:  cache,
		Hasher: fingerprint.NewHasher(req.Cwd),
	}
	run, err := ex.Run(ctx, plan, buildexec.Options{Force: req.Force, MaxParallel: req.MaxParallel})
	if err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}

	results := make([]wireproto.NodeResult, 0, len(run.Results))
	for _, r := range run.Results {
		results = append(results, wireproto.NodeResult{
			ID:              r.ID,
			OK:              r.OK,
			Cache:           string(r.Cache),
			Hash:            r.Hash,
			DurationMS:      r.DurationMS,
			Reason:          string(r.Reason),
			StdoutTruncated: r.StdoutTruncated,
			StderrTruncated: r.StderrTruncated,
			Error:           r.Error,
			Notes:           nonNilNotes(r.Notes),
		})
	}

	return &wireproto.BuildResp{OK: run.OK, Severity: run.Severity, Results: results}, nil
}

func nonNilNotes(n []string) []string {
	if n == nil {
		return []string{}
	}
	return n
}

// handleRun implements Request.Run: spawn entry with args in cwd and
// report its exit code. The JS/TS runtime that actually executes entry is
// external; the daemon's job is process lifecycle only.
func (d *Daemon) handleRun(ctx context.Context, req *wireproto.RunReq) (*wireproto.RunResp, *wireproto.ErrorBody) {
	if req == nil || req.Entry == "" {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrEntryNotFound, Message: "missing entry"}
	}
	if _, err := os.Stat(req.Entry); err != nil {
		return nil, errBody(wireproto.ErrEntryNotFound, err)
	}

	cwd := req.Cwd
	argv := append([]string{req.Entry}, req.Args...)
	cmd := exec.CommandContext(ctx, "node", argv...)
	cmd.Dir = cwd
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return nil, &wireproto.ErrorBody{Code: wireproto.ErrInternal, Message: err.Error()}
		}
	}
	return &wireproto.RunResp{ExitCode: exitCode}, nil
}

// handleRunTests implements Request.RunTests, routing through the warm
// worker pool.
func (d *Daemon) handleRunTests(ctx context.Context, req *wireproto.RunTestsReq) (*wireproto.RunTestsResp, *wireproto.ErrorBody) {
	if req == nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrCwdInvalid, Message: "missing run_tests request"}
	}
	if err := validateCwd(req.Cwd); err != nil {
		return nil, errBody(wireproto.ErrCwdInvalid, err)
	}

	res, err := d.workers.RunTests(ctx, req.Files)
	if err != nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrInternal, Message: err.Error()}
	}
	return &wireproto.RunTestsResp{
		OK:     res.Failed == 0,
		Passed: res.Passed,
		Failed: res.Failed,
		Worker: string(res.Path),
	}, nil
}
