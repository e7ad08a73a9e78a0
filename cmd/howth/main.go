// Command howth is the thin IPC client: it frames one request, dials the
// per-channel daemon socket, waits for the single response frame, and
// renders it. No build/install/resolve logic lives here; that's all
// daemon-side.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"howth"
	"howth/internal/howthcfg"
	"howth/internal/ipcframe"
	"howth/internal/wireproto"
)

// verboseCount implements flag.Value to support repeated -v/-v/-v counting,
// matching common CLI convention for a verbosity level.
type verboseCount int

func (v *verboseCount) String() string { return fmt.Sprintf("%d", int(*v)) }
func (v *verboseCount) Set(string) error {
	*v++
	return nil
}
func (v *verboseCount) IsBoolFlag() bool { return true }

var (
	jsonOut = flag.Bool("json", false, "print machine-readable JSON responses")
	verbose verboseCount
	cwdFlag = flag.String("cwd", "", "project directory (default: current directory)")
	channel = flag.String("channel", howthcfg.DefaultChannel, "daemon channel")
	timeout = flag.Duration("timeout", 0, "give up waiting for a response after this long (0 = no timeout)")
)

type verb struct {
	fn func(ctx context.Context, args []string) (*wireproto.Response, error)
}

func main() {
	flag.Var(&verbose, "v", "increase verbosity (repeatable)")
	flag.Var(&verbose, "verbose", "increase verbosity (repeatable)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: howth [-flags] <command> [args]")
		fmt.Fprintln(os.Stderr, "commands: ping, daemon, stop, run, build, test, watch, pkg, install")
		os.Exit(2)
	}
	name, rest := args[0], args[1:]

	verbs := map[string]verb{
		"ping":    {cmdPing},
		"daemon":  {cmdDaemon},
		"stop":    {cmdStop},
		"run":     {cmdRun},
		"build":   {cmdBuild},
		"test":    {cmdTest},
		"watch":   {cmdWatch},
		"pkg":     {cmdPkg},
		"install": {cmdInstall},
	}

	v, ok := verbs[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", name)
		os.Exit(2)
	}

	ctx, cancel := howth.InterruptibleContext()
	defer cancel()
	if *timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, *timeout)
		defer tcancel()
	}

	resp, err := v.fn(ctx, rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "howth %s: %v\n", name, err)
		os.Exit(1)
	}
	os.Exit(render(resp))
}

// render prints resp per -json and returns the process exit code: 2 if the
// daemon reported an error or an operational failure, 0 otherwise. A
// daemon-unreachable/protocol-mismatch condition is signaled earlier, as an
// error from the verb function itself (exit code 1).
func render(resp *wireproto.Response) int {
	if *jsonOut {
		b, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(string(b))
	} else {
		printHuman(resp)
	}
	if resp.Error != nil {
		return 2
	}
	if resp.Build != nil && !resp.Build.OK {
		return 2
	}
	if resp.RunTests != nil && !resp.RunTests.OK {
		return 2
	}
	if resp.PkgInstall != nil && !resp.PkgInstall.OK {
		return 2
	}
	if resp.PkgDoctor != nil && resp.PkgDoctor.Doctor != nil && string(resp.PkgDoctor.Doctor.Summary.Severity) == "error" {
		return 2
	}
	return 0
}

func printHuman(resp *wireproto.Response) {
	switch {
	case resp.Error != nil:
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", resp.Error.Code, resp.Error.Message)
	case resp.Pong != nil:
		fmt.Printf("pong %s\n", resp.Pong.Nonce)
	case resp.Run != nil:
		fmt.Printf("exit code %d\n", resp.Run.ExitCode)
	case resp.Build != nil:
		for _, r := range resp.Build.Results {
			status := "ok"
			if !r.OK {
				status = "FAIL"
			}
			fmt.Printf("%-7s %-24s cache=%-5s %6dms\n", status, r.ID, r.Cache, r.DurationMS)
		}
		if len(resp.Build.Graph) > 0 {
			fmt.Println(string(resp.Build.Graph))
		}
	case resp.RunTests != nil:
		fmt.Printf("%d passed, %d failed (%s worker)\n", resp.RunTests.Passed, resp.RunTests.Failed, resp.RunTests.Worker)
	case resp.PkgInstall != nil:
		fmt.Printf("installed %d packages\n", resp.PkgInstall.Summary.TotalPackages)
		for _, n := range resp.PkgInstall.Notes {
			fmt.Println(" ", n)
		}
	case resp.PkgGraph != nil:
		for _, n := range resp.PkgGraph.Nodes {
			fmt.Println(n.ID.String())
		}
	case resp.PkgWhy != nil:
		for _, c := range resp.PkgWhy.Chains {
			fmt.Println(c)
		}
		for _, n := range resp.PkgWhy.Notes {
			fmt.Println(n)
		}
	case resp.PkgDoctor != nil && resp.PkgDoctor.Doctor != nil:
		for _, f := range resp.PkgDoctor.Doctor.Findings {
			fmt.Printf("%-6s %-28s %s\n", f.Severity, f.Code, f.Detail)
		}
	case resp.PkgExplain != nil:
		if resp.PkgExplain.Ok {
			fmt.Println(resp.PkgExplain.Path)
		}
		for _, s := range resp.PkgExplain.Trace {
			mark := "ok"
			if !s.OK {
				mark = "fail"
			}
			fmt.Printf("  %-4s %-22s %s %s\n", mark, s.Step, s.Detail, s.Path)
		}
	case resp.PkgOutdated != nil:
		for _, e := range resp.PkgOutdated.Packages {
			fmt.Printf("%-24s %-12s %-12s %s\n", e.Name, e.Current, e.Wanted, e.Latest)
		}
	case resp.PkgCache != nil:
		for _, e := range resp.PkgCache.Entries {
			fmt.Printf("%s/%s@%s\n", e.Channel, e.Name, e.Version)
		}
		if resp.PkgCache.Pruned > 0 {
			fmt.Printf("pruned %d entries\n", resp.PkgCache.Pruned)
		}
	case resp.WatchStatus != nil:
		fmt.Printf("running=%v roots=%v\n", resp.WatchStatus.Running, resp.WatchStatus.Roots)
	case resp.Ok != nil:
		fmt.Println("ok")
	}
}

// cwd resolves the project directory a command should operate in.
func cwd() string {
	if *cwdFlag != "" {
		return *cwdFlag
	}
	d, err := os.Getwd()
	if err != nil {
		return "."
	}
	return d
}

// dial connects to the channel's daemon endpoint. An unreachable daemon
// maps to exit code 1, not 2.
func dial() (*ipcframe.Conn, error) {
	endpoint := howthcfg.IPCEndpoint(*channel)
	nc, err := net.DialTimeout("unix", endpoint, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("daemon unreachable at %s: %w", endpoint, err)
	}
	return ipcframe.NewConn(nc), nil
}

// call sends req over a fresh connection and returns the single response
// frame. Each connection carries exactly one request.
func call(ctx context.Context, req *wireproto.Request) (*wireproto.Response, error) {
	conn, err := dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req.ClientProtoVersion = wireproto.ProtoVersion
	env := wireproto.Envelope{Hello: wireproto.Hello{ServerVersion: wireproto.ProtoVersion}, Request: req}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(body); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	type result struct {
		resp *wireproto.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		b, err := conn.ReadFrame()
		if err != nil {
			ch <- result{err: fmt.Errorf("read response: %w", err)}
			return
		}
		var respEnv wireproto.Envelope
		if err := json.Unmarshal(b, &respEnv); err != nil {
			ch <- result{err: fmt.Errorf("decode response: %w", err)}
			return
		}
		ch <- result{resp: respEnv.Response}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp != nil && r.resp.Error != nil && r.resp.Error.Code == wireproto.ErrProtoVersionMismatch {
			return nil, fmt.Errorf("protocol version mismatch: %s", r.resp.Error.Message)
		}
		return r.resp, nil
	}
}

func cmdPing(ctx context.Context, args []string) (*wireproto.Response, error) {
	nonce := "howth"
	if len(args) > 0 {
		nonce = args[0]
	}
	return call(ctx, &wireproto.Request{Kind: wireproto.KindPing, Ping: &wireproto.PingReq{Nonce: nonce}})
}

func cmdStop(ctx context.Context, _ []string) (*wireproto.Response, error) {
	return call(ctx, &wireproto.Request{Kind: wireproto.KindShutdown, Shutdown: &wireproto.ShutdownReq{}})
}

// cmdDaemon reports whether a daemon is already listening; spawning one is
// left to the operator (or a process supervisor) rather than having the
// client fork one itself.
func cmdDaemon(ctx context.Context, _ []string) (*wireproto.Response, error) {
	return call(ctx, &wireproto.Request{Kind: wireproto.KindPing, Ping: &wireproto.PingReq{Nonce: "status"}})
}

func cmdRun(ctx context.Context, args []string) (*wireproto.Response, error) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Parse(args)
	rest := fs.Args()
	if len(rest) == 0 {
		return nil, fmt.Errorf("usage: howth run <entry> [args...]")
	}
	return call(ctx, &wireproto.Request{Kind: wireproto.KindRun, Run: &wireproto.RunReq{Entry: rest[0], Args: rest[1:], Cwd: cwd()}})
}

func cmdBuild(ctx context.Context, args []string) (*wireproto.Response, error) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	force := fs.Bool("force", false, "ignore the build cache")
	dryRun := fs.Bool("dry_run", false, "print the planned graph without running it")
	maxParallel := fs.Int("max_parallel", 0, "cap concurrent build steps (0 = CPU count)")
	fs.Parse(args)
	return call(ctx, &wireproto.Request{Kind: wireproto.KindBuild, Build: &wireproto.BuildReq{
		Cwd:         cwd(),
		Force:       *force,
		DryRun:      *dryRun,
		MaxParallel: *maxParallel,
		Targets:     fs.Args(),
	}})
}

func cmdTest(ctx context.Context, args []string) (*wireproto.Response, error) {
	return call(ctx, &wireproto.Request{Kind: wireproto.KindRunTests, RunTests: &wireproto.RunTestsReq{Cwd: cwd(), Files: args}})
}

func cmdWatch(ctx context.Context, args []string) (*wireproto.Response, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("usage: howth watch {start|stop|status} [roots...]")
	}
	switch args[0] {
	case "start":
		roots := args[1:]
		if len(roots) == 0 {
			roots = []string{cwd()}
		}
		return call(ctx, &wireproto.Request{Kind: wireproto.KindWatchStart, WatchStart: &wireproto.WatchStartReq{Roots: roots}})
	case "stop":
		return call(ctx, &wireproto.Request{Kind: wireproto.KindWatchStop})
	case "status":
		return call(ctx, &wireproto.Request{Kind: wireproto.KindWatchStatus})
	default:
		return nil, fmt.Errorf("unknown watch subcommand %q", args[0])
	}
}

func cmdInstall(ctx context.Context, args []string) (*wireproto.Response, error) {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	frozen := fs.Bool("frozen", false, "fail instead of re-resolving if the lockfile is missing or stale")
	dev := fs.Bool("dev", true, "include devDependencies")
	optional := fs.Bool("optional", true, "include optionalDependencies")
	fs.Parse(args)
	return call(ctx, &wireproto.Request{Kind: wireproto.KindPkgInstall, PkgInstall: &wireproto.PkgInstallReq{
		Cwd: cwd(), Frozen: *frozen, IncludeDev: *dev, IncludeOptional: *optional,
	}})
}

func cmdPkg(ctx context.Context, args []string) (*wireproto.Response, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("usage: howth pkg {add|remove|update|outdated|publish|graph|explain|why|doctor|cache} [args]")
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "add":
		fs := flag.NewFlagSet("pkg add", flag.ExitOnError)
		dev := fs.Bool("save_dev", false, "save to devDependencies")
		ch := fs.String("channel", "", "package store channel")
		fs.Parse(rest)
		if fs.NArg() == 0 {
			return nil, fmt.Errorf("usage: howth pkg add <spec...>")
		}
		return call(ctx, &wireproto.Request{Kind: wireproto.KindPkgAdd, PkgAdd: &wireproto.PkgAddReq{
			Specs: fs.Args(), Cwd: cwd(), Channel: *ch, SaveDev: *dev,
		}})
	case "remove":
		if len(rest) == 0 {
			return nil, fmt.Errorf("usage: howth pkg remove <name...>")
		}
		return call(ctx, &wireproto.Request{Kind: wireproto.KindPkgRemove, PkgRemove: &wireproto.PkgRemoveReq{Specs: rest, Cwd: cwd()}})
	case "update":
		fs := flag.NewFlagSet("pkg update", flag.ExitOnError)
		latest := fs.Bool("latest", false, "ignore declared ranges and update to the newest version")
		fs.Parse(rest)
		return call(ctx, &wireproto.Request{Kind: wireproto.KindPkgUpdate, PkgUpdate: &wireproto.PkgUpdateReq{
			Specs: fs.Args(), Cwd: cwd(), Latest: *latest,
		}})
	case "outdated":
		return call(ctx, &wireproto.Request{Kind: wireproto.KindPkgOutdated, PkgOutdated: &wireproto.PkgOutdatedReq{Cwd: cwd()}})
	case "publish":
		fs := flag.NewFlagSet("pkg publish", flag.ExitOnError)
		ch := fs.String("channel", "", "package store channel")
		fs.Parse(rest)
		return call(ctx, &wireproto.Request{Kind: wireproto.KindPkgPublish, PkgPublish: &wireproto.PkgPublishReq{Cwd: cwd(), Channel: *ch}})
	case "graph":
		return call(ctx, &wireproto.Request{Kind: wireproto.KindPkgGraph, PkgGraph: &wireproto.PkgGraphReq{Cwd: cwd()}})
	case "explain":
		if len(rest) == 0 {
			return nil, fmt.Errorf("usage: howth pkg explain <specifier>")
		}
		return call(ctx, &wireproto.Request{Kind: wireproto.KindPkgExplain, PkgExplain: &wireproto.PkgExplainReq{
			Specifier: rest[0], Cwd: cwd(), Parent: cwd(),
		}})
	case "why":
		fs := flag.NewFlagSet("pkg why", flag.ExitOnError)
		maxChains := fs.Int("max_chains", 5, "maximum chains to report (1-50)")
		fs.Parse(rest)
		if fs.NArg() == 0 {
			return nil, fmt.Errorf("usage: howth pkg why <name[@version]>")
		}
		return call(ctx, &wireproto.Request{Kind: wireproto.KindPkgWhy, PkgWhy: &wireproto.PkgWhyReq{
			Arg: fs.Arg(0), Cwd: cwd(), MaxChains: *maxChains,
		}})
	case "doctor":
		fs := flag.NewFlagSet("pkg doctor", flag.ExitOnError)
		maxItems := fs.Int("max_items", 0, "maximum findings to report")
		minSeverity := fs.String("min_severity", "", "error|warn|info")
		fs.Parse(rest)
		return call(ctx, &wireproto.Request{Kind: wireproto.KindPkgDoctor, PkgDoctor: &wireproto.PkgDoctorReq{
			Cwd: cwd(), MaxItems: *maxItems, MinSeverity: *minSeverity,
		}})
	case "cache":
		if len(rest) == 0 {
			return nil, fmt.Errorf("usage: howth pkg cache {ls|prune} [channel]")
		}
		action, rest2 := rest[0], rest[1:]
		ch := ""
		if len(rest2) > 0 {
			ch = rest2[0]
		}
		switch action {
		case "ls":
			return call(ctx, &wireproto.Request{Kind: wireproto.KindPkgCacheLs, PkgCache: &wireproto.PkgCacheReq{Channel: ch}})
		case "prune":
			return call(ctx, &wireproto.Request{Kind: wireproto.KindPkgCachePrune, PkgCache: &wireproto.PkgCacheReq{Channel: ch}})
		default:
			return nil, fmt.Errorf("unknown pkg cache subcommand %q", action)
		}
	default:
		return nil, fmt.Errorf("unknown pkg subcommand %q", sub)
	}
}
