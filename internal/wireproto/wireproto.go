// Package wireproto defines the Request/Response envelope, the closed set
// of request kinds, and the error-code surface. Each request kind is a
// concrete Go struct (no reflection-based polymorphism); JSON
// discrimination is by an explicit Kind tag rather than an
// interface{}-typed grab bag.
package wireproto

import (
	"encoding/json"

	"howth/internal/doctor"
	"howth/internal/graphanalysis"
	"howth/internal/resolver"
)

// ProtoVersion is the current wire protocol version, echoed in every
// response envelope.
const ProtoVersion = 1

// ErrorCode is the closed error-code surface.
type ErrorCode string

const (
	ErrProtoVersionMismatch     ErrorCode = "PROTO_VERSION_MISMATCH"
	ErrCwdInvalid               ErrorCode = "CWD_INVALID"
	ErrEntryNotFound            ErrorCode = "ENTRY_NOT_FOUND"
	ErrBuildCwdInvalid          ErrorCode = "BUILD_CWD_INVALID"
	ErrBuildTargetInvalid       ErrorCode = "BUILD_TARGET_INVALID"
	ErrBuildNoDefaultTargets    ErrorCode = "BUILD_NO_DEFAULT_TARGETS"
	ErrBuildHashIOError         ErrorCode = "BUILD_HASH_IO_ERROR"
	ErrPkgRegistryError         ErrorCode = "PKG_REGISTRY_ERROR"
	ErrPkgInstallLockNotFound   ErrorCode = "PKG_INSTALL_LOCKFILE_NOT_FOUND"
	ErrPkgInstallLockInvalid    ErrorCode = "PKG_INSTALL_LOCKFILE_INVALID"
	ErrPkgExplainSpecifierBad   ErrorCode = "PKG_EXPLAIN_SPECIFIER_INVALID"
	ErrPkgWhyTargetNotFound     ErrorCode = "PKG_WHY_TARGET_NOT_FOUND"
	ErrPkgWhyTargetAmbiguous    ErrorCode = "PKG_WHY_TARGET_AMBIGUOUS"
	ErrPkgWhyMaxChainsInvalid   ErrorCode = "PKG_WHY_MAX_CHAINS_INVALID"
	ErrPkgAddSpecInvalid        ErrorCode = "PKG_ADD_SPEC_INVALID"
	ErrPkgDoctorSeverityInvalid ErrorCode = "PKG_DOCTOR_SEVERITY_INVALID"
	ErrWatchUnsupported         ErrorCode = "WATCH_UNSUPPORTED"
	ErrWatchAlreadyRunning      ErrorCode = "WATCH_ALREADY_RUNNING"
	ErrInternal                 ErrorCode = "INTERNAL_ERROR"
)

// Kind discriminates the Request/Response payload carried in an envelope.
type Kind string

const (
	KindPing        Kind = "Ping"
	KindPong        Kind = "Pong"
	KindShutdown    Kind = "Shutdown"
	KindRun         Kind = "Run"
	KindWatchStart  Kind = "WatchStart"
	KindWatchStop   Kind = "WatchStop"
	KindWatchStatus Kind = "WatchStatus"
	KindBuild       Kind = "Build"
	KindWatchBuild  Kind = "WatchBuild"
	KindRunTests    Kind = "RunTests"
	KindPkgAdd      Kind = "PkgAdd"
	KindPkgRemove   Kind = "PkgRemove"
	KindPkgUpdate   Kind = "PkgUpdate"
	KindPkgGraph    Kind = "PkgGraph"
	KindPkgExplain  Kind = "PkgExplain"
	KindPkgWhy      Kind = "PkgWhy"
	KindPkgDoctor     Kind = "PkgDoctor"
	KindPkgInstall    Kind = "PkgInstall"
	KindPkgCacheLs    Kind = "PkgCacheList"
	KindPkgCachePrune Kind = "PkgCachePrune"
	KindPkgOutdated   Kind = "PkgOutdated"
	KindPkgPublish    Kind = "PkgPublish"
)

// Hello is the handshake payload present in every envelope.
type Hello struct {
	ServerVersion int `json:"server_version"`
}

// Envelope is the top-level frame body: `{hello, request|response}`.
type Envelope struct {
	Hello    Hello     `json:"hello"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// Request carries exactly one populated payload, selected by Kind.
type Request struct {
	Kind Kind `json:"kind"`

	ClientProtoVersion int `json:"client_proto_version,omitempty"`

	Ping        *PingReq        `json:"ping,omitempty"`
	Shutdown    *ShutdownReq    `json:"shutdown,omitempty"`
	Run         *RunReq         `json:"run,omitempty"`
	WatchStart  *WatchStartReq  `json:"watch_start,omitempty"`
	Build       *BuildReq       `json:"build,omitempty"`
	WatchBuild  *BuildReq       `json:"watch_build,omitempty"`
	RunTests    *RunTestsReq    `json:"run_tests,omitempty"`
	PkgAdd      *PkgAddReq      `json:"pkg_add,omitempty"`
	PkgRemove   *PkgRemoveReq   `json:"pkg_remove,omitempty"`
	PkgUpdate   *PkgUpdateReq   `json:"pkg_update,omitempty"`
	PkgGraph    *PkgGraphReq    `json:"pkg_graph,omitempty"`
	PkgExplain  *PkgExplainReq  `json:"pkg_explain,omitempty"`
	PkgWhy      *PkgWhyReq      `json:"pkg_why,omitempty"`
	PkgDoctor   *PkgDoctorReq   `json:"pkg_doctor,omitempty"`
	PkgInstall  *PkgInstallReq  `json:"pkg_install,omitempty"`
	PkgOutdated *PkgOutdatedReq `json:"pkg_outdated,omitempty"`
	PkgCache    *PkgCacheReq    `json:"pkg_cache,omitempty"`
	PkgPublish  *PkgPublishReq  `json:"pkg_publish,omitempty"`
}

type PingReq struct {
	Nonce string `json:"nonce"`
}

type ShutdownReq struct{}

type RunReq struct {
	Entry string   `json:"entry"`
	Args  []string `json:"args"`
	Cwd   string   `json:"cwd,omitempty"`
}

type WatchStartReq struct {
	Roots []string `json:"roots"`
}

type BuildReq struct {
	Cwd         string   `json:"cwd"`
	Force       bool     `json:"force"`
	DryRun      bool     `json:"dry_run"`
	MaxParallel int      `json:"max_parallel"`
	Profile     bool     `json:"profile"`
	Targets     []string `json:"targets"`
}

type RunTestsReq struct {
	Cwd   string   `json:"cwd"`
	Files []string `json:"files"`
}

type PkgAddReq struct {
	Specs   []string `json:"specs"`
	Cwd     string   `json:"cwd"`
	Channel string   `json:"channel"`
	SaveDev bool     `json:"save_dev"`
}

type PkgRemoveReq struct {
	Specs []string `json:"specs"`
	Cwd   string   `json:"cwd"`
}

type PkgUpdateReq struct {
	Specs  []string `json:"specs"`
	Cwd    string   `json:"cwd"`
	Latest bool     `json:"latest"`
}

type PkgGraphReq struct {
	Cwd             string `json:"cwd"`
	IncludeDevRoot  bool   `json:"include_dev_root"`
	IncludeOptional bool   `json:"include_optional"`
	MaxDepth        int    `json:"max_depth"`
	Format          string `json:"format"`
}

type PkgExplainReq struct {
	Specifier string `json:"specifier"`
	Cwd       string `json:"cwd"`
	Parent    string `json:"parent"`
	Kind      string `json:"kind"` // import|require|auto
}

type PkgWhyReq struct {
	Arg          string `json:"arg"`
	Cwd          string `json:"cwd"`
	MaxDepth     int    `json:"max_depth"`
	MaxChains    int    `json:"max_chains"`
	IncludeTrace bool   `json:"include_trace"`
}

type PkgDoctorReq struct {
	Cwd         string `json:"cwd"`
	MaxItems    int    `json:"max_items"`
	MinSeverity string `json:"min_severity"`
	Format      string `json:"format"`
}

type PkgInstallReq struct {
	Cwd             string `json:"cwd"`
	Frozen          bool   `json:"frozen"`
	IncludeDev      bool   `json:"include_dev"`
	IncludeOptional bool   `json:"include_optional"`
}

type PkgOutdatedReq struct {
	Cwd string `json:"cwd"`
}

// PkgCacheReq serves both PkgCacheList and PkgCachePrune; the Kind request
// field (not this struct) selects which operation runs.
type PkgCacheReq struct {
	Cwd     string `json:"cwd"`
	Channel string `json:"channel"`
}

type PkgPublishReq struct {
	Cwd     string `json:"cwd"`
	Channel string `json:"channel"`
}

// Response carries exactly one populated payload, or Error when the
// request failed before or during dispatch.
type Response struct {
	ServerProtoVersion int `json:"server_proto_version"`

	Error *ErrorBody `json:"error,omitempty"`

	Pong        *PongResp        `json:"pong,omitempty"`
	Run         *RunResp         `json:"run,omitempty"`
	Build       *BuildResp       `json:"build,omitempty"`
	RunTests    *RunTestsResp    `json:"run_tests,omitempty"`
	PkgInstall  *PkgInstallResp  `json:"pkg_install,omitempty"`
	PkgGraph    *PkgGraphResp    `json:"pkg_graph,omitempty"`
	PkgWhy      *PkgWhyResp      `json:"pkg_why,omitempty"`
	PkgDoctor   *PkgDoctorResp   `json:"pkg_doctor,omitempty"`
	PkgExplain  *PkgExplainResp  `json:"pkg_explain,omitempty"`
	PkgOutdated *PkgOutdatedResp `json:"pkg_outdated,omitempty"`
	PkgCache    *PkgCacheResp    `json:"pkg_cache,omitempty"`
	WatchStatus *WatchStatusResp `json:"watch_status,omitempty"`
	Ok          *OkResp          `json:"ok,omitempty"`
}

type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

type OkResp struct{}

type PongResp struct {
	Nonce string `json:"nonce"`
}

type RunResp struct {
	ExitCode int `json:"exit_code"`
}

type BuildResp struct {
	OK       bool            `json:"ok"`
	Severity string          `json:"severity"`
	Results  []NodeResult    `json:"results"`
	Graph    json.RawMessage `json:"graph,omitempty"` // canonical graph JSON, populated only for dry_run
}

type NodeResult struct {
	ID              string   `json:"id"`
	OK              bool     `json:"ok"`
	Cache           string   `json:"cache"`
	Hash            string   `json:"hash"`
	DurationMS      int64    `json:"duration_ms"`
	Reason          string   `json:"reason,omitempty"`
	StdoutTruncated bool     `json:"stdout_truncated"`
	StderrTruncated bool     `json:"stderr_truncated"`
	Error           string   `json:"error,omitempty"`
	Notes           []string `json:"notes"`
}

type RunTestsResp struct {
	OK     bool   `json:"ok"`
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
	Worker string `json:"worker"` // "native" | "external"
}

type PkgInstallResp struct {
	OK      bool           `json:"ok"`
	Summary InstallSummary `json:"summary"`
	Notes   []string       `json:"notes"`
}

type InstallSummary struct {
	TotalPackages int `json:"total_packages"`
}

// PkgGraphResp embeds the resolved graphanalysis.PackageGraph; Format on
// the request ("summary"|"list") only affects how a CLI renders this, the
// wire body is always the full graph.
type PkgGraphResp struct {
	*graphanalysis.PackageGraph
	Notes []string `json:"notes"`
}

type PkgOutdatedResp struct {
	Packages []OutdatedEntry `json:"packages"`
}

type OutdatedEntry struct {
	Name    string `json:"name"`
	Current string `json:"current"`
	Wanted  string `json:"wanted"`
	Latest  string `json:"latest"`
}

type PkgCacheResp struct {
	Entries []CacheEntryInfo `json:"entries"`
	Pruned  int              `json:"pruned,omitempty"`
}

type CacheEntryInfo struct {
	Channel string `json:"channel"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type WatchStatusResp struct {
	Running bool     `json:"running"`
	Roots   []string `json:"roots"`
}

// PkgWhyResp embeds the full graphanalysis.WhyResult: the wire body is the
// analysis itself, not a lossy summary.
type PkgWhyResp struct {
	*graphanalysis.WhyResult
}

// PkgDoctorResp's top-level keys are exactly {ok, doctor[, error]};
// Doctor is the full locked-contract report.
type PkgDoctorResp struct {
	OK     bool           `json:"ok"`
	Doctor *doctor.Report `json:"doctor,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// PkgExplainResp carries the full resolver trace: the ordered step log is
// the explain surface's product, not a summary of it.
type PkgExplainResp struct {
	Path  string          `json:"path,omitempty"`
	Ok    bool            `json:"ok"`
	Trace []resolver.Step `json:"trace,omitempty"`
	Tried []string        `json:"tried,omitempty"`
}
