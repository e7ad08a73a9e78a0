// Package-engine handlers: install/add/remove/update drive the solver and
// the content-addressed store; graph/why/doctor/explain are read-only
// views over an already-resolved lockfile. Downloads fan out with
// errgroup.WithContext bounded by a semaphore.Weighted.
package daemon

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"howth/internal/doctor"
	"howth/internal/graphanalysis"
	"howth/internal/pkgstore"
	"howth/internal/registry"
	"howth/internal/resolver"
	"howth/internal/solver"
	"howth/internal/wireproto"
)

// maxConcurrentDownloads bounds in-flight tarball fetches per install.
const maxConcurrentDownloads = 32

// packageSpec is a parsed "name[@range]" CLI argument, including the
// `alias@npm:real-name@range` and scoped `@scope/name@range` forms.
type packageSpec struct {
	Name, Range string
}

// parsePackageSpec splits spec on its package-name/range boundary. A scoped
// name's own leading `@` is not mistaken for that boundary: the first `@`
// after the scope marker is used instead.
func parsePackageSpec(spec string) packageSpec {
	if strings.HasPrefix(spec, "@") {
		rest := spec[1:]
		if idx := strings.Index(rest, "@"); idx >= 0 {
			return packageSpec{Name: spec[:idx+1], Range: rest[idx+1:]}
		}
		return packageSpec{Name: spec}
	}
	if idx := strings.Index(spec, "@"); idx > 0 {
		return packageSpec{Name: spec[:idx], Range: spec[idx+1:]}
	}
	return packageSpec{Name: spec}
}

func toSemverLocal(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// installParams configures runInstall, the shared body behind PkgInstall,
// PkgAdd, PkgRemove and PkgUpdate.
type installParams struct {
	Channel         string
	Frozen          bool
	IncludeDev      bool
	IncludeOptional bool
}

// handlePkgInstall implements Request.PkgInstall.
func (d *Daemon) handlePkgInstall(ctx context.Context, req *wireproto.PkgInstallReq) (*wireproto.PkgInstallResp, *wireproto.ErrorBody) {
	if req == nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrCwdInvalid, Message: "missing pkg_install request"}
	}
	return d.runInstall(ctx, req.Cwd, installParams{
		Frozen:          req.Frozen,
		IncludeDev:      req.IncludeDev,
		IncludeOptional: req.IncludeOptional,
	})
}

// handlePkgAdd implements Request.PkgAdd: mutate the manifest, then run the
// same install path a bare PkgInstall would.
func (d *Daemon) handlePkgAdd(ctx context.Context, req *wireproto.PkgAddReq) (*wireproto.PkgInstallResp, *wireproto.ErrorBody) {
	if req == nil || len(req.Specs) == 0 {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgAddSpecInvalid, Message: "no package specs given"}
	}
	if err := validateCwd(req.Cwd); err != nil {
		return nil, errBody(wireproto.ErrCwdInvalid, err)
	}

	m, err := ReadManifest(req.Cwd)
	if err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}
	for _, raw := range req.Specs {
		sp := parsePackageSpec(raw)
		if sp.Name == "" {
			return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgAddSpecInvalid, Message: "invalid package spec: " + raw}
		}
		rng := sp.Range
		if rng == "" {
			rng = "*"
		}
		if req.SaveDev {
			if m.DevDependencies == nil {
				m.DevDependencies = map[string]string{}
			}
			m.DevDependencies[sp.Name] = rng
		} else {
			if m.Dependencies == nil {
				m.Dependencies = map[string]string{}
			}
			m.Dependencies[sp.Name] = rng
		}
	}
	if err := d.writeManifest(req.Cwd, m); err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}

	return d.runInstall(ctx, req.Cwd, installParams{Channel: req.Channel, IncludeDev: true, IncludeOptional: true})
}

// handlePkgRemove implements Request.PkgRemove.
func (d *Daemon) handlePkgRemove(ctx context.Context, req *wireproto.PkgRemoveReq) (*wireproto.PkgInstallResp, *wireproto.ErrorBody) {
	if req == nil || len(req.Specs) == 0 {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgAddSpecInvalid, Message: "no package names given"}
	}
	if err := validateCwd(req.Cwd); err != nil {
		return nil, errBody(wireproto.ErrCwdInvalid, err)
	}

	m, err := ReadManifest(req.Cwd)
	if err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}
	for _, raw := range req.Specs {
		name := parsePackageSpec(raw).Name
		delete(m.Dependencies, name)
		delete(m.DevDependencies, name)
		delete(m.OptionalDependencies, name)
	}
	if err := d.writeManifest(req.Cwd, m); err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}

	return d.runInstall(ctx, req.Cwd, installParams{IncludeDev: true, IncludeOptional: true})
}

// handlePkgUpdate implements Request.PkgUpdate. Without --latest this is
// just a re-solve against the existing ranges (Solve always climbs to the
// newest version satisfying a range); --latest first widens the named
// ranges to "*" so the solver isn't constrained by the old declaration.
func (d *Daemon) handlePkgUpdate(ctx context.Context, req *wireproto.PkgUpdateReq) (*wireproto.PkgInstallResp, *wireproto.ErrorBody) {
	if req == nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrCwdInvalid, Message: "missing pkg_update request"}
	}
	if err := validateCwd(req.Cwd); err != nil {
		return nil, errBody(wireproto.ErrCwdInvalid, err)
	}

	if req.Latest {
		m, err := ReadManifest(req.Cwd)
		if err != nil {
			return nil, errBody(wireproto.ErrInternal, err)
		}
		targets := req.Specs
		if len(targets) == 0 {
			targets = sortedDepNames(m)
		}
		for _, raw := range targets {
			name := parsePackageSpec(raw).Name
			if _, ok := m.Dependencies[name]; ok {
				m.Dependencies[name] = "*"
			}
			if _, ok := m.DevDependencies[name]; ok {
				m.DevDependencies[name] = "*"
			}
		}
		if err := d.writeManifest(req.Cwd, m); err != nil {
			return nil, errBody(wireproto.ErrInternal, err)
		}
	}

	return d.runInstall(ctx, req.Cwd, installParams{IncludeDev: true, IncludeOptional: true})
}

// runInstall is the shared body of every mutating package operation:
// resolve (or load a frozen lockfile), skip via the sentinel if nothing
// changed, else download and link.
func (d *Daemon) runInstall(ctx context.Context, cwd string, p installParams) (*wireproto.PkgInstallResp, *wireproto.ErrorBody) {
	if err := validateCwd(cwd); err != nil {
		return nil, errBody(wireproto.ErrCwdInvalid, err)
	}

	channel := p.Channel
	if channel == "" {
		channel = d.Channel
	}
	if channel == "" {
		channel = "latest"
	}

	m, err := d.manifestFor(cwd)
	if err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}
	workspaces, workspaceDirs, err := loadWorkspaces(cwd, m)
	if err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}

	var lf *solver.Lockfile
	var raw []byte
	if p.Frozen {
		lf, raw, err = ReadLockfile(cwd)
		if err != nil {
			return nil, errBody(wireproto.ErrPkgInstallLockInvalid, err)
		}
		if lf == nil {
			return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgInstallLockNotFound, Message: "frozen install requires an existing " + LockfileName}
		}
	} else {
		lf, err = solver.Solve(ctx, m.ToSolverInput(), d.Registry, solver.Options{
			IncludeDev:      p.IncludeDev,
			IncludeOptional: p.IncludeOptional,
			Workspaces:      workspaces,
		})
		if err != nil {
			var unsolvable solver.ErrUnsolvable
			if xerrors.As(err, &unsolvable) {
				return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgInstallLockInvalid, Message: err.Error()}
			}
			return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgRegistryError, Message: err.Error()}
		}
		raw, err = WriteLockfile(cwd, lf)
		if err != nil {
			return nil, errBody(wireproto.ErrInternal, err)
		}
	}

	nodeModules := NodeModulesDir(cwd)
	hash := pkgstore.LockfileSentinelHash(raw)
	if pkgstore.CheckSentinel(nodeModules, hash) {
		// Nothing was installed, so the summary reports zero packages.
		return &wireproto.PkgInstallResp{
			OK:      true,
			Summary: wireproto.InstallSummary{TotalPackages: 0},
			Notes:   []string{"already up-to-date"},
		}, nil
	}

	store, err := pkgstore.New(d.StoreRoot)
	if err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}

	if err := downloadAll(ctx, d.Registry, store, channel, lf); err != nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgRegistryError, Message: err.Error()}
	}

	if err := os.MkdirAll(nodeModules, 0755); err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}
	if err := linkRoots(store, nodeModules, channel, lf, workspaces, workspaceDirs); err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}
	if err := pkgstore.WriteSentinel(nodeModules, hash); err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}

	return &wireproto.PkgInstallResp{
		OK:      true,
		Summary: wireproto.InstallSummary{TotalPackages: len(lf.Packages)},
		Notes:   []string{},
	}, nil
}

// loadWorkspaces resolves cwd's declared workspace member directories into
// the solver's short-circuit table. Each entry in Manifest.Workspaces is
// treated as a literal directory; glob patterns like "packages/*" are not
// expanded.
func loadWorkspaces(cwd string, m *Manifest) (map[string]solver.WorkspaceMember, map[string]string, error) {
	if len(m.Workspaces) == 0 {
		return nil, nil, nil
	}
	members := make(map[string]solver.WorkspaceMember, len(m.Workspaces))
	dirs := make(map[string]string, len(m.Workspaces))
	for _, rel := range m.Workspaces {
		dir := filepath.Join(cwd, rel)
		wm, err := ReadManifest(dir)
		if err != nil {
			return nil, nil, err
		}
		if wm.Name == "" {
			continue
		}
		members[wm.Name] = solver.WorkspaceMember{Version: wm.Version}
		dirs[wm.Name] = dir
	}
	return members, dirs, nil
}

// packageNameFromKey recovers a package's name from a "name@version"
// lockfile key; PackageEntry.Name is excluded from JSON (json:"-") so a
// lockfile round-tripped through disk no longer carries it directly.
func packageNameFromKey(key string, entry solver.PackageEntry) string {
	if entry.Name != "" {
		return entry.Name
	}
	if i := strings.LastIndex(key, "@"); i > 0 {
		return key[:i]
	}
	return key
}

// downloadAll fetches and extracts every not-yet-installed package in lf,
// bounded to maxConcurrentDownloads in flight at once. Workspace and alias
// members (no TarballURL) have nothing to fetch.
func downloadAll(ctx context.Context, reg *registry.Client, store *pkgstore.Store, channel string, lf *solver.Lockfile) error {
	sem := semaphore.NewWeighted(maxConcurrentDownloads)
	g, gctx := errgroup.WithContext(ctx)

	for key, entry := range lf.Packages {
		key, entry := key, entry
		name := packageNameFromKey(key, entry)
		if entry.TarballURL == "" || store.Installed(channel, name, entry.Version) {
			continue
		}
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			rc, err := reg.FetchTarball(gctx, entry.TarballURL)
			if err != nil {
				return xerrors.Errorf("daemon: fetch %s@%s: %w", name, entry.Version, err)
			}
			defer rc.Close()
			if _, err := store.Extract(channel, name, entry.Version, io.LimitReader(rc, pkgstore.MaxTarballSize)); err != nil {
				return xerrors.Errorf("daemon: extract %s@%s: %w", name, entry.Version, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// linkRoots creates the node_modules entry for every root-level dependency:
// a direct symlink for workspace members, the .pnpm indirection otherwise. Only root-level names are linked directly; transitive deps are
// reachable through the .pnpm store layout itself, matching pnpm's own
// hoist-nothing-by-default shape.
func linkRoots(store *pkgstore.Store, nodeModules, channel string, lf *solver.Lockfile, workspaces map[string]solver.WorkspaceMember, workspaceDirs map[string]string) error {
	byName := make(map[string][]string, len(lf.Packages))
	for key, e := range lf.Packages {
		name := packageNameFromKey(key, e)
		byName[name] = append(byName[name], key)
	}

	names := make([]string, 0, len(lf.Root))
	for name := range lf.Root {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rd := lf.Root[name]
		if ws, ok := workspaces[name]; ok {
			if err := store.Link(nodeModules, pkgstore.LinkPlan{
				Name:         name,
				Version:      ws.Version,
				Workspace:    true,
				WorkspaceDir: workspaceDirs[name],
			}); err != nil {
				return err
			}
			continue
		}

		keys := byName[name]
		if len(keys) == 0 {
			continue
		}
		best := pickBestSatisfying(lf, keys, rd.Range)
		e := lf.Packages[best]
		bins, err := store.Bins(channel, name, e.Version)
		if err != nil {
			return err
		}
		if err := store.Link(nodeModules, pkgstore.LinkPlan{Name: name, Version: e.Version, Channel: channel, Bins: bins}); err != nil {
			return err
		}
	}
	return nil
}

// pickBestSatisfying returns the lockfile key (among keys, all sharing one
// package name) whose version is the highest satisfying rng, falling back
// to the highest version overall if none satisfy, mirroring
// graphanalysis.FromLockfile's own resolve tie-break.
func pickBestSatisfying(lf *solver.Lockfile, keys []string, rng string) string {
	best := keys[0]
	for _, k := range keys[1:] {
		v, bv := lf.Packages[k].Version, lf.Packages[best].Version
		if rng != "" && rng != "*" {
			vOK, bvOK := solver.Satisfies(v, rng), solver.Satisfies(bv, rng)
			if vOK && !bvOK {
				best = k
				continue
			}
			if !vOK && bvOK {
				continue
			}
		}
		if semver.Compare(toSemverLocal(v), toSemverLocal(bv)) > 0 {
			best = k
		}
	}
	return best
}

// handlePkgGraph implements Request.PkgGraph.
func (d *Daemon) handlePkgGraph(req *wireproto.PkgGraphReq) (*wireproto.PkgGraphResp, *wireproto.ErrorBody) {
	if req == nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrCwdInvalid, Message: "missing pkg_graph request"}
	}
	if err := validateCwd(req.Cwd); err != nil {
		return nil, errBody(wireproto.ErrCwdInvalid, err)
	}

	lf, _, err := ReadLockfile(req.Cwd)
	if err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}
	if lf == nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgInstallLockNotFound, Message: "no lockfile found; run install first"}
	}

	pg := graphanalysis.FromLockfile(lf, d.defaultChannel(), d.StoreRoot)
	return &wireproto.PkgGraphResp{PackageGraph: pg, Notes: []string{}}, nil
}

// handlePkgWhy implements Request.PkgWhy.
func (d *Daemon) handlePkgWhy(req *wireproto.PkgWhyReq) (*wireproto.PkgWhyResp, *wireproto.ErrorBody) {
	if req == nil || req.Arg == "" {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgWhyTargetNotFound, Message: "missing target"}
	}
	if err := validateCwd(req.Cwd); err != nil {
		return nil, errBody(wireproto.ErrCwdInvalid, err)
	}

	lf, _, err := ReadLockfile(req.Cwd)
	if err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}
	if lf == nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgInstallLockNotFound, Message: "no lockfile found; run install first"}
	}

	maxChains := req.MaxChains
	if maxChains == 0 {
		maxChains = 5
	}

	pg := graphanalysis.FromLockfile(lf, d.defaultChannel(), d.StoreRoot)
	result, err := graphanalysis.Why(pg, req.Arg, maxChains)
	if err != nil {
		if maxChains < 1 || maxChains > 50 {
			return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgWhyMaxChainsInvalid, Message: err.Error()}
		}
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgWhyTargetNotFound, Message: err.Error()}
	}
	return &wireproto.PkgWhyResp{WhyResult: result}, nil
}

// handlePkgDoctor implements Request.PkgDoctor.
func (d *Daemon) handlePkgDoctor(req *wireproto.PkgDoctorReq) (*wireproto.PkgDoctorResp, *wireproto.ErrorBody) {
	if req == nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrCwdInvalid, Message: "missing pkg_doctor request"}
	}
	if err := validateCwd(req.Cwd); err != nil {
		return nil, errBody(wireproto.ErrCwdInvalid, err)
	}

	minSev := doctor.Severity(req.MinSeverity)
	switch minSev {
	case "", doctor.SeverityInfo, doctor.SeverityWarn, doctor.SeverityError:
	default:
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgDoctorSeverityInvalid, Message: "min_severity must be error, warn or info"}
	}

	lf, _, err := ReadLockfile(req.Cwd)
	if err != nil {
		return &wireproto.PkgDoctorResp{OK: false, Error: err.Error()}, nil
	}
	var pg *graphanalysis.PackageGraph
	if lf != nil {
		pg = graphanalysis.FromLockfile(lf, d.defaultChannel(), d.StoreRoot)
	} else {
		pg = graphanalysis.New(1, d.StoreRoot, nil, nil)
	}

	// A malformed package.json surfaces as an INVALID_PACKAGE_JSON finding
	// rather than failing the whole request; a missing manifest is not
	// itself invalid (ReadManifest tolerates absence), so only a decode
	// error is reported here.
	_, manifestErr := ReadManifest(req.Cwd)

	_, statErr := os.Stat(NodeModulesDir(req.Cwd))
	report := doctor.Run(req.Cwd, pg, doctor.Options{
		MaxItems:           req.MaxItems,
		MinSeverity:        minSev,
		NodeModulesMissing: statErr != nil,
		ManifestPath:       ManifestPath(req.Cwd),
		ManifestErr:        manifestErr,
	})
	return &wireproto.PkgDoctorResp{OK: true, Doctor: &report}, nil
}

// handlePkgExplain implements Request.PkgExplain, consulting (and
// populating) the daemon-owned resolver cache the watcher's invalidation
// fans out to.
func (d *Daemon) handlePkgExplain(req *wireproto.PkgExplainReq) (*wireproto.PkgExplainResp, *wireproto.ErrorBody) {
	if req == nil || req.Specifier == "" {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgExplainSpecifierBad, Message: "missing specifier"}
	}

	kind := resolver.Kind(req.Kind)
	switch kind {
	case "":
		kind = resolver.KindAuto
	case resolver.KindAuto, resolver.KindImport, resolver.KindRequire:
	default:
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgExplainSpecifierBad, Message: "kind must be import, require or auto"}
	}

	parent := req.Parent
	if parent == "" {
		parent = req.Cwd
	}

	key := resolver.CacheKey{Cwd: req.Cwd, ParentDir: parent, Specifier: req.Specifier, Channel: d.defaultChannel()}
	if cv, ok := d.resolverCache.Get(key); ok {
		return &wireproto.PkgExplainResp{Ok: cv.Status == "ok", Path: cv.Path, Trace: cv.Steps, Tried: cv.Tried}, nil
	}

	path, trace, err := resolver.New().Resolve(req.Specifier, parent, kind)
	tried := resolver.TriedPaths(trace)
	status := "ok"
	reason := ""
	if err != nil {
		status = "not_found"
		reason = err.Error()
	}
	d.resolverCache.Set(key, resolver.CacheValue{Path: path, Status: status, Reason: reason, Tried: tried, Steps: trace.Steps})

	return &wireproto.PkgExplainResp{Ok: err == nil, Path: path, Trace: trace.Steps, Tried: tried}, nil
}

// handlePkgOutdated implements Request.PkgOutdated: compare each declared
// dependency's locked version against what the registry reports as
// range-satisfying ("wanted") and newest overall ("latest"), per the common
// `npm outdated` shape. A dependency whose registry lookup fails is
// skipped rather than failing the whole report.
func (d *Daemon) handlePkgOutdated(ctx context.Context, req *wireproto.PkgOutdatedReq) (*wireproto.PkgOutdatedResp, *wireproto.ErrorBody) {
	if req == nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrCwdInvalid, Message: "missing pkg_outdated request"}
	}
	if err := validateCwd(req.Cwd); err != nil {
		return nil, errBody(wireproto.ErrCwdInvalid, err)
	}

	m, err := ReadManifest(req.Cwd)
	if err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}
	lf, _, err := ReadLockfile(req.Cwd)
	if err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}

	var out []wireproto.OutdatedEntry
	for _, name := range sortedDepNames(m) {
		rng := m.Dependencies[name]
		if rng == "" {
			rng = m.DevDependencies[name]
		}
		current := lockedVersion(lf, name)

		packument, err := d.Registry.FetchPackument(ctx, name)
		if err != nil {
			continue
		}
		latest := latestVersion(packument)
		if current == "" || current == latest {
			continue
		}
		out = append(out, wireproto.OutdatedEntry{
			Name:    name,
			Current: current,
			Wanted:  bestSatisfying(packument, rng),
			Latest:  latest,
		})
	}
	return &wireproto.PkgOutdatedResp{Packages: out}, nil
}

func sortedDepNames(m *Manifest) []string {
	seen := make(map[string]bool, len(m.Dependencies)+len(m.DevDependencies))
	var out []string
	for n := range m.Dependencies {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for n := range m.DevDependencies {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func lockedVersion(lf *solver.Lockfile, name string) string {
	if lf == nil {
		return ""
	}
	for key, e := range lf.Packages {
		if packageNameFromKey(key, e) == name {
			return e.Version
		}
	}
	return ""
}

func bestSatisfying(p *solver.Packument, rng string) string {
	var best string
	for v := range p.Versions {
		if rng != "" && rng != "*" && !solver.Satisfies(v, rng) {
			continue
		}
		if best == "" || semver.Compare(toSemverLocal(v), toSemverLocal(best)) > 0 {
			best = v
		}
	}
	return best
}

func latestVersion(p *solver.Packument) string {
	var best string
	for v := range p.Versions {
		if best == "" || semver.Compare(toSemverLocal(v), toSemverLocal(best)) > 0 {
			best = v
		}
	}
	return best
}

// handlePkgCacheList implements Request.PkgCacheList.
func (d *Daemon) handlePkgCacheList(req *wireproto.PkgCacheReq) (*wireproto.PkgCacheResp, *wireproto.ErrorBody) {
	channel := ""
	if req != nil {
		channel = req.Channel
	}
	entries, err := listStoreEntries(d.StoreRoot, channel)
	if err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}
	return &wireproto.PkgCacheResp{Entries: entries}, nil
}

// handlePkgCachePrune implements Request.PkgCachePrune. A channel must be
// named explicitly: pruning the whole store blind (every channel at once)
// is not offered over IPC, only by removing the store root directly, since
// the daemon has no cross-project view of which entries remain referenced.
func (d *Daemon) handlePkgCachePrune(req *wireproto.PkgCacheReq) (*wireproto.PkgCacheResp, *wireproto.ErrorBody) {
	if req == nil || req.Channel == "" {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrCwdInvalid, Message: "pkg_cache_prune requires an explicit channel"}
	}
	entries, err := listStoreEntries(d.StoreRoot, req.Channel)
	if err != nil {
		return nil, errBody(wireproto.ErrInternal, err)
	}

	pruned := 0
	for _, e := range entries {
		dir := filepath.Join(d.StoreRoot, e.Channel, e.Name+"@"+e.Version)
		if err := os.RemoveAll(dir); err == nil {
			pruned++
		}
	}
	return &wireproto.PkgCacheResp{Pruned: pruned}, nil
}

// listStoreEntries walks the store root (or a single channel, if given)
// listing its flat-named packages. Scoped package directories
// (<channel>/@scope/name@version) are not descended into, a documented
// scope cut, since pkgstore.Path nests scoped names one directory deeper
// than this flat listing expects.
func listStoreEntries(root, channel string) ([]wireproto.CacheEntryInfo, error) {
	channels := []string{channel}
	if channel == "" {
		dirEntries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		channels = nil
		for _, e := range dirEntries {
			if e.IsDir() {
				channels = append(channels, e.Name())
			}
		}
	}
	sort.Strings(channels)

	var out []wireproto.CacheEntryInfo
	for _, ch := range channels {
		pkgs, err := os.ReadDir(filepath.Join(root, ch))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		names := make([]string, 0, len(pkgs))
		for _, p := range pkgs {
			names = append(names, p.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			at := strings.LastIndex(name, "@")
			if at <= 0 {
				continue
			}
			out = append(out, wireproto.CacheEntryInfo{Channel: ch, Name: name[:at], Version: name[at+1:]})
		}
	}
	return out, nil
}

// handlePkgPublish implements Request.PkgPublish. The registry client is
// read-only (packument + tarball fetch); publish fails cleanly rather than
// partially implementing an upload path nothing else in the daemon
// exercises.
func (d *Daemon) handlePkgPublish(ctx context.Context, req *wireproto.PkgPublishReq) (*wireproto.OkResp, *wireproto.ErrorBody) {
	if req == nil {
		return nil, &wireproto.ErrorBody{Code: wireproto.ErrCwdInvalid, Message: "missing pkg_publish request"}
	}
	if err := validateCwd(req.Cwd); err != nil {
		return nil, errBody(wireproto.ErrCwdInvalid, err)
	}
	return nil, &wireproto.ErrorBody{Code: wireproto.ErrPkgRegistryError, Message: "publish is not supported by a read-only registry client"}
}

func (d *Daemon) defaultChannel() string {
	if d.Channel != "" {
		return d.Channel
	}
	return "latest"
}
