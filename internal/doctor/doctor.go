// Package doctor produces a deterministic health report from a
// PackageGraph under a locked severity/sort/filter/truncate contract, so
// the same graph always renders the same findings in the same order.
package doctor

import (
	"fmt"
	"sort"

	"howth/internal/graphanalysis"
)

// Severity is the closed set of finding severities, ranked error > warn >
// info.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
	SeverityInfo  Severity = "info"
)

func (s Severity) rank() int {
	switch s {
	case SeverityError:
		return 3
	case SeverityWarn:
		return 2
	default:
		return 1
	}
}

// Finding codes, per the locked contract.
const (
	CodeNodeModulesNotFound     = "NODE_MODULES_NOT_FOUND"
	CodeGraphError              = "GRAPH_ERROR"
	CodeOrphanPackage           = "ORPHAN_PACKAGE"
	CodeMissingEdgeTarget       = "MISSING_EDGE_TARGET"
	CodeInvalidPackageJSON      = "INVALID_PACKAGE_JSON"
	CodeDuplicatePackageVersion = "DUPLICATE_PACKAGE_VERSION"
	CodeMaxItemsReached         = "PKG_DOCTOR_MAX_ITEMS_REACHED"
)

const (
	DefaultMaxItems = 200
	HardCapMaxItems = 2000
)

// Finding is a single diagnostic entry.
type Finding struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Package  string   `json:"package,omitempty"`
	Path     string   `json:"path,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// Summary rolls up counts by severity, computed over the filtered set.
type Summary struct {
	Severity Severity       `json:"severity"`
	Counts   map[string]int `json:"counts"`
}

// Report is the full doctor output.
type Report struct {
	SchemaVersion int       `json:"schema_version"`
	Cwd           string    `json:"cwd"`
	Summary       Summary   `json:"summary"`
	Findings      []Finding `json:"findings"`
	Notes         []string  `json:"notes"`
}

const SchemaVersion = 1

// Options configures report generation.
type Options struct {
	MaxItems           int // 1..2000, default 200
	MinSeverity        Severity
	NodeModulesMissing bool

	// ManifestPath and ManifestErr, when ManifestErr is non-nil, surface a
	// package.json decode failure as an INVALID_PACKAGE_JSON finding.
	// Manifest I/O and parsing happen in the daemon, not here; Collect
	// only renders the result.
	ManifestPath string
	ManifestErr  error
}

// severityAtLeast reports whether s meets the min-severity floor (info is
// the loosest, error the strictest).
func severityAtLeast(s, min Severity) bool { return s.rank() >= min.rank() }

// Collect gathers the candidate finding set from pg, before sort/filter/
// truncate are applied.
func Collect(pg *graphanalysis.PackageGraph, opts Options) []Finding {
	var findings []Finding

	if opts.NodeModulesMissing {
		findings = append(findings, Finding{Severity: SeverityError, Code: CodeNodeModulesNotFound, Detail: "node_modules directory not found"})
	}

	if opts.ManifestErr != nil {
		findings = append(findings, Finding{
			Severity: SeverityError,
			Code:     CodeInvalidPackageJSON,
			Path:     opts.ManifestPath,
			Detail:   opts.ManifestErr.Error(),
		})
	}

	for _, issue := range pg.EdgeIssues {
		findings = append(findings, Finding{
			Severity: SeverityError,
			Code:     CodeMissingEdgeTarget,
			Package:  issue.DeclaredName,
			Path:     issue.From.Path,
			Detail:   issue.String(),
		})
	}

	for _, orphan := range pg.Orphans {
		findings = append(findings, Finding{
			Severity: SeverityWarn,
			Code:     CodeOrphanPackage,
			Package:  orphan.String(),
			Path:     orphan.Path,
			Detail:   fmt.Sprintf("%s is installed but not reachable from any root dependency", orphan),
		})
	}

	byName := make(map[string]map[string]bool)
	for _, n := range pg.Nodes {
		if byName[n.ID.Name] == nil {
			byName[n.ID.Name] = make(map[string]bool)
		}
		byName[n.ID.Name][n.ID.Version] = true
	}
	for _, name := range sortedNames(byName) {
		versions := byName[name]
		n := len(versions)
		if n < 2 {
			continue
		}
		sev := SeverityInfo
		if n > 3 {
			sev = SeverityWarn
		}
		var vs []string
		for v := range versions {
			vs = append(vs, v)
		}
		sort.Strings(vs)
		findings = append(findings, Finding{
			Severity: sev,
			Code:     CodeDuplicatePackageVersion,
			Package:  name,
			Detail:   fmt.Sprintf("%d versions installed: %v", n, vs),
		})
	}

	return findings
}

func sortedNames(m map[string]map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// lockedSort orders findings by (severity_rank desc, code asc, package asc,
// path asc). The order is part of the report contract; changing it breaks
// consumers that diff reports.
func lockedSort(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity.rank() != b.Severity.rank() {
			return a.Severity.rank() > b.Severity.rank()
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Package != b.Package {
			return a.Package < b.Package
		}
		return a.Path < b.Path
	})
}

// Render is the pure pipeline truncate(filter(sort(findings))) with a
// trailing notice appended when truncation occurred. The notice is never
// re-sorted.
func Render(findings []Finding, minSeverity Severity, maxItems int) Report {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	if maxItems > HardCapMaxItems {
		maxItems = HardCapMaxItems
	}

	sorted := append([]Finding(nil), findings...)
	lockedSort(sorted)

	var filtered []Finding
	for _, f := range sorted {
		if severityAtLeast(f.Severity, minSeverity) {
			filtered = append(filtered, f)
		}
	}

	counts := map[string]int{"error": 0, "warn": 0, "info": 0}
	for _, f := range filtered {
		counts[string(f.Severity)]++
	}

	overall := SeverityInfo
	for _, f := range filtered {
		if f.Severity.rank() > overall.rank() {
			overall = f.Severity
		}
	}
	if len(filtered) == 0 {
		overall = SeverityInfo
	}

	truncated := len(filtered) > maxItems
	out := filtered
	if truncated {
		omitted := len(filtered) - maxItems
		out = append(append([]Finding(nil), filtered[:maxItems]...), Finding{
			Severity: SeverityInfo,
			Code:     CodeMaxItemsReached,
			Detail:   fmt.Sprintf("omitted=%d", omitted),
		})
	}

	notes := []string{}

	return Report{
		SchemaVersion: SchemaVersion,
		Summary:       Summary{Severity: overall, Counts: counts},
		Findings:      out,
		Notes:         notes,
	}
}

// Run is the end-to-end convenience entry point: Collect then Render.
func Run(cwd string, pg *graphanalysis.PackageGraph, opts Options) Report {
	findings := Collect(pg, opts)
	min := opts.MinSeverity
	if min == "" {
		min = SeverityInfo
	}
	r := Render(findings, min, opts.MaxItems)
	r.Cwd = cwd
	return r
}
