// Package graphanalysis implements PackageGraph, the resolved dependency
// graph shared by the "why" query and the doctor report, plus the "why"
// reachability/ambiguity analysis itself.
//
// PackageGraph is an arena with index handles: nodes live in a slice,
// gonum.org/v1/gonum/graph node ids are the handles, and a by-name map
// resolves bare lookups without any node ever holding a pointer to
// another. Why walks the reverse edge map back to root-level packages.
package graphanalysis

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph/simple"
)

// PackageID identifies a resolved package. Equality is by (Name, Version,
// Path).
type PackageID struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Path    string `json:"path,omitempty"`
}

func (id PackageID) String() string { return fmt.Sprintf("%s@%s", id.Name, id.Version) }

// IsRoot reports whether id is the sentinel representing the project root.
func (id PackageID) IsRoot() bool { return id.Name == "" && id.Version == "" }

// DepEdge is a declared dependency edge; ResolvedTarget is nil when
// resolution failed (an unresolved edge, retained for findings).
type DepEdge struct {
	From           PackageID
	DeclaredName   string
	RequestedRange string
	ResolvedTarget *PackageID
	Kind           string // dep | dev | optional | peer
}

// EdgeIssueKind is the closed set of ways a declared dependency edge can
// fail to land on a real package node. Kept as a distinct tagged type
// (rather than folded into a flat []string) so doctor.Collect can emit a
// specifically-named MISSING_EDGE_TARGET finding instead of a generic
// GRAPH_ERROR string.
type EdgeIssueKind string

const (
	// EdgeUnresolved marks a DepEdge whose ResolvedTarget is nil: no
	// candidate version ever satisfied the declared range.
	EdgeUnresolved EdgeIssueKind = "unresolved"
	// EdgeUnknownTarget marks a DepEdge whose ResolvedTarget was set but
	// does not appear among the graph's Nodes, violating the invariant
	// that every resolved edge target exists.
	EdgeUnknownTarget EdgeIssueKind = "unknown_target"
)

// EdgeIssue is a single broken dependency edge, retained rather than
// silently dropped.
type EdgeIssue struct {
	Kind           EdgeIssueKind
	From           PackageID
	DeclaredName   string
	RequestedRange string
	Target         PackageID // set only when Kind == EdgeUnknownTarget
}

func (i EdgeIssue) String() string {
	if i.Kind == EdgeUnknownTarget {
		return fmt.Sprintf("edge from %s targets unknown package %s", i.From, i.Target)
	}
	return fmt.Sprintf("unresolved dependency %q (%q) from %s", i.DeclaredName, i.RequestedRange, i.From)
}

// PackageNode is a single resolved package plus its own declared edges.
type PackageNode struct {
	ID   PackageID
	Deps []DepEdge
}

// PackageGraph is the resolved dependency graph for a project.
type PackageGraph struct {
	SchemaVersion int
	Root          string
	Nodes         []PackageNode // sorted by (name, version, path)
	RootEdges     []DepEdge     // root package.json -> first-level deps
	Orphans       []PackageID
	Errors        []string    // human-readable form of EdgeIssues, plus any non-edge construction errors
	EdgeIssues    []EdgeIssue // unresolved/unknown-target edges, tagged distinctly for doctor

	byID    map[PackageID]int
	reverse map[PackageID][]PackageID // target -> direct parents (root sentinel included)
	g       *simple.DirectedGraph
}

var rootID = PackageID{}

// New builds a PackageGraph from nodes and rootEdges, computing orphans
// and validating that resolved edge targets exist among nodes; violations
// are recorded in Errors rather than failing construction, since a
// partially-broken graph is still useful for doctor/why.
func New(schemaVersion int, root string, nodes []PackageNode, rootEdges []DepEdge) *PackageGraph {
	sorted := make([]PackageNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].ID, sorted[j].ID
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.Path < b.Path
	})

	pg := &PackageGraph{
		SchemaVersion: schemaVersion,
		Root:          root,
		Nodes:         sorted,
		RootEdges:     rootEdges,
		byID:          make(map[PackageID]int, len(sorted)),
		reverse:       make(map[PackageID][]PackageID),
		g:             simple.NewDirectedGraph(),
	}
	for i, n := range sorted {
		pg.byID[n.ID] = i
		pg.g.AddNode(simple.Node(i))
	}

	addEdge := func(from PackageID, e DepEdge) {
		if e.ResolvedTarget == nil {
			issue := EdgeIssue{Kind: EdgeUnresolved, From: from, DeclaredName: e.DeclaredName, RequestedRange: e.RequestedRange}
			pg.EdgeIssues = append(pg.EdgeIssues, issue)
			pg.Errors = append(pg.Errors, issue.String())
			return
		}
		target := *e.ResolvedTarget
		if _, ok := pg.byID[target]; !ok {
			issue := EdgeIssue{Kind: EdgeUnknownTarget, From: from, DeclaredName: e.DeclaredName, RequestedRange: e.RequestedRange, Target: target}
			pg.EdgeIssues = append(pg.EdgeIssues, issue)
			pg.Errors = append(pg.Errors, issue.String())
			return
		}
		pg.reverse[target] = append(pg.reverse[target], from)
	}

	for _, e := range rootEdges {
		addEdge(rootID, e)
	}
	for _, n := range sorted {
		for _, e := range n.Deps {
			addEdge(n.ID, e)
			if e.ResolvedTarget != nil {
				if j, ok := pg.byID[*e.ResolvedTarget]; ok {
					pg.g.SetEdge(pg.g.NewEdge(simple.Node(pg.byID[n.ID]), simple.Node(j)))
				}
			}
		}
	}

	for _, n := range sorted {
		if len(pg.reverse[n.ID]) == 0 {
			pg.Orphans = append(pg.Orphans, n.ID)
		}
	}
	sort.Slice(pg.Orphans, func(i, j int) bool { return pg.Orphans[i].String() < pg.Orphans[j].String() })

	return pg
}

// ByName returns every node whose name matches name, in (version, path)
// order.
func (pg *PackageGraph) ByName(name string) []PackageNode {
	var out []PackageNode
	for _, n := range pg.Nodes {
		if n.ID.Name == name {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Version != out[j].ID.Version {
			return out[i].ID.Version < out[j].ID.Version
		}
		return out[i].ID.Path < out[j].ID.Path
	})
	return out
}

// Link is one hop in a "why" dependency chain.
type Link struct {
	From PackageID `json:"from"`
	To   PackageID `json:"to"`
}

// Chain is an ordered root-to-target sequence of Links.
type Chain struct {
	Links []Link `json:"links"`
}

// WhyResult is the full output of a Why query.
type WhyResult struct {
	Target             string   `json:"target"`
	FoundInNodeModules bool     `json:"found_in_node_modules"`
	IsOrphan           bool     `json:"is_orphan"`
	Chains             []Chain  `json:"chains"`
	Notes              []string `json:"notes"`
	Errors             []string `json:"errors"`
}

// ParseTarget splits a why-query argument into name, optional version, and
// optional subpath.
func ParseTarget(arg string) (name, version, subpath string) {
	rest := arg
	if idx := strings.Index(rest, "/"); idx >= 0 && !strings.HasPrefix(rest, "@") {
		name, subpath = rest[:idx], rest[idx+1:]
		rest = name
	} else if strings.HasPrefix(rest, "@") {
		parts := strings.SplitN(rest, "/", 3)
		if len(parts) >= 2 {
			rest = parts[0] + "/" + parts[1]
			if len(parts) == 3 {
				subpath = parts[2]
			}
		}
	}
	if at := strings.LastIndex(rest, "@"); at > 0 {
		name, version = rest[:at], rest[at+1:]
	} else {
		name = rest
	}
	return
}

// Why answers "why is this package here" for target.
func Why(pg *PackageGraph, target string, maxChains int) (*WhyResult, error) {
	if maxChains < 1 || maxChains > 50 {
		return nil, fmt.Errorf("graphanalysis: max_chains must be in [1,50], got %d", maxChains)
	}

	name, version, _ := ParseTarget(target)
	candidates := pg.ByName(name)
	if version != "" {
		filtered := candidates[:0:0]
		for _, c := range candidates {
			if c.ID.Version == version {
				filtered = append(filtered, c)
			}
		}
		candidates = filtered
	}

	res := &WhyResult{Target: target}
	if len(candidates) == 0 {
		return res, fmt.Errorf("graphanalysis: target %q not found", target)
	}
	res.FoundInNodeModules = true

	chosen := candidates[0]
	if len(candidates) > 1 {
		var names []string
		for _, c := range candidates {
			names = append(names, c.ID.String())
		}
		res.Notes = append(res.Notes, "candidates: "+strings.Join(names, "; "))
		res.Notes = append(res.Notes, fmt.Sprintf("Using %s (deterministic: smallest version+path)", chosen.ID))
	}

	res.IsOrphan = len(pg.reverse[chosen.ID]) == 0

	chains := pg.chainsTo(chosen.ID, maxChains)
	res.Chains = chains
	return res, nil
}

// chainsTo returns up to maxChains root-to-target chains via reverse BFS,
// sorted by length ascending then lexicographic link compare.
func (pg *PackageGraph) chainsTo(target PackageID, maxChains int) []Chain {
	parents := pg.reverse[target]
	if len(parents) == 0 {
		return nil
	}

	type partial struct {
		node  PackageID
		chain []Link
	}

	var complete []Chain
	seenChains := make(map[string]bool)
	queue := []partial{{node: target, chain: nil}}

	for len(queue) > 0 && len(complete) < maxChains*4 {
		cur := queue[0]
		queue = queue[1:]

		for _, p := range pg.reverse[cur.node] {
			link := Link{From: p, To: cur.node}
			next := append(append([]Link{}, cur.chain...), link)
			// avoid cycles: never revisit a node already on this chain
			cyclic := false
			for _, l := range cur.chain {
				if l.To == p {
					cyclic = true
					break
				}
			}
			if cyclic {
				continue
			}
			if p.IsRoot() {
				reversed := make([]Link, len(next))
				for i, l := range next {
					reversed[len(next)-1-i] = l
				}
				key := chainKey(reversed)
				if !seenChains[key] {
					seenChains[key] = true
					complete = append(complete, Chain{Links: reversed})
				}
				continue
			}
			queue = append(queue, partial{node: p, chain: next})
		}
	}

	sort.Slice(complete, func(i, j int) bool {
		a, b := complete[i], complete[j]
		if len(a.Links) != len(b.Links) {
			return len(a.Links) < len(b.Links)
		}
		for k := range a.Links {
			if c := compareLink(a.Links[k], b.Links[k]); c != 0 {
				return c < 0
			}
		}
		return false
	})

	if len(complete) > maxChains {
		complete = complete[:maxChains]
	}
	return complete
}

func chainKey(links []Link) string {
	var b strings.Builder
	for _, l := range links {
		b.WriteString(l.From.String())
		b.WriteByte('>')
		b.WriteString(l.To.String())
		b.WriteByte('|')
	}
	return b.String()
}

// compareLink implements the lexicographic compare over
// (to, resolved_version, resolved_path, from) used to order chains.
func compareLink(a, b Link) int {
	if a.To.Name != b.To.Name {
		return strings.Compare(a.To.Name, b.To.Name)
	}
	if a.To.Version != b.To.Version {
		return strings.Compare(a.To.Version, b.To.Version)
	}
	if a.To.Path != b.To.Path {
		return strings.Compare(a.To.Path, b.To.Path)
	}
	return strings.Compare(a.From.String(), b.From.String())
}
