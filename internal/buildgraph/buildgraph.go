// Package buildgraph models the typed build DAG: nodes, their declared
// inputs/outputs/commands, and the deterministic planning/level-partition
// logic that turns a set of requested targets into a BuildPlan.
//
// The graph is an arena with index handles: nodes live in a slice, gonum
// graph ids are the handles, and a by-id map resolves references without
// any shared-ownership pointers between nodes.
package buildgraph

import (
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"howth/internal/fingerprint"
)

// Kind is the closed set of node kinds.
type Kind string

const (
	KindScript    Kind = "script"
	KindTranspile Kind = "transpile"
	KindTS        Kind = "ts"
	KindBundle    Kind = "bundle"
	KindTest      Kind = "test"
)

// Command describes how to execute a node.
type Command struct {
	Argv      []string `json:"argv,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Shell     bool     `json:"shell,omitempty"`
	TimeoutMS int64    `json:"timeout_ms,omitempty"` // 0 means no timeout
}

// CachePolicy controls whether/how a node participates in the build cache.
type CachePolicy struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode,omitempty"` // e.g. "content" (the only mode currently defined)
}

// Node is a single build DAG vertex. Inputs/Outputs/Deps are always kept in
// canonical order so the JSON form is byte-identical for equivalent graphs.
type Node struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	Inputs  []fingerprint.Input `json:"inputs,omitempty"`
	Outputs []Output            `json:"outputs,omitempty"`

	Env          map[string]string `json:"env,omitempty"`
	EnvAllowlist []string          `json:"env_allowlist,omitempty"`

	Command     Command     `json:"command"`
	CachePolicy CachePolicy `json:"cache_policy"`

	Deps []string `json:"deps,omitempty"`
}

// Output is a declared build output.
type Output struct {
	Path     string `json:"path"`
	IsDir    bool   `json:"is_dir,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// canonicalize sorts a node's collection fields in place.
func (n *Node) canonicalize() {
	n.Inputs = fingerprint.Sort(n.Inputs)
	sort.Slice(n.Outputs, func(i, j int) bool { return n.Outputs[i].Path < n.Outputs[j].Path })
	sort.Strings(n.Deps)
	sort.Strings(n.EnvAllowlist)
}

// Graph is the full typed DAG, schema_version-tagged for on-disk
// compatibility. The exported fields are exactly the canonical JSON form;
// encoding/json skips the unexported index fields automatically.
type Graph struct {
	SchemaVersion int               `json:"schema_version"`
	Cwd           string            `json:"cwd"`
	Nodes         []Node            `json:"nodes"` // sorted by ID
	Defaults      []string          `json:"defaults,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
	Notes         []string          `json:"notes"`

	byID map[string]int // ID -> index into Nodes
	g    *simple.DirectedGraph
}

// wireGraph is the JSON intermediate for loading: it carries no computed
// index, only the declarative fields New() needs to rebuild and validate a
// Graph.
type wireGraph struct {
	SchemaVersion int               `json:"schema_version"`
	Cwd           string            `json:"cwd"`
	Nodes         []Node            `json:"nodes"`
	Defaults      []string          `json:"defaults,omitempty"`
	Meta          map[string]string `json:"meta,omitempty"`
	Notes         []string          `json:"notes"`

	// Script is the legacy single-script graph form (schema_version 1): a
	// single command owning the whole build, with no node list. Accepted
	// on load and migrated into a one-node multi-node graph.
	Script *Command `json:"script,omitempty"`
}

// CurrentSchemaVersion is the multi-node graph schema this package writes.
const CurrentSchemaVersion = 2

// LoadJSON parses the canonical build graph JSON and rebuilds a validated
// Graph via New, so loading re-derives the same canonicalization and
// cycle-checking a freshly constructed graph gets. Round-tripping ToJSON
// through LoadJSON is byte-identical for canonicalized inputs.
func LoadJSON(data []byte) (*Graph, error) {
	var w wireGraph
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, xerrors.Errorf("buildgraph: decode: %w", err)
	}
	if len(w.Nodes) == 0 && w.Script != nil {
		w.Nodes = []Node{{
			ID:          "script:build",
			Kind:        KindScript,
			Command:     *w.Script,
			CachePolicy: CachePolicy{Enabled: true, Mode: "content"},
		}}
		if len(w.Defaults) == 0 {
			w.Defaults = []string{"script:build"}
		}
		w.SchemaVersion = CurrentSchemaVersion
	}
	notes := w.Notes
	if notes == nil {
		notes = []string{}
	}
	return New(w.SchemaVersion, w.Cwd, w.Nodes, w.Defaults, w.Meta, notes)
}

// ToJSON returns the canonical JSON form of g.
func (g *Graph) ToJSON() ([]byte, error) {
	notes := g.Notes
	if notes == nil {
		notes = []string{}
	}
	return json.Marshal(wireGraph{
		SchemaVersion: g.SchemaVersion,
		Cwd:           g.Cwd,
		Nodes:         g.Nodes,
		Defaults:      g.Defaults,
		Meta:          g.Meta,
		Notes:         notes,
	})
}

// ErrInvalidTarget is returned by PlanTargets when a requested target name
// does not resolve through the alias table to a known node.
type ErrInvalidTarget struct{ Name string }

func (e ErrInvalidTarget) Error() string { return fmt.Sprintf("invalid build target %q", e.Name) }

// ErrCycle is returned by New when the graph contains a dependency cycle
// anywhere among its nodes, whether or not a requested target reaches it.
type ErrCycle struct{ Members []string }

func (e ErrCycle) Error() string { return fmt.Sprintf("dependency cycle among: %v", e.Members) }

// ErrUnknownDep is returned when a node declares a dependency or Node-kind
// input referencing an id that does not exist in the graph.
type ErrUnknownDep struct {
	From, To string
}

func (e ErrUnknownDep) Error() string {
	return fmt.Sprintf("node %q references unknown node %q", e.From, e.To)
}

// New builds a Graph from nodes and defaults, validating that every
// referenced id exists and that the graph is free of cycles. Nodes are
// canonicalized and sorted by id.
func New(schemaVersion int, cwd string, nodes []Node, defaults []string, meta map[string]string, notes []string) (*Graph, error) {
	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	for i := range sorted {
		sorted[i].canonicalize()
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	g := &Graph{
		SchemaVersion: schemaVersion,
		Cwd:           cwd,
		Nodes:         sorted,
		Defaults:      append([]string(nil), defaults...),
		Meta:          meta,
		Notes:         notes,
		byID:          make(map[string]int, len(sorted)),
		g:             simple.NewDirectedGraph(),
	}
	sort.Strings(g.Defaults)

	for i, n := range sorted {
		g.byID[n.ID] = i
		g.g.AddNode(simple.Node(i))
	}
	for i, n := range sorted {
		for _, dep := range n.Deps {
			j, ok := g.byID[dep]
			if !ok {
				return nil, ErrUnknownDep{From: n.ID, To: dep}
			}
			g.g.SetEdge(g.g.NewEdge(simple.Node(i), simple.Node(j)))
		}
		for _, in := range n.Inputs {
			if in.Kind != fingerprint.KindNode {
				continue
			}
			j, ok := g.byID[in.UpstreamID]
			if !ok {
				return nil, ErrUnknownDep{From: n.ID, To: in.UpstreamID}
			}
			g.g.SetEdge(g.g.NewEdge(simple.Node(i), simple.Node(j)))
		}
	}

	if _, err := topo.Sort(g.g); err != nil {
		if uo, ok := err.(topo.Unorderable); ok {
			var members []string
			for _, component := range uo {
				for _, n := range component {
					members = append(members, sorted[n.ID()].ID)
				}
			}
			sort.Strings(members)
			return nil, ErrCycle{Members: members}
		}
		return nil, err
	}

	return g, nil
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (Node, bool) {
	i, ok := g.byID[id]
	if !ok {
		return Node{}, false
	}
	return g.Nodes[i], true
}

// IsEmpty reports whether the graph has no nodes.
func (g *Graph) IsEmpty() bool { return len(g.Nodes) == 0 }

// Plan is the result of PlanTargets: a topo-ordered node list plus a level
// partition suitable for parallel execution.
type Plan struct {
	RequestedTargets []string
	Nodes            []string   // topo order
	Levels           [][]string // level partition
}

func (p *Plan) IsEmpty() bool { return len(p.Nodes) == 0 }

// resolveAlias maps a target name through aliases (e.g. "build" ->
// "script:build") to a node id. Unresolved names are returned unchanged so
// callers can try them directly as node ids.
func resolveAlias(aliases map[string]string, name string) string {
	if id, ok := aliases[name]; ok {
		return id
	}
	return name
}

// PlanTargets resolves each target through the alias table, computes the
// transitive-dependency closure, and returns a toposort + level partition.
// The result is a pure function of the graph and targets: two runs over
// the same canonical graph produce identical plans.
func (g *Graph) PlanTargets(targets []string, aliases map[string]string) (*Plan, error) {
	if len(targets) == 0 {
		return &Plan{RequestedTargets: nil}, nil
	}

	resolved := make([]string, 0, len(targets))
	seen := make(map[string]bool)
	var closure []string

	var visit func(id string) error
	visit = func(id string) error {
		if seen[id] {
			return nil
		}
		i, ok := g.byID[id]
		if !ok {
			return ErrInvalidTarget{Name: id}
		}
		seen[id] = true
		for _, dep := range g.Nodes[i].Deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		for _, in := range g.Nodes[i].Inputs {
			if in.Kind == fingerprint.KindNode {
				if err := visit(in.UpstreamID); err != nil {
					return err
				}
			}
		}
		closure = append(closure, id)
		return nil
	}

	for _, t := range targets {
		id := resolveAlias(aliases, t)
		resolved = append(resolved, id)
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	levels, order := g.toposortLevels(closure)

	return &Plan{
		RequestedTargets: resolved,
		Nodes:            order,
		Levels:           levels,
	}, nil
}

// toposortLevels computes a Kahn's-algorithm layered toposort over the
// subset of node ids in closure: a level is a maximal set of nodes all of
// whose dependencies are in earlier levels, ties broken by id ascending.
func (g *Graph) toposortLevels(closure []string) ([][]string, []string) {
	inSet := make(map[string]bool, len(closure))
	for _, id := range closure {
		inSet[id] = true
	}

	// remaining in-degree, restricted to the closure subgraph.
	indeg := make(map[string]int, len(closure))
	for _, id := range closure {
		indeg[id] = 0
	}
	for _, id := range closure {
		i := g.byID[id]
		for _, dep := range g.Nodes[i].Deps {
			if inSet[dep] {
				indeg[id]++
			}
		}
		for _, in := range g.Nodes[i].Inputs {
			if in.Kind == fingerprint.KindNode && inSet[in.UpstreamID] {
				indeg[id]++
			}
		}
	}

	dependents := make(map[string][]string, len(closure))
	for _, id := range closure {
		i := g.byID[id]
		for _, dep := range g.Nodes[i].Deps {
			if inSet[dep] {
				dependents[dep] = append(dependents[dep], id)
			}
		}
		for _, in := range g.Nodes[i].Inputs {
			if in.Kind == fingerprint.KindNode && inSet[in.UpstreamID] {
				dependents[in.UpstreamID] = append(dependents[in.UpstreamID], id)
			}
		}
	}

	var levels [][]string
	var order []string
	remaining := len(closure)
	for remaining > 0 {
		var frontier []string
		for id, d := range indeg {
			if d == 0 {
				frontier = append(frontier, id)
			}
		}
		sort.Strings(frontier)
		for _, id := range frontier {
			delete(indeg, id)
		}
		levels = append(levels, frontier)
		order = append(order, frontier...)
		remaining -= len(frontier)

		for _, id := range frontier {
			for _, dependent := range dependents[id] {
				if _, ok := indeg[dependent]; ok {
					indeg[dependent]--
				}
			}
		}
	}

	return levels, order
}

// DependentsOf returns the ids of nodes that directly depend on id (i.e.
// nodes unblocked once id succeeds), sorted ascending.
func (g *Graph) DependentsOf(id string) []string {
	i, ok := g.byID[id]
	if !ok {
		return nil
	}
	var out []string
	nodes := g.g.To(int64(i))
	for nodes.Next() {
		out = append(out, g.Nodes[nodes.Node().ID()].ID)
	}
	sort.Strings(out)
	return out
}
