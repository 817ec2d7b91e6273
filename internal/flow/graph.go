package flow

import (
	"fmt"
	"sort"
	"time"

	"github.com/bjo163/zapflow/internal/domain"
	"github.com/bjo163/zapflow/internal/errs"
	"github.com/pkg/errors"
)

// Node is a decoded graph node. Next holds the target ids of its outgoing
// edges in stored order; for conditions index 0 is the true branch.
type Node struct {
	ID     string
	Kind   NodeKind
	Config NodeConfig
	Next   []string
}

// Graph is a flow ready to select and execute.
type Graph struct {
	ID       int64
	TenantID int64
	Name     string
	Priority int

	Trigger *Node
	nodes   map[string]*Node
}

func (g *Graph) TriggerConfig() TriggerConfig {
	return g.Trigger.Config.(TriggerConfig)
}

func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Compile decodes every node config of a stored flow. Edges that point at
// unknown nodes are kept; walking into one fails that run only.
func Compile(fg *domain.FlowGraph) (*Graph, error) {
	g := &Graph{
		ID:       fg.ID,
		TenantID: fg.TenantID,
		Name:     fg.Name,
		Priority: fg.Priority,
		nodes:    make(map[string]*Node, len(fg.Nodes)),
	}
	for _, sn := range fg.Nodes {
		if _, dup := g.nodes[sn.ID]; dup {
			return nil, errs.Malformed(fg.ID, sn.ID, "duplicate node id")
		}
		cfg, err := DecodeNode(sn.Kind, sn.Config)
		if err != nil {
			return nil, &errs.MalformedFlowError{FlowID: fg.ID, NodeID: sn.ID, Reason: err.Error(), Err: err}
		}
		n := &Node{ID: sn.ID, Kind: cfg.Kind(), Config: cfg}
		g.nodes[n.ID] = n
		if n.Kind == KindTrigger {
			if g.Trigger != nil {
				return nil, errs.Malformed(fg.ID, sn.ID, "more than one trigger node")
			}
			g.Trigger = n
		}
	}
	if g.Trigger == nil {
		return nil, errs.Malformed(fg.ID, "", "no trigger node")
	}

	edges := append([]domain.FlowEdge(nil), fg.Edges...)
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].Position < edges[j].Position })
	for _, e := range edges {
		src, ok := g.nodes[e.SourceNodeID]
		if !ok {
			continue
		}
		src.Next = append(src.Next, e.TargetNodeID)
	}
	return g, nil
}

// Validate is the strict check applied before a flow is saved.
func Validate(fg *domain.FlowGraph) error {
	g, err := Compile(fg)
	if err != nil {
		return err
	}
	for _, e := range fg.Edges {
		if _, ok := g.nodes[e.SourceNodeID]; !ok {
			return errs.Malformed(fg.ID, e.SourceNodeID, fmt.Sprintf("edge %s starts at unknown node", e.ID))
		}
		if _, ok := g.nodes[e.TargetNodeID]; !ok {
			return errs.Malformed(fg.ID, e.TargetNodeID, fmt.Sprintf("edge %s ends at unknown node", e.ID))
		}
	}
	if len(g.Trigger.Next) > 1 {
		return errs.Malformed(fg.ID, g.Trigger.ID, "trigger has more than one outgoing edge")
	}
	for _, n := range g.nodes {
		if n.Kind != KindCondition && n.Kind != KindTrigger && len(n.Next) > 1 {
			return errs.Malformed(fg.ID, n.ID, "only condition nodes may branch")
		}
		if n.Kind == KindCondition && len(n.Next) > 2 {
			return errs.Malformed(fg.ID, n.ID, "condition has more than two outgoing edges")
		}
	}
	return nil
}

var units = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

func unitDuration(unit string) (time.Duration, error) {
	d, ok := units[unit]
	if !ok {
		return 0, errors.Errorf("unsupported unit %q", unit)
	}
	return d, nil
}

// MaxDelay is the longest wait a delay node may ask for.
const MaxDelay = 365 * 24 * time.Hour

// Duration is the wait a delay node asks for, capped at MaxDelay.
func (c DelayConfig) Duration() time.Duration {
	d, err := unitDuration(c.Unit)
	if err != nil || c.Time <= 0 {
		return 0
	}
	wait := c.Time * float64(d)
	if !(wait < float64(MaxDelay)) {
		return MaxDelay
	}
	return time.Duration(wait)
}
