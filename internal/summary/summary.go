// Package summary derives structural facts from a normalized plan for
// the render and diff layers. It counts and lists; it does not judge.
package summary

import (
	"sort"

	"github.com/planscan/planscan/internal/plan"
)

// Summary aggregates what a plan tree contains.
type Summary struct {
	NodeCount  int                   `json:"node_count"`
	Depth      int                   `json:"depth"`
	ScanCount  int                   `json:"scan_count"`
	JoinCount  int                   `json:"join_count"`
	KindCounts map[plan.NodeKind]int `json:"kind_counts"`
	Tables     []string              `json:"tables,omitempty"`
	Indexes    []string              `json:"indexes,omitempty"`
	FullScans  []string              `json:"full_scans,omitempty"`
	TotalCost  *float64              `json:"total_cost,omitempty"`
}

// Summarize walks the plan once and gathers its structural facts.
func Summarize(p *plan.QueryPlan) *Summary {
	s := &Summary{KindCounts: map[plan.NodeKind]int{}}
	if p == nil || p.Root == nil {
		return s
	}
	s.NodeCount = p.NodeCount()
	s.Depth = p.Depth()
	if p.TotalCost != nil {
		total := *p.TotalCost
		s.TotalCost = &total
	}

	tables := map[string]struct{}{}
	indexes := map[string]struct{}{}
	fullScans := map[string]struct{}{}
	p.Root.Walk(func(n *plan.PlanNode) bool {
		s.KindCounts[n.Kind]++
		if n.IsScan() {
			s.ScanCount++
		}
		if n.IsJoin() {
			s.JoinCount++
		}
		if n.Relation != "" {
			tables[n.Relation] = struct{}{}
		}
		if n.IndexName != "" {
			indexes[n.IndexName] = struct{}{}
		}
		if n.Kind == plan.SeqScan && n.Relation != "" {
			fullScans[n.Relation] = struct{}{}
		}
		return true
	})
	s.Tables = sortedKeys(tables)
	s.Indexes = sortedKeys(indexes)
	s.FullScans = sortedKeys(fullScans)
	return s
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
