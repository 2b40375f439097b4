// Package diff compares two normalized plans structurally: which
// operator groups appeared, disappeared or changed, and how each
// relation's access method moved. It reports deltas, not verdicts.
package diff

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/planscan/planscan/internal/config"
	"github.com/planscan/planscan/internal/plan"
	"github.com/planscan/planscan/internal/summary"
)

// Options configures the report size.
type Options struct {
	MaxItems int
}

// Report summarises the delta between two plans.
type Report struct {
	Summary       SummaryDiff    `json:"summary"`
	Appeared      []Entry        `json:"appeared"`
	Disappeared   []Entry        `json:"disappeared"`
	Changed       []Entry        `json:"changed"`
	AccessChanges []AccessChange `json:"access_changes"`
	Options       Options        `json:"-"`
}

// SummaryDiff covers whole-plan figures.
type SummaryDiff struct {
	BaseNodes   int      `json:"base_nodes"`
	TargetNodes int      `json:"target_nodes"`
	BaseDepth   int      `json:"base_depth"`
	TargetDepth int      `json:"target_depth"`
	BaseCost    *float64 `json:"base_cost,omitempty"`
	TargetCost  *float64 `json:"target_cost,omitempty"`
}

// Entry captures the delta for the nodes sharing one signature.
type Entry struct {
	Signature   string  `json:"signature"`
	BaseCount   int     `json:"base_count"`
	TargetCount int     `json:"target_count"`
	BaseRows    uint64  `json:"base_rows"`
	TargetRows  uint64  `json:"target_rows"`
	DeltaRows   int64   `json:"delta_rows"`
	BaseCost    float64 `json:"base_cost"`
	TargetCost  float64 `json:"target_cost"`
	DeltaCost   float64 `json:"delta_cost"`
}

// AccessChange records a relation whose access methods moved.
type AccessChange struct {
	Relation string   `json:"relation"`
	Base     []string `json:"base"`
	Target   []string `json:"target"`
}

// Compare builds a structural diff report for two plans.
func Compare(base, target *plan.QueryPlan, opts Options) (*Report, error) {
	if base == nil || base.Root == nil {
		return nil, fmt.Errorf("diff: base plan missing")
	}
	if target == nil || target.Root == nil {
		return nil, fmt.Errorf("diff: target plan missing")
	}

	opts = applyDefaults(opts)

	baseAgg := aggregate(base)
	targetAgg := aggregate(target)

	var appeared, disappeared, changed []Entry
	for _, sig := range unionKeys(baseAgg, targetAgg) {
		entry := buildEntry(sig, baseAgg[sig], targetAgg[sig])
		switch {
		case entry.BaseCount == 0:
			appeared = append(appeared, entry)
		case entry.TargetCount == 0:
			disappeared = append(disappeared, entry)
		case entry.BaseCount != entry.TargetCount || entry.DeltaRows != 0 || math.Abs(entry.DeltaCost) > 1e-9:
			changed = append(changed, entry)
		}
	}
	sort.Slice(changed, func(i, j int) bool {
		di, dj := math.Abs(changed[i].DeltaCost), math.Abs(changed[j].DeltaCost)
		if di != dj {
			return di > dj
		}
		return changed[i].Signature < changed[j].Signature
	})

	access := accessChanges(base, target)

	if opts.MaxItems > 0 {
		appeared = truncate(appeared, opts.MaxItems)
		disappeared = truncate(disappeared, opts.MaxItems)
		changed = truncate(changed, opts.MaxItems)
		if len(access) > opts.MaxItems {
			access = access[:opts.MaxItems]
		}
	}

	baseFacts := summary.Summarize(base)
	targetFacts := summary.Summarize(target)
	return &Report{
		Summary: SummaryDiff{
			BaseNodes:   baseFacts.NodeCount,
			TargetNodes: targetFacts.NodeCount,
			BaseDepth:   baseFacts.Depth,
			TargetDepth: targetFacts.Depth,
			BaseCost:    baseFacts.TotalCost,
			TargetCost:  targetFacts.TotalCost,
		},
		Appeared:      appeared,
		Disappeared:   disappeared,
		Changed:       changed,
		AccessChanges: access,
		Options:       opts,
	}, nil
}

// Markdown renders the report as a Markdown document.
func (r *Report) Markdown() string {
	var b strings.Builder
	b.WriteString("# planscan diff\n\n")
	b.WriteString("## Summary\n")
	_, _ = fmt.Fprintf(&b, "- Nodes: %d → %d\n", r.Summary.BaseNodes, r.Summary.TargetNodes)
	_, _ = fmt.Fprintf(&b, "- Depth: %d → %d\n", r.Summary.BaseDepth, r.Summary.TargetDepth)
	_, _ = fmt.Fprintf(&b, "- Total cost: %s → %s\n\n", costString(r.Summary.BaseCost), costString(r.Summary.TargetCost))

	b.WriteString("### Access changes\n")
	if len(r.AccessChanges) == 0 {
		b.WriteString("- None\n")
	} else {
		for _, change := range r.AccessChanges {
			_, _ = fmt.Fprintf(&b, "- %s: %s → %s\n",
				change.Relation, strings.Join(change.Base, ", "), strings.Join(change.Target, ", "))
		}
	}

	b.WriteString("\n### Appeared\n")
	if len(r.Appeared) == 0 {
		b.WriteString("- None\n")
	} else {
		b.WriteString("| Operator | Count | Est. rows | Cost |\n")
		b.WriteString("|---|---:|---:|---:|\n")
		for _, entry := range r.Appeared {
			_, _ = fmt.Fprintf(&b, "| %s | %d | %d | %.2f |\n",
				entry.Signature, entry.TargetCount, entry.TargetRows, entry.TargetCost)
		}
	}

	b.WriteString("\n### Disappeared\n")
	if len(r.Disappeared) == 0 {
		b.WriteString("- None\n")
	} else {
		b.WriteString("| Operator | Count | Est. rows | Cost |\n")
		b.WriteString("|---|---:|---:|---:|\n")
		for _, entry := range r.Disappeared {
			_, _ = fmt.Fprintf(&b, "| %s | %d | %d | %.2f |\n",
				entry.Signature, entry.BaseCount, entry.BaseRows, entry.BaseCost)
		}
	}

	b.WriteString("\n### Changed\n")
	if len(r.Changed) == 0 {
		b.WriteString("- None\n")
	} else {
		b.WriteString("| Operator | Count | Est. rows Δ | Cost Δ |\n")
		b.WriteString("|---|---:|---:|---:|\n")
		for _, entry := range r.Changed {
			_, _ = fmt.Fprintf(&b, "| %s | %d → %d | %+d | %+.2f |\n",
				entry.Signature, entry.BaseCount, entry.TargetCount, entry.DeltaRows, entry.DeltaCost)
		}
	}
	return b.String()
}

// JSON marshals the diff report into an indented JSON document.
func (r *Report) JSON() ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("nil report")
	}
	type alias Report
	return json.MarshalIndent((*alias)(r), "", "  ")
}

type aggregated struct {
	Count int
	Rows  uint64
	Cost  float64
}

func aggregate(p *plan.QueryPlan) map[string]aggregated {
	result := map[string]aggregated{}
	p.Root.Walk(func(n *plan.PlanNode) bool {
		sig := signature(n)
		entry := result[sig]
		entry.Count++
		if n.EstimatedRows != nil {
			entry.Rows += *n.EstimatedRows
		}
		if n.Cost != nil {
			entry.Cost += n.Cost.Total
		}
		result[sig] = entry
		return true
	})
	return result
}

func signature(n *plan.PlanNode) string {
	parts := []string{string(n.Kind)}
	if n.Relation != "" {
		parts = append(parts, n.Relation)
	}
	if n.IndexName != "" {
		parts = append(parts, n.IndexName)
	}
	if n.JoinKind != "" {
		parts = append(parts, string(n.JoinKind))
	}
	return strings.Join(parts, " · ")
}

func unionKeys(base, target map[string]aggregated) []string {
	seen := map[string]struct{}{}
	for k := range base {
		seen[k] = struct{}{}
	}
	for k := range target {
		seen[k] = struct{}{}
	}
	all := make([]string, 0, len(seen))
	for k := range seen {
		all = append(all, k)
	}
	sort.Strings(all)
	return all
}

func buildEntry(sig string, base, target aggregated) Entry {
	return Entry{
		Signature:   sig,
		BaseCount:   base.Count,
		TargetCount: target.Count,
		BaseRows:    base.Rows,
		TargetRows:  target.Rows,
		DeltaRows:   int64(target.Rows) - int64(base.Rows),
		BaseCost:    base.Cost,
		TargetCost:  target.Cost,
		DeltaCost:   target.Cost - base.Cost,
	}
}

// accessChanges lists the relations whose scan methods differ between
// the two plans, e.g. users moving from SeqScan to an index.
func accessChanges(base, target *plan.QueryPlan) []AccessChange {
	baseAccess := accessMethods(base)
	targetAccess := accessMethods(target)

	seen := map[string]struct{}{}
	for rel := range baseAccess {
		seen[rel] = struct{}{}
	}
	for rel := range targetAccess {
		seen[rel] = struct{}{}
	}

	var out []AccessChange
	for rel := range seen {
		b, t := baseAccess[rel], targetAccess[rel]
		if strings.Join(b, "|") == strings.Join(t, "|") {
			continue
		}
		out = append(out, AccessChange{Relation: rel, Base: b, Target: t})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Relation < out[j].Relation })
	return out
}

func accessMethods(p *plan.QueryPlan) map[string][]string {
	sets := map[string]map[string]struct{}{}
	p.Root.Walk(func(n *plan.PlanNode) bool {
		if !n.IsScan() || n.Relation == "" {
			return true
		}
		method := string(n.Kind)
		if n.IndexName != "" {
			method = fmt.Sprintf("%s (%s)", n.Kind, n.IndexName)
		}
		if sets[n.Relation] == nil {
			sets[n.Relation] = map[string]struct{}{}
		}
		sets[n.Relation][method] = struct{}{}
		return true
	})

	out := make(map[string][]string, len(sets))
	for rel, methods := range sets {
		list := make([]string, 0, len(methods))
		for method := range methods {
			list = append(list, method)
		}
		sort.Strings(list)
		out[rel] = list
	}
	return out
}

func truncate(entries []Entry, limit int) []Entry {
	if len(entries) > limit {
		return entries[:limit]
	}
	return entries
}

func costString(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}

func applyDefaults(opts Options) Options {
	if opts.MaxItems <= 0 {
		opts.MaxItems = config.Active().Diff.MaxItems
	}
	return opts
}
