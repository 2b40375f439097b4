package plan_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/planscan/planscan/internal/plan"
)

func samplePlan() *plan.QueryPlan {
	cost := 42.5
	return &plan.QueryPlan{
		TotalCost: &cost,
		Root: &plan.PlanNode{
			Kind: plan.Sort,
			Children: []*plan.PlanNode{
				{
					Kind:     plan.NestedLoop,
					JoinKind: plan.JoinInner,
					Children: []*plan.PlanNode{
						{Kind: plan.SeqScan, Relation: "users"},
						{Kind: plan.IndexScan, Relation: "orders", IndexName: "idx_user_id"},
					},
				},
			},
		},
	}
}

func TestNodeCountAndDepth(t *testing.T) {
	p := samplePlan()
	if got := p.NodeCount(); got != 4 {
		t.Fatalf("NodeCount = %d, want 4", got)
	}
	if got := p.Depth(); got != 3 {
		t.Fatalf("Depth = %d, want 3", got)
	}
	leaf := &plan.PlanNode{Kind: plan.Result}
	if got := leaf.Depth(); got != 1 {
		t.Fatalf("leaf Depth = %d, want 1", got)
	}
}

func TestHasFullScan(t *testing.T) {
	if !samplePlan().HasFullScan() {
		t.Fatal("expected full scan to be detected")
	}
	indexed := &plan.QueryPlan{Root: &plan.PlanNode{Kind: plan.IndexOnlyScan, Relation: "users"}}
	if indexed.HasFullScan() {
		t.Fatal("index-only plan reported a full scan")
	}
}

func TestFindByKind(t *testing.T) {
	p := &plan.QueryPlan{
		Root: &plan.PlanNode{
			Kind: plan.Append,
			Children: []*plan.PlanNode{
				{Kind: plan.SeqScan, Relation: "a"},
				{Kind: plan.Sort, Children: []*plan.PlanNode{{Kind: plan.SeqScan, Relation: "b"}}},
			},
		},
	}
	scans := p.FindByKind(plan.SeqScan)
	if len(scans) != 2 {
		t.Fatalf("found %d SeqScan nodes, want 2", len(scans))
	}
	if scans[0].Relation != "a" || scans[1].Relation != "b" {
		t.Fatalf("unexpected traversal order: %q, %q", scans[0].Relation, scans[1].Relation)
	}
	if got := p.FindByKind(plan.Materialize); got != nil {
		t.Fatalf("FindByKind(Materialize) = %v, want nil", got)
	}
}

func TestWalkStopsEarly(t *testing.T) {
	p := samplePlan()
	visited := 0
	p.Root.Walk(func(n *plan.PlanNode) bool {
		visited++
		return n.Kind != plan.NestedLoop
	})
	if visited != 2 {
		t.Fatalf("visited %d nodes, want 2", visited)
	}
}

func TestNodePredicates(t *testing.T) {
	tests := []struct {
		kind plan.NodeKind
		scan bool
		join bool
	}{
		{plan.SeqScan, true, false},
		{plan.IndexScan, true, false},
		{plan.IndexOnlyScan, true, false},
		{plan.BitmapIndexScan, true, false},
		{plan.CteScan, true, false},
		{plan.NestedLoop, false, true},
		{plan.HashJoin, false, true},
		{plan.MergeJoin, false, true},
		{plan.Sort, false, false},
		{plan.Unknown, false, false},
	}
	for _, tc := range tests {
		n := &plan.PlanNode{Kind: tc.kind}
		if got := n.IsScan(); got != tc.scan {
			t.Errorf("%s: IsScan = %v, want %v", tc.kind, got, tc.scan)
		}
		if got := n.IsJoin(); got != tc.join {
			t.Errorf("%s: IsJoin = %v, want %v", tc.kind, got, tc.join)
		}
	}
	if !(&plan.PlanNode{Kind: plan.Result}).IsLeaf() {
		t.Fatal("childless node should be a leaf")
	}
}

func TestAddExtraKeepsFirstValue(t *testing.T) {
	n := &plan.PlanNode{Kind: plan.SeqScan}
	n.AddExtra("filtered", "10.00")
	n.AddExtra("filtered", "99.99")
	if got := n.Extra["filtered"]; got != "10.00" {
		t.Fatalf("Extra[filtered] = %v, want first value kept", got)
	}
	n.AddExtra("using_where", true)
	if len(n.Extra) != 2 {
		t.Fatalf("Extra has %d keys, want 2", len(n.Extra))
	}
}

func TestJSONShape(t *testing.T) {
	rows := uint64(100)
	n := &plan.PlanNode{
		Kind:          plan.IndexScan,
		Relation:      "users",
		IndexName:     "idx_email",
		EstimatedRows: &rows,
		Cost:          &plan.Cost{Startup: 0, Total: 10.5},
	}
	out, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(out)
	for _, want := range []string{`"kind":"IndexScan"`, `"index_name":"idx_email"`, `"estimated_rows":100`, `"total":10.5`} {
		if !strings.Contains(s, want) {
			t.Errorf("marshaled node missing %s: %s", want, s)
		}
	}
	for _, absent := range []string{"join_kind", "actual_rows", "filter_expression", "children"} {
		if strings.Contains(s, absent) {
			t.Errorf("zero field %s should be omitted: %s", absent, s)
		}
	}
}
