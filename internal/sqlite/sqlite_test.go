package sqlite_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/planscan/planscan/internal/plan"
	"github.com/planscan/planscan/internal/sqlite"
	"github.com/planscan/planscan/test"
)

func parseOne(t *testing.T, raw string) *plan.QueryPlan {
	t.Helper()
	p, err := sqlite.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Root == nil {
		t.Fatal("parse returned plan without root")
	}
	return p
}

func TestParseTreeSingleScan(t *testing.T) {
	p := parseOne(t, "QUERY PLAN\n`--SCAN users")
	if p.Root.Kind != plan.SeqScan || p.Root.Relation != "users" {
		t.Fatalf("root = %s %q, want SeqScan users", p.Root.Kind, p.Root.Relation)
	}
	if len(p.Root.Children) != 0 {
		t.Fatalf("children = %d, want none", len(p.Root.Children))
	}
}

func TestParseTreeTwoSiblings(t *testing.T) {
	p := parseOne(t, "QUERY PLAN\n|--SCAN users\n`--SEARCH orders USING INDEX idx_user (user_id=?)")
	root := p.Root
	if root.Kind != plan.Append || len(root.Children) != 2 {
		t.Fatalf("root = %s with %d children, want Append with 2", root.Kind, len(root.Children))
	}
	first, second := root.Children[0], root.Children[1]
	if first.Kind != plan.SeqScan || first.Relation != "users" {
		t.Fatalf("first child = %s %q", first.Kind, first.Relation)
	}
	if second.Kind != plan.IndexScan || second.Relation != "orders" {
		t.Fatalf("second child = %s %q", second.Kind, second.Relation)
	}
	if second.IndexName != "idx_user" || second.IndexCondition != "user_id=?" {
		t.Fatalf("index fields = %q (%q)", second.IndexName, second.IndexCondition)
	}
}

func TestParseTreeThreeSiblings(t *testing.T) {
	p := parseOne(t, "QUERY PLAN\n|--SCAN a\n|--SCAN b\n`--SCAN c")
	if p.Root.Kind != plan.Append || len(p.Root.Children) != 3 {
		t.Fatalf("root = %s with %d children", p.Root.Kind, len(p.Root.Children))
	}
	for i, want := range []string{"a", "b", "c"} {
		if got := p.Root.Children[i].Relation; got != want {
			t.Errorf("child %d = %q, want %q", i, got, want)
		}
	}
}

func TestParseTreeNestedChildren(t *testing.T) {
	raw := "QUERY PLAN\n" +
		"`--MERGE (UNION ALL)\n" +
		"   |--SCAN t1\n" +
		"   `--SCAN t2"
	p := parseOne(t, raw)
	root := p.Root
	if root.Kind != plan.MergeAppend {
		t.Fatalf("root = %s, want MergeAppend", root.Kind)
	}
	if len(root.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(root.Children))
	}
	if root.Children[0].Relation != "t1" || root.Children[1].Relation != "t2" {
		t.Fatalf("children = %q, %q", root.Children[0].Relation, root.Children[1].Relation)
	}
}

func TestParseTreeCorrelatedSubquery(t *testing.T) {
	raw := "QUERY PLAN\n" +
		"|--SCAN users\n" +
		"`--CORRELATED SCALAR SUBQUERY 1\n" +
		"   `--SEARCH orders USING INDEX idx_o (user_id=?)"
	p := parseOne(t, raw)
	root := p.Root
	if root.Kind != plan.Append || len(root.Children) != 2 {
		t.Fatalf("root = %s with %d children", root.Kind, len(root.Children))
	}
	sub := root.Children[1]
	if sub.Kind != plan.SubqueryScan || sub.Extra["correlated"] != true {
		t.Fatalf("subquery node = %s extra %v", sub.Kind, sub.Extra)
	}
	if len(sub.Children) != 1 || sub.Children[0].Kind != plan.IndexScan {
		t.Fatalf("subquery children = %+v", sub.Children)
	}
}

func TestParseTreeTempBTree(t *testing.T) {
	p := parseOne(t, "QUERY PLAN\n|--SCAN users\n`--USE TEMP B-TREE FOR ORDER BY")
	if p.Root.Kind != plan.Append {
		t.Fatalf("root = %s", p.Root.Kind)
	}
	sort := p.Root.Children[1]
	if sort.Kind != plan.Sort || sort.Extra["using_temp_btree"] != true {
		t.Fatalf("sort node = %s extra %v", sort.Kind, sort.Extra)
	}

	p = parseOne(t, "QUERY PLAN\n|--SCAN users\n`--USE TEMP B-TREE FOR DISTINCT")
	if p.Root.Children[1].Kind != plan.Unique {
		t.Fatalf("distinct node = %s, want Unique", p.Root.Children[1].Kind)
	}

	p = parseOne(t, "QUERY PLAN\n|--SCAN sales\n`--USE TEMP B-TREE FOR GROUP BY")
	if p.Root.Children[1].Kind != plan.HashAggregate {
		t.Fatalf("group node = %s, want HashAggregate", p.Root.Children[1].Kind)
	}
}

func TestParseTreeCoveringIndex(t *testing.T) {
	p := parseOne(t, "QUERY PLAN\n`--SCAN items USING COVERING INDEX idx_all")
	if p.Root.Kind != plan.IndexOnlyScan || p.Root.IndexName != "idx_all" {
		t.Fatalf("root = %s %q", p.Root.Kind, p.Root.IndexName)
	}
	if p.HasFullScan() {
		t.Fatal("covering index scan should not count as a full scan")
	}
}

func TestParseTreeRowidSearch(t *testing.T) {
	p := parseOne(t, "QUERY PLAN\n`--SEARCH users USING INTEGER PRIMARY KEY (rowid=?)")
	if p.Root.Kind != plan.IndexScan || p.Root.IndexName != "PRIMARY KEY" {
		t.Fatalf("root = %s %q", p.Root.Kind, p.Root.IndexName)
	}
	if p.Root.IndexCondition != "rowid=?" {
		t.Fatalf("condition = %q", p.Root.IndexCondition)
	}
}

func TestParseTreeCoroutine(t *testing.T) {
	raw := "QUERY PLAN\n" +
		"|--CO-ROUTINE temp_cte\n" +
		"|  `--SCAN items\n" +
		"`--SCAN temp_cte"
	p := parseOne(t, raw)
	root := p.Root
	if root.Kind != plan.Append || len(root.Children) != 2 {
		t.Fatalf("root = %s with %d children", root.Kind, len(root.Children))
	}
	cte := root.Children[0]
	if cte.Kind != plan.CteScan || cte.Relation != "temp_cte" {
		t.Fatalf("cte node = %s %q", cte.Kind, cte.Relation)
	}
	if len(cte.Children) != 1 || cte.Children[0].Relation != "items" {
		t.Fatalf("cte children = %+v", cte.Children)
	}
}

func TestParseTreeMaterialize(t *testing.T) {
	raw := "QUERY PLAN\n" +
		"|--MATERIALIZE 1\n" +
		"|  `--SCAN big_table\n" +
		"`--SCAN other"
	p := parseOne(t, raw)
	if p.Root.Children[0].Kind != plan.Materialize {
		t.Fatalf("first child = %s, want Materialize", p.Root.Children[0].Kind)
	}
}

func TestParseTreeJoinDirections(t *testing.T) {
	p := parseOne(t, "QUERY PLAN\n`--LEFT-JOIN\n   |--SCAN a\n   `--SCAN b")
	if p.Root.Kind != plan.NestedLoop || p.Root.JoinKind != plan.JoinLeft {
		t.Fatalf("root = %s/%s, want NestedLoop/Left", p.Root.Kind, p.Root.JoinKind)
	}
	if len(p.Root.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(p.Root.Children))
	}

	p = parseOne(t, "QUERY PLAN\n`--RIGHT-JOIN\n   |--SCAN a\n   `--SCAN b")
	if p.Root.JoinKind != plan.JoinRight {
		t.Fatalf("join kind = %s, want Right", p.Root.JoinKind)
	}
}

func TestParseTreeHeaderlessInput(t *testing.T) {
	p := parseOne(t, "|--SCAN users\n`--SEARCH orders USING INDEX idx (user_id=?)")
	if p.Root.Kind != plan.Append || len(p.Root.Children) != 2 {
		t.Fatalf("root = %s with %d children", p.Root.Kind, len(p.Root.Children))
	}
}

func TestParseTreeHeaderOnly(t *testing.T) {
	p := parseOne(t, "QUERY PLAN")
	if p.Root.Kind != plan.Result {
		t.Fatalf("root = %s, want Result", p.Root.Kind)
	}
}

func TestParseTreeUnknownOperation(t *testing.T) {
	p := parseOne(t, "QUERY PLAN\n`--CALIBRATE FLUX CAPACITOR")
	if p.Root.Kind != plan.Unknown {
		t.Fatalf("root = %s, want Unknown", p.Root.Kind)
	}
	if p.Root.Description != "CALIBRATE FLUX CAPACITOR" {
		t.Fatalf("description = %q, want verbatim sentence", p.Root.Description)
	}
}

func TestParseSelectIDSingleRow(t *testing.T) {
	p := parseOne(t, "0|0|0|SCAN users")
	if p.Root.Kind != plan.SeqScan || p.Root.Relation != "users" {
		t.Fatalf("root = %s %q", p.Root.Kind, p.Root.Relation)
	}
}

func TestParseSelectIDTwoRows(t *testing.T) {
	p := parseOne(t, "0|0|0|SCAN users\n0|1|1|SEARCH orders USING INDEX idx_user_id (user_id=?)")
	root := p.Root
	if root.Kind != plan.NestedLoop || root.JoinKind != plan.JoinInner {
		t.Fatalf("root = %s/%s", root.Kind, root.JoinKind)
	}
	if root.Children[0].Kind != plan.SeqScan || root.Children[1].Kind != plan.IndexScan {
		t.Fatalf("children = %s, %s", root.Children[0].Kind, root.Children[1].Kind)
	}
}

func TestParseSelectIDKeepsPipesInDetail(t *testing.T) {
	p := parseOne(t, "0|0|0|SCAN users")
	again := parseOne(t, "0 | 0 | 0 | SCAN users")
	if p.Root.Kind != again.Root.Kind || p.Root.Relation != again.Root.Relation {
		t.Fatalf("padded row parsed differently: %+v vs %+v", p.Root, again.Root)
	}
}

func TestParseSimpleLines(t *testing.T) {
	p := parseOne(t, "SCAN users")
	if p.Root.Kind != plan.SeqScan || p.Root.Relation != "users" {
		t.Fatalf("root = %s %q", p.Root.Kind, p.Root.Relation)
	}

	p = parseOne(t, "SCAN users\nSEARCH orders USING INDEX idx_user_id (user_id=?)")
	if p.Root.Kind != plan.NestedLoop {
		t.Fatalf("root = %s, want NestedLoop fold", p.Root.Kind)
	}
}

func TestParseEmptyInput(t *testing.T) {
	for _, raw := range []string{"", "   \n\t  "} {
		if _, err := sqlite.Parse(raw); !errors.Is(err, sqlite.ErrEmptyOutput) {
			t.Fatalf("Parse(%q) err = %v, want ErrEmptyOutput", raw, err)
		}
	}
}

func TestParseIdempotent(t *testing.T) {
	raw := "QUERY PLAN\n" +
		"|--SCAN users\n" +
		"`--CORRELATED SCALAR SUBQUERY 1\n" +
		"   `--SEARCH orders USING INDEX idx_o (user_id=?)"
	first := parseOne(t, raw)
	second := parseOne(t, raw)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("parsing the same payload twice produced different plans")
	}
}

func TestFindScansAcrossFormats(t *testing.T) {
	p := parseOne(t, "QUERY PLAN\n|--SCAN users\n|--SCAN orders\n`--USE TEMP B-TREE FOR ORDER BY")
	if scans := p.FindByKind(plan.SeqScan); len(scans) != 2 {
		t.Fatalf("found %d scans, want 2", len(scans))
	}
	if !p.HasFullScan() {
		t.Fatal("expected full scans to be reported")
	}
}

func TestParseSampleTree(t *testing.T) {
	p := parseOne(t, test.LoadSample(t, "sqlite_tree.txt"))
	root := p.Root
	if root.Kind != plan.Append || len(root.Children) != 3 {
		t.Fatalf("root = %s with %d children, want Append with 3", root.Kind, len(root.Children))
	}
	scan, search, sorted := root.Children[0], root.Children[1], root.Children[2]
	if scan.Kind != plan.SeqScan || scan.Relation != "users" {
		t.Fatalf("first branch = %s %q", scan.Kind, scan.Relation)
	}
	if search.Kind != plan.IndexScan || search.IndexName != "idx_orders_user" {
		t.Fatalf("second branch = %s %q", search.Kind, search.IndexName)
	}
	if search.IndexCondition != "user_id=?" {
		t.Fatalf("second branch condition = %q", search.IndexCondition)
	}
	if sorted.Kind != plan.Sort {
		t.Fatalf("third branch = %s, want Sort", sorted.Kind)
	}
}

func TestParseSampleSelectID(t *testing.T) {
	p := parseOne(t, test.LoadSample(t, "sqlite_selectid.txt"))
	if got := p.NodeCount(); got != 5 {
		t.Fatalf("node count = %d, want 5", got)
	}
	if !p.HasFullScan() {
		t.Fatal("expected the users scan to register as a full scan")
	}
	scans := p.FindByKind(plan.SeqScan)
	if len(scans) != 1 || scans[0].Relation != "users" {
		t.Fatalf("seq scans = %+v", scans)
	}
}
