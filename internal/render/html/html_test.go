package html_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/planscan/planscan/internal/plan"
	"github.com/planscan/planscan/internal/render/html"
)

func rowCount(n uint64) *uint64 { return &n }

func reportPlan() *plan.QueryPlan {
	users := &plan.PlanNode{
		Kind:             plan.SeqScan,
		Relation:         "users",
		FilterExpression: "(active = true)",
		Cost:             &plan.Cost{Total: 15.5},
		EstimatedRows:    rowCount(550),
	}
	orders := &plan.PlanNode{
		Kind:           plan.IndexScan,
		Relation:       "orders",
		IndexName:      "idx_orders_user",
		IndexCondition: "user_id = u.id",
		EstimatedRows:  rowCount(5),
	}
	join := &plan.PlanNode{
		Kind:     plan.HashJoin,
		JoinKind: plan.JoinLeft,
		Children: []*plan.PlanNode{users, orders},
	}
	total := 124.3
	return &plan.QueryPlan{Root: join, TotalCost: &total}
}

func TestRenderHTML(t *testing.T) {
	var buf bytes.Buffer
	if err := html.Render(&buf, reportPlan(), html.Options{Title: "orders by user", IncludeStyles: true}); err != nil {
		t.Fatalf("render html: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"<title>orders by user</title>",
		"<style>",
		"HashJoin [Left]",
		"node-card scan",
		"SeqScan users",
		"IndexScan orders (idx_orders_user)",
		"Full table scans: users",
		"IndexScan (idx_orders_user)",
		"filter (active = true)",
	} {
		if !strings.Contains(output, want) {
			t.Fatalf("expected html output to contain %q", want)
		}
	}
}

func TestRenderHTMLDefaults(t *testing.T) {
	var buf bytes.Buffer
	if err := html.Render(&buf, reportPlan(), html.Options{}); err != nil {
		t.Fatalf("render html: %v", err)
	}
	output := buf.String()

	if !strings.Contains(output, "<title>planscan report</title>") {
		t.Fatalf("expected default title, got:\n%s", output)
	}
	if strings.Contains(output, "<style>") {
		t.Fatalf("expected no inline styles by default")
	}
}

func TestRenderHTMLEscapesConditions(t *testing.T) {
	p := &plan.QueryPlan{Root: &plan.PlanNode{
		Kind:             plan.SeqScan,
		Relation:         "events",
		FilterExpression: "payload <> '<script>'",
	}}

	var buf bytes.Buffer
	if err := html.Render(&buf, p, html.Options{}); err != nil {
		t.Fatalf("render html: %v", err)
	}
	if strings.Contains(buf.String(), "<script>") {
		t.Fatalf("expected filter expression to be escaped")
	}
	if !strings.Contains(buf.String(), "&lt;script&gt;") {
		t.Fatalf("expected escaped filter expression in output")
	}
}

func TestRenderHTMLEmptyPlan(t *testing.T) {
	var buf bytes.Buffer
	if err := html.Render(&buf, nil, html.Options{}); err == nil {
		t.Fatal("expected error for nil plan")
	}
	if err := html.Render(&buf, &plan.QueryPlan{}, html.Options{}); err == nil {
		t.Fatal("expected error for plan without root")
	}
}
