// Package tui renders a normalized plan as an ASCII tree for the terminal.
package tui

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/planscan/planscan/internal/plan"
	"github.com/planscan/planscan/internal/summary"
)

// Options controls how the TUI renderer behaves.
type Options struct {
	EnableColor bool
	MaxDepth    int
}

// Render prints an ASCII tree of the plan with a short header of structural facts.
func Render(w io.Writer, p *plan.QueryPlan, opts Options) error {
	if w == nil {
		return errors.New("tui: writer is nil")
	}
	if p == nil || p.Root == nil {
		return errors.New("tui: empty plan")
	}

	facts := summary.Summarize(p)
	_, _ = fmt.Fprintf(w, "Nodes %d | Depth %d | Scans %d | Joins %d\n", facts.NodeCount, facts.Depth, facts.ScanCount, facts.JoinCount)
	if facts.TotalCost != nil {
		_, _ = fmt.Fprintf(w, "Total cost %.2f\n", *facts.TotalCost)
	}
	if len(facts.Tables) > 0 {
		_, _ = fmt.Fprintf(w, "Tables: %s\n", strings.Join(facts.Tables, ", "))
	}
	if len(facts.FullScans) > 0 {
		_, _ = fmt.Fprintf(w, "Full table scans: %s\n", strings.Join(facts.FullScans, ", "))
	}
	_, _ = fmt.Fprintln(w)

	_, _ = fmt.Fprintf(w, "%s\n", renderLine(p.Root, opts))
	printChildren(w, p.Root, "", 1, opts)

	return nil
}

func printChildren(w io.Writer, parent *plan.PlanNode, prefix string, depth int, opts Options) {
	for i, child := range parent.Children {
		renderBranch(w, child, prefix, depth, i == len(parent.Children)-1, opts)
	}
}

func renderBranch(w io.Writer, node *plan.PlanNode, prefix string, depth int, isLast bool, opts Options) {
	connector := "|-- "
	childPrefix := prefix + "|   "
	if isLast {
		connector = "`-- "
		childPrefix = prefix + "    "
	}

	line := renderLine(node, opts)
	_, _ = fmt.Fprintf(w, "%s%s%s\n", prefix, connector, line)

	if opts.MaxDepth > 0 && depth >= opts.MaxDepth {
		if len(node.Children) > 0 {
			_, _ = fmt.Fprintf(w, "%s`-- ... (%d more nodes)\n", childPrefix, countDescendants(node))
		}
		return
	}

	printChildren(w, node, childPrefix, depth+1, opts)
}

func renderLine(node *plan.PlanNode, opts Options) string {
	label := string(node.Kind)
	if node.JoinKind != "" {
		label += " [" + string(node.JoinKind) + "]"
	}
	if node.Relation != "" {
		label += " " + node.Relation
	}
	if node.IndexName != "" {
		label += " (" + node.IndexName + ")"
	}
	if opts.EnableColor {
		label = applyColor(label, pickColor(node))
	}

	parts := []string{label}
	if node.Cost != nil {
		parts = append(parts, fmt.Sprintf("cost %.2f..%.2f", node.Cost.Startup, node.Cost.Total))
	}
	if rowInfo := formatRows(node); rowInfo != "" {
		parts = append(parts, rowInfo)
	}
	if node.IndexCondition != "" {
		parts = append(parts, "cond "+node.IndexCondition)
	}
	if node.FilterExpression != "" {
		parts = append(parts, "filter "+node.FilterExpression)
	}
	if node.Kind == plan.Unknown && node.Description != "" {
		parts = append(parts, node.Description)
	}

	return strings.Join(parts, " | ")
}

func formatRows(node *plan.PlanNode) string {
	switch {
	case node.ActualRows != nil && node.EstimatedRows != nil:
		return fmt.Sprintf("rows %d (est %d)", *node.ActualRows, *node.EstimatedRows)
	case node.ActualRows != nil:
		return fmt.Sprintf("rows %d", *node.ActualRows)
	case node.EstimatedRows != nil:
		return fmt.Sprintf("rows ~%d", *node.EstimatedRows)
	default:
		return ""
	}
}

// pickColor classifies by node category, not by severity. Unknown is red
// because it marks an operator the normalizer could not classify.
func pickColor(node *plan.PlanNode) string {
	switch {
	case node.Kind == plan.Unknown:
		return "red"
	case node.IsScan():
		return "cyan"
	case node.IsJoin():
		return "yellow"
	default:
		return ""
	}
}

func applyColor(text, color string) string {
	code := ""
	switch color {
	case "red":
		code = "\033[31m"
	case "yellow":
		code = "\033[33m"
	case "cyan":
		code = "\033[36m"
	default:
		return text
	}
	return code + text + "\033[0m"
}

func countDescendants(node *plan.PlanNode) int {
	total := 0
	var walk func(*plan.PlanNode)
	walk = func(n *plan.PlanNode) {
		for _, child := range n.Children {
			total++
			walk(child)
		}
	}
	walk(node)
	return total
}
