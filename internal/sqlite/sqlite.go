// Package sqlite normalizes SQLite EXPLAIN QUERY PLAN output in the
// three shapes the shell and drivers produce: the indented tree, the
// four-column select-id table, and bare operation lines.
package sqlite

import (
	"errors"
	"strconv"
	"strings"

	"github.com/planscan/planscan/internal/detail"
	"github.com/planscan/planscan/internal/plan"
)

var (
	// ErrEmptyOutput means the input held no plan lines at all.
	ErrEmptyOutput = errors.New("sqlite: empty explain output")
	// ErrInvalidStructure means lines were present but unusable.
	ErrInvalidStructure = errors.New("sqlite: invalid plan structure")
	// ErrUnrecognizedOperation is reserved for a strict mode; the
	// default policy keeps unknown sentences as Unknown nodes.
	ErrUnrecognizedOperation = errors.New("sqlite: unrecognized operation")
)

// Parse normalizes EXPLAIN QUERY PLAN output, picking the format from
// the shape of the first line: a QUERY PLAN header or branch markers
// mean the tree form, a leading select-id row the tabular form, and
// anything else is treated as one operation per line.
func Parse(raw string) (*plan.QueryPlan, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrEmptyOutput
	}
	switch {
	case strings.HasPrefix(trimmed, "QUERY PLAN"),
		strings.Contains(trimmed, "|--"),
		strings.Contains(trimmed, "`--"):
		return parseTree(trimmed)
	case looksTabular(trimmed):
		return parseSelectID(trimmed)
	default:
		return parseLines(trimmed)
	}
}

func looksTabular(trimmed string) bool {
	if !strings.Contains(trimmed, "|") {
		return false
	}
	first, _, _ := strings.Cut(trimmed, "\n")
	parts := strings.Split(first, "|")
	if len(parts) < 4 {
		return false
	}
	_, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	return err == nil
}

// parseTree rebuilds the plan from the indentation of |-- and `--
// branches. Nodes attach to the nearest shallower line; several
// top-level branches get an Append root.
func parseTree(input string) (*plan.QueryPlan, error) {
	lines := strings.Split(input, "\n")
	start := 0
	if strings.HasPrefix(strings.TrimSpace(lines[0]), "QUERY PLAN") {
		start = 1
	}
	if start >= len(lines) {
		return &plan.QueryPlan{Root: &plan.PlanNode{Kind: plan.Result}}, nil
	}

	type frame struct {
		indent int
		node   *plan.PlanNode
	}
	var roots []*plan.PlanNode
	var stack []frame

	pop := func() {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			roots = append(roots, top.node)
			return
		}
		parent := stack[len(stack)-1].node
		parent.Children = append(parent.Children, top.node)
	}

	for _, line := range lines[start:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent, sentence := splitTreeLine(line)
		node := detail.Classify(sentence)
		for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
			pop()
		}
		stack = append(stack, frame{indent: indent, node: node})
	}
	for len(stack) > 0 {
		pop()
	}

	var root *plan.PlanNode
	switch len(roots) {
	case 0:
		root = &plan.PlanNode{Kind: plan.Result}
	case 1:
		root = roots[0]
	default:
		root = &plan.PlanNode{Kind: plan.Append, Children: roots}
	}
	return &plan.QueryPlan{Root: root}, nil
}

// splitTreeLine separates the branch-drawing prefix from the operation
// sentence. Spaces and pipes count toward depth; the -- and `-- branch
// markers themselves do not.
func splitTreeLine(line string) (int, string) {
	indent := 0
	i := 0
walk:
	for i < len(line) {
		switch line[i] {
		case ' ', '|':
			indent++
			i++
		case '-':
			i++
			if i < len(line) && line[i] == '-' {
				i++
			}
			break walk
		case '`':
			i++
			for dashes := 0; dashes < 2 && i < len(line) && line[i] == '-'; dashes++ {
				i++
			}
			break walk
		default:
			break walk
		}
	}
	return indent, strings.TrimSpace(line[i:])
}

// parseSelectID handles id|parent|notused|detail rows. Only the first
// three separators split the line, so pipes inside the detail text
// survive.
func parseSelectID(input string) (*plan.QueryPlan, error) {
	var nodes []*plan.PlanNode
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) < 4 {
			continue
		}
		nodes = append(nodes, detail.Classify(parts[3]))
	}
	if len(nodes) == 0 {
		return nil, ErrEmptyOutput
	}
	return &plan.QueryPlan{Root: foldJoin(nodes)}, nil
}

func parseLines(input string) (*plan.QueryPlan, error) {
	var nodes []*plan.PlanNode
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		nodes = append(nodes, detail.Classify(line))
	}
	if len(nodes) == 0 {
		return nil, ErrEmptyOutput
	}
	return &plan.QueryPlan{Root: foldJoin(nodes)}, nil
}

// foldJoin folds sibling operations into a left-deep join tree. The
// flat formats carry no join direction, so Inner is assumed.
func foldJoin(nodes []*plan.PlanNode) *plan.PlanNode {
	current := nodes[0]
	for _, next := range nodes[1:] {
		current = &plan.PlanNode{
			Kind:     plan.NestedLoop,
			JoinKind: plan.JoinInner,
			Children: []*plan.PlanNode{current, next},
		}
	}
	return current
}
