// Package postgres normalizes PostgreSQL EXPLAIN output: the FORMAT
// JSON document and the default text rendering with its -> markers.
package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/planscan/planscan/internal/config"
	"github.com/planscan/planscan/internal/plan"
)

var (
	// ErrEmptyOutput means the input held nothing to parse.
	ErrEmptyOutput = errors.New("postgres: empty explain output")
	// ErrInvalidJSON means the payload looked like JSON but is not.
	ErrInvalidJSON = errors.New("postgres: invalid explain json")
	// ErrMissingPlan means valid JSON without a Plan root.
	ErrMissingPlan = errors.New("postgres: missing plan root")
	// ErrInvalidStructure means the plan shape violated the format.
	ErrInvalidStructure = errors.New("postgres: invalid plan structure")
)

// Parse normalizes EXPLAIN output. Payloads starting with [ or { are
// treated as FORMAT JSON, anything else as the text rendering.
func Parse(raw string) (*plan.QueryPlan, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrEmptyOutput
	}
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		return parseJSON(trimmed)
	}
	return parseText(trimmed)
}

func parseJSON(raw string) (*plan.QueryPlan, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	entry, err := firstEntry(payload)
	if err != nil {
		return nil, err
	}
	planVal, ok := entry["Plan"]
	if !ok {
		return nil, ErrMissingPlan
	}
	planMap, ok := planVal.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: Plan is not an object", ErrInvalidStructure)
	}

	p := jsonParser{limit: config.Active().Parser.MaxDepth}
	root, err := p.node(planMap, 0)
	if err != nil {
		return nil, err
	}
	if t := asFloat(entry["Planning Time"]); t > 0 {
		root.AddExtra("planning_time_ms", t)
	}
	if t := asFloat(entry["Execution Time"]); t > 0 {
		root.AddExtra("execution_time_ms", t)
	}

	result := &plan.QueryPlan{Root: root}
	if root.Cost != nil {
		total := root.Cost.Total
		result.TotalCost = &total
	}
	return result, nil
}

// firstEntry unwraps the one-element array EXPLAIN (FORMAT JSON)
// emits; a bare object is accepted as well.
func firstEntry(payload any) (map[string]any, error) {
	switch v := payload.(type) {
	case []any:
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: empty explain array", ErrMissingPlan)
		}
		entry, ok := v[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: explain entry is not an object", ErrInvalidStructure)
		}
		return entry, nil
	case map[string]any:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unexpected top-level %T", ErrInvalidStructure, payload)
	}
}

type jsonParser struct {
	limit int
}

// nodeKinds maps the Node Type strings both output formats share onto
// the canonical kinds. Types with no canonical counterpart, Gather
// among them, come out as Unknown with the original name kept as the
// description.
var nodeKinds = map[string]plan.NodeKind{
	"Seq Scan":          plan.SeqScan,
	"Index Scan":        plan.IndexScan,
	"Index Only Scan":   plan.IndexOnlyScan,
	"Bitmap Index Scan": plan.BitmapIndexScan,
	"Bitmap Heap Scan":  plan.BitmapIndexScan,
	"Nested Loop":       plan.NestedLoop,
	"Hash Join":         plan.HashJoin,
	"Merge Join":        plan.MergeJoin,
	"Aggregate":         plan.Aggregate,
	"GroupAggregate":    plan.Aggregate,
	"HashAggregate":     plan.HashAggregate,
	"Sort":              plan.Sort,
	"Incremental Sort":  plan.Sort,
	"Unique":            plan.Unique,
	"Limit":             plan.Limit,
	"Append":            plan.Append,
	"Merge Append":      plan.MergeAppend,
	"SetOp":             plan.SetOp,
	"HashSetOp":         plan.SetOp,
	"Subquery Scan":     plan.SubqueryScan,
	"CTE Scan":          plan.CteScan,
	"WorkTable Scan":    plan.CteScan,
	"Values Scan":       plan.ValuesScan,
	"Materialize":       plan.Materialize,
	"Memoize":           plan.Materialize,
	"Hash":              plan.Hash,
	"Result":            plan.Result,
}

// knownKeys are the document keys with a canonical destination; the
// rest of a node object lands in extra untouched.
var knownKeys = map[string]struct{}{
	"Node Type":     {},
	"Strategy":      {},
	"Relation Name": {},
	"CTE Name":      {},
	"Index Name":    {},
	"Index Cond":    {},
	"Recheck Cond":  {},
	"Filter":        {},
	"Sort Method":   {},
	"Group Key":     {},
	"Sort Key":      {},
	"Hash Cond":     {},
	"Merge Cond":    {},
	"Join Type":     {},
	"Startup Cost":  {},
	"Total Cost":    {},
	"Plan Rows":     {},
	"Actual Rows":   {},
	"Plans":         {},
}

func nodeKind(nodeType, strategy string) plan.NodeKind {
	if nodeType == "Aggregate" {
		// The document says Aggregate and lets Strategy distinguish
		// hashed grouping from plain or sorted aggregation.
		if strategy == "Hashed" || strategy == "Mixed" {
			return plan.HashAggregate
		}
		return plan.Aggregate
	}
	if kind, ok := nodeKinds[nodeType]; ok {
		return kind
	}
	return plan.Unknown
}

func (p jsonParser) node(data map[string]any, depth int) (*plan.PlanNode, error) {
	if depth > p.limit {
		return nil, fmt.Errorf("%w: plans nested beyond %d levels", ErrInvalidStructure, p.limit)
	}
	nodeType := asString(data["Node Type"])
	if nodeType == "" {
		return nil, fmt.Errorf("%w: plan node without Node Type", ErrInvalidStructure)
	}

	node := &plan.PlanNode{Kind: nodeKind(nodeType, asString(data["Strategy"]))}
	if node.Kind == plan.Unknown {
		node.Description = nodeType
	}
	if nodeType == "Memoize" {
		node.AddExtra("memoize", true)
	}

	node.Relation = asString(data["Relation Name"])
	if node.Relation == "" {
		node.Relation = asString(data["CTE Name"])
	}
	node.IndexName = asString(data["Index Name"])
	node.IndexCondition = asString(data["Index Cond"])
	if node.IndexCondition == "" {
		node.IndexCondition = asString(data["Recheck Cond"])
	}
	node.FilterExpression = asString(data["Filter"])
	node.SortMethod = asString(data["Sort Method"])
	node.GroupKeys = asStringSlice(data["Group Key"])

	if _, ok := data["Total Cost"]; ok {
		node.Cost = &plan.Cost{
			Startup: asFloat(data["Startup Cost"]),
			Total:   asFloat(data["Total Cost"]),
		}
	}
	node.EstimatedRows = asRows(data["Plan Rows"])
	node.ActualRows = asRows(data["Actual Rows"])

	switch joinType := asString(data["Join Type"]); joinType {
	case "":
	case "Inner":
		node.JoinKind = plan.JoinInner
	case "Left":
		node.JoinKind = plan.JoinLeft
	case "Right":
		node.JoinKind = plan.JoinRight
	default:
		node.AddExtra("join_type", joinType)
	}

	if keys := asStringSlice(data["Sort Key"]); len(keys) > 0 {
		node.AddExtra("sort_key", keys)
	}
	if cond := asString(data["Hash Cond"]); cond != "" {
		node.AddExtra("hash_condition", cond)
	}
	if cond := asString(data["Merge Cond"]); cond != "" {
		node.AddExtra("merge_condition", cond)
	}

	for _, childVal := range asSlice(data["Plans"]) {
		childMap, ok := childVal.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: plan entry is not an object", ErrInvalidStructure)
		}
		child, err := p.node(childMap, depth+1)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}

	for key, value := range data {
		if _, ok := knownKeys[key]; ok {
			continue
		}
		node.AddExtra(extraKey(key), value)
	}
	return node, nil
}

var (
	costPattern   = regexp.MustCompile(`\(cost=([\d.]+)\.\.([\d.]+) rows=(\d+) width=\d+\)`)
	actualPattern = regexp.MustCompile(`\(actual (?:time=[\d.]+\.\.[\d.]+ )?rows=(\d+) loops=(\d+)\)`)
	rowsFooter    = regexp.MustCompile(`^\(\d+ rows?\)$`)
)

// parseText rebuilds the tree from the text rendering, where child
// nodes carry a -> marker and their nesting is the marker's column.
// Lines without a marker annotate the node above them.
func parseText(raw string) (*plan.QueryPlan, error) {
	type frame struct {
		indent int
		node   *plan.PlanNode
	}
	var (
		stack []frame
		roots []*plan.PlanNode
	)
	pop := func() {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(stack) > 0 {
			parent := stack[len(stack)-1].node
			parent.Children = append(parent.Children, top.node)
		} else {
			roots = append(roots, top.node)
		}
	}

	var planningTime, executionTime string
	for _, line := range strings.Split(raw, "\n") {
		text := strings.TrimSpace(line)
		if text == "" || text == "QUERY PLAN" || strings.Trim(text, "-") == "" {
			continue
		}
		if rowsFooter.MatchString(text) {
			continue
		}

		if head, ok := strings.CutPrefix(text, "->"); ok {
			indent := len(line) - len(strings.TrimLeft(line, " "))
			for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
				pop()
			}
			stack = append(stack, frame{indent: indent, node: headNode(strings.TrimSpace(head))})
			continue
		}
		if len(stack) == 0 && len(roots) == 0 {
			indent := len(line) - len(strings.TrimLeft(line, " "))
			stack = append(stack, frame{indent: indent, node: headNode(text)})
			continue
		}

		// Subplan labels carry no colon and are skipped; the timing
		// footer belongs to the whole plan, not the deepest node.
		key, value, ok := strings.Cut(text, ": ")
		if !ok || len(stack) == 0 {
			continue
		}
		switch key {
		case "Planning Time":
			planningTime = value
			continue
		case "Execution Time":
			executionTime = value
			continue
		}
		if value == "" {
			continue
		}
		applyProperty(stack[len(stack)-1].node, key, value)
	}
	for len(stack) > 0 {
		pop()
	}

	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: no plan lines", ErrInvalidStructure)
	}
	root := roots[0]
	if len(roots) > 1 {
		root = &plan.PlanNode{Kind: plan.Append, Children: roots}
	}
	if f, err := strconv.ParseFloat(firstField(planningTime), 64); err == nil {
		root.AddExtra("planning_time_ms", f)
	}
	if f, err := strconv.ParseFloat(firstField(executionTime), 64); err == nil {
		root.AddExtra("execution_time_ms", f)
	}

	result := &plan.QueryPlan{Root: root}
	if root.Cost != nil {
		total := root.Cost.Total
		result.TotalCost = &total
	}
	return result, nil
}

// headNode parses one node head line: the operator name, then the
// planner estimate and, under ANALYZE, the measured annotation.
func headNode(text string) *plan.PlanNode {
	name := text
	if idx := strings.Index(name, "  ("); idx >= 0 {
		name = name[:idx]
	}
	node := nameNode(strings.TrimSpace(name))

	if m := costPattern.FindStringSubmatch(text); m != nil {
		startup, _ := strconv.ParseFloat(m[1], 64)
		total, _ := strconv.ParseFloat(m[2], 64)
		node.Cost = &plan.Cost{Startup: startup, Total: total}
		if rows, err := strconv.ParseUint(m[3], 10, 64); err == nil {
			node.EstimatedRows = &rows
		}
	}
	if m := actualPattern.FindStringSubmatch(text); m != nil {
		if rows, err := strconv.ParseUint(m[1], 10, 64); err == nil {
			node.ActualRows = &rows
		}
		if loops, err := strconv.ParseUint(m[2], 10, 64); err == nil && loops != 1 {
			node.AddExtra("loops", loops)
		}
	}
	if strings.Contains(text, "(never executed)") {
		node.AddExtra("never_executed", true)
	}
	return node
}

// nameNode resolves an operator name like "Index Scan Backward using
// idx_users_email on users u" into kind, index and relation.
func nameNode(name string) *plan.PlanNode {
	node := &plan.PlanNode{}
	for _, qualifier := range []string{"Parallel ", "Finalize ", "Partial "} {
		if strings.HasPrefix(name, qualifier) {
			node.AddExtra(strings.ToLower(strings.TrimSpace(qualifier)), true)
			name = strings.TrimPrefix(name, qualifier)
		}
	}

	op := name
	var target string
	if before, after, ok := strings.Cut(name, " using "); ok {
		op = before
		if index, rel, ok := strings.Cut(after, " on "); ok {
			node.IndexName = index
			target = rel
		} else {
			node.IndexName = after
		}
	} else if before, after, ok := strings.Cut(name, " on "); ok {
		op = before
		target = after
	}
	if trimmed, ok := strings.CutSuffix(op, " Backward"); ok {
		op = trimmed
		node.AddExtra("backward", true)
	}

	if kind, direction, ok := splitJoinName(op); ok {
		node.Kind = kind
		switch direction {
		case "Inner":
			node.JoinKind = plan.JoinInner
		case "Left":
			node.JoinKind = plan.JoinLeft
		case "Right":
			node.JoinKind = plan.JoinRight
		default:
			node.AddExtra("join_type", direction)
		}
	} else if kind, ok := nodeKinds[op]; ok {
		node.Kind = kind
		if op == "Memoize" {
			node.AddExtra("memoize", true)
		}
	} else {
		node.Kind = plan.Unknown
		node.Description = name
	}

	if target != "" {
		fields := strings.Fields(target)
		if op == "Bitmap Index Scan" {
			// The bitmap leaf names its index after "on", not a table.
			node.IndexName = fields[0]
		} else {
			node.Relation = fields[0]
			if len(fields) > 1 {
				node.AddExtra("alias", fields[1])
			}
		}
	}
	return node
}

// splitJoinName recognizes the join spellings: a bare "Nested Loop",
// or "Hash"/"Merge"/"Nested Loop" followed by an optional direction
// and "Join".
func splitJoinName(op string) (plan.NodeKind, string, bool) {
	if op == "Nested Loop" {
		return plan.NestedLoop, "Inner", true
	}
	prefixes := []struct {
		prefix string
		kind   plan.NodeKind
	}{
		{"Nested Loop ", plan.NestedLoop},
		{"Hash ", plan.HashJoin},
		{"Merge ", plan.MergeJoin},
	}
	for _, entry := range prefixes {
		rest, ok := strings.CutPrefix(op, entry.prefix)
		if !ok {
			continue
		}
		direction, ok := strings.CutSuffix(rest, "Join")
		if !ok {
			continue
		}
		direction = strings.TrimSpace(direction)
		if direction == "" {
			direction = "Inner"
		}
		return entry.kind, direction, true
	}
	return "", "", false
}

func applyProperty(node *plan.PlanNode, key, value string) {
	switch key {
	case "Sort Key":
		node.AddExtra("sort_key", splitList(value))
	case "Sort Method":
		node.SortMethod = value
	case "Group Key":
		node.GroupKeys = splitList(value)
	case "Index Cond":
		node.IndexCondition = value
	case "Recheck Cond":
		if node.IndexCondition == "" {
			node.IndexCondition = value
		} else {
			node.AddExtra("recheck_condition", value)
		}
	case "Filter":
		node.FilterExpression = value
	case "Hash Cond":
		node.AddExtra("hash_condition", value)
	case "Merge Cond":
		node.AddExtra("merge_condition", value)
	case "Join Filter":
		node.AddExtra("join_filter", value)
	default:
		node.AddExtra(extraKey(key), value)
	}
}

// extraKey turns a document key like "Plan Width" into the
// snake_case form the extra map uses.
func extraKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, " ", "_")
	return strings.ReplaceAll(key, "/", "_")
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ", ") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func firstField(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func asString(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func asFloat(val any) float64 {
	switch v := val.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func asRows(val any) *uint64 {
	num, ok := val.(json.Number)
	if !ok {
		return nil
	}
	if i, err := num.Int64(); err == nil && i >= 0 {
		rows := uint64(i)
		return &rows
	}
	if f, err := num.Float64(); err == nil && f >= 0 {
		rows := uint64(math.Round(f))
		return &rows
	}
	return nil
}

func asSlice(val any) []any {
	if items, ok := val.([]any); ok {
		return items
	}
	return nil
}

func asStringSlice(val any) []string {
	items, ok := val.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, asString(item))
	}
	return out
}
