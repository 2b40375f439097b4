// Package mysql normalizes MySQL EXPLAIN output: the FORMAT=JSON
// document with its query_block tree, and the traditional tabular
// form, both tab- and pipe-separated.
package mysql

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"

	"github.com/planscan/planscan/internal/config"
	"github.com/planscan/planscan/internal/detail"
	"github.com/planscan/planscan/internal/plan"
)

var (
	// ErrEmptyOutput means the input held nothing to parse.
	ErrEmptyOutput = errors.New("mysql: empty explain output")
	// ErrInvalidJSON means the payload looked like JSON but is not.
	ErrInvalidJSON = errors.New("mysql: invalid explain json")
	// ErrMissingQueryBlock means valid JSON without a query_block root.
	ErrMissingQueryBlock = errors.New("mysql: missing query_block")
	// ErrInvalidStructure means the plan shape violated the format.
	ErrInvalidStructure = errors.New("mysql: invalid plan structure")
	// ErrUnsupportedFormat is reserved for the dispatcher; the two
	// known families currently cover every payload.
	ErrUnsupportedFormat = errors.New("mysql: unsupported explain format")
)

// Parse normalizes EXPLAIN output. A payload starting with { is
// treated as FORMAT=JSON, anything else as tabular.
func Parse(raw string) (*plan.QueryPlan, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrEmptyOutput
	}
	if strings.HasPrefix(trimmed, "{") {
		return parseJSON(trimmed)
	}
	return parseTabular(trimmed)
}

func parseJSON(raw string) (*plan.QueryPlan, error) {
	data := []byte(raw)
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}
	block, _, _, err := jsonparser.Get(data, "query_block")
	if err != nil {
		return nil, ErrMissingQueryBlock
	}

	p := jsonParser{limit: config.Active().Parser.MaxDepth}
	root, err := p.queryBlock(block, 0)
	if err != nil {
		return nil, err
	}
	result := &plan.QueryPlan{Root: root}
	if cost, err := costField(block, "cost_info", "query_cost"); err == nil {
		result.TotalCost = &cost
	}
	return result, nil
}

type jsonParser struct {
	limit int
}

// wrapperKeys lists the shapes a query_block can take, outermost
// first. The first key present decides how the block parses, so a
// block carrying both an ordering_operation and a table resolves to
// the Sort.
var wrapperKeys = []string{
	"ordering_operation",
	"grouping_operation",
	"duplicates_removal",
	"nested_loop",
	"table",
	"union_result",
}

func firstWrapper(block []byte) (string, []byte) {
	for _, key := range wrapperKeys {
		if value, _, _, err := jsonparser.Get(block, key); err == nil {
			return key, value
		}
	}
	return "", nil
}

// queryBlock resolves one query_block. A block carrying none of the
// known wrapper keys degrades to a bare Result node.
func (p jsonParser) queryBlock(block []byte, depth int) (*plan.PlanNode, error) {
	if depth > p.limit {
		return nil, fmt.Errorf("%w: query blocks nested beyond %d levels", ErrInvalidStructure, p.limit)
	}
	key, value := firstWrapper(block)
	switch key {
	case "ordering_operation":
		return p.ordering(value, depth)
	case "grouping_operation":
		return p.grouping(value, depth)
	case "duplicates_removal":
		return p.duplicates(value, depth)
	case "nested_loop":
		return p.nestedLoop(value, depth)
	case "table":
		return p.tableAccess(value, depth), nil
	case "union_result":
		return p.unionResult(value, depth), nil
	default:
		return &plan.PlanNode{Kind: plan.Result}, nil
	}
}

func (p jsonParser) ordering(ordering []byte, depth int) (*plan.PlanNode, error) {
	node := &plan.PlanNode{Kind: plan.Sort}
	if v, err := jsonparser.GetBoolean(ordering, "using_filesort"); err == nil && v {
		node.SortMethod = "filesort"
	}
	if v, err := jsonparser.GetBoolean(ordering, "using_temporary_table"); err == nil && v {
		node.AddExtra("using_temporary_table", true)
	}
	if loop, _, _, err := jsonparser.Get(ordering, "nested_loop"); err == nil {
		child, err := p.nestedLoop(loop, depth)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	} else if table, _, _, err := jsonparser.Get(ordering, "table"); err == nil {
		node.Children = append(node.Children, p.tableAccess(table, depth))
	} else if grouping, _, _, err := jsonparser.Get(ordering, "grouping_operation"); err == nil {
		child, err := p.grouping(grouping, depth)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	} else if distinct, _, _, err := jsonparser.Get(ordering, "duplicates_removal"); err == nil {
		child, err := p.duplicates(distinct, depth)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

func (p jsonParser) grouping(grouping []byte, depth int) (*plan.PlanNode, error) {
	node := &plan.PlanNode{Kind: plan.Aggregate}
	if cols := stringArray(grouping, "group_by_columns"); len(cols) > 0 {
		node.GroupKeys = cols
	}
	// A temporary table means the server hashed the groups.
	if v, err := jsonparser.GetBoolean(grouping, "using_temporary_table"); err == nil && v {
		node.Kind = plan.HashAggregate
	}
	if v, err := jsonparser.GetBoolean(grouping, "using_filesort"); err == nil && v {
		node.AddExtra("using_filesort", true)
	}
	if loop, _, _, err := jsonparser.Get(grouping, "nested_loop"); err == nil {
		child, err := p.nestedLoop(loop, depth)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	} else if table, _, _, err := jsonparser.Get(grouping, "table"); err == nil {
		node.Children = append(node.Children, p.tableAccess(table, depth))
	}
	return node, nil
}

func (p jsonParser) duplicates(distinct []byte, depth int) (*plan.PlanNode, error) {
	node := &plan.PlanNode{Kind: plan.Unique}
	if loop, _, _, err := jsonparser.Get(distinct, "nested_loop"); err == nil {
		child, err := p.nestedLoop(loop, depth)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, child)
	} else if table, _, _, err := jsonparser.Get(distinct, "table"); err == nil {
		node.Children = append(node.Children, p.tableAccess(table, depth))
	}
	return node, nil
}

// nestedLoop folds the flat join array MySQL emits into a left-deep
// tree of Inner nested-loop nodes.
func (p jsonParser) nestedLoop(loop []byte, depth int) (*plan.PlanNode, error) {
	var entries [][]byte
	_, err := jsonparser.ArrayEach(loop, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
		entries = append(entries, value)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: nested_loop is not an array", ErrInvalidStructure)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: empty nested_loop", ErrInvalidStructure)
	}

	var children []*plan.PlanNode
	for _, entry := range entries {
		table, _, _, err := jsonparser.Get(entry, "table")
		if err != nil {
			continue
		}
		children = append(children, p.tableAccess(table, depth))
	}
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: nested_loop has no table entries", ErrInvalidStructure)
	}
	if len(children) == 1 {
		return children[0], nil
	}
	return foldJoin(children), nil
}

func (p jsonParser) tableAccess(table []byte, depth int) *plan.PlanNode {
	accessType := "ALL"
	if s, err := jsonparser.GetString(table, "access_type"); err == nil {
		accessType = s
	}
	node := &plan.PlanNode{Kind: accessKind(accessType)}

	if name, err := jsonparser.GetString(table, "table_name"); err == nil {
		node.Relation = name
	}
	if readCost, err := costField(table, "cost_info", "read_cost"); err == nil {
		evalCost, evalErr := costField(table, "cost_info", "eval_cost")
		if evalErr != nil {
			evalCost = 0
		}
		node.Cost = &plan.Cost{Total: readCost + evalCost}
	}
	if rows, err := jsonparser.GetInt(table, "rows_examined_per_scan"); err == nil && rows >= 0 {
		v := uint64(rows)
		node.EstimatedRows = &v
	}
	if rows, err := jsonparser.GetInt(table, "rows_produced_per_join"); err == nil && rows >= 0 {
		v := uint64(rows)
		node.ActualRows = &v
	}
	if filtered, err := jsonparser.GetString(table, "filtered"); err == nil {
		node.AddExtra("filtered", filtered)
	}
	if key, err := jsonparser.GetString(table, "key"); err == nil && key != "null" {
		node.IndexName = key
	}
	if keys := stringArray(table, "possible_keys"); len(keys) > 0 {
		node.AddExtra("possible_keys", keys)
	}
	if keyLen, err := jsonparser.GetString(table, "key_length"); err == nil {
		node.AddExtra("key_length", keyLen)
	}
	if refs := stringArray(table, "ref"); len(refs) > 0 {
		node.AddExtra("ref", refs)
	}
	if cond, err := jsonparser.GetString(table, "attached_condition"); err == nil {
		node.FilterExpression = cond
	}
	if v, err := jsonparser.GetBoolean(table, "using_index"); err == nil && v {
		if node.Kind == plan.IndexScan {
			node.Kind = plan.IndexOnlyScan
		}
		node.AddExtra("using_index", true)
	}
	if _, _, _, err := jsonparser.Get(table, "using_index_for_group_by"); err == nil {
		node.AddExtra("using_index_for_group_by", true)
	}

	// Subqueries attached to this access become SubqueryScan children;
	// ones that fail to parse are dropped rather than failing the row.
	_, _ = jsonparser.ArrayEach(table, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
		qb, _, _, err := jsonparser.Get(value, "query_block")
		if err != nil {
			return
		}
		if child, err := p.queryBlock(qb, depth+1); err == nil {
			node.Children = append(node.Children, &plan.PlanNode{
				Kind:     plan.SubqueryScan,
				Children: []*plan.PlanNode{child},
			})
		}
	}, "subqueries")

	return node
}

func (p jsonParser) unionResult(union []byte, depth int) *plan.PlanNode {
	node := &plan.PlanNode{Kind: plan.Append}
	if name, err := jsonparser.GetString(union, "table_name"); err == nil {
		node.Description = "Union result: " + name
	}
	if v, err := jsonparser.GetBoolean(union, "using_temporary_table"); err == nil && v {
		node.AddExtra("using_temporary_table", true)
	}
	_, _ = jsonparser.ArrayEach(union, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
		qb, _, _, err := jsonparser.Get(value, "query_block")
		if err != nil {
			return
		}
		if child, err := p.queryBlock(qb, depth+1); err == nil {
			node.Children = append(node.Children, child)
		}
	}, "query_specifications")
	return node
}

// accessKind maps a MySQL access type onto the canonical node kinds.
func accessKind(accessType string) plan.NodeKind {
	switch strings.ToLower(accessType) {
	case "all":
		return plan.SeqScan
	case "index", "range", "ref", "eq_ref", "const", "system", "ref_or_null",
		"fulltext", "unique_subquery", "index_subquery":
		return plan.IndexScan
	case "index_merge":
		return plan.BitmapIndexScan
	default:
		return plan.Unknown
	}
}

// costField reads one of the decimal-string cost figures MySQL JSON
// output carries.
func costField(data []byte, keys ...string) (float64, error) {
	s, err := jsonparser.GetString(data, keys...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(s, 64)
}

func stringArray(data []byte, key string) []string {
	var out []string
	_, _ = jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if dataType != jsonparser.String {
			return
		}
		if s, err := jsonparser.ParseString(value); err == nil {
			out = append(out, s)
		}
	}, key)
	return out
}

func parseTabular(input string) (*plan.QueryPlan, error) {
	var lines []string
	for _, line := range strings.Split(input, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return nil, ErrEmptyOutput
	}
	if strings.Contains(lines[0], "select_type") || strings.Contains(strings.ToLower(lines[0]), "id\t") {
		lines = lines[1:]
	}
	if len(lines) == 0 {
		return nil, ErrEmptyOutput
	}

	var nodes []*plan.PlanNode
	for _, line := range lines {
		if node, ok := parseRow(line); ok {
			nodes = append(nodes, node)
		}
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no usable rows", ErrInvalidStructure)
	}
	if len(nodes) == 1 {
		return &plan.QueryPlan{Root: nodes[0]}, nil
	}
	return &plan.QueryPlan{Root: foldJoin(nodes)}, nil
}

// parseRow turns one EXPLAIN row into a node. Rows with fewer than
// four non-empty fields are skipped; empty tab positions do not
// count toward that.
func parseRow(line string) (*plan.PlanNode, bool) {
	parts := splitRow(line)
	usable := 0
	for _, part := range parts {
		if strings.TrimSpace(part) != "" {
			usable++
		}
	}
	if usable < 4 {
		return nil, false
	}
	field := func(idx int) string {
		if idx >= len(parts) {
			return ""
		}
		return strings.TrimSpace(parts[idx])
	}
	id, err := strconv.ParseUint(field(0), 10, 32)
	if err != nil {
		return nil, false
	}

	// Servers print either 11 columns or 12 with a partitions column
	// after the table name; the access-type keyword gives away which.
	hasPartitions := len(parts) >= 5 && !isAccessType(field(3)) && isAccessType(field(4))
	typeIdx, possibleIdx, keyIdx, keyLenIdx, refIdx, rowsIdx, filteredIdx, extraIdx := 3, 4, 5, 6, 7, 8, 9, 10
	if hasPartitions {
		typeIdx, possibleIdx, keyIdx, keyLenIdx, refIdx, rowsIdx, filteredIdx, extraIdx = 4, 5, 6, 7, 8, 9, 10, 11
	}

	node := &plan.PlanNode{Kind: accessKind(field(typeIdx)), Relation: field(2)}
	if key := field(keyIdx); key != "" && key != "NULL" {
		node.IndexName = key
	}
	if rows, err := strconv.ParseUint(field(rowsIdx), 10, 64); err == nil {
		node.EstimatedRows = &rows
	}
	if filtered, err := strconv.ParseFloat(field(filteredIdx), 64); err == nil {
		node.AddExtra("filtered", filtered)
	}
	detail.ApplyExtraFlags(node, field(extraIdx))
	if keys := field(possibleIdx); keys != "" && keys != "NULL" {
		node.AddExtra("possible_keys", keys)
	}
	if keyLen := field(keyLenIdx); keyLen != "" && keyLen != "NULL" {
		node.AddExtra("key_length", keyLen)
	}
	if refCols := field(refIdx); refCols != "" && refCols != "NULL" {
		node.AddExtra("ref", refCols)
	}
	node.AddExtra("select_type", field(1))
	node.AddExtra("select_id", id)
	return node, true
}

// splitRow splits one data line. Tab-separated rows keep their field
// positions so empty columns stay where the server printed them;
// pipe-separated rows shed the empty artifacts of their border
// characters instead.
func splitRow(line string) []string {
	if parts := strings.Split(line, "\t"); len(parts) >= 4 {
		return parts
	}
	var fields []string
	for _, part := range strings.Split(line, "|") {
		part = strings.TrimSpace(part)
		if part != "" {
			fields = append(fields, part)
		}
	}
	return fields
}

// isAccessType reports whether s is an access-type keyword. NULL is
// not one: the partitions column usually prints NULL, and treating it
// as a type would misread every 12-column row.
func isAccessType(s string) bool {
	switch strings.ToLower(s) {
	case "all", "index", "range", "ref", "eq_ref", "const", "system",
		"ref_or_null", "fulltext", "unique_subquery", "index_subquery", "index_merge":
		return true
	}
	return false
}

// foldJoin folds sibling table accesses into a left-deep join tree.
// Neither format names a join direction, so Inner is assumed.
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
