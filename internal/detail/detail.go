// Package detail classifies the one-line operation sentences that tree
// and tabular explain formats emit. Every line-oriented parser goes
// through the same ordered rule table, so a sentence maps to the same
// canonical node no matter which format carried it.
package detail

import (
	"strings"

	"github.com/planscan/planscan/internal/plan"
)

type rule struct {
	match func(upper string) bool
	build func(detail, upper string) *plan.PlanNode
}

// rules are tried in order; the first match wins. A sentence no rule
// recognizes becomes an Unknown node carrying the text verbatim.
var rules = []rule{
	{prefix("SCAN"), scanNode},
	{prefix("SEARCH"), searchNode},
	{tempBTree, tempBTreeNode},
	{prefix("COMPOUND SUBQUERIES"), compoundNode},
	{anyPrefix("CORRELATED", "SCALAR SUBQUERY"), subqueryNode},
	{prefix("CO-ROUTINE"), coroutineNode},
	{prefix("EXECUTE"), executeNode},
	{prefix("MATERIALIZE"), materializeNode},
	{prefix("UNION"), unionNode},
	{prefix("MERGE"), mergeNode},
	{anyPrefix("LEFT", "RIGHT"), joinNode},
	{prefix("BLOOM FILTER"), bloomFilterNode},
	{prefix("LIST SUBQUERY"), listSubqueryNode},
	{autoIndexAnywhere, autoIndexNode},
}

// Classify parses one operation sentence into a canonical plan node.
func Classify(text string) *plan.PlanNode {
	detail := strings.TrimSpace(text)
	upper := strings.ToUpper(detail)
	for _, r := range rules {
		if r.match(upper) {
			return r.build(detail, upper)
		}
	}
	return &plan.PlanNode{Kind: plan.Unknown, Description: detail}
}

// ApplyExtraFlags interprets the free-text Extra column of tabular
// explain output: each recognized phrase becomes an extra attribute,
// "Using index" upgrades a plain index scan to index-only, and the
// full text is kept as the node description.
func ApplyExtraFlags(node *plan.PlanNode, text string) {
	lower := strings.ToLower(text)

	if strings.Contains(lower, "using index") {
		node.AddExtra("using_index", true)
		if node.Kind == plan.IndexScan {
			node.Kind = plan.IndexOnlyScan
		}
	}
	if strings.Contains(lower, "using where") {
		node.AddExtra("using_where", true)
	}
	if strings.Contains(lower, "using filesort") {
		node.AddExtra("using_filesort", true)
	}
	if strings.Contains(lower, "using temporary") {
		node.AddExtra("using_temporary", true)
	}
	if strings.Contains(lower, "using join buffer") {
		node.AddExtra("using_join_buffer", true)
	}
	if strings.Contains(lower, "range checked for each record") {
		node.AddExtra("range_checked_for_each_record", true)
	}
	if strings.Contains(lower, "using index condition") {
		node.AddExtra("using_index_condition", true)
	}
	if strings.Contains(lower, "using mrr") {
		node.AddExtra("using_mrr", true)
	}
	if strings.Contains(lower, "using index for group-by") {
		node.AddExtra("using_index_for_group_by", true)
	}

	if text != "" && text != "NULL" {
		node.Description = text
	}
}

func prefix(p string) func(string) bool {
	return func(upper string) bool { return strings.HasPrefix(upper, p) }
}

func anyPrefix(prefixes ...string) func(string) bool {
	return func(upper string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(upper, p) {
				return true
			}
		}
		return false
	}
}

func tempBTree(upper string) bool {
	return strings.HasPrefix(upper, "USE TEMP B-TREE FOR ORDER BY") ||
		strings.HasPrefix(upper, "USE TEMP B-TREE FOR DISTINCT") ||
		strings.HasPrefix(upper, "USE TEMP B-TREE FOR GROUP BY") ||
		strings.HasPrefix(upper, "USING TEMP B-TREE")
}

func autoIndexAnywhere(upper string) bool {
	return strings.Contains(upper, "AUTOMATIC COVERING INDEX") ||
		strings.Contains(upper, "AUTO-INDEX")
}

// scanNode handles the SCAN family, including covering-index scans,
// constant rows, and flattened subqueries.
func scanNode(detail, upper string) *plan.PlanNode {
	node := &plan.PlanNode{Kind: plan.SeqScan}
	if strings.Contains(upper, "USING COVERING INDEX") {
		node.Kind = plan.IndexOnlyScan
		node.IndexName = indexNameAfter(detail, "COVERING INDEX")
	} else if strings.Contains(upper, "USING INDEX") {
		node.Kind = plan.IndexScan
		node.IndexName = indexNameAfter(detail, "INDEX")
	}
	node.Relation = tableNameAfter(detail, "SCAN")
	if strings.Contains(upper, "CONSTANT ROW") {
		node.Kind = plan.ValuesScan
		node.Description = "Constant row"
	}
	if strings.Contains(upper, "SUBQUERY") {
		node.Kind = plan.SubqueryScan
	}
	return node
}

// searchNode handles the SEARCH family: index lookups, rowid lookups,
// and automatically created indexes.
func searchNode(detail, upper string) *plan.PlanNode {
	node := &plan.PlanNode{Kind: plan.IndexScan}
	switch {
	case strings.Contains(upper, "USING COVERING INDEX"):
		node.Kind = plan.IndexOnlyScan
		node.IndexName = indexNameAfter(detail, "COVERING INDEX")
	case strings.Contains(upper, "USING INDEX"):
		node.IndexName = indexNameAfter(detail, "INDEX")
	case strings.Contains(upper, "INTEGER PRIMARY KEY"), strings.Contains(upper, "ROWID"):
		node.IndexName = "PRIMARY KEY"
	case autoIndexAnywhere(upper):
		node.Kind = plan.IndexOnlyScan
		node.IndexName = "AUTO-INDEX"
		node.AddExtra("auto_index", true)
	}
	node.Relation = tableNameAfter(detail, "SEARCH")
	node.IndexCondition = indexCondition(detail)
	return node
}

func tempBTreeNode(detail, upper string) *plan.PlanNode {
	var node *plan.PlanNode
	switch {
	case strings.Contains(upper, "ORDER BY"):
		node = &plan.PlanNode{Kind: plan.Sort, Description: "Temporary B-tree for ORDER BY"}
	case strings.Contains(upper, "DISTINCT"):
		node = &plan.PlanNode{Kind: plan.Unique, Description: "Temporary B-tree for DISTINCT"}
	case strings.Contains(upper, "GROUP BY"):
		node = &plan.PlanNode{Kind: plan.HashAggregate, Description: "Temporary B-tree for GROUP BY"}
	default:
		return &plan.PlanNode{Kind: plan.Sort, Description: detail}
	}
	node.AddExtra("using_temp_btree", true)
	return node
}

func compoundNode(detail, _ string) *plan.PlanNode {
	return &plan.PlanNode{Kind: plan.SetOp, Description: detail}
}

func subqueryNode(detail, upper string) *plan.PlanNode {
	node := &plan.PlanNode{Kind: plan.SubqueryScan, Description: detail}
	if strings.Contains(upper, "CORRELATED") {
		node.AddExtra("correlated", true)
	}
	return node
}

// coroutineNode maps CO-ROUTINE lines (CTEs); the second token names
// the CTE.
func coroutineNode(detail, _ string) *plan.PlanNode {
	node := &plan.PlanNode{Kind: plan.CteScan, Description: detail}
	if parts := strings.Fields(detail); len(parts) > 1 {
		node.Relation = parts[1]
	}
	return node
}

func executeNode(detail, _ string) *plan.PlanNode {
	return &plan.PlanNode{Kind: plan.Result, Description: detail}
}

func materializeNode(detail, _ string) *plan.PlanNode {
	return &plan.PlanNode{Kind: plan.Materialize, Description: detail}
}

func unionNode(detail, upper string) *plan.PlanNode {
	kind := plan.SetOp
	if strings.Contains(upper, "UNION ALL") {
		kind = plan.Append
	}
	return &plan.PlanNode{Kind: kind, Description: detail}
}

func mergeNode(detail, _ string) *plan.PlanNode {
	return &plan.PlanNode{Kind: plan.MergeAppend, Description: detail}
}

func joinNode(detail, upper string) *plan.PlanNode {
	node := &plan.PlanNode{Kind: plan.NestedLoop, Description: detail}
	if strings.Contains(upper, "LEFT") {
		node.JoinKind = plan.JoinLeft
	} else if strings.Contains(upper, "RIGHT") {
		node.JoinKind = plan.JoinRight
	}
	return node
}

func bloomFilterNode(detail, _ string) *plan.PlanNode {
	node := &plan.PlanNode{Kind: plan.Hash, Description: detail}
	node.AddExtra("bloom_filter", true)
	return node
}

func listSubqueryNode(detail, _ string) *plan.PlanNode {
	node := &plan.PlanNode{Kind: plan.SubqueryScan, Description: detail}
	node.AddExtra("list_subquery", true)
	return node
}

func autoIndexNode(detail, _ string) *plan.PlanNode {
	node := &plan.PlanNode{Kind: plan.IndexOnlyScan, Description: detail, IndexName: "AUTO-INDEX"}
	node.AddExtra("auto_index", true)
	node.Relation = tableNameAfter(detail, "AUTOMATIC COVERING INDEX")
	return node
}

// tableNameAfter returns the relation named after an operation keyword,
// skipping an optional TABLE token. Placeholder words that follow the
// keyword in some sentences (CONSTANT, SUBQUERY) are not table names.
func tableNameAfter(detail, operation string) string {
	upper := strings.ToUpper(detail)
	opUpper := strings.ToUpper(operation)
	idx := strings.Index(upper, opUpper)
	if idx < 0 {
		return ""
	}
	rest := strings.TrimSpace(detail[idx+len(opUpper):])
	if strings.HasPrefix(strings.ToUpper(rest), "TABLE ") {
		rest = strings.TrimSpace(rest[len("TABLE "):])
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	name := fields[0]
	switch strings.ToUpper(name) {
	case "CONSTANT", "SUBQUERY", "":
		return ""
	}
	return name
}

// indexNameAfter returns the token following an index keyword, cut at
// the opening parenthesis of a trailing condition.
func indexNameAfter(detail, keyword string) string {
	upper := strings.ToUpper(detail)
	keyUpper := strings.ToUpper(keyword)
	idx := strings.Index(upper, keyUpper)
	if idx < 0 {
		return ""
	}
	rest := strings.TrimSpace(detail[idx+len(keyUpper):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	name, _, _ := strings.Cut(fields[0], "(")
	return name
}

// indexCondition returns the text between the first opening and last
// closing parenthesis.
func indexCondition(detail string) string {
	start := strings.Index(detail, "(")
	end := strings.LastIndex(detail, ")")
	if start < 0 || end < 0 || start >= end {
		return ""
	}
	return detail[start+1 : end]
}
