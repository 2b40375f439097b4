package plan

// NodeKind identifies the canonical operation a plan node performs,
// independent of the engine that produced it.
type NodeKind string

const (
	SeqScan         NodeKind = "SeqScan"
	IndexScan       NodeKind = "IndexScan"
	IndexOnlyScan   NodeKind = "IndexOnlyScan"
	BitmapIndexScan NodeKind = "BitmapIndexScan"
	NestedLoop      NodeKind = "NestedLoop"
	HashJoin        NodeKind = "HashJoin"
	MergeJoin       NodeKind = "MergeJoin"
	HashAggregate   NodeKind = "HashAggregate"
	Aggregate       NodeKind = "Aggregate"
	Sort            NodeKind = "Sort"
	Unique          NodeKind = "Unique"
	Limit           NodeKind = "Limit"
	Append          NodeKind = "Append"
	MergeAppend     NodeKind = "MergeAppend"
	SetOp           NodeKind = "SetOp"
	SubqueryScan    NodeKind = "SubqueryScan"
	CteScan         NodeKind = "CteScan"
	ValuesScan      NodeKind = "ValuesScan"
	Materialize     NodeKind = "Materialize"
	Hash            NodeKind = "Hash"
	Result          NodeKind = "Result"
	Unknown         NodeKind = "Unknown"
)

// JoinKind describes how a join node combines its children.
type JoinKind string

const (
	JoinInner JoinKind = "Inner"
	JoinLeft  JoinKind = "Left"
	JoinRight JoinKind = "Right"
)

// Cost is the planner's estimate in the engine's own cost units.
type Cost struct {
	Startup float64 `json:"startup"`
	Total   float64 `json:"total"`
}

// PlanNode is one node of a normalized execution plan. Fields the
// source output did not report stay at their zero value (or nil for
// the optional numerics); Kind is always set.
type PlanNode struct {
	Kind             NodeKind `json:"kind"`
	Relation         string   `json:"relation,omitempty"`
	IndexName        string   `json:"index_name,omitempty"`
	IndexCondition   string   `json:"index_condition,omitempty"`
	FilterExpression string   `json:"filter_expression,omitempty"`
	Cost             *Cost    `json:"cost,omitempty"`
	EstimatedRows    *uint64  `json:"estimated_rows,omitempty"`
	ActualRows       *uint64  `json:"actual_rows,omitempty"`
	JoinKind         JoinKind `json:"join_kind,omitempty"`
	SortMethod       string   `json:"sort_method,omitempty"`
	GroupKeys        []string `json:"group_keys,omitempty"`
	Description      string   `json:"description,omitempty"`
	// Extra carries engine specifics that have no canonical field.
	Extra    map[string]any `json:"extra,omitempty"`
	Children []*PlanNode    `json:"children,omitempty"`
}

// QueryPlan is the root of a normalized plan tree.
type QueryPlan struct {
	Root      *PlanNode `json:"root"`
	TotalCost *float64  `json:"total_cost,omitempty"`
}

// AddExtra records an engine-specific attribute. Existing keys win:
// a later writer never replaces an earlier value.
func (n *PlanNode) AddExtra(key string, value any) {
	if n.Extra == nil {
		n.Extra = map[string]any{}
	}
	if _, ok := n.Extra[key]; ok {
		return
	}
	n.Extra[key] = value
}

// Walk visits n and its descendants depth-first, children in order.
// It stops as soon as fn returns false.
func (n *PlanNode) Walk(fn func(*PlanNode) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, child := range n.Children {
		if !child.Walk(fn) {
			return false
		}
	}
	return true
}

// IsLeaf reports whether the node has no children.
func (n *PlanNode) IsLeaf() bool {
	return len(n.Children) == 0
}

// IsScan reports whether the node reads a relation directly.
func (n *PlanNode) IsScan() bool {
	switch n.Kind {
	case SeqScan, IndexScan, IndexOnlyScan, BitmapIndexScan, CteScan:
		return true
	}
	return false
}

// IsJoin reports whether the node combines two or more inputs.
func (n *PlanNode) IsJoin() bool {
	switch n.Kind {
	case NestedLoop, HashJoin, MergeJoin:
		return true
	}
	return false
}

// NodeCount returns the number of nodes in the subtree rooted at n.
func (n *PlanNode) NodeCount() int {
	if n == nil {
		return 0
	}
	count := 1
	for _, child := range n.Children {
		count += child.NodeCount()
	}
	return count
}

// Depth returns the height of the subtree rooted at n; a leaf is 1.
func (n *PlanNode) Depth() int {
	if n == nil {
		return 0
	}
	deepest := 0
	for _, child := range n.Children {
		if d := child.Depth(); d > deepest {
			deepest = d
		}
	}
	return deepest + 1
}

// HasFullScan reports whether any node in the plan reads a relation
// without an index.
func (p *QueryPlan) HasFullScan() bool {
	if p == nil {
		return false
	}
	found := false
	p.Root.Walk(func(n *PlanNode) bool {
		if n.Kind == SeqScan {
			found = true
			return false
		}
		return true
	})
	return found
}

// FindByKind returns every node of the given kind in depth-first order.
func (p *QueryPlan) FindByKind(kind NodeKind) []*PlanNode {
	if p == nil {
		return nil
	}
	var nodes []*PlanNode
	p.Root.Walk(func(n *PlanNode) bool {
		if n.Kind == kind {
			nodes = append(nodes, n)
		}
		return true
	})
	return nodes
}

// NodeCount returns the number of nodes in the whole plan.
func (p *QueryPlan) NodeCount() int {
	if p == nil {
		return 0
	}
	return p.Root.NodeCount()
}

// Depth returns the height of the whole plan tree.
func (p *QueryPlan) Depth() int {
	if p == nil {
		return 0
	}
	return p.Root.Depth()
}
