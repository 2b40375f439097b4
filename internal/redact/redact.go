// Package redact strips literal values out of the conditions a plan
// carries, so captured plans can be shared without leaking data.
package redact

import (
	"github.com/DataDog/go-sqllexer"

	"github.com/planscan/planscan/internal/plan"
)

// Plan obfuscates the filter and index conditions of every node in
// the tree, in place.
func Plan(p *plan.QueryPlan) {
	if p == nil || p.Root == nil {
		return
	}
	obfuscator := sqllexer.NewObfuscator()
	p.Root.Walk(func(n *plan.PlanNode) bool {
		scrub(obfuscator, n)
		return true
	})
}

// Node obfuscates the conditions of a single node in place.
func Node(n *plan.PlanNode) {
	if n == nil {
		return
	}
	scrub(sqllexer.NewObfuscator(), n)
}

func scrub(obfuscator *sqllexer.Obfuscator, n *plan.PlanNode) {
	if n.FilterExpression != "" {
		n.FilterExpression = obfuscator.Obfuscate(n.FilterExpression)
	}
	if n.IndexCondition != "" {
		n.IndexCondition = obfuscator.Obfuscate(n.IndexCondition)
	}
}
