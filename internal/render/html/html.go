package html

import (
	"fmt"
	"html/template"
	"io"
	"sort"
	"strings"

	"github.com/planscan/planscan/internal/plan"
	"github.com/planscan/planscan/internal/summary"
)

// Options configures the HTML renderer.
type Options struct {
	Title         string
	IncludeStyles bool
}

// Render writes an HTML report containing a plan summary and the node tree.
func Render(w io.Writer, p *plan.QueryPlan, opts Options) error {
	if p == nil || p.Root == nil {
		return fmt.Errorf("html render: empty plan")
	}
	if opts.Title == "" {
		opts.Title = "planscan report"
	}
	data := buildTemplateData(p, opts)
	tpl, err := template.New("report").Parse(reportTemplate)
	if err != nil {
		return fmt.Errorf("html render: compile template: %w", err)
	}
	if err := tpl.Execute(w, data); err != nil {
		return fmt.Errorf("html render: execute template: %w", err)
	}
	return nil
}

type templateData struct {
	Title         string
	IncludeStyles bool
	Summary       summaryView
	Operators     []operatorView
	Tables        []tableView
	Root          *nodeView
}

type summaryView struct {
	NodeCount int
	Depth     int
	ScanCount int
	JoinCount int
	TotalCost string
	Tables    string
	FullScans string
}

type operatorView struct {
	Label string
	Count int
}

type tableView struct {
	Label   string
	Methods string
}

type nodeView struct {
	Label    string
	Class    string
	Metrics  string
	Meta     []string
	Children []*nodeView
}

func buildTemplateData(p *plan.QueryPlan, opts Options) templateData {
	facts := summary.Summarize(p)

	view := summaryView{
		NodeCount: facts.NodeCount,
		Depth:     facts.Depth,
		ScanCount: facts.ScanCount,
		JoinCount: facts.JoinCount,
		Tables:    strings.Join(facts.Tables, ", "),
		FullScans: strings.Join(facts.FullScans, ", "),
	}
	if facts.TotalCost != nil {
		view.TotalCost = fmt.Sprintf("%.2f", *facts.TotalCost)
	}

	operators := make([]operatorView, 0, len(facts.KindCounts))
	for kind, count := range facts.KindCounts {
		operators = append(operators, operatorView{Label: string(kind), Count: count})
	}
	sort.Slice(operators, func(i, j int) bool {
		if operators[i].Count != operators[j].Count {
			return operators[i].Count > operators[j].Count
		}
		return operators[i].Label < operators[j].Label
	})

	return templateData{
		Title:         opts.Title,
		IncludeStyles: opts.IncludeStyles,
		Summary:       view,
		Operators:     operators,
		Tables:        tableAccess(p),
		Root:          buildNodeView(p.Root),
	}
}

// tableAccess lists each relation with the scan methods the plan uses on it.
func tableAccess(p *plan.QueryPlan) []tableView {
	methods := map[string][]string{}
	p.Root.Walk(func(node *plan.PlanNode) bool {
		if !node.IsScan() || node.Relation == "" {
			return true
		}
		method := string(node.Kind)
		if node.IndexName != "" {
			method += " (" + node.IndexName + ")"
		}
		for _, seen := range methods[node.Relation] {
			if seen == method {
				return true
			}
		}
		methods[node.Relation] = append(methods[node.Relation], method)
		return true
	})

	views := make([]tableView, 0, len(methods))
	for relation, list := range methods {
		sort.Strings(list)
		views = append(views, tableView{Label: relation, Methods: strings.Join(list, ", ")})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Label < views[j].Label })
	return views
}

func buildNodeView(node *plan.PlanNode) *nodeView {
	view := &nodeView{
		Label:   nodeLabel(node),
		Class:   nodeClass(node),
		Metrics: nodeMetrics(node),
	}
	if node.IndexCondition != "" {
		view.Meta = append(view.Meta, "cond "+node.IndexCondition)
	}
	if node.FilterExpression != "" {
		view.Meta = append(view.Meta, "filter "+node.FilterExpression)
	}
	if node.Kind == plan.Unknown && node.Description != "" {
		view.Meta = append(view.Meta, node.Description)
	}
	for _, child := range node.Children {
		view.Children = append(view.Children, buildNodeView(child))
	}
	return view
}

func nodeLabel(node *plan.PlanNode) string {
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
	return label
}

func nodeClass(node *plan.PlanNode) string {
	switch {
	case node.Kind == plan.Unknown:
		return "unknown"
	case node.IsScan():
		return "scan"
	case node.IsJoin():
		return "join"
	default:
		return ""
	}
}

func nodeMetrics(node *plan.PlanNode) string {
	var parts []string
	if node.Cost != nil {
		parts = append(parts, fmt.Sprintf("cost %.2f..%.2f", node.Cost.Startup, node.Cost.Total))
	}
	switch {
	case node.ActualRows != nil && node.EstimatedRows != nil:
		parts = append(parts, fmt.Sprintf("rows %d (est %d)", *node.ActualRows, *node.EstimatedRows))
	case node.ActualRows != nil:
		parts = append(parts, fmt.Sprintf("rows %d", *node.ActualRows))
	case node.EstimatedRows != nil:
		parts = append(parts, fmt.Sprintf("rows ~%d", *node.EstimatedRows))
	}
	return strings.Join(parts, " · ")
}

const reportTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8">
	<title>{{.Title}}</title>
	{{- if .IncludeStyles }}
	<style>
		body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Helvetica, Arial, sans-serif; margin: 0; padding: 0; background: #f7f7f8; color: #202124; }
		main { max-width: 960px; margin: 0 auto; padding: 32px 24px 48px; }
		header { background: #212a3b; color: #f7f7f8; padding: 32px 24px; }
		header h1 { margin: 0 0 8px; font-size: 28px; }
		header p { margin: 4px 0; opacity: 0.8; }
		section { margin-top: 32px; }
		section h2 { margin-bottom: 12px; font-size: 20px; }
		.summary-grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 12px; }
		.summary-tile { background: #fff; border-radius: 10px; padding: 16px; box-shadow: 0 6px 18px rgba(13,28,39,0.12); }
		.summary-tile strong { display: block; font-size: 14px; text-transform: uppercase; letter-spacing: 0.04em; color: #5b7083; margin-bottom: 6px; }
		.summary-tile span { font-size: 18px; font-weight: 600; }
		.flex-list { display: flex; flex-direction: column; gap: 10px; }
		.list-card { background: #fff; border-radius: 12px; padding: 16px; box-shadow: 0 4px 12px rgba(13,28,39,0.10); }
		.list-card header { display: flex; justify-content: space-between; align-items: baseline; background: none; color: inherit; padding: 0; }
		.list-card header h3 { margin: 0; font-size: 16px; color: #253043; }
		.list-card header span { font-size: 13px; color: #5b7083; }
		.list-card ul { list-style: none; padding: 0; margin: 12px 0 0; }
		.list-card li { display: grid; grid-template-columns: 1fr auto; gap: 12px; font-size: 14px; padding: 8px 0; border-bottom: 1px solid rgba(91,112,131,0.16); }
		.list-card li:last-child { border-bottom: none; }
		.plan-tree { list-style: none; margin: 0; padding: 0; }
		.plan-tree > li { margin-bottom: 12px; }
		.node-card { background: #fff; border-radius: 12px; margin-bottom: 12px; padding: 16px 18px 14px 18px; box-shadow: 0 8px 20px rgba(16,37,58,0.12); border-left: 6px solid rgba(33,42,59,0.1); }
		.node-card.scan { border-left-color: #2aa1b3; }
		.node-card.join { border-left-color: #faae32; }
		.node-card.unknown { border-left-color: #f44747; }
		.node-header { display: flex; justify-content: space-between; gap: 12px; align-items: baseline; }
		.node-label { font-weight: 600; font-size: 15px; }
		.node-metrics { font-size: 13px; color: #5b7083; }
		.node-meta { margin-top: 10px; font-size: 13px; color: #364a63; display: flex; flex-wrap: wrap; gap: 12px 18px; }
		.node-children { margin-left: 24px; border-left: 1px dashed rgba(33,42,59,0.15); padding-left: 20px; }
		@media (max-width: 640px) {
			main { padding: 24px 16px 32px; }
		}
	</style>
	{{- end }}
</head>
<body>
	<header>
		<h1>{{.Title}}</h1>
		<p>Nodes {{.Summary.NodeCount}} · Depth {{.Summary.Depth}} · Scans {{.Summary.ScanCount}} · Joins {{.Summary.JoinCount}}{{if .Summary.TotalCost}} · Cost {{.Summary.TotalCost}}{{end}}</p>
		{{- if .Summary.FullScans }}
		<p>Full table scans: {{.Summary.FullScans}}</p>
		{{- end }}
	</header>
	<main>
		<section>
			<h2>Summary</h2>
			<div class="summary-grid">
				<div class="summary-tile">
					<strong>Plan nodes</strong>
					<span>{{.Summary.NodeCount}}</span>
				</div>
				<div class="summary-tile">
					<strong>Tree depth</strong>
					<span>{{.Summary.Depth}}</span>
				</div>
				<div class="summary-tile">
					<strong>Scans / Joins</strong>
					<span>{{.Summary.ScanCount}} / {{.Summary.JoinCount}}</span>
				</div>
				{{- if .Summary.TotalCost }}
				<div class="summary-tile">
					<strong>Total cost</strong>
					<span>{{.Summary.TotalCost}}</span>
				</div>
				{{- end }}
				{{- if .Summary.Tables }}
				<div class="summary-tile">
					<strong>Tables</strong>
					<span>{{.Summary.Tables}}</span>
				</div>
				{{- end }}
			</div>
		</section>

		<section>
			<h2>Access</h2>
			<div class="flex-list">
				<div class="list-card">
					<header>
						<h3>Operators</h3>
						<span>Count per node kind</span>
					</header>
					<ul>
						{{- range .Operators }}
						<li>
							<span>{{.Label}}</span>
							<span>{{.Count}}</span>
						</li>
						{{- end }}
					</ul>
				</div>
				{{- if .Tables }}
				<div class="list-card">
					<header>
						<h3>Table access</h3>
						<span>Scan method per relation</span>
					</header>
					<ul>
						{{- range .Tables }}
						<li>
							<span>{{.Label}}</span>
							<span>{{.Methods}}</span>
						</li>
						{{- end }}
					</ul>
				</div>
				{{- end }}
			</div>
		</section>

		<section>
			<h2>Plan Tree</h2>
			<ul class="plan-tree">
				{{ template "node" .Root }}
			</ul>
		</section>
	</main>

	{{ define "node" }}
	<li>
		<div class="node-card{{with .Class}} {{.}}{{end}}">
			<div class="node-header">
				<span class="node-label">{{.Label}}</span>
				{{- if .Metrics }}
				<span class="node-metrics">{{.Metrics}}</span>
				{{- end }}
			</div>
			{{- if .Meta }}
			<div class="node-meta">
				{{- range .Meta }}<span>{{.}}</span>{{- end }}
			</div>
			{{- end }}
		</div>
		{{- if .Children }}
		<ul class="node-children">
			{{- range .Children }}
				{{ template "node" . }}
			{{- end }}
		</ul>
		{{- end }}
	</li>
	{{ end }}
</body>
</html>
`
