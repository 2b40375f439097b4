package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"

	"github.com/planscan/planscan/internal/config"
	"github.com/planscan/planscan/internal/diff"
	"github.com/planscan/planscan/internal/mysql"
	"github.com/planscan/planscan/internal/plan"
	"github.com/planscan/planscan/internal/postgres"
	"github.com/planscan/planscan/internal/redact"
	"github.com/planscan/planscan/internal/render/html"
	"github.com/planscan/planscan/internal/render/tui"
	"github.com/planscan/planscan/internal/runner"
	"github.com/planscan/planscan/internal/sqlite"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runCommand(args)
	case "parse":
		err = parseCommand(args)
	case "report":
		err = reportCommand(args)
	case "diff":
		err = diffCommand(args)
	case "version":
		err = versionCommand(args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		_, _ = fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`planscan - EXPLAIN plan normalizer for PostgreSQL, MySQL and SQLite

Usage:
  planscan <command> [options]

Commands:
  run      Execute EXPLAIN for a query against a live database
  parse    Normalize raw EXPLAIN output into canonical plan JSON
  report   Render a normalized plan (TUI or HTML)
  diff     Compare two plans and emit a Markdown or JSON summary
  version  Show CLI version information

Use "planscan <command> -h" for command-specific help.`)
}

func applyConfigPath(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("PLANSCAN_CONFIG"))
	}
	return config.Apply(path)
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stdout, "Usage: planscan run --dialect <name> --url <url> (--sql file.sql | --query \"SELECT ...\") [--out plan.txt]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	envURL := os.Getenv("DATABASE_URL")

	var (
		dialectName = fs.String("dialect", "", "Database dialect: postgres, mysql or sqlite")
		urlFlag     = fs.String("url", envURL, "Connection string; defaults to $DATABASE_URL")
		sqlPath     = fs.String("sql", "", "Path to the SQL file to EXPLAIN")
		inlineSQL   = fs.String("query", "", "Inline SQL string to EXPLAIN")
		analyze     = fs.Bool("analyze", false, "Run EXPLAIN ANALYZE (PostgreSQL only)")
		outPath     = fs.String("out", "", "Path to write the captured output (defaults to stdout)")
		timeout     = fs.Duration("timeout", 0, "Optional execution timeout, e.g. 45s")
		configPath  = fs.String("config", "", "Path to configuration file (JSON). Falls back to $PLANSCAN_CONFIG")
	)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.SetOutput(os.Stdout)
			fs.Usage()
			return nil
		}
		return err
	}
	if err := applyConfigPath(*configPath); err != nil {
		return err
	}

	dialect, err := runner.ParseDialect(*dialectName)
	if err != nil {
		return err
	}
	connection := strings.TrimSpace(*urlFlag)
	if connection == "" {
		return fmt.Errorf("--url is required or set $DATABASE_URL")
	}

	sqlText, err := readSQL(*sqlPath, *inlineSQL)
	if err != nil {
		return err
	}

	ctx := context.Background()
	result, err := runner.Run(ctx, dialect, connection, sqlText, runner.Options{
		Timeout: *timeout,
		Analyze: *analyze,
	})
	if err != nil {
		return err
	}

	output := formatCapture(result)
	if *outPath == "" {
		_, err = os.Stdout.Write(output)
		return err
	}
	return os.WriteFile(*outPath, output, 0o644)
}

func parseCommand(args []string) error {
	fs := flag.NewFlagSet("parse", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stdout, "Usage: planscan parse --dialect <name> [--input explain.txt] [--redact] [--out plan.json]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	var (
		dialectName = fs.String("dialect", "", "Database dialect: postgres, mysql or sqlite")
		input       = fs.String("input", "", "Path to raw EXPLAIN output (stdin if omitted)")
		scrub       = fs.Bool("redact", false, "Strip literal values from filter and index conditions")
		outPath     = fs.String("out", "", "Path to write the canonical JSON (defaults to stdout)")
		configPath  = fs.String("config", "", "Path to configuration file (JSON). Falls back to $PLANSCAN_CONFIG")
	)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.SetOutput(os.Stdout)
			fs.Usage()
			return nil
		}
		return err
	}
	if err := applyConfigPath(*configPath); err != nil {
		return err
	}

	parsed, err := loadPlan(*dialectName, *input)
	if err != nil {
		return err
	}
	if *scrub {
		redact.Plan(parsed)
	}

	payload, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	payload = append(payload, '\n')

	if *outPath == "" {
		_, err = os.Stdout.Write(payload)
		return err
	}
	return os.WriteFile(*outPath, payload, 0o644)
}

func reportCommand(args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stdout, "Usage: planscan report --dialect <name> [--input explain.txt] [--mode tui|html] [--out file]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	var (
		dialectName = fs.String("dialect", "", "Database dialect: postgres, mysql or sqlite")
		input       = fs.String("input", "", "Path to raw EXPLAIN output (stdin if omitted)")
		output      = fs.String("out", "", "Output path (stdout if omitted)")
		mode        = fs.String("mode", "tui", "Output mode: tui or html")
		title       = fs.String("title", "planscan report", "Report title (HTML)")
		color       = fs.Bool("color", true, "Enable ANSI colors for TUI output")
		maxDepth    = fs.Int("max-depth", 0, "Limit tree depth (TUI)")
		includeCSS  = fs.Bool("css", true, "Include inline styles (HTML)")
		scrub       = fs.Bool("redact", false, "Strip literal values from filter and index conditions")
		configPath  = fs.String("config", "", "Path to configuration file (JSON). Falls back to $PLANSCAN_CONFIG")
	)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.SetOutput(os.Stdout)
			fs.Usage()
			return nil
		}
		return err
	}
	if err := applyConfigPath(*configPath); err != nil {
		return err
	}

	parsed, err := loadPlan(*dialectName, *input)
	if err != nil {
		return err
	}
	if *scrub {
		redact.Plan(parsed)
	}

	switch *mode {
	case "tui":
		target := io.Writer(os.Stdout)
		if *output != "" {
			file, err := os.Create(*output)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer func() {
				_ = file.Close()
			}()
			target = file
		}
		return tui.Render(target, parsed, tui.Options{
			EnableColor: *color,
			MaxDepth:    *maxDepth,
		})
	case "html":
		target := io.Writer(os.Stdout)
		if *output != "" {
			file, err := os.Create(*output)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer func() {
				_ = file.Close()
			}()
			target = file
		}
		return html.Render(target, parsed, html.Options{
			Title:         *title,
			IncludeStyles: *includeCSS,
		})
	default:
		return fmt.Errorf("unknown mode %q (expected tui or html)", *mode)
	}
}

func diffCommand(args []string) error {
	fs := flag.NewFlagSet("diff", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stdout, "Usage: planscan diff --dialect <name> --base base.txt --target target.txt [--format md|json]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	var (
		dialectName = fs.String("dialect", "", "Database dialect: postgres, mysql or sqlite")
		basePath    = fs.String("base", "", "Path to baseline EXPLAIN output")
		targetPath  = fs.String("target", "", "Path to target EXPLAIN output")
		format      = fs.String("format", "md", "Output format: md or json")
		output      = fs.String("out", "", "Output path (stdout if omitted)")
		maxItems    = fs.Int("limit", 0, "Maximum rows per section (default from config)")
		configPath  = fs.String("config", "", "Path to configuration file (JSON). Falls back to $PLANSCAN_CONFIG")
	)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.SetOutput(os.Stdout)
			fs.Usage()
			return nil
		}
		return err
	}
	if err := applyConfigPath(*configPath); err != nil {
		return err
	}
	if *basePath == "" || *targetPath == "" {
		return fmt.Errorf("--base and --target are required")
	}

	basePlan, err := loadPlan(*dialectName, *basePath)
	if err != nil {
		return fmt.Errorf("load base: %w", err)
	}
	targetPlan, err := loadPlan(*dialectName, *targetPath)
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}

	report, err := diff.Compare(basePlan, targetPlan, diff.Options{MaxItems: *maxItems})
	if err != nil {
		return err
	}

	switch *format {
	case "md", "markdown":
		content := report.Markdown()
		if *output == "" {
			fmt.Print(content)
			return nil
		}
		return os.WriteFile(*output, []byte(content), 0o644)
	case "json":
		payload, err := report.JSON()
		if err != nil {
			return err
		}
		if *output == "" {
			_, _ = os.Stdout.Write(payload)
			_, _ = os.Stdout.WriteString("\n")
			return nil
		}
		return os.WriteFile(*output, payload, 0o644)
	default:
		return fmt.Errorf("unsupported format %q", *format)
	}
}

func versionCommand(args []string) error {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	short := fs.Bool("short", false, "Print only the version number")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.SetOutput(os.Stdout)
			fs.Usage()
			return nil
		}
		return err
	}

	v, meta := resolveVersion()
	if *short {
		fmt.Println(v)
		return nil
	}
	if meta != "" {
		fmt.Printf("planscan %s (%s)\n", v, meta)
	} else {
		fmt.Printf("planscan %s\n", v)
	}
	return nil
}

func resolveVersion() (string, string) {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}

	var details []string
	if info, ok := debug.ReadBuildInfo(); ok {
		if (v == "dev" || v == "(devel)") &&
			info.Main.Version != "" &&
			info.Main.Version != "(devel)" {
			v = info.Main.Version
		}

		var commit, buildTime string
		dirty := false
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				commit = setting.Value
			case "vcs.time":
				buildTime = setting.Value
			case "vcs.modified":
				dirty = setting.Value == "true"
			}
		}
		if commit != "" {
			if len(commit) > 12 {
				commit = commit[:12]
			}
			if dirty {
				commit += "*"
			}
			details = append(details, "commit "+commit)
		}
		if buildTime != "" {
			details = append(details, "built "+buildTime)
		}
	}

	return v, strings.Join(details, ", ")
}

// readSQL resolves the query text from exactly one of the two sources.
func readSQL(sqlPath, inlineSQL string) (string, error) {
	if sqlPath != "" && inlineSQL != "" {
		return "", fmt.Errorf("specify only one of --sql or --query")
	}
	if sqlPath != "" {
		data, err := os.ReadFile(sqlPath)
		if err != nil {
			return "", fmt.Errorf("read sql file: %w", err)
		}
		return string(data), nil
	}
	if inlineSQL != "" {
		return inlineSQL, nil
	}
	return "", fmt.Errorf("--sql or --query is required")
}

// loadPlan reads raw EXPLAIN output from a file or stdin and parses it
// with the named dialect's parser.
func loadPlan(dialectName, path string) (*plan.QueryPlan, error) {
	dialect, err := runner.ParseDialect(dialectName)
	if err != nil {
		return nil, err
	}

	var data []byte
	if path == "" {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	switch dialect {
	case runner.Postgres:
		return postgres.Parse(string(data))
	case runner.MySQL:
		return mysql.Parse(string(data))
	case runner.SQLite:
		return sqlite.Parse(string(data))
	default:
		return nil, fmt.Errorf("no parser for dialect %q", dialect)
	}
}

// formatCapture pretty-prints JSON payloads and leaves line-based
// output untouched apart from a trailing newline.
func formatCapture(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var out bytes.Buffer
		if err := json.Indent(&out, trimmed, "", "  "); err == nil {
			out.WriteByte('\n')
			return out.Bytes()
		}
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		data = append(data, '\n')
	}
	return data
}
