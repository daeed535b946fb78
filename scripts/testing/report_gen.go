// Command report_gen joins `go test -json` output with the annotation block
// above each test (TestPurpose, Scope, Security, Expected, Test Case ID) and
// writes JSON and Markdown reports.
//
//	go test -json ./... > test.json
//	go run ./scripts/testing -input test.json -out-json out/report.json -out-md out/report.md
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const modulePath = "github.com/flyclaw/flyclaw/"

// TestMetadata is the annotation block of one test function.
type TestMetadata struct {
	Name       string `json:"name"`
	Purpose    string `json:"purpose,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Security   string `json:"security,omitempty"`
	Expected   string `json:"expected,omitempty"`
	TestCaseID string `json:"test_case_id,omitempty"`
	Package    string `json:"package"`
	Category   string `json:"category"`
}

// GoTestEvent is one line of `go test -json`.
type GoTestEvent struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Elapsed float64   `json:"Elapsed"`
	Output  string    `json:"Output"`
}

// TestResult is a test outcome with its annotations.
type TestResult struct {
	Name        string       `json:"name"`
	Status      string       `json:"status"`
	Elapsed     float64      `json:"elapsed_seconds"`
	Package     string       `json:"package"`
	Failure     string       `json:"failure_reason,omitempty"`
	Annotations TestMetadata `json:"annotations"`
}

// ReportSummary is the whole report.
type ReportSummary struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Total       int          `json:"total"`
	Passed      int          `json:"passed"`
	Failed      int          `json:"failed"`
	Skipped     int          `json:"skipped"`
	Results     []TestResult `json:"results"`
}

var annotationKeys = map[string]func(*TestMetadata, string){
	"TestPurpose:":  func(m *TestMetadata, v string) { m.Purpose = v },
	"Scope:":        func(m *TestMetadata, v string) { m.Scope = v },
	"Security:":     func(m *TestMetadata, v string) { m.Security = v },
	"Expected:":     func(m *TestMetadata, v string) { m.Expected = v },
	"Test Case ID:": func(m *TestMetadata, v string) { m.TestCaseID = v },
}

// categories maps package directories to report sections, in report order.
var categories = []struct {
	dir  string
	name string
}{
	{"internal/agentconfig", "Gateway Config"},
	{"internal/router", "Routing"},
	{"internal/workspace", "Workspaces"},
	{"internal/reconcile", "Reconciliation"},
	{"internal/provisioning", "Provisioning"},
	{"internal/tenant", "Tenants"},
	{"internal/credential", "Credentials"},
	{"internal/gatewayclient", "Gateway Client"},
	{"internal/transport/http", "HTTP API"},
	{"internal/store", "Storage"},
	{"internal/config", "Configuration"},
	{"internal/audit", "Audit"},
	{"internal/observability", "Observability"},
}

func main() {
	inputPath := flag.String("input", "", "Path to go test -json output file")
	outputJSON := flag.String("out-json", "", "Path for output JSON report")
	outputMD := flag.String("out-md", "", "Path for output Markdown report")
	title := flag.String("title", "Test Report", "Report title")
	only := flag.String("category", "", "Comma-separated categories to include")
	flag.Parse()

	if *inputPath == "" || *outputJSON == "" || *outputMD == "" {
		fmt.Println("Usage: report_gen -input <json_file> -out-json <out_json> -out-md <out_md>")
		os.Exit(1)
	}

	results, err := parseTestOutput(*inputPath, scanMetadata("."))
	if err != nil {
		fmt.Printf("Error reading test output: %v\n", err)
		os.Exit(1)
	}
	if *only != "" {
		results = filterCategories(results, strings.Split(*only, ","))
	}

	summary := summarize(results)
	if err := writeFile(*outputJSON, mustJSON(summary)); err != nil {
		fmt.Printf("Error writing %s: %v\n", *outputJSON, err)
		os.Exit(1)
	}
	if err := writeFile(*outputMD, []byte(renderMarkdown(summary, *title))); err != nil {
		fmt.Printf("Error writing %s: %v\n", *outputMD, err)
		os.Exit(1)
	}

	// CI gates on the exit status.
	if summary.Failed > 0 {
		fmt.Printf("\n%d tests failed.\n", summary.Failed)
		os.Exit(1)
	}
}

func scanMetadata(root string) map[string]TestMetadata {
	out := make(map[string]TestMetadata)
	fset := token.NewFileSet()

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && (d.Name() == "_examples" || d.Name() == "vendor" || d.Name() == ".git") {
			return filepath.SkipDir
		}
		if d.IsDir() || !strings.HasSuffix(path, "_test.go") {
			return nil
		}

		node, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
		if err != nil {
			return nil
		}
		dir := filepath.ToSlash(filepath.Dir(path))
		pkg := modulePath + dir

		for _, decl := range node.Decls {
			fn, ok := decl.(*ast.FuncDecl)
			if !ok || !strings.HasPrefix(fn.Name.Name, "Test") {
				continue
			}
			meta := TestMetadata{Name: fn.Name.Name, Package: pkg, Category: categoryOf(dir)}
			if fn.Doc != nil {
				for _, line := range fn.Doc.List {
					text := strings.TrimSpace(strings.TrimPrefix(line.Text, "//"))
					for key, set := range annotationKeys {
						if strings.HasPrefix(text, key) {
							set(&meta, strings.TrimSpace(strings.TrimPrefix(text, key)))
						}
					}
				}
			}
			out[pkg+"."+fn.Name.Name] = meta
		}
		return nil
	})
	return out
}

func categoryOf(dir string) string {
	for _, c := range categories {
		if dir == c.dir || strings.HasPrefix(dir, c.dir+"/") {
			return c.name
		}
	}
	return "Other"
}

func parseTestOutput(path string, meta map[string]TestMetadata) ([]TestResult, error) {
	states := make(map[string]*TestResult, len(meta))
	for key, m := range meta {
		states[key] = &TestResult{Name: m.Name, Package: m.Package, Status: "not run", Annotations: m}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var ev GoTestEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil || ev.Test == "" {
			continue
		}

		key := ev.Package + "." + ev.Test
		res, ok := states[key]
		if !ok {
			// Subtests inherit the parent's annotations.
			parent, _, _ := strings.Cut(ev.Test, "/")
			m, found := meta[ev.Package+"."+parent]
			if !found {
				m = TestMetadata{Package: ev.Package, Category: categoryOf(strings.TrimPrefix(ev.Package, modulePath))}
			}
			m.Name = ev.Test
			res = &TestResult{Name: ev.Test, Package: ev.Package, Annotations: m}
			states[key] = res
		}

		switch ev.Action {
		case "pass", "fail":
			res.Status = ev.Action
			res.Elapsed = ev.Elapsed
		case "skip":
			res.Status = "skip"
		case "output":
			if res.Status == "fail" || res.Status == "" || res.Status == "not run" {
				res.Failure += ev.Output
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	list := make([]TestResult, 0, len(states))
	for _, v := range states {
		if v.Status != "fail" {
			v.Failure = ""
		}
		list = append(list, *v)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Annotations.TestCaseID != list[j].Annotations.TestCaseID {
			return list[i].Annotations.TestCaseID < list[j].Annotations.TestCaseID
		}
		return list[i].Name < list[j].Name
	})
	return list, nil
}

func filterCategories(results []TestResult, names []string) []TestResult {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.TrimSpace(n)] = true
	}
	var out []TestResult
	for _, r := range results {
		if want[r.Annotations.Category] {
			out = append(out, r)
		}
	}
	return out
}

func summarize(results []TestResult) ReportSummary {
	s := ReportSummary{GeneratedAt: time.Now(), Results: results}
	for _, r := range results {
		s.Total++
		switch r.Status {
		case "pass":
			s.Passed++
		case "fail":
			s.Failed++
		case "skip":
			s.Skipped++
		}
	}
	return s
}

func renderMarkdown(s ReportSummary, title string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Flyclaw %s\n\n", title)
	fmt.Fprintf(&sb, "**Generated:** %s  \n", s.GeneratedAt.Format("2006-01-02 15:04:05 MST"))
	status := "PASSED"
	if s.Failed > 0 {
		status = "FAILED"
	}
	fmt.Fprintf(&sb, "**Status:** %s\n\n", status)

	rate := 0.0
	if s.Total > 0 {
		rate = float64(s.Passed) / float64(s.Total) * 100
	}
	sb.WriteString("| Total | Passed | Failed | Skipped | Pass Rate |\n")
	sb.WriteString("|-------|--------|--------|---------|-----------|\n")
	fmt.Fprintf(&sb, "| %d | %d | %d | %d | %.1f%% |\n\n", s.Total, s.Passed, s.Failed, s.Skipped, rate)

	byCat := make(map[string][]TestResult)
	for _, r := range s.Results {
		byCat[r.Annotations.Category] = append(byCat[r.Annotations.Category], r)
	}
	order := make([]string, 0, len(categories)+1)
	for _, c := range categories {
		order = append(order, c.name)
	}
	order = append(order, "Other")

	for _, cat := range order {
		tests := byCat[cat]
		if len(tests) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n", cat)
		sb.WriteString("| ID | Test | Status | Purpose | Security |\n")
		sb.WriteString("|----|------|--------|---------|----------|\n")
		for _, t := range tests {
			security := t.Annotations.Security
			if security != "" {
				security = "**" + security + "**"
			}
			fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s |\n",
				t.Annotations.TestCaseID, t.Name, t.Status, t.Annotations.Purpose, security)
		}
		sb.WriteString("\n")
	}

	if s.Failed > 0 {
		sb.WriteString("## Failures\n\n")
		for _, t := range s.Results {
			if t.Status == "fail" {
				fmt.Fprintf(&sb, "### %s (%s)\n\n```\n%s\n```\n\n", t.Name, t.Package, t.Failure)
			}
		}
	}
	return sb.String()
}

func mustJSON(v any) []byte {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	return data
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
