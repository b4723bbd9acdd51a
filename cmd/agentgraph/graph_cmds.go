package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/agentgraph/internal/graph"
	"github.com/rendis/agentgraph/internal/topology"
	"github.com/rendis/agentgraph/internal/validation"
	"github.com/rendis/agentgraph/pkg/schema"
)

// runValidate checks a graph document. Exit status 1 means errors were found.
func runValidate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	kind := fs.String("kind", "workflow", "graph kind: workflow or team")
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: agentgraph validate [-kind workflow|team] [-json] <file>")
		return 2
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	raw, err := graph.ToJSON(data)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var result *schema.ValidationResult
	switch schema.GraphKind(*kind) {
	case schema.GraphKindTeam:
		g, err := graph.Decode(raw)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		result = validation.ValidateTeam(g)
	case schema.GraphKindWorkflow:
		result = validation.ValidateDocument(raw)
	default:
		fmt.Fprintf(stderr, "Error: unknown kind %q\n", *kind)
		return 2
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		printIssues(stdout, result)
	}
	if !result.Valid() {
		return 1
	}
	return 0
}

func printIssues(w io.Writer, result *schema.ValidationResult) {
	issues := result.Issues()
	if len(issues) == 0 {
		fmt.Fprintln(w, "ok: no issues")
		return
	}
	for _, is := range issues {
		fmt.Fprintf(w, "%-7s %-22s %s", is.Level, is.Code, is.Message)
		if is.Path != "" {
			fmt.Fprintf(w, " (%s)", is.Path)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d error(s), %d warning(s)\n", len(result.Errors), len(result.Warnings))
}

// runInfer prints the structured topology config for a team graph.
func runInfer(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("infer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "print JSON instead of YAML")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: agentgraph infer [-json] <file>")
		return 2
	}

	g, err := graph.LoadFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	cfg := topology.ToConfig(g.NodeIDs(), g.Edges)

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(cfg)
		return 0
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = stdout.Write(out)
	return 0
}
