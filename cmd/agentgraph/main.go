// Command agentgraph serves the execution event gateway and graph tools, and
// validates, classifies and watches graphs from the command line.
package main

import (
	"fmt"
	"io"
	"os"
)

const usage = `usage: agentgraph <command> [flags]

commands:
  serve               run the event gateway (HTTP, SSE, WebSocket, MCP at /mcp)
  mcp                 run the MCP tool server over stdio
  validate <file>     validate a workflow or team graph document
  infer <file>        print the team topology config for a graph document
  watch <url>         follow an execution event stream
  install             write settings to ~/.agentgraph
  version             print the version
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return runServe(rest, stderr)
	case "mcp":
		return runMCP(rest, stderr)
	case "validate":
		return runValidate(rest, stdout, stderr)
	case "infer":
		return runInfer(rest, stdout, stderr)
	case "watch":
		return runWatch(rest, stdout, stderr)
	case "install":
		return runInstall(rest, stdout, stderr)
	case "version", "-v", "--version":
		printVersion(stdout)
		return 0
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}
