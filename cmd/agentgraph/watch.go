package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rendis/agentgraph/internal/coordinator"
	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/internal/projection"
	"github.com/rendis/agentgraph/internal/streaming"
	"github.com/rendis/agentgraph/pkg/schema"
)

// watchLine is one printed event.
type watchLine struct {
	Seq  int64           `json:"seq,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// watchSummary is printed to stderr when the watch ends.
type watchSummary struct {
	LastSeq     int64                       `json:"last_seq"`
	Nodes       map[string]schema.NodeState `json:"nodes,omitempty"`
	Status      schema.ExecutionStatus      `json:"status"`
	Coordinator *schema.CoordinatorState    `json:"coordinator,omitempty"`
	Stats       streaming.Stats             `json:"stats"`
}

// runWatch follows an execution stream, printing each event as a JSON line.
// It ends on execution_complete, when a multi-backend dispatch settles, on a
// fatal connection error or on interrupt.
func runWatch(args []string, stdout, stderr io.Writer) int {
	cfg := loadConfig()

	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	useWS := fs.Bool("ws", false, "use the WebSocket transport instead of SSE")
	since := fs.Int64("since", 0, "resume after this sequence number")
	token := fs.String("token", cfg.AuthToken, "bearer token")
	nodes := fs.String("nodes", "", "comma-separated node IDs to project")
	backends := fs.String("backends", "", "comma-separated backend IDs to coordinate")
	compound := fs.Bool("compound", false, "expect a synthesis across backends")
	primary := fs.String("primary", "", "primary backend for synthesis")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: agentgraph watch [-ws] [-since N] [-token T] [-nodes a,b] [-backends x,y [-compound] [-primary x]] <url>")
		return 2
	}
	logger := logging.New(stderr, cfg.LogLevel)

	var tr streaming.Transport = &streaming.SSETransport{Token: *token, Logger: logger}
	if *useWS {
		tr = &streaming.WSTransport{Token: *token, Logger: logger}
	}

	proj := projection.NewProjector(splitList(*nodes))
	coord := coordinator.New(coordinator.Options{Logger: logger})
	var settled <-chan struct{}
	if ids := splitList(*backends); len(ids) > 0 {
		h := coord.Dispatch(ids, coordinator.DispatchOptions{Compound: *compound, Primary: *primary})
		coord.Finalize(ids)
		settled = h.Done()
	}

	finished := make(chan struct{})
	var finishOnce sync.Once
	enc := json.NewEncoder(stdout)
	handler := streaming.HandlerFunc(func(ev streaming.Event) {
		eventType, data, err := streaming.Encode(ev)
		if err == nil {
			_ = enc.Encode(watchLine{Seq: ev.Seq(), Type: eventType, Data: data})
		}
		proj.Apply(ev)
		coord.OnEvent(ev)
		if _, ok := ev.(*streaming.ExecutionCompleteEvent); ok && settled == nil {
			finishOnce.Do(func() { close(finished) })
		}
	})

	opts := streaming.DefaultOptions()
	opts.Transport = tr
	opts.Handler = handler
	opts.HeartbeatTimeout = cfg.heartbeatTimeout()
	opts.Logger = logger
	opts.OnConnection = func(status schema.ConnectionStatus, err error) {
		if err != nil {
			logger.Info("connection", "status", status, "error", err)
			return
		}
		logger.Info("connection", "status", status)
	}

	client, err := streaming.NewClient(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := client.Open(ctx, fs.Arg(0), *since); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	select {
	case <-ctx.Done():
	case <-finished:
	case <-settled:
	case <-client.Done():
	}
	fatal := client.Err()
	_ = client.Close()

	summary := watchSummary{
		LastSeq: client.LastSeq(),
		Nodes:   proj.Snapshot(),
		Status:  proj.Status(),
		Stats:   client.Stats(),
	}
	if settled != nil {
		snap := coord.Snapshot()
		summary.Coordinator = &snap
	}
	out := json.NewEncoder(stderr)
	out.SetIndent("", "  ")
	_ = out.Encode(summary)

	if fatal != nil {
		fmt.Fprintf(stderr, "Error: %v\n", fatal)
		return 1
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
