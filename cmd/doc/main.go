// Package main generates Graphviz diagrams of pgwarp's per-stream
// handshake lifecycle for the documentation. The output is DOT text,
// rendered to SVG by the docs build.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/awalterschulze/gographviz"
)

type transition struct {
	from, to, label string
}

// The per-stream states and the events that move between them, as
// implemented by the startup interceptor and the stream bridge.
var (
	states = []string{
		"AwaitingStartup",
		"Authenticating",
		"Relaying",
		"Rejected",
		"Closed",
	}

	transitions = []transition{
		{"AwaitingStartup", "AwaitingStartup", "SSLRequest / GSSEncRequest answered"},
		{"AwaitingStartup", "Authenticating", "StartupMessage validated"},
		{"AwaitingStartup", "Rejected", "malformed or oversized message"},
		{"AwaitingStartup", "Closed", "CancelRequest or transport loss"},
		{"Authenticating", "Relaying", "ReadyForQuery"},
		{"Authenticating", "Rejected", "connect failure or auth error"},
		{"Relaying", "Closed", "either leg closes, idle timeout"},
		{"Rejected", "Closed", "ErrorResponse delivered"},
	}
)

func buildGraph() (*gographviz.Graph, error) {
	g := gographviz.NewGraph()
	if err := g.SetName("handshake"); err != nil {
		return nil, err
	}
	if err := g.SetDir(true); err != nil {
		return nil, err
	}
	if err := g.AddAttr("handshake", "rankdir", "LR"); err != nil {
		return nil, err
	}

	for _, state := range states {
		attrs := map[string]string{"shape": "box", "style": "rounded"}
		switch state {
		case "Relaying":
			attrs["style"] = `"rounded,bold"`
		case "Rejected", "Closed":
			attrs["style"] = `"rounded,dashed"`
		}
		if err := g.AddNode("handshake", state, attrs); err != nil {
			return nil, err
		}
	}

	for _, t := range transitions {
		attrs := map[string]string{"label": fmt.Sprintf("%q", t.label)}
		if err := g.AddEdge(t.from, t.to, true, attrs); err != nil {
			return nil, err
		}
	}

	return g, nil
}

func main() {
	outputFile := flag.String("out", "", "output DOT file (default: stdout)")
	flag.Parse()

	g, err := buildGraph()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building graph: %v\n", err)
		os.Exit(1)
	}

	dot := g.String()
	if *outputFile == "" {
		fmt.Print(dot)
		return
	}
	if err := os.WriteFile(*outputFile, []byte(dot), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %s\n", *outputFile)
}
