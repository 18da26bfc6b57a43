// Command fleetctl is a thin operational CLI against a running fleetd:
// health, metrics, spawn queue status, and the worker roster.
//
// Exit codes: 0 success, 1 request failure, 2 bad usage.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	serverURL := flag.String("server", "http://localhost:3000", "fleetd base URL")
	token := flag.String("token", os.Getenv("FLEET_TOKEN"), "bearer token (default $FLEET_TOKEN)")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}

	var path string
	var needsAuth bool
	switch flag.Arg(0) {
	case "health":
		path = "/health"
	case "metrics":
		path = "/metrics"
	case "queue":
		path, needsAuth = "/spawn-queue/status", true
	case "workers":
		path, needsAuth = "/orchestrate/workers", true
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	if needsAuth && *token == "" {
		fmt.Fprintln(os.Stderr, "this command requires -token or $FLEET_TOKEN")
		os.Exit(2)
	}

	req, err := http.NewRequest("GET", *serverURL+path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad server URL: %v\n", err)
		os.Exit(2)
	}
	if *token != "" {
		req.Header.Set("Authorization", "Bearer "+*token)
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading response: %v\n", err)
		os.Exit(1)
	}

	// Re-indent so operators get readable output regardless of what the
	// server sent.
	var pretty any
	if json.Unmarshal(body, &pretty) == nil {
		if out, err := json.MarshalIndent(pretty, "", "  "); err == nil {
			body = append(out, '\n')
		}
	}
	os.Stdout.Write(body)

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: fleetctl [flags] <command>

Commands:
  health    server liveness
  metrics   process counters
  queue     spawn queue admission status (auth)
  workers   worker roster (auth)

Flags:
`)
	flag.PrintDefaults()
}
