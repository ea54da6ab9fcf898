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

var (
	addr    = flag.String("addr", "127.0.0.1:8797", "underlayd API address")
	timeout = flag.Duration("timeout", 5*time.Second, "request timeout")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: underlayctl [flags] <command>

Commands:
  status     Full registry status
  networks   Tracked networks with states and priorities
  best       Current best candidate network
  events     Recent monitoring events
  health     Daemon liveness

Flags:
`)
	flag.PrintDefaults()
}

var endpoints = map[string]string{
	"status":   "/status",
	"networks": "/networks",
	"best":     "/networks/best",
	"events":   "/events",
	"health":   "/healthz",
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	path, ok := endpoints[flag.Arg(0)]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", flag.Arg(0))
		usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get("http://" + *addr + path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v (is underlayd running?)\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: reading response: %v\n", err)
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Error: %s: %s\n", resp.Status, string(body))
		os.Exit(1)
	}

	var pretty json.RawMessage = body
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(string(out))
}
