// chainpulse-cli is a command-line client for querying a running
// chainpulsed node over its HTTP transport.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chainpulse-io/chainpulse/internal/wire"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Scan for --node before the subcommand.
	nodeURL := "http://127.0.0.1:8490"
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--node" && len(args) > 1:
			nodeURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--node="):
			nodeURL = args[0][len("--node="):]
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	c := &client{url: nodeURL, http: &http.Client{Timeout: 15 * time.Second}}
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(c)
	case "tip":
		cmdTip(c)
	case "blocks":
		cmdBlocks(c, cmdArgs)
	case "mempool":
		cmdMempool(c)
	case "health":
		cmdHealth(c)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: chainpulse-cli [global flags] <command> [args]

Global flags:
  --node <url>     Node HTTP endpoint (default: http://127.0.0.1:8490)

Commands:
  status           Show indexer status (height, queue, mempool, watermark)
  tip              Show the indexed chain tip
  blocks [n]       Show the last n indexed blocks (default 10)
  mempool          Show tracked mempool txids
  health           Check the node's health endpoint
`)
}

// client posts query envelopes to the node's HTTP transport.
type client struct {
	url  string
	http *http.Client
}

// query runs one named query and decodes the response data into out.
func (c *client) query(name string, dto interface{}, out interface{}) error {
	var raw json.RawMessage
	if dto != nil {
		data, err := json.Marshal(dto)
		if err != nil {
			return fmt.Errorf("marshal %s dto: %w", name, err)
		}
		raw = data
	}
	env, err := wire.NewEnvelope(wire.ActionQueryRequest,
		&wire.QueryRequestPayload{Name: name, DTO: raw})
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	resp, err := c.http.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post to node: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node replied %s", resp.Status)
	}

	var reply wire.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	var qr wire.QueryResponsePayload
	if err := json.Unmarshal(reply.Payload, &qr); err != nil {
		return fmt.Errorf("decode query response: %w", err)
	}
	if qr.Err != "" {
		return fmt.Errorf("%s: %s", name, qr.Err)
	}
	if out != nil {
		if err := json.Unmarshal(qr.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", name, err)
		}
	}
	return nil
}

func cmdStatus(c *client) {
	var status struct {
		Height         int64  `json:"height"`
		TipHash        string `json:"tipHash"`
		QueueBlocks    int    `json:"queueBlocks"`
		QueueBytes     int64  `json:"queueBytes"`
		MempoolSize    int    `json:"mempoolSize"`
		NetworkVersion int64  `json:"networkVersion"`
		Watermark      int64  `json:"watermark"`
	}
	if err := c.query("node.status", nil, &status); err != nil {
		fatal("node.status: %v", err)
	}

	fmt.Printf("Height:    %d\n", status.Height)
	fmt.Printf("Tip:       %s\n", status.TipHash)
	fmt.Printf("Queue:     %d blocks (%d bytes)\n", status.QueueBlocks, status.QueueBytes)
	fmt.Printf("Mempool:   %d txids\n", status.MempoolSize)
	fmt.Printf("Events:    %d applied\n", status.NetworkVersion)
	fmt.Printf("Watermark: %d\n", status.Watermark)
}

func cmdTip(c *client) {
	var tip struct {
		Height int64  `json:"height"`
		Hash   string `json:"hash"`
	}
	if err := c.query("chain.tip", nil, &tip); err != nil {
		fatal("chain.tip: %v", err)
	}

	fmt.Printf("Height: %d\n", tip.Height)
	fmt.Printf("Hash:   %s\n", tip.Hash)
}

func cmdBlocks(c *client, args []string) {
	count := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			fatal("invalid block count %q", args[0])
		}
		count = n
	}

	var blocks []struct {
		Height int64    `json:"height"`
		Hash   string   `json:"hash"`
		Time   int64    `json:"time"`
		TxIDs  []string `json:"tx"`
	}
	if err := c.query("chain.lastblocks", map[string]int{"count": count}, &blocks); err != nil {
		fatal("chain.lastblocks: %v", err)
	}

	for _, b := range blocks {
		ts := time.Unix(b.Time, 0).UTC().Format("2006-01-02 15:04:05")
		fmt.Printf("%8d  %s  %s  %d txs\n", b.Height, b.Hash, ts, len(b.TxIDs))
	}
}

func cmdMempool(c *client) {
	var txids []string
	if err := c.query("mempool.txids", nil, &txids); err != nil {
		fatal("mempool.txids: %v", err)
	}

	fmt.Printf("Tracked: %d\n", len(txids))
	for _, id := range txids {
		fmt.Printf("  %s\n", id)
	}
}

func cmdHealth(c *client) {
	resp, err := c.http.Get(strings.TrimRight(c.url, "/") + "/health")
	if err != nil {
		fatal("health check: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s: %s", resp.Status, body)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
