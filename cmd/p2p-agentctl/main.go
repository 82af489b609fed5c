// Package main — cmd/p2p-agentctl/main.go
//
// p2p-agentctl is a thin remote-control client for a running p2p-agent
// node's Unix-domain control socket (internal/control). It never touches
// the node's object graph directly; every command is one round trip
// through control.Client.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/p2p-ai-agents/node/internal/control"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	socketPath := fs.String("socket", "/etc/p2p-agent/p2p-agent.sock", "control socket path")

	switch os.Args[1] {
	case "status":
		fs.Parse(os.Args[2:])
		call(*socketPath, control.Request{Cmd: "status"})
	case "stop":
		fs.Parse(os.Args[2:])
		call(*socketPath, control.Request{Cmd: "stop"})
	case "submit":
		taskType := fs.String("type", "", "task type")
		inputFile := fs.String("input", "", "path to input file")
		priority := fs.String("priority", "normal", "low|normal|high|critical")
		timeoutMS := fs.Int64("timeout", 30000, "timeout in milliseconds")
		fs.Parse(os.Args[2:])
		if *taskType == "" {
			fmt.Fprintln(os.Stderr, "p2p-agentctl submit: --type is required")
			os.Exit(2)
		}
		var input []byte
		if *inputFile != "" {
			data, err := os.ReadFile(*inputFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "p2p-agentctl: read input: %v\n", err)
				os.Exit(1)
			}
			input = data
		}
		call(*socketPath, control.Request{
			Cmd:       "submit",
			TaskType:  *taskType,
			Input:     encodeBase64(input),
			Priority:  *priority,
			TimeoutMS: *timeoutMS,
		})
	case "task-status":
		taskID := fs.String("task-id", "", "task id")
		fs.Parse(os.Args[2:])
		if *taskID == "" {
			fmt.Fprintln(os.Stderr, "p2p-agentctl task-status: --task-id is required")
			os.Exit(2)
		}
		call(*socketPath, control.Request{Cmd: "task_status", TaskID: *taskID})
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: p2p-agentctl <status|stop|submit|task-status> [flags]")
}

func call(socketPath string, req control.Request) {
	client := control.NewClient(socketPath)
	resp, err := client.Call(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "p2p-agentctl: %v\n", err)
		os.Exit(1)
	}
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "p2p-agentctl: %s\n", resp.Error)
		os.Exit(1)
	}

	switch req.Cmd {
	case "status":
		fmt.Printf("peer_id=%s state=%s peers_known=%d uptime=%s\n", resp.PeerID, resp.State, resp.PeersKnown, resp.Uptime)
	case "submit":
		fmt.Println(resp.TaskID)
	case "task_status":
		fmt.Printf("status=%s result_hash=%s\n", resp.Status, resp.ResultHash)
	default:
		fmt.Println("ok")
	}
}

func encodeBase64(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}
