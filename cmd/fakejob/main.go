// fakejob is a stand-in job body for development and smoke tests. It reads
// the task payload from stdin and prints a result line the pool can parse.
// The payload controls its behavior:
//
//	{"sleep": "2s"}            work duration before the result line
//	{"fail": true}             exit with success=false
//	{"hang": true}             never finish (exercises the timeout path)
//	{"message": "custom text"} result message
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

type payload struct {
	Sleep   string `json:"sleep,omitempty"`
	Fail    bool   `json:"fail,omitempty"`
	Hang    bool   `json:"hang,omitempty"`
	Message string `json:"message,omitempty"`
}

type result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func main() {
	taskID := os.Getenv("POSTER_TASK_ID")

	var p payload
	if raw, err := io.ReadAll(os.Stdin); err == nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}

	// Noise before the result line, like a real publisher's progress output.
	fmt.Printf("fakejob: task %s starting\n", taskID)

	if p.Sleep != "" {
		if d, err := time.ParseDuration(p.Sleep); err == nil {
			time.Sleep(d)
		}
	}
	if p.Hang {
		select {}
	}

	msg := p.Message
	if msg == "" {
		if p.Fail {
			msg = "simulated failure"
		} else {
			msg = "published"
		}
	}

	out, _ := json.Marshal(result{
		Success: !p.Fail,
		Message: msg,
		Data:    map[string]any{"task_id": taskID, "finished_at": time.Now().Format(time.RFC3339)},
	})
	fmt.Println(string(out))

	if p.Fail {
		os.Exit(1)
	}
}
