package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregpriday/go-work-manager/pkg/agent"
	"github.com/gregpriday/go-work-manager/pkg/models"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Work manager server URL")
	holderID := flag.String("holder", "", "Holder identity (default: hostname)")
	token := flag.String("token", "", "Holder auth token (default: WORKMANAGER_TOKEN)")
	command := flag.String("command", "", "Command to run per item; item JSON arrives on stdin")
	slots := flag.Int("slots", 0, "Concurrent items (default: one per CPU core)")
	pollInterval := flag.Duration("poll-interval", 5*time.Second, "Item polling interval")
	heartbeatInterval := flag.Duration("heartbeat-interval", 10*time.Second, "Heartbeat interval")
	leaseTTL := flag.Duration("lease-ttl", time.Minute, "Lease TTL requested on checkout")
	flag.Parse()

	if *holderID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "workagent"
		}
		*holderID = hostname
	}
	if *token == "" {
		*token = os.Getenv("WORKMANAGER_TOKEN")
	}
	if *command == "" {
		log.Fatal("--command is required")
	}

	log.Printf("Starting work agent %s against %s", *holderID, *serverURL)

	client := agent.NewClient(*serverURL, *holderID, *token)
	worker := agent.NewWorker(client, commandExecutor(*command), agent.WorkerConfig{
		PollInterval:      *pollInterval,
		HeartbeatInterval: *heartbeatInterval,
		LeaseTTL:          *leaseTTL,
		Slots:             *slots,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigChan
		log.Printf("Received signal: %v, draining...", sig)
		cancel()
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Worker stopped: %v", err)
	}
}

// commandExecutor runs one subprocess per item. The item is passed as JSON
// on stdin and the process's stdout must be the JSON result object.
func commandExecutor(command string) agent.Executor {
	return agent.ExecutorFunc(func(ctx context.Context, item *models.Item) (map[string]interface{}, error) {
		input, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Stdin = bytes.NewReader(input)
		cmd.Stderr = os.Stderr

		out, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("command failed: %w", err)
		}

		result := map[string]interface{}{}
		if len(out) > 0 {
			if err := json.Unmarshal(out, &result); err != nil {
				return nil, fmt.Errorf("command output is not a JSON object: %w", err)
			}
		}
		return result, nil
	})
}
