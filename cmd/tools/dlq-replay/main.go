// cmd/tools/dlq-replay/main.go
//
// Operator tool for the dead-letter queues: list retained jobs and replay
// selected ones back onto their waiting list. There is deliberately no
// automatic sweep; replay is a human decision.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"access-sync/internal/access/queue"
	"access-sync/internal/common/config"
	"access-sync/internal/common/database"
	"access-sync/internal/common/logger"
)

func main() {
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listQueue := listCmd.String("queue", queue.QueueGrant, "queue name (grant-access or revoke-access)")
	listLimit := listCmd.Int64("limit", 50, "max jobs to show")

	replayCmd := flag.NewFlagSet("replay", flag.ExitOnError)
	replayQueue := replayCmd.String("queue", queue.QueueGrant, "queue name (grant-access or revoke-access)")
	replayJob := replayCmd.String("job", "", "job id to replay")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	broker, err := database.NewRedis(cfg.Broker)
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker connection failed: %v\n", err)
		os.Exit(1)
	}
	defer broker.Close()

	client, err := queue.NewClient(broker.Client, queue.Policy{
		MaxAttempts:   cfg.Queues.MaxAttempts,
		BackoffBaseMs: int64(cfg.Queues.BackoffBaseMs),
		LeaseMs:       int64(cfg.Queues.LeaseMs),
	}, nil, logger.NewNoOpLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue client init failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "list":
		listCmd.Parse(os.Args[2:])
		jobs, err := client.ListDead(ctx, *listQueue, *listLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list failed: %v\n", err)
			os.Exit(1)
		}
		if len(jobs) == 0 {
			fmt.Printf("no dead-lettered jobs in %s\n", *listQueue)
			return
		}
		for _, j := range jobs {
			deadAt := ""
			if j.DeadAt != nil {
				deadAt = j.DeadAt.Format(time.RFC3339)
			}
			kind := "retries_exhausted"
			if j.Permanent {
				kind = "permanent"
			}
			fmt.Printf("%s\t%s\tattempts=%d/%d\t%s\t%s\n",
				j.ID, kind, j.AttemptsMade, j.MaxAttempts, deadAt, j.LastError)
		}

	case "replay":
		replayCmd.Parse(os.Args[2:])
		if *replayJob == "" {
			fmt.Println("Error: -job is required for replay.")
			replayCmd.Usage()
			os.Exit(1)
		}
		if err := client.Replay(ctx, *replayQueue, *replayJob); err != nil {
			fmt.Fprintf(os.Stderr, "replay failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("job %s replayed onto %s\n", *replayJob, *replayQueue)

	default:
		help()
		os.Exit(1)
	}
}

func help() {
	fmt.Println("Usage:")
	fmt.Println("  dlq-replay list   [-queue name] [-limit n]")
	fmt.Println("  dlq-replay replay [-queue name] -job <id>")
}
