package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/outblock/hlscan/internal/governor"
	"github.com/outblock/hlscan/internal/repository"
)

func main() {
	var (
		orgStr     string
		failedTail int
		watch      bool
		intervalS  int
	)

	flag.StringVar(&orgStr, "org", os.Getenv("HL_ORG_ID"), "org uuid (defaults to $HL_ORG_ID)")
	flag.IntVar(&failedTail, "failed", 5, "how many recent failed jobs to print (0 disables)")
	flag.BoolVar(&watch, "watch", false, "keep printing every -interval seconds")
	flag.IntVar(&intervalS, "interval", 10, "watch interval in seconds")
	flag.Parse()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = os.Getenv("DB_URL")
	}
	if databaseURL == "" {
		log.Fatal("DATABASE_URL or DB_URL is required")
	}
	if orgStr == "" {
		log.Fatal("-org or HL_ORG_ID is required")
	}
	orgID, err := uuid.Parse(orgStr)
	if err != nil {
		log.Fatalf("invalid org uuid %q: %v", orgStr, err)
	}

	repo, err := repository.NewRepository(databaseURL)
	if err != nil {
		log.Fatalf("failed to connect repository: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		printReport(ctx, repo, orgID, failedTail)
		if !watch {
			return
		}
		time.Sleep(time.Duration(intervalS) * time.Second)
	}
}

func printReport(ctx context.Context, repo *repository.Repository, orgID uuid.UUID, failedTail int) {
	fmt.Printf("=== hlscan jobs @ %s (org %s) ===\n", time.Now().UTC().Format(time.RFC3339), orgID)

	counts, err := repo.JobStatusCounts(ctx, orgID)
	if err != nil {
		log.Fatalf("[monitor_jobs] status counts failed: %v", err)
	}
	if len(counts) == 0 {
		fmt.Println("queue is empty")
	}
	for _, c := range counts {
		fmt.Printf("%-18s %-10s %d\n", c.Type, c.Status, c.Count)
	}

	expired, err := repo.ExpiredRunningJobs(ctx, orgID)
	if err != nil {
		log.Fatalf("[monitor_jobs] expired lease count failed: %v", err)
	}
	fmt.Printf("running with expired lease: %d\n", expired)

	cursors, err := repo.GetCursorSummary(ctx, orgID)
	if err != nil {
		log.Fatalf("[monitor_jobs] cursor summary failed: %v", err)
	}
	fmt.Printf("cursors: %d total, %d ok, %d errored, %d due now\n",
		cursors.Total, cursors.OK, cursors.Errored, cursors.DueNow)

	rl, err := repo.GetRateLimitState(ctx, governor.StateKey)
	if err != nil {
		log.Fatalf("[monitor_jobs] rate limit state failed: %v", err)
	}
	if rl.Key != "" {
		limited := ""
		if rl.IsRateLimited && rl.RateLimitedUntil != nil {
			limited = fmt.Sprintf(" RATE LIMITED until %s", rl.RateLimitedUntil.UTC().Format(time.RFC3339))
		}
		fmt.Printf("governor: %.1f tokens, %d req / %d weight this minute%s\n",
			rl.Tokens, rl.RequestsThisMinute, rl.WeightThisMinute, limited)
	}

	if failedTail > 0 {
		failed, err := repo.RecentFailedJobs(ctx, orgID, failedTail)
		if err != nil {
			log.Fatalf("[monitor_jobs] recent failed jobs failed: %v", err)
		}
		for _, j := range failed {
			lastErr := ""
			if j.LastError != nil {
				lastErr = *j.LastError
			}
			fmt.Printf("failed job %d type=%s attempts=%d/%d error=%q\n",
				j.ID, j.Type, j.Attempts, j.MaxAttempts, lastErr)
		}
	}
	fmt.Println()
}
