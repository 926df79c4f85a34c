package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/outblock/hlscan/internal/repository"
)

func main() {
	var orgStr string

	flag.StringVar(&orgStr, "org", os.Getenv("HL_ORG_ID"), "org uuid (defaults to $HL_ORG_ID)")
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

	expired, err := repo.ExpiredRunningJobs(ctx, orgID)
	if err != nil {
		log.Fatalf("[recover_jobs] expired lease count failed: %v", err)
	}
	if expired == 0 {
		log.Printf("[recover_jobs] no running jobs with expired leases; nothing to do")
		return
	}

	n, err := repo.RecoverStuckJobs(ctx, orgID)
	if err != nil {
		log.Fatalf("[recover_jobs] recovery failed: %v", err)
	}
	log.Printf("[recover_jobs] settled %d job(s) (re-queued, or failed when out of attempts)", n)
}
