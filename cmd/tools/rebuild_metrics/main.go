package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/outblock/hlscan/internal/models"
	"github.com/outblock/hlscan/internal/repository"
)

const dayLayout = "2006-01-02"

// Rebuilds wallet-day and global-day metrics for a date window from the raw
// fills. -enqueue hands the work to the rollup pipeline instead of
// recomputing inline, which spreads a large rebuild across workers.
func main() {
	var (
		orgStr  string
		fromStr string
		toStr   string
		enqueue bool
	)

	flag.StringVar(&orgStr, "org", os.Getenv("HL_ORG_ID"), "org uuid (defaults to $HL_ORG_ID)")
	flag.StringVar(&fromStr, "from", "", "first day to rebuild, YYYY-MM-DD (inclusive)")
	flag.StringVar(&toStr, "to", "", "end day, YYYY-MM-DD (exclusive; default from+1 day)")
	flag.BoolVar(&enqueue, "enqueue", false, "re-enqueue rollup jobs instead of recomputing inline")
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
	if fromStr == "" {
		log.Fatal("-from is required (YYYY-MM-DD)")
	}
	from, err := time.ParseInLocation(dayLayout, fromStr, time.UTC)
	if err != nil {
		log.Fatalf("invalid -from %q: %v", fromStr, err)
	}
	to := from.AddDate(0, 0, 1)
	if toStr != "" {
		to, err = time.ParseInLocation(dayLayout, toStr, time.UTC)
		if err != nil {
			log.Fatalf("invalid -to %q: %v", toStr, err)
		}
	}
	if !to.After(from) {
		log.Fatalf("invalid range: from=%s to=%s (to must be after from)", fromStr, to.Format(dayLayout))
	}

	repo, err := repository.NewRepository(databaseURL)
	if err != nil {
		log.Fatalf("failed to connect repository: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := time.Now()

	if enqueue {
		walletDays, err := repo.FillWalletDays(ctx, orgID, from, to)
		if err != nil {
			log.Fatalf("[rebuild_metrics] listing wallet days failed: %v", err)
		}
		if len(walletDays) == 0 {
			log.Printf("[rebuild_metrics] no fills in [%s, %s); nothing to enqueue", from.Format(dayLayout), to.Format(dayLayout))
			return
		}
		var enqueued int
		for _, wd := range walletDays {
			payload := models.RollupWalletDayPayload{OrgID: orgID, WalletID: wd.WalletID, Days: wd.Days}
			id, err := repo.EnqueueJob(ctx, orgID, models.JobTypeRollupWalletDay, payload, time.Now())
			if err != nil {
				log.Fatalf("[rebuild_metrics] enqueue for wallet %d failed: %v", wd.WalletID, err)
			}
			if id != 0 {
				enqueued++
			}
		}
		log.Printf("[rebuild_metrics] enqueued %d rollup job(s) for %d wallet(s) in %s",
			enqueued, len(walletDays), time.Since(started).Truncate(time.Millisecond))
		return
	}

	walletRows, globalRows, err := repo.RebuildDayMetrics(ctx, orgID, from, to)
	if err != nil {
		log.Fatalf("[rebuild_metrics] rebuild failed: %v", err)
	}
	log.Printf("[rebuild_metrics] rebuilt %d wallet-day row(s) and %d global-day row(s) in %s",
		walletRows, globalRows, time.Since(started).Truncate(time.Millisecond))
}
