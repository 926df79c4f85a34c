package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/outblock/hlscan/internal/repository"
)

func main() {
	var (
		fromStr string
		months  int
		list    bool
	)

	flag.StringVar(&fromStr, "from", "", "first month to provision as YYYY-MM (default: current month)")
	flag.IntVar(&months, "months", 3, "how many months to cover from -from")
	flag.BoolVar(&list, "list", false, "only list attached partitions and exit")
	flag.Parse()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		databaseURL = os.Getenv("DB_URL")
	}
	if databaseURL == "" {
		log.Fatal("DATABASE_URL or DB_URL is required")
	}

	repo, err := repository.NewRepository(databaseURL)
	if err != nil {
		log.Fatalf("failed to connect repository: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if list {
		parts, err := repo.ListFillPartitions(ctx)
		if err != nil {
			log.Fatalf("[provision_partitions] list failed: %v", err)
		}
		if len(parts) == 0 {
			fmt.Println("no partitions attached to hl_fills_raw")
			return
		}
		for _, p := range parts {
			fmt.Println(p)
		}
		return
	}

	from := time.Now().UTC()
	if fromStr != "" {
		from, err = time.Parse("2006-01", fromStr)
		if err != nil {
			log.Fatalf("invalid -from %q (want YYYY-MM): %v", fromStr, err)
		}
	}
	if months < 1 {
		log.Fatalf("invalid -months %d (must be >= 1)", months)
	}
	to := from.AddDate(0, months-1, 0)

	created, err := repo.EnsureFillPartitions(ctx, from, to)
	if err != nil {
		log.Fatalf("[provision_partitions] provisioning failed: %v", err)
	}
	log.Printf("[provision_partitions] created %d partition(s) covering %s..%s (plus lookahead)",
		created, from.Format("2006-01"), to.Format("2006-01"))

	parts, err := repo.ListFillPartitions(ctx)
	if err != nil {
		log.Fatalf("[provision_partitions] list failed: %v", err)
	}
	log.Printf("[provision_partitions] %d partition(s) now attached", len(parts))
}
