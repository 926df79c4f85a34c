package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/google/uuid"

	"github.com/outblock/hlscan/internal/ingester"
	"github.com/outblock/hlscan/internal/repository"
)

func main() {
	var (
		orgStr     string
		address    string
		label      string
		addedBy    string
		deactivate bool
	)

	flag.StringVar(&orgStr, "org", os.Getenv("HL_ORG_ID"), "org uuid (defaults to $HL_ORG_ID)")
	flag.StringVar(&address, "address", "", "wallet address (EVM hex, any case, 0x optional)")
	flag.StringVar(&label, "label", "", "optional human-readable label")
	flag.StringVar(&addedBy, "added-by", "", "who is registering the wallet (audit field)")
	flag.BoolVar(&deactivate, "deactivate", false, "deactivate the wallet and cancel its pending jobs instead")
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
	if address == "" {
		log.Fatal("-address is required")
	}
	normalized, err := ingester.NormalizeAddress(address)
	if err != nil {
		log.Fatalf("invalid address: %v", err)
	}

	repo, err := repository.NewRepository(databaseURL)
	if err != nil {
		log.Fatalf("failed to connect repository: %v", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if deactivate {
		wallet, err := repo.GetWalletByAddress(ctx, normalized)
		if err != nil {
			log.Fatalf("[register_wallet] lookup failed: %v", err)
		}
		if wallet == nil {
			log.Fatalf("[register_wallet] wallet %s is not registered", normalized)
		}
		changed, err := repo.DeactivateWallet(ctx, orgID, wallet.WalletID)
		if err != nil {
			log.Fatalf("[register_wallet] deactivation failed: %v", err)
		}
		if !changed {
			log.Printf("[register_wallet] wallet %d (%s) was already inactive or not linked to org", wallet.WalletID, normalized)
			return
		}
		canceled, err := repo.CancelWalletJobs(ctx, orgID, wallet.WalletID)
		if err != nil {
			log.Fatalf("[register_wallet] canceling pending jobs failed: %v", err)
		}
		log.Printf("[register_wallet] deactivated wallet %d (%s), canceled %d queued job(s)", wallet.WalletID, normalized, canceled)
		return
	}

	if err := repo.EnsureOrg(ctx, orgID, ""); err != nil {
		log.Fatalf("[register_wallet] ensure org failed: %v", err)
	}
	wallet, err := repo.RegisterWallet(ctx, orgID, normalized, label, addedBy)
	if err != nil {
		log.Fatalf("[register_wallet] registration failed: %v", err)
	}
	log.Printf("[register_wallet] wallet %d (%s) registered and active; scheduler picks it up next tick", wallet.WalletID, wallet.Address)
}
