package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"TronPayWatch/internal/chain"
	"TronPayWatch/internal/config"
	"TronPayWatch/internal/db"
	"TronPayWatch/internal/models"
	"TronPayWatch/internal/services"
)

// The housekeeping worker prunes expired orders on a schedule, optionally
// archiving them first. With the bolt driver it must not run next to the api
// because the data file is locked by one process at a time.
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	once := flag.Bool("once", false, "run a single pass and exit")
	interval := flag.Duration("interval", 24*time.Hour, "time between passes")
	exportDir := flag.String("export-dir", "", "archive every order to this directory before pruning")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := db.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store open failed: %v", err)
	}
	defer st.Close()

	explorer, err := chain.NewMultiQuerier(cfg.Chain.ExplorerEndpoints, cfg.Chain.APIKey, cfg.Chain.FailoverThreshold)
	if err != nil {
		log.Fatalf("explorer setup failed: %v", err)
	}
	svc, err := services.NewPaymentService(services.Options{
		Store:     st,
		Chain:     explorer,
		Address:   cfg.Chain.WalletAddress,
		Contract:  cfg.Chain.TokenContract,
		Retention: cfg.Retention(),
	})
	if err != nil {
		log.Fatalf("payment service setup failed: %v", err)
	}

	log.Printf("housekeeping started driver=%s retention=%s", cfg.DB.Driver, cfg.Retention())
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		if err := pass(ctx, svc, *exportDir); err != nil {
			log.Printf("housekeeping pass failed: %v", err)
		}
		if *once {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func pass(ctx context.Context, svc *services.PaymentService, exportDir string) error {
	if exportDir != "" {
		if err := export(ctx, svc, exportDir); err != nil {
			return fmt.Errorf("export: %w", err)
		}
	}
	if _, err := svc.CleanupOldOrders(ctx, 0); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	st, err := svc.GetStatistics(ctx, "")
	if err != nil {
		return fmt.Errorf("statistics: %w", err)
	}
	log.Printf("orders total=%d pending=%d paid=%d refunded=%d paid_amount=%s",
		st.TotalOrders, st.PendingOrders, st.PaidOrders, st.RefundedOrders, st.TotalPaidAmount)
	return nil
}

func export(ctx context.Context, svc *services.PaymentService, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("orders_%s.json", time.Now().UTC().Format("20060102_150405")))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := svc.ExportOrders(ctx, f, models.OrderFilter{})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	log.Printf("exported %d orders to %s", n, path)
	return nil
}
