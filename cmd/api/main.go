package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"TronPayWatch/internal/chain"
	"TronPayWatch/internal/config"
	"TronPayWatch/internal/db"
	internalhttp "TronPayWatch/internal/http"
	"TronPayWatch/internal/models"
	"TronPayWatch/internal/pricing"
	"TronPayWatch/internal/services"

	"github.com/shopspring/decimal"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()
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
		Store:             st,
		Chain:             explorer,
		Address:           cfg.Chain.WalletAddress,
		Contract:          cfg.Chain.TokenContract,
		TokenSymbol:       cfg.Chain.TokenSymbol,
		PollInterval:      cfg.PollInterval(),
		DefaultTimeout:    cfg.DefaultTimeout(),
		MaxTimeout:        cfg.MaxTimeout(),
		TransferLimit:     cfg.Chain.TransferLimit,
		MinConfirmations:  cfg.Chain.MinConfirmations,
		MaxAmount:         cfg.MaxAmount(),
		MaxPendingPerUser: cfg.Orders.MaxPendingPerUser,
		MinOrderInterval:  cfg.MinOrderInterval(),
		UniqueAmounts:     cfg.Orders.UniqueAmounts,
		Retention:         cfg.Retention(),
	})
	if err != nil {
		log.Fatalf("payment service setup failed: %v", err)
	}

	catalog := pricing.NewCatalog(plans(cfg.Plans))
	hub := internalhttp.NewEventHub()
	registerCallbacks(svc, hub, catalog)

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("reconcile pending orders failed: %v", err)
	}

	h := internalhttp.NewHandler(svc, catalog, hub)
	srv := internalhttp.NewServer(h, cfg.Server.AdminJWTSecret)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("api listening on %s wallet=%s explorer=%s", cfg.Server.Addr, cfg.Chain.WalletAddress, explorer.BaseURL())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	if err := svc.Close(ctxShutdown); err != nil {
		log.Printf("watchers did not stop in time: %v", err)
	}
}

func plans(in []config.Plan) []pricing.Plan {
	out := make([]pricing.Plan, 0, len(in))
	for _, p := range in {
		out = append(out, pricing.Plan{
			Key:   p.Key,
			Name:  p.Name,
			Days:  p.Days,
			Price: decimal.RequireFromString(p.Price),
		})
	}
	return out
}

// registerCallbacks pushes every transition to websocket subscribers and logs
// the membership a paid plan order grants.
func registerCallbacks(svc *services.PaymentService, hub *internalhttp.EventHub, catalog *pricing.Catalog) {
	paid := hub.Callback(services.EventPaymentReceived)
	mustRegister(svc, services.EventPaymentReceived, func(orderID string, order *models.Order) error {
		if key, ok := pricing.PlanFromNotes(order.Notes); ok {
			if plan, err := catalog.Lookup(key); err == nil {
				log.Printf("membership granted user=%s plan=%s days=%d order=%s", order.UserID, plan.Key, plan.Days, orderID)
			} else {
				log.Printf("order %s paid for unknown plan %q", orderID, key)
			}
		}
		return paid(orderID, order)
	})
	mustRegister(svc, services.EventOrderTimeout, hub.Callback(services.EventOrderTimeout))
	mustRegister(svc, services.EventOrderCancelled, hub.Callback(services.EventOrderCancelled))
}

func mustRegister(svc *services.PaymentService, event services.Event, h services.Handler) {
	if _, err := svc.RegisterCallback(event, h); err != nil {
		log.Fatalf("register %s callback failed: %v", event, err)
	}
}
