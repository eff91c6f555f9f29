package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"

	"github.com/MrJones267/aryv-coord/audit"
	"github.com/MrJones267/aryv-coord/auth"
	"github.com/MrJones267/aryv-coord/capacity"
	"github.com/MrJones267/aryv-coord/config"
	"github.com/MrJones267/aryv-coord/escrow"
	"github.com/MrJones267/aryv-coord/globals"
	"github.com/MrJones267/aryv-coord/httpapi"
	"github.com/MrJones267/aryv-coord/notify"
	"github.com/MrJones267/aryv-coord/persistence"
	"github.com/MrJones267/aryv-coord/presence"
	"github.com/MrJones267/aryv-coord/ratelimit"
	"github.com/MrJones267/aryv-coord/rooms"
	"github.com/MrJones267/aryv-coord/ws"
)

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
	sslCert    = pflag.String("ssl-cert", "", "SSL cert (optional)")
	sslKey     = pflag.String("ssl-key", "", "SSL key (optional)")
)

const limiterIdleTTL = 10 * time.Minute

func main() {
	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	cfg, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	if cfg.LogLevel != "" {
		globals.AppLogger.SetLevel(hclog.LevelFromString(cfg.LogLevel))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := persistence.NewStore(ctx, cfg)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	verifier, err := auth.NewVerifier(ctx, cfg)
	if err != nil {
		panic(err)
	}

	var sink audit.Sink = audit.NopSink{}
	if cfg.AMQPConfig.URL != "" {
		publisher := audit.NewPublisher(cfg.AMQPConfig.URL, cfg.AMQPConfig.Exchange, globals.AppLogger)
		if err := publisher.Connect(ctx); err != nil {
			globals.AppLogger.Error("audit bus unreachable, retrying in background", "error", err)
		}
		defer publisher.Close()
		sink = publisher
	}

	var pusher notify.Pusher = notify.NopPusher{}
	if cfg.PushConfig.URL != "" {
		pusher = notify.NewHTTPPusher(cfg.PushConfig)
	}
	var processor escrow.PaymentProcessor = escrow.NopProcessor{}
	if cfg.PaymentsConfig.URL != "" {
		processor = escrow.NewHTTPProcessor(cfg.PaymentsConfig)
	}

	registry := presence.NewRegistry()
	conns := ws.NewConns()
	roomManager := rooms.NewManager(conns)
	dispatcher := notify.NewDispatcher(store, registry, conns, pusher, globals.AppLogger)
	allocator := capacity.NewAllocator(store, roomManager, dispatcher, sink, globals.AppLogger)
	machine := escrow.NewMachine(store, processor, roomManager, sink, cfg.EscrowConfig.GracePeriod, globals.AppLogger)

	sweeper, err := machine.StartSweep(ctx, cfg.EscrowConfig.SweepSpec)
	if err != nil {
		panic(err)
	}
	if sweeper != nil {
		defer sweeper.Stop()
	}

	limiter := ratelimit.New(cfg.LimitsConfig.LocationRPS, cfg.LimitsConfig.LocationBurst, limiterIdleTTL)
	gateway := ws.NewGateway(conns, verifier, registry, roomManager, allocator, store, limiter, sink, globals.AppLogger)
	api := httpapi.New(verifier, allocator, machine, store, globals.AppLogger)

	router := mux.NewRouter()
	router.HandleFunc("/ws", gateway.ServeWS).Methods(http.MethodGet)
	api.Routes(router)

	server := &http.Server{Addr: cfg.Addr, Handler: router}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		globals.AppLogger.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			globals.AppLogger.Error("shutdown error", "error", err)
		}
	}()

	globals.AppLogger.Info("listening", "addr", cfg.Addr)
	if *sslCert != "" && *sslKey != "" {
		err = server.ListenAndServeTLS(*sslCert, *sslKey)
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		globals.AppLogger.Error("stopped listening", "error", err)
	}
}
