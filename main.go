package main

import (
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/getlantern/golog"

	"github.com/outpostd/outpostd/broker"
	"github.com/outpostd/outpostd/config"
	"github.com/outpostd/outpostd/exchange"
	"github.com/outpostd/outpostd/ping"
	"github.com/outpostd/outpostd/registration"
	"github.com/outpostd/outpostd/store"
	"github.com/outpostd/outpostd/telemetry"
	"github.com/outpostd/outpostd/transport"
	"github.com/outpostd/outpostd/web"
)

var (
	configFile = flag.String("config", "/etc/outpostd/outpostd.yaml", "path to the configuration file")
	pprofAddr  = os.Getenv("PPROF_ADDR")

	log = golog.LoggerFor("outpostd")
)

func main() {
	flag.Parse()

	if pprofAddr != "" {
		go func() {
			log.Error(http.ListenAndServe(pprofAddr, nil))
		}()
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("unable to load configuration: %v", err)
	}

	stopTelemetry := telemetry.Start(&cfg.Telemetry)
	defer stopTelemetry()

	st, err := store.Open(&store.Opts{
		Dir:       cfg.Storage.Dir,
		CacheSize: cfg.Storage.CacheSize,
	})
	if err != nil {
		log.Fatalf("unable to open message store: %v", err)
	}
	defer st.Close()

	seedIdentity(st, cfg)

	tr := transport.NewHTTP(cfg.Server.ExchangeURL, cfg.Server.RegisterURL, cfg.Server.RequestTimeout)
	registrar := registration.New(st, tr)
	pinger := ping.NewHTTP(cfg.Server.PingURL, func() string {
		return st.Identity().InsecureID
	}, cfg.Server.PingTimeout)

	svc := broker.New(&broker.Opts{
		Store:           st,
		DispatchTimeout: cfg.IPC.DispatchTimeout,
	})

	exchanger := exchange.New(&exchange.Opts{
		Store:                  st,
		Transport:              tr,
		Ping:                   pinger,
		Registrar:              registrar,
		Events:                 svc,
		Inbound:                svc,
		ClientTypes:            svc.ClientTypes,
		ExchangeInterval:       cfg.Exchange.Interval,
		UrgentInterval:         cfg.Exchange.UrgentInterval,
		PingInterval:           cfg.Exchange.PingInterval,
		MaxMessagesPerExchange: cfg.Exchange.MaxMessagesPerExchange,
		UrgentPendingThreshold: cfg.Exchange.UrgentPendingThreshold,
		InitialBackoff:         cfg.Exchange.InitialBackoff,
		MaxBackoff:             cfg.Exchange.MaxBackoff,
	})
	svc.SetScheduler(exchanger)
	exchanger.Start()
	defer exchanger.Stop()

	h := web.NewHandler(&web.Opts{
		Service:    svc,
		AckTimeout: cfg.IPC.DispatchTimeout,
	})
	srv := &http.Server{
		Addr:    cfg.IPC.Addr,
		Handler: h,
	}
	go func() {
		log.Debugf("Listening for local connections at %v", cfg.IPC.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("unable to serve: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Debugf("Received %v, shutting down", sig)
	srv.Close()
}

// seedIdentity copies the configured registration info into the store so a
// first run can register. Server-issued credentials already in the store
// take precedence.
func seedIdentity(st *store.MessageStore, cfg *config.Config) {
	id := st.Identity()
	if id.HasRegistrationInfo() || cfg.Registration.AccountName == "" {
		return
	}
	id.AccountName = cfg.Registration.AccountName
	id.ComputerTitle = cfg.Registration.ComputerTitle
	id.RegistrationKey = cfg.Registration.RegistrationKey
	if err := st.SetIdentity(id); err != nil {
		log.Fatalf("unable to seed identity: %v", err)
	}
}
