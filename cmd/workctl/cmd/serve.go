package cmd

import (
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/gregpriday/go-work-manager/pkg/api"
	"github.com/gregpriday/go-work-manager/pkg/assembler"
	"github.com/gregpriday/go-work-manager/pkg/auth"
	"github.com/gregpriday/go-work-manager/pkg/config"
	"github.com/gregpriday/go-work-manager/pkg/coordinator"
	"github.com/gregpriday/go-work-manager/pkg/events"
	"github.com/gregpriday/go-work-manager/pkg/lease"
	"github.com/gregpriday/go-work-manager/pkg/logging"
	"github.com/gregpriday/go-work-manager/pkg/maintenance"
	"github.com/gregpriday/go-work-manager/pkg/metrics"
	"github.com/gregpriday/go-work-manager/pkg/middleware"
	"github.com/gregpriday/go-work-manager/pkg/ordertype"
	"github.com/gregpriday/go-work-manager/pkg/shutdown"
	"github.com/gregpriday/go-work-manager/pkg/statemachine"
	"github.com/gregpriday/go-work-manager/pkg/store"
	wmtls "github.com/gregpriday/go-work-manager/pkg/tls"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the work manager server",
	Long:  `Starts the coordination server: state machine, lease manager, assembler, maintenance sweeps, metrics, and the HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger := logging.NewLogger("server", logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	if cfg.Log.File {
		fileLogger, err := logging.NewFileLogger("server", logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
		if err != nil {
			return err
		}
		logger = fileLogger
	}

	st, err := store.New(cfg.StoreConfig())
	if err != nil {
		return err
	}

	bus := events.NewBus()
	bus.Subscribe(logger.EventSink())

	opts := []statemachine.Option{statemachine.WithPublisher(bus.Publish)}
	if cfg.GraphsFile != "" {
		orderGraph, itemGraph, err := config.LoadGraphs(cfg.GraphsFile)
		if err != nil {
			return err
		}
		opts = append(opts, statemachine.WithGraphs(orderGraph, itemGraph))
	}
	sm, err := statemachine.New(st, opts...)
	if err != nil {
		return err
	}

	var backend lease.Backend
	if cfg.Lease.Backend == "ttl" {
		backend = lease.NewTTLBackend()
	}
	leases := lease.NewManager(st, sm, backend, cfg.LeaseConfig())

	types := make([]ordertype.OrderType, 0, len(cfg.OrderTypes))
	for _, name := range cfg.OrderTypes {
		ot, err := ordertype.New(ordertype.Definition{Name: name})
		if err != nil {
			return err
		}
		types = append(types, ot)
	}
	registry, err := ordertype.NewRegistry(types...)
	if err != nil {
		return err
	}

	asm := assembler.New(st, sm, registry, cfg.AssemblerConfig())
	coord := coordinator.New(st, sm, leases, asm, registry, coordinator.Config{
		Retry:  cfg.RetryPolicy(),
		Rework: cfg.ReworkPolicy(),
	})

	sweeps := maintenance.New(st, sm, leases, coord, cfg.RetryPolicy(), cfg.MaintenanceConfig())
	if err := sweeps.Start(); err != nil {
		return err
	}

	collector := metrics.NewCollector(st)
	collector.Observe(bus)

	server := api.NewServer(cfg.Listen, api.NewHandler(st, coord))
	server.Mount("/metrics", collector.Handler())

	if cfg.RateLimit.Enabled {
		server.Use(middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst).Middleware)
	}

	if cfg.Auth.Enabled {
		registry := auth.NewRegistry(st)
		keys, err := registry.ListOperatorKeys()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			bootstrapKey, err := registry.CreateOperatorKey("bootstrap")
			if err != nil {
				return err
			}
			// Printed once, on first start against an empty credential
			// store, so the operator can mint further credentials
			log.Printf("[Server] Bootstrap API key: %s", bootstrapKey)
		}
		server.Use(middleware.HolderAuth(registry))
	}

	sd := shutdown.New(30 * time.Second)
	sd.Register(shutdown.CloseResource(logger, "audit logger"))
	if closer, ok := st.(interface{ Close() error }); ok {
		sd.Register(shutdown.CloseResource(closer, "store"))
	}
	sd.Register(shutdown.StopService(bus.Close, "event bus"))
	sd.Register(shutdown.StopService(sweeps.Stop, "maintenance sweeps"))
	sd.Register(shutdown.StopHTTPServer(server, "api"))

	errChan := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS.Enabled {
			if cfg.TLS.AutoCert {
				if err := wmtls.EnsureCert(cfg.TLS.CertFile, cfg.TLS.KeyFile, "work-manager"); err != nil {
					errChan <- err
					return
				}
			}
			err = server.StartTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = server.Start()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		sd.Shutdown()
		return err
	case <-waitForSignal(sd):
	}

	sd.Shutdown()
	return nil
}

func waitForSignal(sd *shutdown.Manager) <-chan struct{} {
	go sd.Wait()
	return sd.Done()
}
