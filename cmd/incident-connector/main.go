package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/signalsfoundry/incident-connector/core"
	"github.com/signalsfoundry/incident-connector/internal/connector"
	"github.com/signalsfoundry/incident-connector/internal/engine"
	"github.com/signalsfoundry/incident-connector/internal/engine/memory"
	"github.com/signalsfoundry/incident-connector/internal/engine/traci"
	"github.com/signalsfoundry/incident-connector/internal/incident"
	"github.com/signalsfoundry/incident-connector/internal/logging"
	"github.com/signalsfoundry/incident-connector/internal/observability"
	"github.com/signalsfoundry/incident-connector/internal/transport"
	"github.com/signalsfoundry/incident-connector/model"
)

// Config is the process configuration assembled from flags.
type Config struct {
	GRPCAddress string
	HTTPAddress string

	// Engine is "traci" or "memory".
	Engine string
	TraCI  traci.Config
	// NetworkFile overrides the net-file named by the scenario config. For
	// the memory engine it may be an .osm or .osm.pbf extract.
	NetworkFile string

	Connector connector.Options
}

func main() {
	cfg := Config{
		TraCI:     traci.DefaultConfig(),
		Connector: connector.DefaultOptions(),
	}
	var triggerName, policyName string

	flag.StringVar(&cfg.GRPCAddress, "grpc-addr", ":50061", "TCP address of the gRPC control channel")
	flag.StringVar(&cfg.HTTPAddress, "http-addr", ":8080", "HTTP address for the REST control channel, /metrics and /healthz")
	flag.StringVar(&cfg.Engine, "engine", "traci", "simulation engine: traci or memory")
	flag.StringVar(&cfg.TraCI.Binary, "sumo-binary", "", "simulator executable (default sumo, or sumo-gui with -gui)")
	flag.BoolVar(&cfg.TraCI.GUI, "gui", false, "launch the graphical simulator")
	flag.StringVar(&cfg.TraCI.Host, "sumo-host", cfg.TraCI.Host, "TraCI host")
	flag.IntVar(&cfg.TraCI.Port, "remote-port", 0, "TraCI port; 0 picks a free one")
	flag.BoolVar(&cfg.TraCI.External, "external", false, "connect to an already running simulator")
	flag.StringVar(&cfg.Connector.OutputFile, "fcd-output", "", "per-vehicle trace file written by the simulator")
	flag.StringVar(&cfg.NetworkFile, "network", "", "road network file overriding the scenario's net-file (.net.xml, .osm, .osm.pbf)")
	flag.StringVar(&triggerName, "trigger", "exact", "incident boundary matching: exact or reached")
	flag.StringVar(&policyName, "program-policy", "lowest-id", "default signal program: lowest-id or first-declared")
	flag.BoolVar(&cfg.Connector.DetourAnalysis, "detour", false, "check closed edges for detours")
	flag.IntVar(&cfg.Connector.QueueSize, "queue-size", connector.DefaultQueueSize, "inbound control message queue capacity")
	flag.IntVar(&cfg.Connector.MaxCatchUpSteps, "max-catch-up", 0, "bound on steps per time message; 0 is unbounded")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	var err error
	if cfg.Connector.Trigger, err = incident.ParseTrigger(triggerName); err != nil {
		log.Error(ctx, "invalid flag", logging.Err(err))
		os.Exit(2)
	}
	if cfg.Connector.ProgramPolicy, err = core.ParseDefaultProgramPolicy(policyName); err != nil {
		log.Error(ctx, "invalid flag", logging.Err(err))
		os.Exit(2)
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.Err(err))
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPCAddress), logging.Err(err))
		os.Exit(1)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for HTTP", logging.String("addr", cfg.HTTPAddress), logging.Err(err))
		os.Exit(1)
	}

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(stopCtx, cfg, log, grpcLis, httpLis); err != nil {
		log.Error(ctx, "connector exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves both transports until ctx is done.
func run(ctx context.Context, cfg Config, log logging.Logger, grpcLis, httpLis net.Listener) error {
	controlMetrics, err := observability.NewControlCollector(nil)
	if err != nil {
		return fmt.Errorf("control metrics: %w", err)
	}
	scenarioMetrics, err := observability.NewScenarioCollector(nil)
	if err != nil {
		return fmt.Errorf("scenario metrics: %w", err)
	}

	options := []connector.Option{
		connector.WithMessageRecorder(controlMetrics),
		connector.WithScenarioRecorder(scenarioMetrics),
	}
	engineOpts, err := engineOptions(ctx, cfg, log)
	if err != nil {
		return err
	}
	conn := connector.New(cfg.Connector, log, append(options, engineOpts...)...)

	grpcServer := transport.NewGRPCServer(transport.NewService(conn, conn.Hub(), log), controlMetrics, log)
	httpServer := &http.Server{
		Handler: transport.NewHTTPHandler(conn, conn.Hub(), log,
			transport.WithMetricsHandler(controlMetrics.Handler())),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(runCtx) }()

	go func() {
		log.Info(ctx, "serving gRPC control channel", logging.String("addr", grpcLis.Addr().String()))
		if err := grpcServer.Serve(grpcLis); err != nil {
			log.Error(ctx, "gRPC server exited", logging.Err(err))
		}
	}()
	go func() {
		log.Info(ctx, "serving HTTP control channel", logging.String("addr", httpLis.Addr().String()))
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "HTTP server exited", logging.Err(err))
		}
	}()

	<-ctx.Done()
	log.Info(context.Background(), "shutting down connector")

	conn.Hub().Close()
	grpcServer.GracefulStop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	cancel()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// engineOptions picks the engine factory and, when a network file is
// given, the network loader.
func engineOptions(ctx context.Context, cfg Config, log logging.Logger) ([]connector.Option, error) {
	var fixed *core.Network
	if cfg.NetworkFile != "" {
		network, err := loadNetworkFile(ctx, cfg.NetworkFile, cfg.Connector.ProgramPolicy)
		if err != nil {
			return nil, fmt.Errorf("load network %q: %w", cfg.NetworkFile, err)
		}
		nodes, edges, lanes, signals := network.Stats()
		log.Info(ctx, "loaded network",
			logging.String("path", cfg.NetworkFile),
			logging.Int("nodes", nodes),
			logging.Int("edges", edges),
			logging.Int("lanes", lanes),
			logging.Int("signals", signals),
		)
		fixed = network
	}

	var opts []connector.Option
	switch cfg.Engine {
	case "", "traci":
		trc := cfg.TraCI
		opts = append(opts, connector.WithEngineFactory(func() engine.Engine {
			return traci.New(trc, log)
		}))
	case "memory":
		opts = append(opts, connector.WithEngineFactory(func() engine.Engine {
			return memory.New(fixed)
		}))
	default:
		return nil, fmt.Errorf("unknown engine %q", cfg.Engine)
	}
	if fixed != nil {
		opts = append(opts, connector.WithNetworkLoader(func(context.Context, model.Configuration) (*core.Network, error) {
			return fixed, nil
		}))
	}
	return opts, nil
}

func loadNetworkFile(ctx context.Context, path string, policy core.DefaultProgramPolicy) (*core.Network, error) {
	if strings.HasSuffix(path, ".net.xml") {
		return core.LoadSUMONetworkFile(path, policy)
	}
	return core.LoadOSMNetworkFile(ctx, path, core.OSMOptions{Policy: policy})
}
