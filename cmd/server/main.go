package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/election_inspection_system/internal/config"
	"github.com/Guizzs26/election_inspection_system/internal/election"
	"github.com/Guizzs26/election_inspection_system/internal/event"
	"github.com/Guizzs26/election_inspection_system/internal/inspection"
	"github.com/Guizzs26/election_inspection_system/internal/metrics"
	"github.com/Guizzs26/election_inspection_system/internal/model"
	"github.com/Guizzs26/election_inspection_system/internal/processing"
	"github.com/Guizzs26/election_inspection_system/internal/pubsub"
	"github.com/Guizzs26/election_inspection_system/internal/store"
)

const metricsNamespace = "inspection"

var (
	cfgFile     string
	watchConfig bool

	Version = "dev"
	Commit  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "inspection-server",
	Short: "Election inspection service",
	Long: `Tracks which party inspector watches which polling place and pushes
vote-availability events, read from the tally stream, to every
registered inspector over a websocket subscription.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inspection gateway and the tally event forwarder",
	Long: `Examples:
  inspection-server serve
  inspection-server serve --listen :8081 --brokers kafka:9092
  inspection-server serve --election-backend redis --redis-url redis://redis:6379/0`,
	RunE: runServe,
}

var electionCmd = &cobra.Command{
	Use:   "election",
	Short: "Inspect or advance the shared election state (redis backend)",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("inspection-server %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./configs/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("redis-url", "", "redis url for the election state")

	serveCmd.Flags().String("listen", "", "gateway listen address")
	serveCmd.Flags().String("metrics-listen", "", "metrics listen address")
	serveCmd.Flags().StringSlice("brokers", nil, "kafka brokers")
	serveCmd.Flags().String("topic", "", "kafka topic carrying vote events")
	serveCmd.Flags().String("election-backend", "", "memory or redis")
	serveCmd.Flags().Int("polling-places", 0, "number of polling places (0 accepts any positive id)")
	serveCmd.Flags().BoolVar(&watchConfig, "watch-config", false, "reload the log level when the config file changes")

	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("redis.url", rootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("gateway.listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("metrics.listen", serveCmd.Flags().Lookup("metrics-listen"))
	viper.BindPFlag("kafka.brokers", serveCmd.Flags().Lookup("brokers"))
	viper.BindPFlag("kafka.topic", serveCmd.Flags().Lookup("topic"))
	viper.BindPFlag("election.backend", serveCmd.Flags().Lookup("election-backend"))
	viper.BindPFlag("election.polling_places", serveCmd.Flags().Lookup("polling-places"))

	electionCmd.AddCommand(
		electionStepCmd("open", "Open the election: inspectors may register", election.Open),
		electionStepCmd("close", "Close the election: new registrations are rejected", election.Close),
		&cobra.Command{Use: "status", Short: "Print the current election state", RunE: runElectionStatus},
	)

	rootCmd.AddCommand(serveCmd, electionCmd, versionCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	config.SetServerDefaults(v)
	return config.Init(v, cfgFile, "INSPECTION")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}
	config.SetupLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, closeState, err := openStateReader(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeState()

	reg := prometheus.DefaultRegisterer
	svc := inspection.NewService(inspection.Config{
		PollingPlaces:       cfg.Election.PollingPlaces,
		DeliveryTimeout:     cfg.Delivery.Timeout,
		QueueSize:           cfg.Delivery.QueueSize,
		MaxDeliveryFailures: cfg.Delivery.MaxFailures,
	}, state, metrics.NewInspectionMetrics(reg, metricsNamespace))

	consumer, err := event.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
	if err != nil {
		return fmt.Errorf("error creating kafka consumer: %w", err)
	}
	defer consumer.Close()

	forwarder := processing.NewEventForwarder(consumer, svc, metrics.NewForwarderMetrics(reg, metricsNamespace), cfg.DedupWindow)

	mux := http.NewServeMux()
	pubsub.NewGateway(svc, pubsub.GatewayConfig{
		PingInterval: cfg.Gateway.PingInterval,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}).Routes(mux)
	mux.Handle("GET /healthz", pubsub.NewHealthHandler(state, svc))

	gateway := &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           metricsMux,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	if watchConfig {
		startConfigWatch()
	}

	log.Info().
		Str("listen", cfg.Gateway.ListenAddr).
		Strs("brokers", cfg.Kafka.Brokers).
		Str("topic", cfg.Kafka.Topic).
		Str("election_backend", cfg.Election.Backend).
		Msg("Inspection server started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := gateway.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			log.Debug().Str("addr", metricsServer.Addr).Msg("Metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		return forwarder.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Revoking registrations closes the hijacked websocket connections,
		// which Shutdown does not track.
		if err := svc.Close(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Timed out waiting for in-flight deliveries")
		}
		gateway.Shutdown(shutdownCtx)
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Inspection server terminated")
	return nil
}

func openStateReader(ctx context.Context, cfg config.ServerConfig) (election.StateReader, func(), error) {
	if cfg.Election.Backend == "redis" {
		rs, err := store.NewRedisElectionStore(ctx, cfg.Redis.URL, cfg.Redis.StateKey)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	}

	log.Info().Stringer("state", cfg.Election.InitialState).Msg("Using in-memory election state")
	return election.NewMemoryStore(cfg.Election.InitialState), func() {}, nil
}

func openElectionStore(ctx context.Context) (store.ElectionStore, error) {
	v := viper.GetViper()
	url := v.GetString("redis.url")
	if url == "" {
		return nil, &config.ConfigurationError{Field: "redis.url", Reason: "redis url is required to control the election"}
	}
	return store.NewRedisElectionStore(ctx, url, v.GetString("redis.state_key"))
}

func electionStepCmd(use, short string, step func(context.Context, election.StateStore) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			s, err := openElectionStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := step(ctx, s); err != nil {
				return err
			}
			state, err := s.State(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Election is now %s\n", state)
			return nil
		},
	}
}

func runElectionStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	s, err := openElectionStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	state, err := s.State(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), describeState(state))
	return nil
}

func describeState(state model.ElectionState) string {
	switch state {
	case model.ElectionOpen:
		return "Election is OPEN: inspectors may register"
	case model.ElectionClosed:
		return "Election is CLOSED: registrations are rejected"
	default:
		return "Election has not started"
	}
}

func startConfigWatch() {
	if viper.ConfigFileUsed() == "" {
		log.Warn().Msg("No config file in use, --watch-config ignored")
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		level := config.ParseLevel(viper.GetString("logging.level"))
		zerolog.SetGlobalLevel(level)
		log.Info().
			Str("file", e.Name).
			Str("op", e.Op.String()).
			Stringer("level", level).
			Msg("Config file changed, log level reloaded")
	})
	viper.WatchConfig()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
