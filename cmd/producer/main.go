package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/election_inspection_system/internal/config"
	"github.com/Guizzs26/election_inspection_system/internal/event"
	"github.com/Guizzs26/election_inspection_system/internal/metrics"
	"github.com/Guizzs26/election_inspection_system/internal/simulation"
	"github.com/Guizzs26/election_inspection_system/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "producer",
	Short:        "Publish simulated vote events for the inspection service",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file")
	flags.StringSlice("brokers", nil, "kafka brokers")
	flags.String("topic", "", "kafka topic")
	flags.String("redis-url", "", "redis url for the running tallies")
	flags.Int("tables", 0, "number of polling places to simulate")
	flags.Duration("interval", 0, "time between simulated ballots")

	viper.BindPFlag("kafka.brokers", flags.Lookup("brokers"))
	viper.BindPFlag("kafka.topic", flags.Lookup("topic"))
	viper.BindPFlag("redis.url", flags.Lookup("redis-url"))
	viper.BindPFlag("simulation.tables", flags.Lookup("tables"))
	viper.BindPFlag("simulation.interval", flags.Lookup("interval"))
}

func run(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	config.SetProducerDefaults(v)
	if err := config.Init(v, cfgFile, "INSPECTION"); err != nil {
		return err
	}
	cfg, err := config.LoadProducer(v)
	if err != nil {
		return err
	}
	config.SetupLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kp, err := event.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		return err
	}
	defer kp.Close()

	tallies, err := store.NewRedisTallyStore(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer tallies.Close()

	sim := simulation.New(simulation.Config{
		Tables:       cfg.Tables,
		Parties:      cfg.Parties,
		Interval:     cfg.Interval,
		SummaryEvery: cfg.SummaryEvery,
	}, tallies, kp, metrics.NewSimulatorMetrics(prometheus.DefaultRegisterer, "inspection"))

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}

	log.Info().
		Int("tables", cfg.Tables).
		Strs("parties", cfg.Parties).
		Dur("interval", cfg.Interval).
		Msg("Producer is running. Press Ctrl+C to exit")

	g.Go(func() error {
		return sim.Run(gctx)
	})

	err = g.Wait()
	log.Info().Msg("Producer terminated")
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
