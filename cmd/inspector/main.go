package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Guizzs26/election_inspection_system/internal/client"
	"github.com/Guizzs26/election_inspection_system/internal/config"
	"github.com/Guizzs26/election_inspection_system/internal/inspection"
)

const errorStatus = 1

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "inspector",
	Short: "Register as a party inspector of a polling place",
	Long: `Registers a party inspector (fiscal) on one polling place and prints
every vote-availability event the inspection server pushes for it,
until interrupted.

Examples:
  inspector --server-address 10.0.0.1:8081 --id 5 --party Lilac
  INSPECTOR_SERVER_ADDRESS=10.0.0.1:8081 inspector --id 5 --party Lilac`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runInspect,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file")
	flags.StringP("server-address", "s", "", "inspection server address, host:port")
	flags.String("id", "", "polling place number")
	flags.String("party", "", "party name")
	flags.Duration("dial-timeout", 0, "time allowed to connect and register")
	flags.String("log-level", "", "debug, info, warn or error")

	viper.BindPFlag("server_address", flags.Lookup("server-address"))
	viper.BindPFlag("id", flags.Lookup("id"))
	viper.BindPFlag("party", flags.Lookup("party"))
	viper.BindPFlag("dial_timeout", flags.Lookup("dial-timeout"))
	viper.BindPFlag("logging.level", flags.Lookup("log-level"))
}

func runInspect(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	config.SetInspectorDefaults(v)
	if err := config.Init(v, cfgFile, "INSPECTOR"); err != nil {
		return err
	}

	cfg, err := config.LoadInspector(v)
	if err != nil {
		return err
	}
	config.SetupLogging(cfg.Logging)

	log.Info().Msg("Inspector client starting")
	log.Debug().
		Str("server", cfg.ServerAddress).
		Int("table_id", cfg.TableID).
		Str("party", cfg.Party).
		Msg("Arguments parsed")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	handle := client.NewHandle(cfg.TableID, cfg.Party, client.HandleConfig{
		Out:         out,
		HistorySize: cfg.HistorySize,
	})

	sess, err := client.Register(ctx, cfg.ServerAddress, handle, cfg.DialTimeout)
	if err != nil {
		if inspection.IsIllegalElectionState(err) {
			fmt.Fprintln(out, err.Error())
			return nil
		}
		return err
	}

	fmt.Fprintf(out, "Fiscal of %s registered on polling place %d\n", cfg.Party, cfg.TableID)

	err = sess.Listen(ctx)
	sess.Unregister(context.Background())
	log.Info().Int64("events", handle.Received()).Msg("Inspector client stopped")
	return err
}

// report prints err the way an operator expects it and returns the exit
// status.
func report(w io.Writer, err error) int {
	if err == nil {
		return 0
	}

	var cerr *config.ConfigurationError
	var comm *client.CommunicationError
	switch {
	case errors.As(err, &cerr):
		fmt.Fprintln(w, cerr.Reason)
	case errors.As(err, &comm):
		log.Debug().Err(err).Msg("Communication failure")
		fmt.Fprintln(w, "Remote communication failed.")
	default:
		fmt.Fprintln(w, err.Error())
	}
	return errorStatus
}

func main() {
	if code := report(os.Stderr, rootCmd.Execute()); code != 0 {
		os.Exit(code)
	}
}
