package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	redundancy "github.com/ozanturksever/go-redundancy"
	"github.com/ozanturksever/go-redundancy/endpoint"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a redundant set",
	Long: `Start N redundant server instances and keep exactly one of them serving.

Each serving instance samples an analog value and, unless faults are
disabled, fails after a random delay so the set rotates to the next instance.

With a NATS URL every instance is exposed as a NATS micro service, the set
can be controlled remotely and its directory is mirrored to JetStream KV.
Without one the instances run in-process.

Example:
  redundant-set run --size 3
  redundant-set run --size 3 --fault-mode shutdown --nats nats://localhost:4222
  redundant-set run --config /etc/redundant-set/set.yaml`,
	RunE: runSet,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Run-specific flags
	runCmd.Flags().Int("size", 3, "Number of redundant instances")
	runCmd.Flags().StringSlice("ids", nil, "Instance IDs (default server-0..server-N-1)")
	runCmd.Flags().String("fault-mode", "fail", "Simulated failure: fail or shutdown")
	runCmd.Flags().Duration("fault-min", redundancy.DefaultFaultDelayMin, "Minimum delay before a simulated failure")
	runCmd.Flags().Duration("fault-max", redundancy.DefaultFaultDelayMax, "Maximum delay before a simulated failure")
	runCmd.Flags().Bool("no-faults", false, "Disable simulated failures")
	runCmd.Flags().Duration("sampler", redundancy.DefaultSamplerInterval, "Analog value sampling interval")
	runCmd.Flags().Duration("grace", redundancy.DefaultShutdownGrace, "Shutdown grace period")
	runCmd.Flags().Uint64("seed", 0, "Random seed (0 uses the clock)")
	runCmd.Flags().String("metrics-addr", "", "Prometheus metrics HTTP address")

	// Bind to viper
	viper.BindPFlag("size", runCmd.Flags().Lookup("size"))
	viper.BindPFlag("metrics_addr", runCmd.Flags().Lookup("metrics-addr"))
}

func runSet(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	fc, err := loadSetConfig(cmd)
	if err != nil {
		return err
	}

	cfg, err := fc.ToConfig(logger)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	fmt.Println("Starting redundant set...")
	fmt.Printf("  Set:          %s\n", fc.SetID)
	fmt.Printf("  Size:         %d\n", fc.Size)
	fmt.Printf("  Fault mode:   %s\n", cfg.FaultMode)
	if fc.NATS.IsConfigured() {
		fmt.Printf("  NATS:         %s\n", strings.Join(fc.NATS.Servers, ","))
	}
	if fc.MetricsAddr != "" {
		fmt.Printf("  Metrics:      %s\n", fc.MetricsAddr)
	}
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []redundancy.Option{redundancy.WithLogger(logger)}

	var nc *nats.Conn
	if fc.NATS.IsConfigured() {
		nc, err = connectNATS(fc.NATS)
		if err != nil {
			return err
		}
		defer nc.Close()

		opts = append(opts, redundancy.WithEndpointFactory(redundancy.NATSEndpoints(endpoint.NATSConfig{
			SetID:          fc.SetID,
			NATSURLs:       fc.NATS.Servers,
			Credentials:    fc.NATS.CredentialProvider(),
			ServiceVersion: serviceVersion(),
			Logger:         logger,
		})))
	}

	set, err := redundancy.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create redundant set: %w", err)
	}

	if nc != nil {
		control, err := redundancy.NewControlService(set, nc, serviceVersion(), logger)
		if err != nil {
			return err
		}
		if err := control.Start(); err != nil {
			return fmt.Errorf("failed to start control service: %w", err)
		}
		defer control.Stop()

		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		mirror := redundancy.NewDirectoryMirror(set.ID(), js, logger)
		if err := mirror.Start(ctx); err != nil {
			logger.Warn("directory mirror disabled", "error", err)
		} else {
			mirror.Attach(set.Directory())
			defer mirror.Stop()
		}
	}

	fmt.Println("Redundant set started. Press Ctrl+C to stop.")

	err = set.Run(ctx)

	fmt.Printf("\nActivated: %s\n", strings.Join(set.History(), " -> "))
	fmt.Printf("Rebuilds:  %d\n", set.Rebuilds())
	fmt.Printf("Phase:     %s\n", set.Phase())

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("redundant set error: %w", err)
	}

	fmt.Println("Redundant set stopped.")
	return nil
}

// loadSetConfig reads the set config file if one was given, then applies
// flags that were set explicitly.
func loadSetConfig(cmd *cobra.Command) (*redundancy.FileConfig, error) {
	fc := &redundancy.FileConfig{Size: viper.GetInt("size")}
	if cfgFile != "" {
		loaded, err := redundancy.LoadConfigFromFile(cfgFile)
		if err != nil {
			return nil, err
		}
		fc = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("size") || fc.Size == 0 {
		fc.Size, _ = flags.GetInt("size")
	}
	if flags.Changed("ids") {
		fc.ServerIDs, _ = flags.GetStringSlice("ids")
	}
	if flags.Changed("fault-mode") {
		fc.Faults.Mode, _ = flags.GetString("fault-mode")
	}
	if flags.Changed("fault-min") {
		d, _ := flags.GetDuration("fault-min")
		fc.Faults.MinDelayMs = d.Milliseconds()
	}
	if flags.Changed("fault-max") {
		d, _ := flags.GetDuration("fault-max")
		fc.Faults.MaxDelayMs = d.Milliseconds()
	}
	if flags.Changed("no-faults") {
		fc.Faults.Disabled, _ = flags.GetBool("no-faults")
	}
	if flags.Changed("sampler") {
		d, _ := flags.GetDuration("sampler")
		fc.SamplerMs = d.Milliseconds()
	}
	if flags.Changed("grace") {
		d, _ := flags.GetDuration("grace")
		fc.ShutdownGraceMs = d.Milliseconds()
	}
	if flags.Changed("seed") {
		fc.Faults.Seed, _ = flags.GetUint64("seed")
	}
	if addr := viper.GetString("metrics_addr"); addr != "" {
		fc.MetricsAddr = addr
	}

	if id := getSetID(); id != "" {
		fc.SetID = id
	}
	if fc.SetID == "" {
		fc.SetID = redundancy.DefaultSetID
	}
	if url := getNATSURL(); url != "" {
		fc.NATS.Servers = strings.Split(url, ",")
	}
	if creds := viper.GetString("nats_creds"); creds != "" {
		fc.NATS.Credentials = creds
	}

	if err := fc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if verbose {
		fmt.Fprintf(os.Stderr, "Set config: %+v\n", *fc)
	}
	return fc, nil
}
