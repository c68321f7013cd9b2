package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	redundancy "github.com/ozanturksever/go-redundancy"
)

var initCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write a set config file",
	Long: `Write a set config file with default settings. The format is YAML for
.yaml and .yml paths and JSON otherwise.

Example:
  redundant-set init ./set.yaml --size 5`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().Int("size", 3, "Number of redundant instances")
	initCmd.Flags().String("fault-mode", "fail", "Simulated failure: fail or shutdown")
}

func runInit(cmd *cobra.Command, args []string) error {
	size, _ := cmd.Flags().GetInt("size")
	mode, _ := cmd.Flags().GetString("fault-mode")

	id := getSetID()
	if id == "" {
		id = redundancy.DefaultSetID
	}

	fc := &redundancy.FileConfig{
		SetID:           id,
		Size:            size,
		SamplerMs:       redundancy.DefaultSamplerInterval.Milliseconds(),
		ShutdownGraceMs: redundancy.DefaultShutdownGrace.Milliseconds(),
		Faults: redundancy.FaultsConfig{
			Mode:       mode,
			MinDelayMs: redundancy.DefaultFaultDelayMin.Milliseconds(),
			MaxDelayMs: redundancy.DefaultFaultDelayMax.Milliseconds(),
		},
	}
	if url := getNATSURL(); url != "" {
		fc.NATS.Servers = []string{url}
	}

	if err := fc.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := redundancy.WriteConfigToFile(fc, args[0]); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", args[0])
	return nil
}
