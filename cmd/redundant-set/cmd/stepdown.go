package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	redundancy "github.com/ozanturksever/go-redundancy"
)

var stepdownCmd = &cobra.Command{
	Use:   "stepdown",
	Short: "Gracefully shut down the current server",
	Long: `Ask the current server of a running set to shut down gracefully.

The next eligible instance takes over once the shutdown grace period has
elapsed. Useful for planned maintenance and for testing failover.`,
	RunE: controlCommand("stepdown"),
}

var failCmd = &cobra.Command{
	Use:   "fail",
	Short: "Force the current server into Failed",
	Long: `Force the current server of a running set into Failed. A failed
instance is never selected again.`,
	RunE: controlCommand("fail"),
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop a running set",
	RunE:  controlCommand("shutdown"),
}

func init() {
	for _, c := range []*cobra.Command{stepdownCmd, failCmd, shutdownCmd} {
		c.Flags().Duration("timeout", 30*time.Second, "Timeout for the operation")
		rootCmd.AddCommand(c)
	}
}

func controlCommand(op string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id := getSetID()
		if id == "" {
			id = redundancy.DefaultSetID
		}
		settings, err := natsSettings()
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration("timeout")

		nc, err := connectNATS(settings)
		if err != nil {
			return err
		}
		defer nc.Close()

		fmt.Printf("Requesting %s of set %s...\n", op, id)

		resp, err := nc.Request(redundancy.ControlSubject(id, op), nil, timeout)
		if err != nil {
			if err == nats.ErrNoResponders {
				return fmt.Errorf("set %q is not running or has no control service", id)
			}
			return fmt.Errorf("%s request failed: %w", op, err)
		}

		var result redundancy.ControlResponse
		if err := json.Unmarshal(resp.Data, &result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
		if !result.OK {
			return fmt.Errorf("%s failed: %s", op, result.Error)
		}

		fmt.Println("OK")
		return nil
	}
}
