package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	redundancy "github.com/ozanturksever/go-redundancy"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the redundancy directory of a set",
	Long: `Show the redundant server array and current server of a running set.

The directory is read from its JetStream KV mirror. With --live the running
set is asked directly through its control service instead.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Bool("live", false, "Query the running set instead of the KV mirror")
	statusCmd.Flags().Duration("timeout", 10*time.Second, "Request timeout")
}

func runStatus(cmd *cobra.Command, args []string) error {
	id := getSetID()
	if id == "" {
		id = redundancy.DefaultSetID
	}
	settings, err := natsSettings()
	if err != nil {
		return err
	}

	live, _ := cmd.Flags().GetBool("live")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	nc, err := connectNATS(settings)
	if err != nil {
		return err
	}
	defer nc.Close()

	fmt.Printf("Set: %s\n", id)
	fmt.Printf("NATS: %s\n", strings.Join(settings.Servers, ","))
	fmt.Println()

	if live {
		return printLiveStatus(nc, id, timeout)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	snap, err := redundancy.ReadDirectory(ctx, js, id)
	if err != nil {
		return err
	}

	fmt.Printf("Current server: %s (version %d)\n\n", snap.CurrentID, snap.Version)
	printRecords(snap.CurrentID, snap.Records)
	return nil
}

func printLiveStatus(nc *nats.Conn, id string, timeout time.Duration) error {
	resp, err := nc.Request(redundancy.ControlSubject(id, "status"), nil, timeout)
	if err != nil {
		if err == nats.ErrNoResponders {
			return fmt.Errorf("set %q is not running or has no control service", id)
		}
		return fmt.Errorf("status request failed: %w", err)
	}

	var obs struct {
		Phase     string                    `json:"phase"`
		CurrentID string                    `json:"currentId"`
		Current   redundancy.InstanceView   `json:"current"`
		Client    redundancy.InstanceView   `json:"client"`
		Records   []redundancy.StatusRecord `json:"records"`
		History   []string                  `json:"history"`
	}
	if err := json.Unmarshal(resp.Data, &obs); err != nil {
		return fmt.Errorf("failed to parse status: %w", err)
	}

	fmt.Printf("Phase:          %s\n", obs.Phase)
	fmt.Printf("Current server: %s (%s)\n", obs.CurrentID, obs.Current.State)
	if obs.Current.HasValue {
		fmt.Printf("Analog value:   %.2f\n", obs.Current.AnalogValue)
	}
	fmt.Printf("Watcher host:   %s\n", obs.Client.ID)
	fmt.Printf("Activated:      %v\n\n", obs.History)
	printRecords(obs.CurrentID, obs.Records)
	return nil
}

func printRecords(current string, records []redundancy.StatusRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  SERVER\tSTATE\tSERVICE LEVEL\t")
	for _, rec := range records {
		marker := ""
		if rec.ID == current {
			marker = "*"
		}
		fmt.Fprintf(w, "  %s%s\t%s\t%d\t\n", rec.ID, marker, rec.State, rec.ServiceLevel)
	}
	w.Flush()
}
