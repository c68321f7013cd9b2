package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"

	redundancy "github.com/ozanturksever/go-redundancy"
)

var errNoNATSURL = errors.New("NATS URL is required (use --nats or set NATS_URL env)")

// natsSettings resolves the NATS servers and credentials: the set config
// file first, then flags and environment.
func natsSettings() (redundancy.NATSFileConfig, error) {
	var settings redundancy.NATSFileConfig
	if cfgFile != "" {
		fc, err := redundancy.LoadConfigFromFile(cfgFile)
		if err != nil {
			return settings, err
		}
		settings = fc.NATS
	}
	if url := getNATSURL(); url != "" {
		settings.Servers = strings.Split(url, ",")
	}
	if creds := viper.GetString("nats_creds"); creds != "" {
		settings.Credentials = creds
	}
	return settings, nil
}

// natsConnectOptions returns the client name plus whatever the configured
// credentials require.
func natsConnectOptions(settings redundancy.NATSFileConfig) ([]nats.Option, error) {
	credOpts, err := settings.CredentialProvider().NATSOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to load NATS credentials: %w", err)
	}
	return append([]nats.Option{nats.Name("redundant-set-cli")}, credOpts...), nil
}

func connectNATS(settings redundancy.NATSFileConfig) (*nats.Conn, error) {
	if !settings.IsConfigured() {
		return nil, errNoNATSURL
	}
	opts, err := natsConnectOptions(settings)
	if err != nil {
		return nil, err
	}
	nc, err := nats.Connect(strings.Join(settings.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
