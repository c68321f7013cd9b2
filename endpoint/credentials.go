package endpoint

import (
	"fmt"

	"github.com/nats-io/nats.go"
)

// Credentials supplies the key material used when an endpoint connects.
// Provisioning the material is out of scope; files are assumed to exist.
type Credentials interface {
	NATSOptions() ([]nats.Option, error)
}

// NoCredentials connects without authentication.
type NoCredentials struct{}

func (NoCredentials) NATSOptions() ([]nats.Option, error) { return nil, nil }

// CredsFile authenticates with a NATS user credentials file (JWT + nkey seed).
type CredsFile string

func (c CredsFile) NATSOptions() ([]nats.Option, error) {
	if c == "" {
		return nil, fmt.Errorf("credentials file path is empty")
	}
	return []nats.Option{nats.UserCredentials(string(c))}, nil
}

// TLSFiles authenticates with a client certificate and optionally pins the
// server CA.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

func (t TLSFiles) NATSOptions() ([]nats.Option, error) {
	if t.CertFile == "" || t.KeyFile == "" {
		return nil, fmt.Errorf("certificate and key files are required")
	}
	opts := []nats.Option{nats.ClientCert(t.CertFile, t.KeyFile)}
	if t.CAFile != "" {
		opts = append(opts, nats.RootCAs(t.CAFile))
	}
	return opts, nil
}

var (
	_ Credentials = NoCredentials{}
	_ Credentials = CredsFile("")
	_ Credentials = TLSFiles{}
)
