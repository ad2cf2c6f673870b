package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/TD-Producoes/revshare-sub005/internal/cliconfig"
	"github.com/TD-Producoes/revshare-sub005/internal/config"
	"github.com/TD-Producoes/revshare-sub005/pkg/client"
)

// f is shared by all commands. Persistent flags write into it.
var f = NewFactory()

type Factory struct {
	// RemoteAddr is the address of the RevClaw server to connect to.
	RemoteAddr string

	// ConfigPath is the server configuration, used by serve and the local commands.
	ConfigPath string

	// Command-specific flags
	AuditFile string
}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) serverAddr() (string, error) {
	server := f.RemoteAddr // prio 1: command-line flag
	if server == "" {
		server = viper.GetString(ServerAddrKey) // prio 2: config/env
	}
	if server == "" {
		return "", fmt.Errorf("server address not configured (use --server or set REVCLAW_ADDR)")
	}
	return server, nil
}

func (f *Factory) savedCredential(server string) *cliconfig.Credential {
	cfg, err := cliconfig.Load()
	if err != nil {
		return &cliconfig.Credential{}
	}
	cred, err := cfg.GetCredential(server)
	if err != nil {
		return &cliconfig.Credential{}
	}
	return cred
}

// GetClient returns a client authenticated with the human session.
func (f *Factory) GetClient() (*client.Client, error) {
	server, err := f.serverAddr()
	if err != nil {
		return nil, err
	}
	token := f.savedCredential(server).Session                    // token prio 1: saved credential
	if envToken := os.Getenv("REVCLAW_SESSION"); envToken != "" { // token prio 2: env var
		token = envToken
	}
	return client.New(server, client.WithAuthToken(token)), nil
}

// GetAgentClient returns a client authenticated with an installation credential.
func (f *Factory) GetAgentClient() (*client.Client, error) {
	server, err := f.serverAddr()
	if err != nil {
		return nil, err
	}
	credential := f.savedCredential(server).Agent
	if env := os.Getenv("REVCLAW_AGENT_CREDENTIAL"); env != "" {
		credential = env
	}
	return client.New(server, client.WithAuthToken(credential)), nil
}

// LoadConfig reads the server configuration, or the defaults without --config.
func (f *Factory) LoadConfig() (*config.Config, error) {
	path := f.ConfigPath
	if path == "" {
		path = viper.GetString(ConfigKey)
	}
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func (f *Factory) bindAuditFileFlag(flags *pflag.FlagSet) {
	flags.StringVar(&f.AuditFile, "file", "", "Read a local audit mirror file instead of asking the server")
}
