package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/runstat"
	"github.com/loykin/runstat/pkg/client"
)

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [service]",
		Short: "Show service status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				all, err := c.StatusAll(cmd.Context())
				if err != nil {
					return err
				}
				return printStatuses(cmd.OutOrStdout(), flags.JSON, all...)
			}
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatuses(cmd.OutOrStdout(), flags.JSON, st)
		},
	}
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <service>",
		Short: "Start a service's container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			st, err := c.Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatuses(cmd.OutOrStdout(), flags.JSON, st)
		},
	}
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <service>",
		Short: "Stop a service's container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			st, err := c.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatuses(cmd.OutOrStdout(), flags.JSON, st)
		},
	}
}

func createHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for an [[auth.users]] password_hash",
		Long:  "Print a bcrypt hash for an [[auth.users]] password_hash. Without an argument the password is read from the first line of stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var pw string
			if len(args) == 1 {
				pw = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				pw = strings.TrimRight(line, "\r\n")
			}
			hash, err := runstat.HashPassword(pw)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func newClient(flags *GlobalFlags) (*client.Client, error) {
	u, tlsCfg, err := apiURL(flags)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{
		BaseURL:  u,
		Timeout:  flags.APITimeout,
		TLS:      tlsCfg,
		Token:    flags.APIToken,
		Username: flags.APIUser,
		Password: os.Getenv("RUNSTAT_API_PASSWORD"),
	}), nil
}

// apiURL picks --api-url, then the configured listen address, then the
// default. When the config enables server TLS with a generated certificate,
// the returned client TLS config trusts it.
func apiURL(flags *GlobalFlags) (string, *client.TLSClientConfig, error) {
	if flags.APIUrl != "" {
		return flags.APIUrl, nil, nil
	}
	if flags.ConfigPath == "" {
		return client.DefaultBaseURL, nil, nil
	}
	cfg, err := runstat.LoadConfig(flags.ConfigPath)
	if err != nil {
		return "", nil, err
	}
	host, port, err := net.SplitHostPort(cfg.Server.Listen)
	if err != nil {
		return "", nil, fmt.Errorf("server.listen %q: %w", cfg.Server.Listen, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := strings.TrimRight(cfg.Server.BasePath, "/")
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	scheme := "http://"
	var tlsCfg *client.TLSClientConfig
	if t := cfg.Server.TLS; t.Enabled {
		scheme = "https://"
		tlsCfg = &client.TLSClientConfig{Enabled: true}
		if t.CertFile == "" && t.Dir != "" {
			tlsCfg.CACert = filepath.Join(t.Dir, "tls_ca.crt")
		}
	}
	return scheme + net.JoinHostPort(host, port) + base, tlsCfg, nil
}
