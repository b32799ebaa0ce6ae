// Package cli is the command tree of the ledger binary.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrledger/internal/config"
	"github.com/ryandielhenn/zephyrledger/internal/logging"
	"github.com/ryandielhenn/zephyrledger/pkg/groupledger"
	"github.com/ryandielhenn/zephyrledger/pkg/replica"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Roster  string
	Format  string // "json" | "text"
	Verbose bool

	// Open builds the service for the roster. Tests swap it for an
	// in-process network.
	Open func(ctx context.Context, opts *RootOptions) (*Session, error)
}

// Session is one opened group.
type Session struct {
	Service *groupledger.Service
	Roster  *config.Roster
	Path    string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(&RootOptions{Open: OpenFromEnv})
}

// NewRootCommandWith builds the tree around opts, keeping its Open hook.
func NewRootCommandWith(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ledger",
		Short:         "Shared expense ledger for a group",
		Long:          "Record expenses and payments for a group and read balances back from its replicas.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Roster, "roster", "", "roster file (default $ROSTER_FILE or roster.yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewBalancesCommand(opts))
	cmd.AddCommand(NewExpenseCommand(opts))
	cmd.AddCommand(NewPayCommand(opts))
	cmd.AddCommand(NewSetBalanceCommand(opts))
	cmd.AddCommand(NewMembersCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))

	return cmd
}

// OpenFromEnv reads config from the environment and dials every replica in
// REPLICA_URLS.
func OpenFromEnv(ctx context.Context, opts *RootOptions) (*Session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "config", err)
	}
	level := cfg.LogLevel
	if opts.Verbose {
		level = "debug"
	}
	log, err := logging.New(level, cfg.LogFormat)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "logger", err)
	}

	path := opts.Roster
	if path == "" {
		path = cfg.RosterFile
	}
	ros, err := config.LoadRoster(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "roster", err)
	}
	group, err := ros.BuildGroup()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "roster", err)
	}

	clients := make(map[int]replica.Client, len(cfg.ReplicaURLs))
	for id, url := range cfg.ReplicaURLs {
		copts := []replica.HTTPOption{replica.WithLogger(log)}
		if cfg.ReplicaRPS > 0 {
			copts = append(copts, replica.WithRateLimit(cfg.ReplicaRPS, 1))
		}
		c, err := replica.NewHTTPClient(id, url, copts...)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "replica client", err)
		}
		clients[id] = c
	}

	svc, err := groupledger.New(group, clients,
		groupledger.WithLogger(log.With(zap.String("group", group.Name))),
		groupledger.WithSplitPolicy(cfg.SplitPolicy),
		groupledger.WithRetryPolicy(cfg.RetryPolicy()))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "service", err)
	}
	return &Session{Service: svc, Roster: ros, Path: path}, nil
}

func open(cmd *cobra.Command, opts *RootOptions) (*Session, *OutputFormatter, error) {
	s, err := opts.Open(cmd.Context(), opts)
	if err != nil {
		return nil, nil, err
	}
	return s, &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), ErrWriter: cmd.ErrOrStderr()}, nil
}
