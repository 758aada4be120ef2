// Package ctl implements harmonyctl, the command-line trigger for a
// running harmonyd.
package ctl

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	gs "github.com/dmitrijs2005/harmony/internal/server/grpc"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Addr    string
	Token   string
	Format  string // "json" | "text"
	Timeout time.Duration

	// Dial opens the connection to harmonyd; replaced in tests.
	Dial func(addr string) (*grpc.ClientConn, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func dialInsecure(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

// NewRootCommand creates the harmonyctl root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Dial: dialInsecure})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harmonyctl",
		Short: "Trigger and inspect groupware harmonization",
		Long: `harmonyctl talks to a running harmonyd over gRPC. Every call needs a
bearer token; mint one with "harmonyctl token" or set HARMONY_TOKEN.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Addr, "addr", "a", "localhost:50061", "harmonyd gRPC address")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("HARMONY_TOKEN"), "bearer token")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "call timeout")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newConnectCommand(opts))
	cmd.AddCommand(newDisconnectCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))

	return cmd
}

// call dials harmonyd, runs fn with a bearer-authenticated client and
// closes the connection.
func call(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, c *gs.HarmonizerClient, creds grpc.CallOption) error) error {
	if opts.Token == "" {
		return NewExitError(ExitCommandError, "no token: pass --token or set HARMONY_TOKEN")
	}

	conn, err := opts.Dial(opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "dial "+opts.Addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
	defer cancel()

	return fn(ctx, gs.NewHarmonizerClient(conn), grpc.PerRPCCredentials(gs.BearerToken(opts.Token)))
}

func formatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}
