package ctl

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/harmony/internal/auth"
	gs "github.com/dmitrijs2005/harmony/internal/server/grpc"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// readPassword is a test seam for term.ReadPassword.
var readPassword = term.ReadPassword

func newRunCommand(opts *RootOptions) *cobra.Command {
	var collection string

	cmd := &cobra.Command{
		Use:   "run <account-id>",
		Short: "Run one harmonization cycle and wait for its outcome",
		Long: `Run harmonizes every enabled collection of the account, or only the one
named by --collection. The exit code is 1 when the cycle ends partial,
aborted or failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]any{"account_id": args[0]}
			if collection != "" {
				fields["collection_id"] = collection
			}
			return call(cmd, opts, func(ctx context.Context, c *gs.HarmonizerClient, creds grpc.CallOption) error {
				out, err := c.Run(ctx, mustStruct(fields), creds)
				if err != nil {
					return rpcError("run", err)
				}
				if err := formatter(cmd, opts).Print(out); err != nil {
					return err
				}
				state := out.GetFields()["state"].GetStringValue()
				if state != "success" {
					reason := out.GetFields()["reason"].GetStringValue()
					return NewExitError(ExitFailure, fmt.Sprintf("run %s: %s", state, reason))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&collection, "collection", "", "harmonize only this collection")
	return cmd
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <account-id>",
		Short: "Show account state and the phase of a running cycle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *gs.HarmonizerClient, creds grpc.CallOption) error {
				out, err := c.Status(ctx, mustStruct(map[string]any{"account_id": args[0]}), creds)
				if err != nil {
					return rpcError("status", err)
				}
				return formatter(cmd, opts).Print(out)
			})
		},
	}
}

func newConnectCommand(opts *RootOptions) *cobra.Command {
	var (
		sessionURL  string
		userID      string
		remoteToken string
		modes       map[string]string
		policies    map[string]string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect a JMAP account",
		Long: `Connect stores a new service account. The JMAP token is read from the
terminal without echo unless --remote-token is given.

Example:
  harmonyctl connect --session-url https://mail.example/.well-known/jmap \
    --mode contact=live --policy event=newest-wins`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if remoteToken == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "JMAP token: ")
				b, err := readPassword(int(os.Stdin.Fd()))
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return WrapExitError(ExitCommandError, "read token", err)
				}
				remoteToken = string(b)
			}

			fields := map[string]any{
				"session_url": sessionURL,
				"token":       remoteToken,
				"modes":       stringMap(modes),
				"policies":    stringMap(policies),
			}
			if userID != "" {
				fields["user_id"] = userID
			}

			return call(cmd, opts, func(ctx context.Context, c *gs.HarmonizerClient, creds grpc.CallOption) error {
				out, err := c.Connect(ctx, mustStruct(fields), creds)
				if err != nil {
					return rpcError("connect", err)
				}
				return formatter(cmd, opts).Print(out)
			})
		},
	}

	cmd.Flags().StringVar(&sessionURL, "session-url", "", "JMAP session resource URL (required)")
	cmd.Flags().StringVar(&userID, "user", "", "owning user id (defaults to the token subject)")
	cmd.Flags().StringVar(&remoteToken, "remote-token", "", "JMAP bearer token")
	cmd.Flags().StringToStringVar(&modes, "mode", nil, "sync mode per entity type, e.g. contact=live")
	cmd.Flags().StringToStringVar(&policies, "policy", nil, "conflict policy per entity type, e.g. event=remote-wins")
	_ = cmd.MarkFlagRequired("session-url")

	return cmd
}

func newDisconnectCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <account-id>",
		Short: "Remove an account and everything harmonized for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, opts, func(ctx context.Context, c *gs.HarmonizerClient, creds grpc.CallOption) error {
				out, err := c.Disconnect(ctx, mustStruct(map[string]any{"account_id": args[0]}), creds)
				if err != nil {
					return rpcError("disconnect", err)
				}
				return formatter(cmd, opts).Print(out)
			})
		},
	}
}

func newTokenCommand(opts *RootOptions) *cobra.Command {
	var (
		secret   string
		userID   string
		validity time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token with the daemon secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.GenerateToken(userID, []byte(secret), validity)
			if err != nil {
				return WrapExitError(ExitCommandError, "sign token", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "daemon JWT secret (required)")
	cmd.Flags().StringVar(&userID, "user", "harmonyctl", "token subject")
	cmd.Flags().DurationVar(&validity, "validity", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("secret")

	return cmd
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mustStruct builds a request from values structpb always accepts.
func mustStruct(fields map[string]any) *structpb.Struct {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		panic(err)
	}
	return s
}
