package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"

	"github.com/dmitrijs2005/harmony/internal/auth"
	gs "github.com/dmitrijs2005/harmony/internal/server/grpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeHarmonizer answers every method with a canned reply and records the
// last request and authorization header.
type fakeHarmonizer struct {
	mu      sync.Mutex
	method  string
	request map[string]any
	bearer  string
	reply   map[string]any
	err     error
}

func (f *fakeHarmonizer) handle(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.method = method
	f.request = in.AsMap()
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(gs.AuthorizationHeader); len(v) > 0 {
			f.bearer = v[0]
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return structpb.NewStruct(f.reply)
}

func (f *fakeHarmonizer) Run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return f.handle(ctx, "Run", in)
}

func (f *fakeHarmonizer) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return f.handle(ctx, "Status", in)
}

func (f *fakeHarmonizer) Connect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return f.handle(ctx, "Connect", in)
}

func (f *fakeHarmonizer) Disconnect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return f.handle(ctx, "Disconnect", in)
}

func startFake(t *testing.T, f *fakeHarmonizer) *RootOptions {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	gs.RegisterHarmonizerServer(srv, f)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return &RootOptions{
		Dial: func(addr string) (*grpc.ClientConn, error) {
			return grpc.NewClient("passthrough:///bufnet",
				grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			)
		},
	}
}

func execute(t *testing.T, opts *RootOptions, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "harmonyctl", cmd.Use)

	for _, name := range []string{"run", "status", "connect", "disconnect", "token"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}

	addr := cmd.PersistentFlags().Lookup("addr")
	require.NotNil(t, addr)
	assert.Equal(t, "a", addr.Shorthand)
}

func TestRun_Success(t *testing.T) {
	f := &fakeHarmonizer{reply: map[string]any{
		"account_id": "acc-1",
		"state":      "success",
		"report":     map[string]any{"pushed": 2},
	}}
	opts := startFake(t, f)

	out, err := execute(t, opts, "--token", "tok", "run", "acc-1", "--collection", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "report.pushed: 2")
	assert.Contains(t, out, "state: success")

	assert.Equal(t, "Run", f.method)
	assert.Equal(t, map[string]any{"account_id": "acc-1", "collection_id": "c1"}, f.request)
	assert.Equal(t, "Bearer tok", f.bearer)
}

func TestRun_PartialExitsWithFailure(t *testing.T) {
	f := &fakeHarmonizer{reply: map[string]any{"state": "partial", "reason": "1 collections failed, 0 entities skipped"}}
	opts := startFake(t, f)

	_, err := execute(t, opts, "--token", "tok", "run", "acc-1")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "run partial")
}

func TestRun_RPCError(t *testing.T) {
	f := &fakeHarmonizer{err: status.Error(codes.AlreadyExists, "harmonization already running")}
	opts := startFake(t, f)

	_, err := execute(t, opts, "--token", "tok", "run", "acc-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "AlreadyExists")
}

func TestStatus_JSON(t *testing.T) {
	f := &fakeHarmonizer{reply: map[string]any{"account_id": "acc-1", "running": true}}
	opts := startFake(t, f)

	out, err := execute(t, opts, "--token", "tok", "--format", "json", "status", "acc-1")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, true, got["running"])
	assert.Equal(t, "Status", f.method)
}

func TestConnect_PromptsForToken(t *testing.T) {
	orig := readPassword
	t.Cleanup(func() { readPassword = orig })
	readPassword = func(int) ([]byte, error) { return []byte("from-terminal"), nil }

	f := &fakeHarmonizer{reply: map[string]any{"account_id": "acc-new"}}
	opts := startFake(t, f)

	out, err := execute(t, opts, "--token", "tok", "connect",
		"--session-url", "https://mail.example/.well-known/jmap",
		"--mode", "contact=live", "--policy", "event=remote-wins")
	require.NoError(t, err)
	assert.Contains(t, out, "account_id: acc-new")

	assert.Equal(t, "Connect", f.method)
	assert.Equal(t, "from-terminal", f.request["token"])
	assert.Equal(t, map[string]any{"contact": "live"}, f.request["modes"])
	assert.Equal(t, map[string]any{"event": "remote-wins"}, f.request["policies"])
	assert.NotContains(t, f.request, "user_id")
}

func TestConnect_RequiresSessionURL(t *testing.T) {
	opts := startFake(t, &fakeHarmonizer{})
	_, err := execute(t, opts, "--token", "tok", "connect", "--remote-token", "x")
	assert.Error(t, err)
}

func TestDisconnect(t *testing.T) {
	f := &fakeHarmonizer{reply: map[string]any{"account_id": "acc-1", "disconnected": true}}
	opts := startFake(t, f)

	out, err := execute(t, opts, "--token", "tok", "disconnect", "acc-1")
	require.NoError(t, err)
	assert.Contains(t, out, "disconnected: true")
	assert.Equal(t, "Disconnect", f.method)
}

func TestMissingToken(t *testing.T) {
	t.Setenv("HARMONY_TOKEN", "")
	opts := startFake(t, &fakeHarmonizer{})

	_, err := execute(t, opts, "status", "acc-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidFormat(t *testing.T) {
	opts := startFake(t, &fakeHarmonizer{})
	_, err := execute(t, opts, "--token", "tok", "--format", "yaml", "status", "acc-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTokenCommand(t *testing.T) {
	out, err := execute(t, &RootOptions{}, "token", "--secret", "s3cret", "--user", "ops", "--validity", "5m")
	require.NoError(t, err)

	tok := string(bytes.TrimSpace([]byte(out)))
	got, err := auth.GetUserIDFromToken(tok, []byte("s3cret"))
	require.NoError(t, err)
	assert.Equal(t, "ops", got)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(context.Canceled))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "dial", context.DeadlineExceeded)))
}
