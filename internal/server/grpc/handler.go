package grpc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dmitrijs2005/harmony/internal/common"
	"github.com/dmitrijs2005/harmony/internal/harmonize"
	"github.com/dmitrijs2005/harmony/internal/models"
	"github.com/dmitrijs2005/harmony/internal/reconcile"
	"github.com/dmitrijs2005/harmony/internal/server/services"
	"github.com/dmitrijs2005/harmony/internal/transport/jmap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Run triggers one harmonization cycle and waits for its outcome.
func (s *GRPCServer) Run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := requiredString(in, "account_id")
	if err != nil {
		return nil, err
	}
	var collectionID *string
	if v := optionalString(in, "collection_id"); v != "" {
		collectionID = &v
	}

	s.logger.Info(ctx, "Run request", "account", accountID)

	out, err := s.harmonizer.Run(ctx, accountID, collectionID)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return s.reply(ctx, outcomeFields(out))
}

// Status reports the stored account state and, when a cycle is in flight,
// its phase.
func (s *GRPCServer) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := requiredString(in, "account_id")
	if err != nil {
		return nil, err
	}

	a, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	settings := make(map[string]any, len(a.Settings))
	for typ := range a.Settings {
		settings[string(typ)] = map[string]any{
			"mode":   string(a.ModeFor(typ)),
			"policy": string(a.PolicyFor(typ)),
		}
	}

	fields := map[string]any{
		"account_id":     a.ID,
		"user_id":        a.UserID,
		"enabled":        a.Enabled,
		"connected":      a.Connected,
		"locked":         a.Locked,
		"lease_holder":   a.LeaseHolder,
		"last_run_state": string(a.LastRunState),
		"last_run_at":    timestamp(a.LastRunAt),
		"last_run_error": a.LastRunError,
		"settings":       settings,
		"running":        false,
	}
	if phase, ok := s.harmonizer.Status(accountID); ok {
		fields["running"] = true
		fields["phase"] = map[string]any{
			"state": string(phase.State),
			"done":  phase.Done,
			"total": phase.Total,
		}
	}
	return s.reply(ctx, fields)
}

// Connect stores a new account. user_id defaults to the token subject.
func (s *GRPCServer) Connect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	sessionURL, err := requiredString(in, "session_url")
	if err != nil {
		return nil, err
	}

	userID := optionalString(in, "user_id")
	if userID == "" {
		userID, _ = UserIDFromContext(ctx)
	}

	settings, err := parseSettings(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	a, err := s.accounts.Connect(ctx, services.ConnectRequest{
		UserID:     userID,
		Connection: jmap.Config{SessionURL: sessionURL, Token: optionalString(in, "token")},
		Settings:   settings,
	})
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return s.reply(ctx, map[string]any{"account_id": a.ID})
}

// Disconnect removes an account and everything harmonized for it.
func (s *GRPCServer) Disconnect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := requiredString(in, "account_id")
	if err != nil {
		return nil, err
	}
	if err := s.accounts.Disconnect(ctx, accountID); err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return s.reply(ctx, map[string]any{"account_id": accountID, "disconnected": true})
}

func (s *GRPCServer) reply(ctx context.Context, fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		s.logger.Error(ctx, "encode reply", "error", err)
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

func (s *GRPCServer) toStatus(ctx context.Context, err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, common.ErrAlreadyRunning):
		code = codes.AlreadyExists
	case errors.Is(err, common.ErrorNotFound):
		code = codes.NotFound
	case errors.Is(err, common.ErrInvalidArgument):
		code = codes.InvalidArgument
	case errors.Is(err, common.ErrLockHeld), errors.Is(err, common.ErrAccountDisabled):
		code = codes.FailedPrecondition
	case errors.Is(err, common.ErrorUnauthorized), errors.Is(err, common.ErrInvalidToken):
		code = codes.Unauthenticated
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		s.logger.Error(ctx, err.Error())
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

func requiredString(in *structpb.Struct, key string) (string, error) {
	v := optionalString(in, key)
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

func optionalString(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

// parseSettings reads the optional "modes" and "policies" objects, both
// keyed by entity type. A type named only in policies is harmonized in
// cached mode.
func parseSettings(in *structpb.Struct) (map[models.EntityType]models.TypeSettings, error) {
	settings := make(map[models.EntityType]models.TypeSettings)

	for key, v := range in.GetFields()["modes"].GetStructValue().GetFields() {
		typ, err := entityType(key)
		if err != nil {
			return nil, err
		}
		mode, err := models.ParseSyncMode(v.GetStringValue())
		if err != nil {
			return nil, err
		}
		ts := settings[typ]
		ts.Mode = mode
		settings[typ] = ts
	}

	for key, v := range in.GetFields()["policies"].GetStructValue().GetFields() {
		typ, err := entityType(key)
		if err != nil {
			return nil, err
		}
		policy, err := models.ParseConflictPolicy(v.GetStringValue())
		if err != nil {
			return nil, err
		}
		ts := settings[typ]
		ts.Policy = policy
		if ts.Mode == "" {
			ts.Mode = models.SyncModeCached
		}
		settings[typ] = ts
	}

	return settings, nil
}

func entityType(s string) (models.EntityType, error) {
	t := models.EntityType(s)
	if !slices.Contains(models.EntityTypes, t) {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

func outcomeFields(o *harmonize.Outcome) map[string]any {
	results := make([]any, 0, len(o.Results))
	for _, r := range o.Results {
		res := map[string]any{
			"collection_id": r.CollectionID,
			"full_resync":   r.FullResync,
		}
		if r.Error != "" {
			res["error"] = r.Error
		}
		if r.Report != nil {
			res["report"] = reportFields(r.Report)
		}
		results = append(results, res)
	}

	return map[string]any{
		"account_id":         o.AccountID,
		"state":              string(o.State),
		"reason":             o.Reason,
		"collections":        o.Collections,
		"failed_collections": o.FailedCollections,
		"report":             reportFields(&o.Report),
		"results":            results,
		"started_at":         timestamp(o.StartedAt),
		"finished_at":        timestamp(o.FinishedAt),
	}
}

func reportFields(r *reconcile.Report) map[string]any {
	return map[string]any{
		"pushed":         r.Pushed,
		"pulled":         r.Pulled,
		"local_deletes":  r.LocalDeletes,
		"remote_deletes": r.RemoteDeletes,
		"agreed":         r.Agreed,
		"conflicts":      r.Conflicts,
		"skipped":        r.Skipped,
	}
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
