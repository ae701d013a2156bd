package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tv_access/internal/audit"
	"github.com/dgnsrekt/tv_access/internal/duration"
	"github.com/dgnsrekt/tv_access/internal/tradingview"
)

type validateOutput struct {
	Body tradingview.UserCheck
}

type accessInput struct {
	Username string `path:"username"`
	Body     struct {
		PineIDs  []string `json:"pine_ids" doc:"Pine script ids to operate on"`
		Duration string   `json:"duration,omitempty" doc:"Grant duration: digits followed by Y, M, W, D or L (lifetime)"`
	}
}

type accessOutput struct {
	Body []tradingview.AccessRecord
}

func (s *server) registerHandlers(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	type validateInput struct {
		Username string `path:"username"`
	}
	huma.Register(api, huma.Operation{OperationID: "validate-username", Method: http.MethodGet, Path: "/validate/{username}", Summary: "Check that a TradingView username exists", Tags: []string{"Access"}},
		func(ctx context.Context, input *validateInput) (*validateOutput, error) {
			ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
			defer cancel()

			check, err := s.svc.ValidateUsername(ctx, input.Username)
			if err != nil {
				return nil, mapErr(err)
			}
			s.auditor.Record(input.Username, nil, audit.ActionValidate)
			return &validateOutput{Body: check}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "check-access", Method: http.MethodGet, Path: "/access/{username}", Summary: "Check script access for a user", Tags: []string{"Access"}},
		func(ctx context.Context, input *accessInput) (*accessOutput, error) {
			records, err := s.runBatch(ctx, input.Username, input.Body.PineIDs, audit.ActionCheck, duration.Spec{})
			if err != nil {
				return nil, err
			}
			return &accessOutput{Body: records}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "grant-access", Method: http.MethodPost, Path: "/access/{username}", Summary: "Grant or extend script access for a user", Tags: []string{"Access"}},
		func(ctx context.Context, input *accessInput) (*accessOutput, error) {
			spec, err := duration.Parse(input.Body.Duration)
			if err != nil {
				return nil, huma.Error400BadRequest(err.Error())
			}
			records, err := s.runBatch(ctx, input.Username, input.Body.PineIDs, audit.ActionGrant, spec)
			if err != nil {
				return nil, err
			}
			return &accessOutput{Body: records}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "revoke-access", Method: http.MethodDelete, Path: "/access/{username}", Summary: "Revoke script access for a user", Tags: []string{"Access"}},
		func(ctx context.Context, input *accessInput) (*accessOutput, error) {
			records, err := s.runBatch(ctx, input.Username, input.Body.PineIDs, audit.ActionRevoke, duration.Spec{})
			if err != nil {
				return nil, err
			}
			return &accessOutput{Body: records}, nil
		})
}

// runBatch performs one access operation per pine id, sequentially.
// A session-establishment failure aborts the whole batch; any later
// per-item failure is confined to that item's record so callers can see
// exactly which ids failed.
func (s *server) runBatch(ctx context.Context, username string, pineIDs []string, action audit.Action, spec duration.Spec) ([]tradingview.AccessRecord, error) {
	if len(pineIDs) == 0 {
		return nil, huma.Error400BadRequest("pine_ids array required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.svc.EnsureSession(ctx); err != nil {
		return nil, mapErr(err)
	}

	records := make([]tradingview.AccessRecord, 0, len(pineIDs))
	for _, pineID := range pineIDs {
		rec, err := s.svc.Lookup(ctx, username, pineID)
		if err != nil {
			if isAuthErr(err) {
				return nil, mapErr(err)
			}
			slog.Warn("access lookup failed", "pine_id", pineID, "username", username, "error", err)
			rec.Status = tradingview.StatusFailure
			records = append(records, rec)
			continue
		}

		switch action {
		case audit.ActionGrant:
			rec, err = s.svc.Grant(ctx, rec, spec.Unit, spec.N)
		case audit.ActionRevoke:
			rec, err = s.svc.Revoke(ctx, rec)
		}
		if err != nil {
			if isAuthErr(err) {
				return nil, mapErr(err)
			}
			rec.Status = tradingview.StatusFailure
		}
		records = append(records, rec)
	}

	s.auditor.Record(username, pineIDs, action)
	return records, nil
}

func isAuthErr(err error) bool {
	var coded *tradingview.CodedError
	return errors.As(err, &coded) && coded.Code == tradingview.CodeAuthFailed
}
