package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/tv_access/internal/audit"
	"github.com/dgnsrekt/tv_access/internal/duration"
	"github.com/dgnsrekt/tv_access/internal/tradingview"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service is the access engine surface the router drives.
type Service interface {
	EnsureSession(ctx context.Context) error
	ValidateUsername(ctx context.Context, username string) (tradingview.UserCheck, error)
	Lookup(ctx context.Context, username, pineID string) (tradingview.AccessRecord, error)
	Grant(ctx context.Context, rec tradingview.AccessRecord, unit duration.Unit, n int) (tradingview.AccessRecord, error)
	Revoke(ctx context.Context, rec tradingview.AccessRecord) (tradingview.AccessRecord, error)
}

// Auditor records who did what. Best-effort; implementations never return
// errors to the router.
type Auditor interface {
	Record(username string, pineIDs []string, action audit.Action)
}

// NewServer builds the HTTP handler. opTimeout bounds each inbound access
// operation end to end, including every upstream call it makes.
func NewServer(svc Service, auditor Auditor, opTimeout time.Duration) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("TV Access Manager API", "1.0.0")
	api := humachi.New(router, cfg)

	s := &server{svc: svc, auditor: auditor, opTimeout: opTimeout}
	s.registerHandlers(api)

	router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Your bot is alive!"))
	})

	return router
}

type server struct {
	svc       Service
	auditor   Auditor
	opTimeout time.Duration
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *tradingview.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case tradingview.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case tradingview.CodeUpstreamStatus, tradingview.CodeUpstreamUnavailable, tradingview.CodeBadResponse:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError("Unknown Exception Occurred")
}
