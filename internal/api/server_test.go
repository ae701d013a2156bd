package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/tv_access/internal/audit"
	"github.com/dgnsrekt/tv_access/internal/duration"
	"github.com/dgnsrekt/tv_access/internal/tradingview"
)

type stubEngine struct {
	mu        sync.Mutex
	calls     []string
	ensureErr error
	lookupErr map[string]error
	grantFail map[string]bool
	check     tradingview.UserCheck
}

func (s *stubEngine) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *stubEngine) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubEngine) EnsureSession(ctx context.Context) error {
	s.record("ensure")
	return s.ensureErr
}

func (s *stubEngine) ValidateUsername(ctx context.Context, username string) (tradingview.UserCheck, error) {
	s.record("validate:" + username)
	return s.check, nil
}

func (s *stubEngine) Lookup(ctx context.Context, username, pineID string) (tradingview.AccessRecord, error) {
	s.record("lookup:" + pineID)
	rec := tradingview.AccessRecord{
		PineID:            pineID,
		Username:          username,
		CurrentExpiration: "2025-06-01 12:00:00+00",
		Status:            tradingview.StatusPending,
	}
	if err := s.lookupErr[pineID]; err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *stubEngine) Grant(ctx context.Context, rec tradingview.AccessRecord, unit duration.Unit, n int) (tradingview.AccessRecord, error) {
	s.record("grant:" + rec.PineID)
	if s.grantFail[rec.PineID] {
		rec.Status = tradingview.StatusFailure
	} else {
		rec.Status = tradingview.StatusSuccess
		rec.HasAccess = true
	}
	return rec, nil
}

func (s *stubEngine) Revoke(ctx context.Context, rec tradingview.AccessRecord) (tradingview.AccessRecord, error) {
	s.record("revoke:" + rec.PineID)
	rec.Status = tradingview.StatusSuccess
	return rec, nil
}

type stubAuditor struct {
	mu      sync.Mutex
	actions []audit.Action
}

func (a *stubAuditor) Record(username string, pineIDs []string, action audit.Action) {
	a.mu.Lock()
	a.actions = append(a.actions, action)
	a.mu.Unlock()
}

func newTestServer(t *testing.T, svc *stubEngine) (*httptest.Server, *stubAuditor) {
	t.Helper()
	auditor := &stubAuditor{}
	srv := httptest.NewServer(NewServer(svc, auditor, 5*time.Second))
	t.Cleanup(srv.Close)
	return srv, auditor
}

func decodeRecords(t *testing.T, resp *http.Response) []tradingview.AccessRecord {
	t.Helper()
	var records []tradingview.AccessRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decoding records failed: %v", err)
	}
	return records
}

func TestGrantPartialFailure(t *testing.T) {
	svc := &stubEngine{grantFail: map[string]bool{"p2": true}}
	srv, _ := newTestServer(t, svc)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/access/bob",
		strings.NewReader(`{"pine_ids":["p1","p2","p3"],"duration":"2M"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	records := decodeRecords(t, resp)
	if len(records) != 3 {
		t.Fatalf("records = %d; want 3 (batch must not abort)", len(records))
	}
	want := []tradingview.Status{tradingview.StatusSuccess, tradingview.StatusFailure, tradingview.StatusSuccess}
	for i, rec := range records {
		if rec.Status != want[i] {
			t.Fatalf("record %d status = %q; want %q", i, rec.Status, want[i])
		}
	}
}

func TestGrantRejectsBadDurationBeforeAnyUpstreamCall(t *testing.T) {
	for _, dur := range []string{"abc", "0Y", "", "2X"} {
		svc := &stubEngine{}
		srv, _ := newTestServer(t, svc)

		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/access/bob",
			strings.NewReader(`{"pine_ids":["p1"],"duration":"`+dur+`"}`))
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("duration %q: status = %d; want 400", dur, resp.StatusCode)
		}
		if svc.callCount() != 0 {
			t.Fatalf("duration %q: engine called %d times before validation", dur, svc.callCount())
		}
	}
}

func TestAccessRejectsEmptyPineIDs(t *testing.T) {
	svc := &stubEngine{}
	srv, _ := newTestServer(t, svc)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/access/bob",
		strings.NewReader(`{"pine_ids":[]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d; want 400", resp.StatusCode)
	}
	if svc.callCount() != 0 {
		t.Fatalf("engine called %d times for an empty batch", svc.callCount())
	}
}

func TestSessionFailureAbortsBatch(t *testing.T) {
	svc := &stubEngine{
		ensureErr: &tradingview.CodedError{Code: tradingview.CodeUpstreamUnavailable, Message: "signin request failed"},
	}
	srv, _ := newTestServer(t, svc)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/access/bob",
		strings.NewReader(`{"pine_ids":["p1","p2"]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d; want 502", resp.StatusCode)
	}
	for _, call := range svc.calls {
		if strings.HasPrefix(call, "lookup:") {
			t.Fatal("lookup ran despite session failure")
		}
	}
}

func TestCheckLeavesRecordsPendingAndAudits(t *testing.T) {
	svc := &stubEngine{}
	srv, auditor := newTestServer(t, svc)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/access/bob",
		strings.NewReader(`{"pine_ids":["p1"]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	records := decodeRecords(t, resp)
	if len(records) != 1 || records[0].Status != tradingview.StatusPending {
		t.Fatalf("records = %+v; want one Pending record", records)
	}
	if len(auditor.actions) != 1 || auditor.actions[0] != audit.ActionCheck {
		t.Fatalf("audited actions = %v; want [check]", auditor.actions)
	}
}

func TestLookupTransportFailureIsPerRecord(t *testing.T) {
	svc := &stubEngine{
		lookupErr: map[string]error{
			"p2": &tradingview.CodedError{Code: tradingview.CodeUpstreamStatus, Message: "access list returned 500"},
		},
	}
	srv, _ := newTestServer(t, svc)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/access/bob",
		strings.NewReader(`{"pine_ids":["p1","p2","p3"]}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	records := decodeRecords(t, resp)
	if len(records) != 3 {
		t.Fatalf("records = %d; want 3", len(records))
	}
	if records[1].Status != tradingview.StatusFailure {
		t.Fatalf("record p2 status = %q; want Failure", records[1].Status)
	}
	if records[0].Status != tradingview.StatusSuccess || records[2].Status != tradingview.StatusSuccess {
		t.Fatalf("sibling records aborted: %+v", records)
	}
}

func TestValidateUsernameEndpoint(t *testing.T) {
	svc := &stubEngine{check: tradingview.UserCheck{ValidUser: true, VerifiedUserName: "TraderBob"}}
	srv, auditor := newTestServer(t, svc)

	resp, err := http.Get(srv.URL + "/validate/traderbob")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
	var check tradingview.UserCheck
	if err := json.NewDecoder(resp.Body).Decode(&check); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !check.ValidUser || check.VerifiedUserName != "TraderBob" {
		t.Fatalf("check = %+v; want valid TraderBob", check)
	}
	if len(auditor.actions) != 1 || auditor.actions[0] != audit.ActionValidate {
		t.Fatalf("audited actions = %v; want [validate]", auditor.actions)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{})
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d; want 200", resp.StatusCode)
	}
}
