// Package tradingview drives TradingView's private script-permission
// endpoints as an authenticated browser-like session.
package tradingview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgnsrekt/tv_access/internal/duration"
)

// Client is the access engine: it looks up, grants and revokes script
// access for (username, pine_id) pairs, ensuring a valid session before
// every upstream call.
type Client struct {
	http      *http.Client
	endpoints Endpoints
	session   *Session

	now func() time.Time
}

// NewClient builds an access engine sharing the session manager's
// endpoints. httpClient may be nil.
func NewClient(httpClient *http.Client, ep Endpoints, session *Session) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{http: httpClient, endpoints: ep, session: session, now: time.Now}
}

// EnsureSession establishes (or revalidates) the shared session. Batch
// callers run it once up front: a session failure here means no call in the
// batch can proceed, while later per-item errors degrade to per-record
// failures.
func (c *Client) EnsureSession(ctx context.Context) error {
	return c.session.EnsureValid(ctx)
}

type hintEntry struct {
	Username string `json:"username"`
}

// ValidateUsername reports whether username resolves to a real TradingView
// account, returning the canonically-cased form when it does. Matching is
// exact and case-insensitive against the platform's hint results.
func (c *Client) ValidateUsername(ctx context.Context, username string) (UserCheck, error) {
	if err := c.session.EnsureValid(ctx); err != nil {
		return UserCheck{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoints.UsernameHint+"?s="+url.QueryEscape(username), nil)
	if err != nil {
		return UserCheck{}, newError(CodeUpstreamUnavailable, "build username hint request", err)
	}
	req.Header.Set("user-agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return UserCheck{}, newError(CodeUpstreamUnavailable, "username hint request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return UserCheck{}, newError(CodeUpstreamStatus,
			fmt.Sprintf("username hint returned %d", resp.StatusCode), nil)
	}

	var entries []hintEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return UserCheck{}, newError(CodeBadResponse, "decode username hint response", err)
	}

	for _, e := range entries {
		if strings.EqualFold(e.Username, username) {
			return UserCheck{ValidUser: true, VerifiedUserName: e.Username}, nil
		}
	}
	return UserCheck{}, nil
}

type listUsersResponse struct {
	Results []struct {
		Username   string `json:"username"`
		Expiration string `json:"expiration"`
	} `json:"results"`
}

// Lookup queries current access state for one (username, pine_id) pair.
//
// The list endpoint is paginated; only a small page sorted by most recent
// creation is requested, so a grant old enough to fall off that page is
// reported as absent. Known limitation of the upstream contract, accepted
// here to keep one upstream call per lookup.
func (c *Client) Lookup(ctx context.Context, username, pineID string) (AccessRecord, error) {
	rec := AccessRecord{
		PineID:            pineID,
		Username:          username,
		CurrentExpiration: duration.FormatWire(c.now()),
		Status:            StatusPending,
	}

	if err := c.session.EnsureValid(ctx); err != nil {
		return rec, err
	}

	form := url.Values{"pine_id": {pineID}, "username": {username}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoints.ListUsers+"?limit=10&order_by=-created",
		strings.NewReader(form.Encode()))
	if err != nil {
		return rec, newError(CodeUpstreamUnavailable, "build access list request", err)
	}
	req.Header.Set("content-type", "application/x-www-form-urlencoded")
	c.authHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return rec, newError(CodeUpstreamUnavailable, "access list request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return rec, newError(CodeUpstreamStatus,
			fmt.Sprintf("access list returned %d", resp.StatusCode), nil)
	}

	var list listUsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return rec, newError(CodeBadResponse, "decode access list response", err)
	}

	for _, entry := range list.Results {
		if !strings.EqualFold(entry.Username, username) {
			continue
		}
		rec.HasAccess = true
		rec.NoExpiration = entry.Expiration == ""
		if entry.Expiration != "" {
			rec.CurrentExpiration = entry.Expiration
		}
		break
	}
	return rec, nil
}

// Grant gives or extends access described by rec. First-time grants go to
// the add endpoint, existing ones to the modify endpoint. Lifetime omits
// the expiration field entirely; any other unit extends from the record's
// current expiration. The returned record's Status is Success only for an
// upstream 200/201; every other data-call outcome, transport failures
// included, is Failure. Only session establishment returns an error, since
// nothing in the batch can proceed without a session.
func (c *Client) Grant(ctx context.Context, rec AccessRecord, unit duration.Unit, n int) (AccessRecord, error) {
	if err := c.session.EnsureValid(ctx); err != nil {
		return rec, err
	}

	fields := map[string]string{
		"pine_id":        rec.PineID,
		"username_recip": rec.Username,
	}

	if unit == duration.Lifetime {
		rec.NoExpiration = true
	} else {
		newExp, err := duration.Extend(rec.CurrentExpiration, unit, n)
		if err != nil {
			slog.Error("expiration extension failed",
				"pine_id", rec.PineID, "username", rec.Username, "error", err)
			rec.Status = StatusFailure
			return rec, nil
		}
		fields["expiration"] = newExp
		rec.CurrentExpiration = newExp
		rec.NoExpiration = false
	}

	endpoint := c.endpoints.AddAccess
	if rec.HasAccess {
		endpoint = c.endpoints.ModifyAccess
	}

	status, err := c.postMultipart(ctx, endpoint, fields)
	if err != nil {
		slog.Warn("grant call failed", "pine_id", rec.PineID, "username", rec.Username, "error", err)
		rec.Status = StatusFailure
		return rec, nil
	}

	if status == http.StatusOK || status == http.StatusCreated {
		rec.Status = StatusSuccess
		rec.HasAccess = true
	} else {
		rec.Status = StatusFailure
	}
	return rec, nil
}

// Revoke removes access described by rec. Upstream 200 is Success,
// everything else Failure. As with Grant, only session establishment
// returns an error.
func (c *Client) Revoke(ctx context.Context, rec AccessRecord) (AccessRecord, error) {
	if err := c.session.EnsureValid(ctx); err != nil {
		return rec, err
	}

	status, err := c.postMultipart(ctx, c.endpoints.RemoveAccess, map[string]string{
		"pine_id":        rec.PineID,
		"username_recip": rec.Username,
	})
	if err != nil {
		slog.Warn("revoke call failed", "pine_id", rec.PineID, "username", rec.Username, "error", err)
		rec.Status = StatusFailure
		return rec, nil
	}

	if status == http.StatusOK {
		rec.Status = StatusSuccess
	} else {
		rec.Status = StatusFailure
	}
	return rec, nil
}

func (c *Client) postMultipart(ctx context.Context, endpoint string, fields map[string]string) (int, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	for field, value := range fields {
		if err := form.WriteField(field, value); err != nil {
			return 0, newError(CodeUpstreamUnavailable, "build multipart form", err)
		}
	}
	if err := form.Close(); err != nil {
		return 0, newError(CodeUpstreamUnavailable, "build multipart form", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return 0, newError(CodeUpstreamUnavailable, "build request", err)
	}
	req.Header.Set("content-type", form.FormDataContentType())
	c.authHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, newError(CodeUpstreamUnavailable, "request failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func (c *Client) authHeaders(req *http.Request) {
	req.Header.Set("cookie", c.session.CookieHeader())
	req.Header.Set("origin", c.endpoints.Origin)
	req.Header.Set("user-agent", userAgent)
}
