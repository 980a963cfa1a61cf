package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/broadline/channelsync/internal/channel"
	"github.com/broadline/channelsync/internal/reconcile"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
	rawBody []byte
}

func doRequest(t *testing.T, server http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	switch {
	case req.rawBody != nil:
		body = bytes.NewReader(req.rawBody)
	case req.body != nil:
		data, err := json.Marshal(req.body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		body = bytes.NewReader(data)
	default:
		body = bytes.NewReader(nil)
	}
	httpReq := httptest.NewRequest(req.method, req.path, body)
	for key, value := range req.headers {
		httpReq.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httpReq)
	return rec
}

func mustTestJWT(t *testing.T, secret, tenantID, clientName string, scopes []string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := map[string]any{
		"tenant_id":   tenantID,
		"client_name": clientName,
		"scopes":      scopes,
		"exp":         expires.Unix(),
		"aud":         "channelsync",
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(header + "." + encodedPayload))
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return header + "." + encodedPayload + "." + signature
}

func signInternal(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type stubSyncer struct {
	err   error
	calls int
	apply func(ctx context.Context, tenantID string) error
}

func (s *stubSyncer) SyncTenant(ctx context.Context, tenantID string) error {
	s.calls++
	if s.apply != nil {
		return s.apply(ctx, tenantID)
	}
	return s.err
}

func newTestServer(t *testing.T, store *channel.Store, syncer SyncTrigger, cfg ServerConfig) *Server {
	t.Helper()
	server, err := NewServerWithConfig(store, syncer, nil, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return server
}

func readerToken(t *testing.T, tenantID string) string {
	t.Helper()
	return mustTestJWT(t, "dev-secret", tenantID, "Console", []string{"channel:read", "channel:write", "sync:read", "sync:trigger"}, time.Now().Add(time.Hour))
}

func TestHealth(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	server := newTestServer(t, store, nil, ServerConfig{})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	server := newTestServer(t, store, nil, ServerConfig{})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/tenant-1/channel"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthRejectsTenantMismatch(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	server := newTestServer(t, store, nil, ServerConfig{})
	token := readerToken(t, "tenant-other")

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/tenants/tenant-1/channel",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_1"},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestAuthRejectsMissingScope(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	server := newTestServer(t, store, nil, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "tenant-1", "Console", []string{"channel:read"}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/tenants/tenant-1/sync",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_1"},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	server := newTestServer(t, store, nil, ServerConfig{})
	token := mustTestJWT(t, "dev-secret", "tenant-1", "Console", []string{"channel:read"}, time.Now().Add(-time.Minute))

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/tenants/tenant-1/channel",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_1"},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestCorrelationIDRequired(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	server := newTestServer(t, store, nil, ServerConfig{})
	token := readerToken(t, "tenant-1")

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/tenants/tenant-1/channel",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", resp.Code)
	}
}

func TestGetChannel(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	if _, err := store.EnsureTenant("tenant-1"); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}
	if _, err := store.ApplySnapshot(context.Background(), "tenant-1", channel.ChannelSnapshot{
		ExternalID: "wa_100", Provisioned: true, Quality: channel.QualityGreen,
	}); err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}
	server := newTestServer(t, store, nil, ServerConfig{})
	token := readerToken(t, "tenant-1")

	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/tenants/tenant-1/channel",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_1"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var record channel.TenantChannel
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.ExternalID != "wa_100" || record.SyncStatus != channel.SyncStatusActive {
		t.Fatalf("unexpected record %+v", record)
	}

	ghostToken := readerToken(t, "ghost")
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/tenants/ghost/channel",
		headers: map[string]string{"Authorization": "Bearer " + ghostToken, "X-Correlation-Id": "corr_2"},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown tenant, got %d", resp.Code)
	}
}

func TestSyncTrigger(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	if _, err := store.EnsureTenant("tenant-1"); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}
	syncer := &stubSyncer{apply: func(ctx context.Context, tenantID string) error {
		_, err := store.ApplySnapshot(ctx, tenantID, channel.ChannelSnapshot{
			ExternalID: "wa_100", Provisioned: true, Quality: channel.QualityGreen,
		})
		return err
	}}
	server := newTestServer(t, store, syncer, ServerConfig{})
	token := readerToken(t, "tenant-1")

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/tenants/tenant-1/sync",
		headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_1"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if syncer.calls != 1 {
		t.Fatalf("expected one sync call, got %d", syncer.calls)
	}
	var record channel.TenantChannel
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.SyncStatus != channel.SyncStatusActive {
		t.Fatalf("trigger must return the updated record, got %s", record.SyncStatus)
	}
}

func TestSyncTriggerErrorMapping(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	if _, err := store.EnsureTenant("tenant-1"); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}
	token := readerToken(t, "tenant-1")

	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{channel.ErrNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("bind: %w", channel.ErrAlreadyBound), http.StatusConflict, "identity_conflict"},
		{errors.New("upstream exploded with secret details"), http.StatusBadGateway, "sync_failed"},
	}
	for i, tc := range cases {
		server := newTestServer(t, store, &stubSyncer{err: tc.err}, ServerConfig{})
		resp := doRequest(t, server, request{
			method:  http.MethodPost,
			path:    "/v1/tenants/tenant-1/sync",
			headers: map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": fmt.Sprintf("corr_%d", i)},
		})
		if resp.Code != tc.wantStatus {
			t.Fatalf("case %d: expected %d, got %d (%s)", i, tc.wantStatus, resp.Code, resp.Body.String())
		}
		var errBody map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
			t.Fatalf("case %d: decode error body: %v", i, err)
		}
		if errBody["code"] != tc.wantCode {
			t.Fatalf("case %d: expected code %s, got %v", i, tc.wantCode, errBody["code"])
		}
		if tc.wantCode == "sync_failed" && errBody["message"] != "reconciliation attempt failed" {
			t.Fatalf("upstream error text must not leak, got %v", errBody["message"])
		}
	}
}

func TestPlatformEventIntake(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	server := newTestServer(t, store, nil, ServerConfig{})

	body, _ := json.Marshal(map[string]any{
		"envelopeId": "env_1",
		"tenantId":   "tenant-1",
		"eventType":  "message.status",
		"deliveryId": "dlv_1",
		"payload":    map[string]any{"messageId": "msg_1", "status": "delivered"},
	})
	timestamp := time.Now().UTC().Format(time.RFC3339)
	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/internal/platform-events",
		headers: map[string]string{
			"X-Platform-Timestamp": timestamp,
			"X-Platform-Signature": signInternal("dev-internal-secret", timestamp, body),
		},
		rawBody: body,
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	var queued channel.QueuedResponse
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if queued.Status != "queued" || queued.ID != "env_1" {
		t.Fatalf("unexpected response %+v", queued)
	}

	// Same timestamp+signature again is a replay.
	resp = doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/internal/platform-events",
		headers: map[string]string{
			"X-Platform-Timestamp": timestamp,
			"X-Platform-Signature": signInternal("dev-internal-secret", timestamp, body),
		},
		rawBody: body,
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on replay, got %d", resp.Code)
	}
}

func TestPlatformEventRejectsBadSignature(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	server := newTestServer(t, store, nil, ServerConfig{})

	body := []byte(`{"envelopeId":"env_1","tenantId":"tenant-1","eventType":"message.status","deliveryId":"dlv_1"}`)
	timestamp := time.Now().UTC().Format(time.RFC3339)

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/internal/platform-events",
		headers: map[string]string{
			"X-Platform-Timestamp": timestamp,
			"X-Platform-Signature": signInternal("wrong-secret", timestamp, body),
		},
		rawBody: body,
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/internal/platform-events",
		rawBody: body,
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without headers, got %d", resp.Code)
	}

	stale := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	resp = doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/internal/platform-events",
		headers: map[string]string{
			"X-Platform-Timestamp": stale,
			"X-Platform-Signature": signInternal("dev-internal-secret", stale, body),
		},
		rawBody: body,
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale timestamp, got %d", resp.Code)
	}
}

func TestPlatformEventSchemaValidation(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	server := newTestServer(t, store, nil, ServerConfig{})

	send := func(body []byte) *httptest.ResponseRecorder {
		timestamp := time.Now().UTC().Format(time.RFC3339Nano)
		return doRequest(t, server, request{
			method: http.MethodPost,
			path:   "/v1/internal/platform-events",
			headers: map[string]string{
				"X-Platform-Timestamp": timestamp,
				"X-Platform-Signature": signInternal("dev-internal-secret", timestamp, body),
			},
			rawBody: body,
		})
	}

	missingDelivery := []byte(`{"envelopeId":"env_1","tenantId":"tenant-1","eventType":"message.status"}`)
	if resp := send(missingDelivery); resp.Code != http.StatusBadRequest {
		t.Fatalf("missing deliveryId: expected 400, got %d (%s)", resp.Code, resp.Body.String())
	}

	extraField := []byte(`{"envelopeId":"env_2","tenantId":"tenant-1","eventType":"message.status","deliveryId":"dlv_2","debug":true}`)
	if resp := send(extraField); resp.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", resp.Code)
	}

	badPriority := []byte(`{"envelopeId":"env_3","tenantId":"tenant-1","eventType":"message.status","deliveryId":"dlv_3","priority":"urgent"}`)
	if resp := send(badPriority); resp.Code != http.StatusBadRequest {
		t.Fatalf("bad priority: expected 400, got %d", resp.Code)
	}

	notJSON := []byte(`{{`)
	if resp := send(notJSON); resp.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: expected 400, got %d", resp.Code)
	}
}

func seedDeadLetter(t *testing.T, store *channel.Store, deliveryID string) string {
	t.Helper()
	resp, err := store.IngestPlatformEvent(channel.PlatformEventRequest{
		TenantID: "tenant-1", EventType: "channel.unknown", DeliveryID: deliveryID,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	feed := store.ListDeadLetters("tenant-1", "", 100)
	before := len(feed.Items)
	deadline := time.Now().Add(2 * time.Second)
	for len(store.ListDeadLetters("tenant-1", "", 100).Items) == before {
		if time.Now().After(deadline) {
			t.Fatalf("event never dead-lettered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return resp.ID
}

func TestDeadLetterEndpoints(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{
		MaxEventAttempts:   1,
		EventWorkers:       1,
		MaxEventsPerSecond: 500,
	})
	defer store.Close()
	envelopeID := seedDeadLetter(t, store, "dlv_1")
	server := newTestServer(t, store, nil, ServerConfig{})
	token := readerToken(t, "tenant-1")
	auth := map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_1"}

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/tenant-1/dead-letter", headers: auth})
	if resp.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var feed channel.DeadLetterFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	if len(feed.Items) != 1 || feed.Items[0].EnvelopeID != envelopeID {
		t.Fatalf("unexpected feed %+v", feed)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/tenant-1/dead-letter/" + envelopeID, headers: auth})
	if resp.Code != http.StatusOK {
		t.Fatalf("item: expected 200, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/tenants/tenant-1/dead-letter/" + envelopeID + "/ack", headers: auth})
	if resp.Code != http.StatusOK {
		t.Fatalf("ack: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/tenants/tenant-1/dead-letter/" + envelopeID + "/replay", headers: auth})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("replay after ack: expected 404, got %d", resp.Code)
	}
}

func TestDeadLetterReplayEndpoint(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{
		MaxEventAttempts:   1,
		EventWorkers:       1,
		MaxEventsPerSecond: 500,
	})
	defer store.Close()
	envelopeID := seedDeadLetter(t, store, "dlv_replay")
	server := newTestServer(t, store, nil, ServerConfig{})
	token := readerToken(t, "tenant-1")
	auth := map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_1"}

	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/tenants/tenant-1/dead-letter/" + envelopeID + "/replay", headers: auth})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("replay: expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	var queued channel.QueuedResponse
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if queued.ID != envelopeID {
		t.Fatalf("replay must requeue the same envelope, got %s", queued.ID)
	}
}

func TestKillSwitchEventsAndCampaignResume(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	ctx := context.Background()
	if _, err := store.EnsureTenant("tenant-1"); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}
	if _, err := store.ApplySnapshot(ctx, "tenant-1", channel.ChannelSnapshot{ExternalID: "wa_1", Provisioned: true, Quality: channel.QualityGreen}); err != nil {
		t.Fatalf("initial snapshot: %v", err)
	}
	if err := store.AddCampaign(channel.Campaign{ID: "camp-1", TenantID: "tenant-1", Status: channel.CampaignStatusActive}); err != nil {
		t.Fatalf("add campaign: %v", err)
	}
	if _, err := store.ApplySnapshot(ctx, "tenant-1", channel.ChannelSnapshot{ExternalID: "wa_1", Provisioned: true, Quality: channel.QualityRed}); err != nil {
		t.Fatalf("degraded snapshot: %v", err)
	}

	server := newTestServer(t, store, nil, ServerConfig{})
	token := readerToken(t, "tenant-1")
	auth := map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_1"}

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/tenant-1/killswitch-events", headers: auth})
	if resp.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", resp.Code)
	}
	var events struct {
		Items []channel.KillSwitchEvent `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events.Items) != 1 || events.Items[0].PausedCount != 1 {
		t.Fatalf("unexpected events %+v", events.Items)
	}

	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/tenants/tenant-1/campaigns/camp-1/resume", headers: auth})
	if resp.Code != http.StatusConflict {
		t.Fatalf("resume while red: expected 409, got %d (%s)", resp.Code, resp.Body.String())
	}

	if _, err := store.ApplySnapshot(ctx, "tenant-1", channel.ChannelSnapshot{ExternalID: "wa_1", Provisioned: true, Quality: channel.QualityGreen}); err != nil {
		t.Fatalf("recovered snapshot: %v", err)
	}
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/tenants/tenant-1/campaigns/camp-1/resume", headers: auth})
	if resp.Code != http.StatusOK {
		t.Fatalf("resume after recovery: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var campaign channel.Campaign
	if err := json.NewDecoder(resp.Body).Decode(&campaign); err != nil {
		t.Fatalf("decode campaign: %v", err)
	}
	if campaign.Status != channel.CampaignStatusActive {
		t.Fatalf("expected active campaign, got %s", campaign.Status)
	}
}

func TestCredentialEndpoints(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	if err := store.SetCredential("tenant-1", "vault://tenant-1", time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("set credential: %v", err)
	}
	server := newTestServer(t, store, nil, ServerConfig{})
	token := readerToken(t, "tenant-1")
	auth := map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_1"}

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/tenant-1/credential", headers: auth})
	if resp.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.Code)
	}
	var cred channel.Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		t.Fatalf("decode credential: %v", err)
	}
	if cred.Status != channel.CredentialStatusValid {
		t.Fatalf("unexpected status %s", cred.Status)
	}

	// Clearing a credential that has not failed is a state conflict.
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/tenants/tenant-1/credential/clear-failure", headers: auth})
	if resp.Code != http.StatusConflict {
		t.Fatalf("clear on valid: expected 409, got %d", resp.Code)
	}

	if err := store.RecordCredentialRefreshFailure("tenant-1", "upstream rejected credentials", true); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/tenants/tenant-1/credential/clear-failure", headers: auth})
	if resp.Code != http.StatusOK {
		t.Fatalf("clear on failed: expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestTenantRateLimit(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	if _, err := store.EnsureTenant("tenant-1"); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}
	server := newTestServer(t, store, nil, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := readerToken(t, "tenant-1")
	auth := map[string]string{"Authorization": "Bearer " + token, "X-Correlation-Id": "corr_1"}

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/tenant-1/channel", headers: auth})
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/tenants/tenant-1/channel", headers: auth})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestAdminTasks(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	runner := reconcile.NewRunner(nil)
	runner.Add(reconcile.TaskSpec{Name: "reconcile", Interval: time.Hour, Run: func(ctx context.Context) error { return nil }})
	server := newTestServer(t, store, nil, ServerConfig{})
	server.tasks = runner

	timestamp := time.Now().UTC().Format(time.RFC3339)
	resp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/admin/tasks",
		headers: map[string]string{
			"X-Correlation-Id":     "corr_1",
			"X-Platform-Timestamp": timestamp,
			"X-Platform-Signature": signInternal("dev-internal-secret", timestamp, nil),
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var out struct {
		Tasks      []reconcile.TaskStatus `json:"tasks"`
		QueueDepth int                    `json:"queueDepth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(out.Tasks) != 1 || out.Tasks[0].Name != "reconcile" {
		t.Fatalf("unexpected tasks %+v", out.Tasks)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/admin/tasks",
		headers: map[string]string{"X-Correlation-Id": "corr_2"},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without internal auth, got %d", resp.Code)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	store := channel.NewStoreWithOptions(channel.StoreOptions{DisableWorkers: true})
	defer store.Close()
	server := newTestServer(t, store, nil, ServerConfig{MaxBodyBytes: 64})

	body := bytes.Repeat([]byte("a"), 256)
	timestamp := time.Now().UTC().Format(time.RFC3339)
	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/internal/platform-events",
		headers: map[string]string{
			"X-Platform-Timestamp": timestamp,
			"X-Platform-Signature": signInternal("dev-internal-secret", timestamp, body),
		},
		rawBody: body,
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}
