package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"badged/ledger"
	"badged/reconcile"
	"badged/storage"
)

type mockEngine struct {
	mu     sync.Mutex
	record *storage.CredentialRecord
	err    error
	calls  int
}

func (m *mockEngine) Reconcile(ctx context.Context, owner, appID, credentialType, metadataRef string) (*storage.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.record, nil
}

type mockReader struct {
	record *storage.CredentialRecord
	err    error
}

func (m *mockReader) Get(ctx context.Context, key storage.ClaimKey) (*storage.CredentialRecord, error) {
	return m.record, m.err
}

const testKey = "test-api-key"

func newTestServer(t *testing.T, engine *mockEngine, reader *mockReader) *Server {
	t.Helper()
	if engine == nil {
		engine = &mockEngine{}
	}
	if reader == nil {
		reader = &mockReader{}
	}
	srv, err := New(Config{
		Engine:            engine,
		Records:           reader,
		APIKeys:           []string{testKey},
		RequestsPerMinute: 6000,
		Burst:             100,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func postReconcile(t *testing.T, srv *Server, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/claims/reconcile", strings.NewReader(body))
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

const validBody = `{"owner":"0x1111111111111111111111111111111111111111","appId":"app-42","credentialType":"publisher-credential","metadataRef":"ipfs://meta"}`

func TestReconcileReturnsRecord(t *testing.T) {
	record := &storage.CredentialRecord{
		Key:    storage.ClaimKey{AppID: "app-42", Owner: "0x1111111111111111111111111111111111111111", CredentialType: storage.CredentialPublisher},
		Issued: true,
		TxRef:  "0xmint",
	}
	engine := &mockEngine{record: record}
	rec := postReconcile(t, newTestServer(t, engine, nil), testKey, validBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var got storage.CredentialRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Issued || got.TxRef != "0xmint" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if engine.calls != 1 {
		t.Fatalf("expected one engine call, got %d", engine.calls)
	}
}

func TestReconcileRequiresAPIKey(t *testing.T) {
	engine := &mockEngine{}
	srv := newTestServer(t, engine, nil)
	if rec := postReconcile(t, srv, "", validBody); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: %d", rec.Code)
	}
	if rec := postReconcile(t, srv, "wrong-key", validBody); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: %d", rec.Code)
	}
	if engine.calls != 0 {
		t.Fatalf("engine reached without auth")
	}
}

func TestReconcileRejectsBadPayload(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	if rec := postReconcile(t, srv, testKey, "{not json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage payload: %d", rec.Code)
	}
	if rec := postReconcile(t, srv, testKey, `{"owner":"","appId":"app-42","credentialType":"publisher-credential"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty owner: %d", rec.Code)
	}
}

func TestReconcileStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"corrupted", &reconcile.LedgerStateCorruptedError{Contract: "0xc", Owner: "0xo", AppID: "app-42"}, http.StatusConflict},
		{"malformed", &ledger.MintError{Reason: ledger.RevertMalformed, Message: "bad calldata"}, http.StatusUnprocessableEntity},
		{"funds", &ledger.MintError{Reason: ledger.RevertInsufficientFunds, Message: "sponsorship exhausted"}, http.StatusBadGateway},
		{"unavailable", fmt.Errorf("rpc down: %w", ledger.ErrLedgerUnavailable), http.StatusBadGateway},
		{"bad type", fmt.Errorf("unknown credential type %q", "builder"), http.StatusBadRequest},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTestServer(t, &mockEngine{err: tc.err}, nil)
			if rec := postReconcile(t, srv, testKey, validBody); rec.Code != tc.want {
				t.Fatalf("got %d want %d: %s", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestGetRecord(t *testing.T) {
	record := &storage.CredentialRecord{
		Key:    storage.ClaimKey{AppID: "app-42", Owner: "0x1111111111111111111111111111111111111111", CredentialType: storage.CredentialPublisher},
		Issued: true,
	}
	srv := newTestServer(t, nil, &mockReader{record: record})
	req := httptest.NewRequest(http.MethodGet, "/v1/claims/app-42/publisher-credential/0x1111111111111111111111111111111111111111", nil)
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetRecordNotFound(t *testing.T) {
	srv := newTestServer(t, nil, &mockReader{})
	req := httptest.NewRequest(http.MethodGet, "/v1/claims/app-42/publisher-credential/0x1111111111111111111111111111111111111111", nil)
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestGetRecordRejectsUnknownType(t *testing.T) {
	srv := newTestServer(t, nil, &mockReader{})
	req := httptest.NewRequest(http.MethodGet, "/v1/claims/app-42/builder-credential/0x1111111111111111111111111111111111111111", nil)
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	srv, err := New(Config{
		Engine:            &mockEngine{record: &storage.CredentialRecord{Issued: true}},
		Records:           &mockReader{},
		APIKeys:           []string{testKey},
		RequestsPerMinute: 60,
		Burst:             2,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	var limited bool
	for i := 0; i < 5; i++ {
		if rec := postReconcile(t, srv, testKey, validBody); rec.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Fatalf("burst of requests was never throttled")
	}
}

func TestHealthEndpointUnauthenticated(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}
