//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	httpapi "github.com/aliasdir/aliasdir/internal/api/http"
	appClaim "github.com/aliasdir/aliasdir/internal/application/claim"
	appKey "github.com/aliasdir/aliasdir/internal/application/key"
	"github.com/aliasdir/aliasdir/internal/application/outbox"
	"github.com/aliasdir/aliasdir/internal/domain/event"
	"github.com/aliasdir/aliasdir/internal/infrastructure/dict"
	"github.com/aliasdir/aliasdir/internal/infrastructure/postgres"
)

const historySigningKey = "history-integration-secret"

// directoryStub is a scripted directory the participant talks to over HTTP.
type directoryStub struct {
	mux     *http.ServeMux
	rejects bool
}

func newDirectoryStub() *directoryStub {
	d := &directoryStub{mux: http.NewServeMux()}
	d.mux.HandleFunc("POST /claims", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"claimId": body["claimId"],
			"kind":    body["kind"],
			"alias":   body["alias"],
			"status":  "OPEN",
		})
	})
	d.mux.HandleFunc("POST /claims/{claimId}/confirm", func(w http.ResponseWriter, r *http.Request) {
		if d.rejects {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "AP403", "reason": "confirmation refused"})
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	d.mux.HandleFunc("POST /claims/{claimId}/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	d.mux.HandleFunc("DELETE /entries/{alias}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	d.mux.HandleFunc("GET /claims", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"claims": []any{}})
	})
	return d
}

type env struct {
	server *httptest.Server
	pool   *pgxpool.Pool
	dir    *directoryStub
	outbox *outbox.Worker
	sink   *captureEmitter
}

type captureEmitter struct {
	events []*event.Event
}

func (c *captureEmitter) Emit(_ context.Context, evt *event.Event) error {
	c.events = append(c.events, evt)
	return nil
}

func newTestEnv(t *testing.T) (*env, func()) {
	t.Helper()
	dsn := testDatabaseURL(t)
	ctx := context.Background()
	logger := zerolog.Nop()

	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if err := postgres.RunMigrations(ctx, pool, filepath.Join(repoRoot(t), "internal", "migrations")); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if err := resetDatabase(ctx, pool); err != nil {
		t.Fatalf("reset: %v", err)
	}

	dir := newDirectoryStub()
	dirServer := httptest.NewServer(dir.mux)
	gateway := dict.New(dirServer.URL, 5*time.Second)

	keyRepo := postgres.NewKeyRepository(pool)
	claimRepo := postgres.NewClaimRepository(pool)
	historyRepo := postgres.NewHistoryRepository(pool)
	outboxRepo := postgres.NewOutboxRepository(pool)
	uow := postgres.NewUnitOfWork(pool)

	claimSvc := appClaim.NewService(uow, gateway, "11111111", 7*24*time.Hour, []byte(historySigningKey), nil, logger)
	keySvc := appKey.NewService(uow, keyRepo, claimRepo, historyRepo, claimSvc, logger)

	sink := &captureEmitter{}
	worker := outbox.NewWorker(outboxRepo, sink, time.Second, 100, nil, logger)

	server := httptest.NewServer(httpapi.NewServer(keySvc, claimSvc).Router())

	cleanup := func() {
		server.Close()
		dirServer.Close()
		pool.Close()
	}
	return &env{server: server, pool: pool, dir: dir, outbox: worker, sink: sink}, cleanup
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	t.Skip("TEST_DATABASE_URL not set; skipping integration tests")
	return ""
}

func repoRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}

func resetDatabase(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		TRUNCATE TABLE
			event_outbox,
			key_history,
			claims,
			keys
		RESTART IDENTITY CASCADE`)
	return err
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "user:integration")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestKeyLifecycleIntegration(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	var created struct {
		KeyID string `json:"keyId"`
		State string `json:"state"`
	}
	status := doJSON(t, http.MethodPost, env.server.URL+"/v1/keys", map[string]string{
		"owner":     "acct:900",
		"alias":     "carol@example.com",
		"aliasType": "EMAIL",
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d", status)
	}
	if created.State != "pending" {
		t.Fatalf("state = %s, want pending", created.State)
	}

	var out struct {
		State string `json:"state"`
	}
	if status := doJSON(t, http.MethodPost, env.server.URL+"/v1/keys/"+created.KeyID+"/confirm", nil, &out); status != http.StatusOK {
		t.Fatalf("confirm status = %d", status)
	}
	if status := doJSON(t, http.MethodPost, env.server.URL+"/v1/keys/"+created.KeyID+"/activate", nil, &out); status != http.StatusOK {
		t.Fatalf("activate status = %d", status)
	}
	if out.State != "active" {
		t.Fatalf("state = %s, want active", out.State)
	}

	var resolved struct {
		KeyID string `json:"keyId"`
	}
	if status := doJSON(t, http.MethodGet, env.server.URL+"/v1/keys/resolve?alias=carol@example.com", nil, &resolved); status != http.StatusOK {
		t.Fatalf("resolve status = %d", status)
	}
	if resolved.KeyID != created.KeyID {
		t.Fatalf("resolved key = %s, want %s", resolved.KeyID, created.KeyID)
	}

	var hist struct {
		History []struct {
			Prior   string `json:"prior"`
			Next    string `json:"next"`
			Trigger string `json:"trigger"`
		} `json:"history"`
	}
	doJSON(t, http.MethodGet, env.server.URL+"/v1/keys/"+created.KeyID+"/history", nil, &hist)
	if len(hist.History) != 2 {
		t.Fatalf("history rows = %d, want 2", len(hist.History))
	}

	// outbox drains through the emitter after the fact
	n, err := env.outbox.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if env.sink.events[1].Name != "ready" {
		t.Fatalf("event name = %s, want ready", env.sink.events[1].Name)
	}

	if status := doJSON(t, http.MethodDelete, env.server.URL+"/v1/keys/"+created.KeyID, nil, &out); status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}
	if out.State != "deleted" {
		t.Fatalf("state = %s, want deleted", out.State)
	}
	if status := doJSON(t, http.MethodGet, env.server.URL+"/v1/keys/resolve?alias=carol@example.com", nil, nil); status != http.StatusNotFound {
		t.Fatalf("resolve after delete status = %d, want 404", status)
	}
}

func TestOwnershipClaimIntegration(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	var k struct {
		KeyID string `json:"keyId"`
		State string `json:"state"`
	}
	status := doJSON(t, http.MethodPost, env.server.URL+"/v1/claims/ownership", map[string]string{
		"owner":     "acct:901",
		"alias":     "+5511988887777",
		"aliasType": "PHONE",
		"donorIspb": "22222222",
	}, &k)
	if status != http.StatusCreated {
		t.Fatalf("start status = %d", status)
	}
	if k.State != "ownership_opened" {
		t.Fatalf("state = %s, want ownership_opened", k.State)
	}

	var out struct {
		State string `json:"state"`
	}
	if status := doJSON(t, http.MethodPost, env.server.URL+"/v1/claims/"+k.KeyID+"/approve", map[string]string{}, &out); status != http.StatusOK {
		t.Fatalf("approve status = %d", status)
	}
	if out.State != "ownership_waiting" {
		t.Fatalf("state = %s, want ownership_waiting", out.State)
	}

	if status := doJSON(t, http.MethodPost, env.server.URL+"/v1/claims/"+k.KeyID+"/confirm", map[string]string{}, &out); status != http.StatusOK {
		t.Fatalf("confirm status = %d", status)
	}
	if status := doJSON(t, http.MethodPost, env.server.URL+"/v1/claims/"+k.KeyID+"/complete", map[string]string{}, &out); status != http.StatusOK {
		t.Fatalf("complete status = %d", status)
	}
	if out.State != "active" {
		t.Fatalf("state = %s, want active", out.State)
	}

	var claims struct {
		Claims []struct {
			Status   string `json:"status"`
			Resolved bool   `json:"resolved"`
		} `json:"claims"`
	}
	doJSON(t, http.MethodGet, env.server.URL+"/v1/keys/"+k.KeyID+"/claims", nil, &claims)
	if len(claims.Claims) != 1 {
		t.Fatalf("claims = %d, want 1", len(claims.Claims))
	}
	if !claims.Claims[0].Resolved || claims.Claims[0].Status != "COMPLETED" {
		t.Fatalf("claim = %+v, want resolved COMPLETED", claims.Claims[0])
	}
}

func TestDirectoryRejectionIntegration(t *testing.T) {
	env, cleanup := newTestEnv(t)
	defer cleanup()

	var k struct {
		KeyID string `json:"keyId"`
		State string `json:"state"`
	}
	doJSON(t, http.MethodPost, env.server.URL+"/v1/claims/ownership", map[string]string{
		"owner":     "acct:902",
		"alias":     "dave@example.com",
		"aliasType": "EMAIL",
		"donorIspb": "22222222",
	}, &k)

	env.dir.rejects = true
	var out struct {
		State string `json:"state"`
	}
	if status := doJSON(t, http.MethodPost, env.server.URL+"/v1/claims/"+k.KeyID+"/approve", map[string]string{}, &out); status != http.StatusOK {
		t.Fatalf("approve status = %d", status)
	}
	if out.State != "error" {
		t.Fatalf("state = %s, want error", out.State)
	}

	// the operator restores the key to its last good state
	if status := doJSON(t, http.MethodPost, env.server.URL+"/v1/keys/"+k.KeyID+"/resolve-error", map[string]string{"action": "restore"}, &out); status != http.StatusOK {
		t.Fatalf("restore status = %d", status)
	}
	if out.State != "ownership_opened" {
		t.Fatalf("state = %s, want ownership_opened", out.State)
	}
}
