package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/nerrad567/knxlink/internal/audit"
)

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []audit.Entry
	last    audit.Filter
	err     error
}

func (f *fakeAuditStore) Create(_ context.Context, e *audit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, *e)
	return nil
}

func (f *fakeAuditStore) List(_ context.Context, filter audit.Filter) (*audit.ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = filter
	if f.err != nil {
		return nil, f.err
	}
	return &audit.ListResult{Entries: f.entries, Total: len(f.entries), Limit: filter.Limit}, nil
}

// flushAudit writes every queued entry to the store.
func flushAudit(env *testEnv) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.srv.drainAuditLog(ctx)
}

func TestAudit_RecordsActions(t *testing.T) {
	store := &fakeAuditStore{}
	env := testServer(t, func(d *Deps) { d.Audit = store })

	if w := env.do(http.MethodPut, "/api/v1/groups/1/2/3", `{"value":true}`); w.Code == http.StatusOK {
		t.Fatal("write on a closed bus should fail")
	}
	env.do(http.MethodPost, "/api/v1/connection", "")
	env.do(http.MethodPut, "/api/v1/groups/1/2/3", `{"value":true}`)
	env.do(http.MethodPost, "/api/v1/groups/write", `{"writes":[{"address":"1/2/3","value":false},{"address":"3/0/1","value":21}]}`)
	env.do(http.MethodDelete, "/api/v1/connection", "")
	// reads and rejected bodies are not recorded
	env.do(http.MethodGet, "/api/v1/connection", "")
	env.do(http.MethodPut, "/api/v1/groups/1/2/3", `{`)

	flushAudit(env)

	want := []struct {
		action, target, outcome string
	}{
		{audit.ActionWrite, "1/2/3", audit.OutcomeError},
		{audit.ActionConnect, "sim://", audit.OutcomeOK},
		{audit.ActionWrite, "1/2/3", audit.OutcomeOK},
		{audit.ActionWriteMany, "", audit.OutcomeOK},
		{audit.ActionDisconnect, "", audit.OutcomeOK},
	}
	if len(store.entries) != len(want) {
		t.Fatalf("recorded %d entries, want %d: %+v", len(store.entries), len(want), store.entries)
	}
	for i, w := range want {
		e := store.entries[i]
		if e.Action != w.action || e.Target != w.target || e.Outcome != w.outcome || e.Source != "api" {
			t.Errorf("entry %d = %+v, want %+v", i, e, w)
		}
	}
	if store.entries[0].Details["error"] == nil {
		t.Error("failed write should carry the error text")
	}
	if store.entries[3].Details["count"] != 2 {
		t.Errorf("write_many details = %v", store.entries[3].Details)
	}
}

func TestAudit_Subject(t *testing.T) {
	store := &fakeAuditStore{}
	env := testServer(t, func(d *Deps) {
		d.Audit = store
		d.Config.Auth.JWTSecret = testSecret
	})
	token, err := IssueToken(testSecret, "operator", 0)
	if err != nil {
		t.Fatalf("IssueToken() error: %v", err)
	}

	env.do(http.MethodPost, "/api/v1/connection", "", "Authorization", "Bearer "+token)
	flushAudit(env)

	if len(store.entries) != 1 || store.entries[0].Subject != "operator" {
		t.Errorf("entries = %+v", store.entries)
	}
}

func TestAudit_QueueFullDrops(t *testing.T) {
	store := &fakeAuditStore{}
	env := testServer(t, func(d *Deps) { d.Audit = store })

	for range auditChanSize + 10 {
		env.do(http.MethodDelete, "/api/v1/connection", "")
	}
	flushAudit(env)

	if len(store.entries) != auditChanSize {
		t.Errorf("recorded %d entries, want %d", len(store.entries), auditChanSize)
	}
}

func TestAudit_List(t *testing.T) {
	t.Run("no store", func(t *testing.T) {
		env := testServer(t)
		expectError(t, env.do(http.MethodGet, "/api/v1/audit", ""), http.StatusServiceUnavailable, ErrCodeNotConfigured)
		// nothing queued without a store
		env.do(http.MethodPost, "/api/v1/connection", "")
		if env.srv.auditCh != nil {
			t.Error("audit queue created without a store")
		}
	})

	store := &fakeAuditStore{entries: []audit.Entry{{ID: "aud-1", Action: audit.ActionWrite, Target: "1/2/3", Source: "api", Outcome: audit.OutcomeOK}}}
	env := testServer(t, func(d *Deps) { d.Audit = store })

	w := env.do(http.MethodGet, "/api/v1/audit?action=write&target=1/2/3&subject=ops&limit=10&offset=5&since=2026-01-01T00:00:00Z", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[audit.ListResult](t, w)
	if resp.Total != 1 || resp.Entries[0].ID != "aud-1" {
		t.Errorf("response = %+v", resp)
	}
	f := store.last
	if f.Action != "write" || f.Target != "1/2/3" || f.Subject != "ops" || f.Limit != 10 || f.Offset != 5 || f.Since.IsZero() {
		t.Errorf("filter = %+v", f)
	}

	expectError(t, env.do(http.MethodGet, "/api/v1/audit?since=yesterday", ""), http.StatusBadRequest, ErrCodeBadRequest)

	store.err = errors.New("disk full")
	expectError(t, env.do(http.MethodGet, "/api/v1/audit", ""), http.StatusInternalServerError, ErrCodeInternal)
}
