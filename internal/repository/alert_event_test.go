package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"uptime/internal/models"
)

func createHost(t *testing.T, repo *HostRepository, name, hostname string, externalID string) *models.Host {
	t.Helper()
	h := &models.Host{Name: name, Hostname: hostname, Enabled: true}
	if externalID != "" {
		h.ExternalHostID = &externalID
	}
	if err := repo.Create(context.Background(), h); err != nil {
		t.Fatalf("create host: %v", err)
	}
	return h
}

func newEvent(hostID uint, externalID string) *models.AlertEvent {
	now := time.Now()
	return &models.AlertEvent{
		HostID:          hostID,
		ExternalEventID: externalID,
		TriggerName:     "CPU high",
		Severity:        models.SeverityHigh,
		Status:          models.EventProblem,
		EventTime:       now,
		OpenedAt:        now,
	}
}

func TestInsertIfAbsentConcurrent(t *testing.T) {
	db := openTestDB(t)
	hosts := NewHostRepository(db)
	events := NewAlertEventRepository(db)
	h := createHost(t, hosts, "web-01", "web-01.local", "10105")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := events.InsertIfAbsent(context.Background(), newEvent(h.ID, "evt-1"))
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("created = %d, want 1", created)
	}
	n, err := events.Count(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("rows = %d err=%v, want 1", n, err)
	}
}

func TestEventLifecycle(t *testing.T) {
	db := openTestDB(t)
	hosts := NewHostRepository(db)
	events := NewAlertEventRepository(db)
	ctx := context.Background()
	h := createHost(t, hosts, "web-01", "web-01.local", "")

	ev := newEvent(h.ID, "evt-2")
	if _, err := events.InsertIfAbsent(ctx, ev); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if ok, _ := events.ClaimNotification(ctx, ev.ID); !ok {
		t.Fatal("first notification claim lost")
	}
	if ok, _ := events.ClaimNotification(ctx, ev.ID); ok {
		t.Fatal("second notification claim won")
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if ok, err := events.MarkRecovered(ctx, ev.ID, at, nil); err != nil || !ok {
		t.Fatalf("recover: ok=%v err=%v", ok, err)
	}
	if ok, _ := events.MarkRecovered(ctx, ev.ID, at, nil); ok {
		t.Fatal("recovered twice")
	}
	if err := events.Resolve(ctx, ev.ID, at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("resolve closed event: %v", err)
	}

	got, err := events.Get(ctx, ev.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.EventOK || got.RecoveredAt == nil {
		t.Fatalf("event = %+v", got)
	}
	if got.Host == nil || got.Host.Name != "web-01" {
		t.Fatalf("host not preloaded: %+v", got.Host)
	}

	if err := events.Acknowledge(ctx, ev.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := events.Acknowledge(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ack missing: %v", err)
	}
}

func TestListEventsFilter(t *testing.T) {
	db := openTestDB(t)
	hosts := NewHostRepository(db)
	events := NewAlertEventRepository(db)
	ctx := context.Background()
	a := createHost(t, hosts, "a", "a", "")
	b := createHost(t, hosts, "b", "b", "")

	for _, ev := range []*models.AlertEvent{newEvent(a.ID, "a-1"), newEvent(a.ID, "a-2"), newEvent(b.ID, "b-1")} {
		if _, err := events.InsertIfAbsent(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := events.Resolve(ctx, 1, time.Now()); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	tests := []struct {
		name   string
		filter AlertEventFilter
		want   int
	}{
		{"全部", AlertEventFilter{}, 3},
		{"按主机", AlertEventFilter{HostID: &a.ID}, 2},
		{"按状态", AlertEventFilter{Status: models.EventProblem}, 2},
		{"主机加状态", AlertEventFilter{HostID: &a.ID, Status: models.EventResolved}, 1},
		{"限制条数", AlertEventFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := events.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestHostLookup(t *testing.T) {
	db := openTestDB(t)
	hosts := NewHostRepository(db)
	events := NewAlertEventRepository(db)
	ctx := context.Background()

	if _, err := hosts.Only(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("only on empty table: %v", err)
	}

	web := createHost(t, hosts, "Web Server", "web-01", "10105")
	if h, err := hosts.Only(ctx); err != nil || h.ID != web.ID {
		t.Fatalf("only: %v %v", h, err)
	}
	if web.MinSeverity != models.SeverityNotClassified {
		t.Fatalf("min severity default = %q", web.MinSeverity)
	}

	if h, err := hosts.FindByExternalID(ctx, "10105"); err != nil || h.ID != web.ID {
		t.Fatalf("by external id: %v %v", h, err)
	}
	if h, err := hosts.FindByName(ctx, "Web Server"); err != nil || h.ID != web.ID {
		t.Fatalf("by name: %v %v", h, err)
	}
	if h, err := hosts.FindByName(ctx, "web-01"); err != nil || h.ID != web.ID {
		t.Fatalf("by hostname: %v %v", h, err)
	}
	if _, err := hosts.FindByName(ctx, "db-01"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown name: %v", err)
	}

	createHost(t, hosts, "db", "db-01", "")
	if _, err := hosts.Only(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("only with two hosts: %v", err)
	}

	if _, err := events.InsertIfAbsent(ctx, newEvent(web.ID, "w-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := hosts.Delete(ctx, web.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := events.Count(ctx); n != 0 {
		t.Fatalf("events kept after host delete: %d", n)
	}
}

func TestFindOpenByPrefix(t *testing.T) {
	db := openTestDB(t)
	hosts := NewHostRepository(db)
	events := NewAlertEventRepository(db)
	ctx := context.Background()
	h := createHost(t, hosts, "db", "db-01", "")

	older := newEvent(h.ID, "fp:abc:111")
	newer := newEvent(h.ID, "fp:abc:222")
	other := newEvent(h.ID, "fp:xyz:333")
	for _, ev := range []*models.AlertEvent{older, newer, other} {
		if _, err := events.InsertIfAbsent(ctx, ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := events.FindOpenByPrefix(ctx, "fp:abc:")
	if err != nil || got.ID != newer.ID {
		t.Fatalf("find = %+v, %v, want newest open", got, err)
	}

	if ok, _ := events.MarkRecovered(ctx, newer.ID, time.Now(), nil); !ok {
		t.Fatal("recover newer")
	}
	got, err = events.FindOpenByPrefix(ctx, "fp:abc:")
	if err != nil || got.ID != older.ID {
		t.Fatalf("find after recovery = %+v, %v", got, err)
	}

	if ok, _ := events.MarkRecovered(ctx, older.ID, time.Now(), nil); !ok {
		t.Fatal("recover older")
	}
	if _, err := events.FindOpenByPrefix(ctx, "fp:abc:"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("all recovered: %v", err)
	}
}
