package delivery

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/BTreeMap/Pollexy/internal/models"
)

func TestPool_EnsureRemoveStop(t *testing.T) {
	f := newFixture(t)
	f.cfg.PollInterval = 10 * time.Millisecond
	pool, err := NewPool(context.Background(), f.cfg)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Stop()

	pool.EnsureAll([]*models.Location{{Name: "kitchen"}, {Name: "office"}})
	if pool.Ensure("kitchen") {
		t.Error("second Ensure must not start another worker")
	}
	got := pool.Locations()
	sort.Strings(got)
	if len(got) != 2 || got[0] != "kitchen" || got[1] != "office" {
		t.Errorf("Locations = %v", got)
	}

	f.publish(t, models.DeliveryPayload{})
	deadline := time.Now().Add(3 * time.Second)
	for len(f.reporter.Outcomes()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if outs := f.reporter.Outcomes(); len(outs) != 1 || outs[0].outcome != models.OutcomeSuccess {
		t.Errorf("outcomes = %+v", outs)
	}

	pool.Remove("office")
	if got := pool.Locations(); len(got) != 1 {
		t.Errorf("Locations after Remove = %v", got)
	}
	pool.Stop()
	if got := pool.Locations(); len(got) != 0 {
		t.Errorf("Locations after Stop = %v", got)
	}
}

func TestStorePresence_MaxAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2023, 1, 1, 9, 0, 0, 0, time.UTC)
	sensor := StorePresence{Locations: f.store, MaxAge: 5 * time.Minute, Clock: func() time.Time { return now }}

	if ok, err := sensor.MotionDetected(ctx, "kitchen"); err != nil || ok {
		t.Errorf("fresh location reported motion: %v %v", ok, err)
	}
	f.store.SetMotion(ctx, "kitchen", true, now.Add(-time.Minute))
	if ok, _ := sensor.MotionDetected(ctx, "kitchen"); !ok {
		t.Error("recent motion not detected")
	}
	f.store.SetMotion(ctx, "kitchen", true, now.Add(-time.Hour))
	if ok, _ := sensor.MotionDetected(ctx, "kitchen"); ok {
		t.Error("stale motion reported as present")
	}
	if _, err := sensor.MotionDetected(ctx, "attic"); err == nil {
		t.Error("expected error for unknown location")
	}
}
