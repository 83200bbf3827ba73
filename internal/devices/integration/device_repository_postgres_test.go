package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	devices "powerverter-monitor/internal/devices/domain"
	devicerepo "powerverter-monitor/internal/devices/infrastructure/postgres"
	telemetryrepo "powerverter-monitor/internal/telemetry/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestDeviceRepository_Postgres(t *testing.T) {
	db := openDB(t, "inverter_systems", "device_data")
	ctx := context.Background()

	deviceID := "dev-it-devices"
	systemID := "sys-it-devices"
	_, _ = db.ExecContext(ctx, "DELETE FROM inverter_systems WHERE id = $1", deviceID)
	_, _ = db.ExecContext(ctx, "DELETE FROM device_data WHERE system_id = $1", systemID)
	if _, err := db.ExecContext(ctx, `
INSERT INTO inverter_systems (id, user_id, system_id, name)
VALUES ($1, $2, $3, $4)`, deviceID, "user-it", systemID, "Integration Inverter"); err != nil {
		t.Fatalf("insert device: %v", err)
	}

	repo := devicerepo.NewDeviceRepository(db)

	seen, err := repo.GetLastSeen(ctx, deviceID)
	if err != nil {
		t.Fatalf("get last seen: %v", err)
	}
	if seen != nil {
		t.Fatalf("expected never seen, got %v", seen)
	}

	newer := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Minute)
	if err := repo.SetLastSeen(ctx, deviceID, newer); err != nil {
		t.Fatalf("set last seen: %v", err)
	}
	if err := repo.SetLastSeen(ctx, deviceID, older); err != nil {
		t.Fatalf("set older last seen: %v", err)
	}
	meta, err := repo.GetDeviceMeta(ctx, deviceID)
	if err != nil {
		t.Fatalf("get meta: %v", err)
	}
	if meta.SystemID != systemID || meta.LastSeen == nil || !meta.LastSeen.Equal(newer) {
		t.Fatalf("unexpected meta: %+v", meta)
	}

	if _, err := repo.GetDeviceMeta(ctx, "dev-it-missing"); !errors.Is(err, devices.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	owner, err := repo.IsOwner(ctx, "user-it", deviceID)
	if err != nil || !owner {
		t.Fatalf("expected owner, got %v %v", owner, err)
	}
	owner, err = repo.IsOwner(ctx, "user-other", deviceID)
	if err != nil || owner {
		t.Fatalf("expected not owner, got %v %v", owner, err)
	}

	samples := telemetryrepo.NewDeviceDataRepository(db)
	if err := samples.InsertRecord(ctx, systemID, "first", newer.Add(-time.Second)); err != nil {
		t.Fatalf("insert record: %v", err)
	}
	if err := samples.InsertRecord(ctx, systemID, "second", newer); err != nil {
		t.Fatalf("insert record: %v", err)
	}
	raw, ok, err := samples.LatestSample(ctx, systemID)
	if err != nil || !ok || raw != "second" {
		t.Fatalf("unexpected latest sample: %q %v %v", raw, ok, err)
	}
}

func TestListOldestSeenSkipsUnlinked_Postgres(t *testing.T) {
	db := openDB(t, "inverter_systems")
	ctx := context.Background()

	const batch = 3
	unlinked := []string{"dev-it-0a-unlinked-1", "dev-it-0a-unlinked-2", "dev-it-0a-unlinked-3", "dev-it-0a-unlinked-4", "dev-it-0a-unlinked-5"}
	linkedID := "dev-it-0b-linked"
	for _, id := range append(unlinked, linkedID) {
		_, _ = db.ExecContext(ctx, "DELETE FROM inverter_systems WHERE id = $1", id)
	}
	for _, id := range unlinked {
		if _, err := db.ExecContext(ctx, `
INSERT INTO inverter_systems (id, user_id, name) VALUES ($1, $2, $3)`, id, "user-it", "Unlinked"); err != nil {
			t.Fatalf("insert unlinked device: %v", err)
		}
	}
	if _, err := db.ExecContext(ctx, `
INSERT INTO inverter_systems (id, user_id, system_id, name)
VALUES ($1, $2, $3, $4)`, linkedID, "user-it", "sys-it-0b-linked", "Linked"); err != nil {
		t.Fatalf("insert linked device: %v", err)
	}

	list, err := devicerepo.NewDeviceRepository(db).ListOldestSeen(ctx, batch)
	if err != nil {
		t.Fatalf("list oldest seen: %v", err)
	}
	found := false
	for _, device := range list {
		if device.SystemID == "" {
			t.Fatalf("unlinked device listed: %+v", device)
		}
		if device.ID == linkedID {
			found = true
		}
	}
	if !found {
		t.Fatalf("linked never-seen device missing from batch: %+v", list)
	}
}

func openDB(t *testing.T, tables ...string) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	for _, table := range tables {
		if !tableExists(db, table) {
			t.Skip("missing tables; run migrations")
		}
	}
	return db
}

func tableExists(db *sql.DB, table string) bool {
	var exists bool
	err := db.QueryRow(`
SELECT EXISTS (
	SELECT 1
	FROM information_schema.tables
	WHERE table_schema = 'public' AND table_name = $1
)`, table).Scan(&exists)
	if err != nil {
		return false
	}
	return exists
}
