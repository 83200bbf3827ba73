package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	schedules "powerverter-monitor/internal/schedules/domain"
	schedulerepo "powerverter-monitor/internal/schedules/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestScheduleRepository_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if !tableExists(db, "scheduled_controls") {
		t.Skip("missing tables; run migrations")
	}

	ctx := context.Background()
	deviceID := "dev-it-schedule"
	_, _ = db.ExecContext(ctx, "DELETE FROM scheduled_controls WHERE device_id = $1", deviceID)

	repo := schedulerepo.NewScheduleRepository(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	first := newSchedule("sched-it-1", deviceID, schedules.ActionPowerOff, now, now.Add(30*time.Minute))
	if err := repo.Replace(ctx, first); err != nil {
		t.Fatalf("replace first: %v", err)
	}
	second := newSchedule("sched-it-2", deviceID, schedules.ActionPowerOn, now.Add(time.Second), now.Add(15*time.Minute))
	if err := repo.Replace(ctx, second); err != nil {
		t.Fatalf("replace second: %v", err)
	}

	active, err := repo.Active(ctx, deviceID)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if active.ID != second.ID || active.Action != schedules.ActionPowerOn {
		t.Fatalf("unexpected active schedule: %+v", active)
	}

	due, err := repo.ListDue(ctx, now.Add(10*time.Minute), 10)
	if err != nil {
		t.Fatalf("list due early: %v", err)
	}
	if containsSchedule(due, second.ID) {
		t.Fatalf("schedule listed before due")
	}
	due, err = repo.ListDue(ctx, now.Add(20*time.Minute), 100)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if !containsSchedule(due, second.ID) || containsSchedule(due, first.ID) {
		t.Fatalf("unexpected due list: %+v", due)
	}

	executedAt := now.Add(15 * time.Minute)
	if err := repo.MarkExecuted(ctx, second.ID, executedAt); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if _, err := repo.Active(ctx, deviceID); !errors.Is(err, schedules.ErrNotFound) {
		t.Fatalf("expected no active schedule, got %v", err)
	}

	third := newSchedule("sched-it-3", deviceID, schedules.ActionPowerOff, now.Add(time.Hour), now.Add(2*time.Hour))
	if err := repo.Replace(ctx, third); err != nil {
		t.Fatalf("replace third: %v", err)
	}
	cancelled, err := repo.Cancel(ctx, deviceID, now.Add(time.Hour))
	if err != nil || !cancelled {
		t.Fatalf("cancel: %v %v", cancelled, err)
	}
	cancelled, err = repo.Cancel(ctx, deviceID, now.Add(time.Hour))
	if err != nil || cancelled {
		t.Fatalf("second cancel: %v %v", cancelled, err)
	}

	var status string
	if err := db.QueryRowContext(ctx, "SELECT status FROM scheduled_controls WHERE id = $1", first.ID).Scan(&status); err != nil {
		t.Fatalf("load first: %v", err)
	}
	if status != schedules.StatusCancelled {
		t.Fatalf("expected replaced schedule cancelled, got %s", status)
	}
}

func newSchedule(id, deviceID, action string, createdAt, dueAt time.Time) *schedules.Schedule {
	return &schedules.Schedule{
		ID:        id,
		DeviceID:  deviceID,
		SystemID:  "sys-it-schedule",
		Action:    action,
		DueAt:     dueAt,
		Status:    schedules.StatusPending,
		CreatedBy: "user-it",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func containsSchedule(list []schedules.Schedule, id string) bool {
	for _, s := range list {
		if s.ID == id {
			return true
		}
	}
	return false
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
