package db_test

import (
	"context"
	"os"
	"testing"

	"github.com/ehr/doctrust/internal/platform/db"
	"github.com/ehr/doctrust/internal/platform/db/dbtest"
)

func TestMain(m *testing.M) {
	os.Exit(dbtest.RunMain(m))
}

func TestMigrator_RepositoryMigrationsApplyOnce(t *testing.T) {
	pool := dbtest.Pool(t) // already migrated once
	ctx := context.Background()
	m := db.NewMigrator(pool, dbtest.MigrationsDir())

	n, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing pending, applied %d", n)
	}

	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) < 3 {
		t.Fatalf("expected at least 3 migrations, got %d", len(statuses))
	}
	for _, s := range statuses {
		if !s.Applied || s.Drifted {
			t.Errorf("migration %d (%s): applied=%v drifted=%v", s.Version, s.Name, s.Applied, s.Drifted)
		}
	}

	for _, table := range []string{"documents", "document_audit_log", "signature_requests", "signatures"} {
		var exists bool
		if err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&exists); err != nil {
			t.Fatalf("lookup %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s missing", table)
		}
	}
}

func TestPoolCheck_LivePool(t *testing.T) {
	pool := dbtest.Pool(t)
	if err := db.PoolCheck(pool).Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
