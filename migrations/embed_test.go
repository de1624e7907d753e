package migrations

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nerrad567/knxlink/internal/infrastructure/database"
)

func TestSchemaAppliesAndRollsBack(t *testing.T) {
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "schema.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.Migrate(ctx, FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	for _, table := range []string{"knx_group_addresses", "knx_devices", "knx_group_events", "audit_log"} {
		var n int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&n); err != nil || n != 1 {
			t.Errorf("table %s missing (n=%d, err=%v)", table, n, err)
		}
	}

	if _, err := db.ExecContext(ctx,
		`INSERT INTO knx_group_events (group_address, source, kind, value_hex, value_bits, epoch, received_at)
		 VALUES ('1/2/3', '1.1.1', 'bogus', '01', 1, 1, 0)`,
	); err == nil {
		t.Error("unknown event kind accepted")
	}

	// every migration must roll back cleanly
	for {
		applied, _, err := db.MigrationStatus(ctx, FS)
		if err != nil {
			t.Fatalf("MigrationStatus() error = %v", err)
		}
		if len(applied) == 0 {
			break
		}
		if err := db.MigrateDown(ctx, FS); err != nil {
			t.Fatalf("MigrateDown() error = %v", err)
		}
	}
}
