package device

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nerrad567/gray-logic-tuya/internal/bridges/tuya"
	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-tuya/migrations"
)

// setupTestDB opens a file database in a temp dir with every migration applied.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func plug(id string) tuya.DeviceConfig {
	return tuya.DeviceConfig{
		ID:        id,
		Name:      "Desk plug",
		ProductID: "generic_plug",
		Address:   "192.168.1.40",
		LocalKey:  "0123456789abcdef",
	}
}

func TestAttributeRepository_GetDefault(t *testing.T) {
	repo := NewAttributeRepository(setupTestDB(t).DB)

	got, err := repo.GetAttribute(context.Background(), "bf12", "dp_01", "")
	if err != nil {
		t.Fatalf("GetAttribute() error = %v", err)
	}
	if got != "" {
		t.Errorf("GetAttribute() = %q, want empty default", got)
	}

	got, err = repo.GetAttribute(context.Background(), "bf12", "spec_status", "[]")
	if err != nil || got != "[]" {
		t.Errorf("GetAttribute() = %q, %v; want default []", got, err)
	}
}

func TestAttributeRepository_SetOverwrites(t *testing.T) {
	ctx := context.Background()
	repo := NewAttributeRepository(setupTestDB(t).DB)

	if err := repo.SetAttribute(ctx, "bf12", "dp_01", "switch_1"); err != nil {
		t.Fatalf("SetAttribute() error = %v", err)
	}
	if err := repo.SetAttribute(ctx, "bf12", "dp_01", "switch_led"); err != nil {
		t.Fatalf("second SetAttribute() error = %v", err)
	}
	if err := repo.SetAttribute(ctx, "other", "dp_01", "bright_value"); err != nil {
		t.Fatalf("SetAttribute() other device error = %v", err)
	}

	got, err := repo.GetAttribute(ctx, "bf12", "dp_01", "")
	if err != nil || got != "switch_led" {
		t.Errorf("GetAttribute() = %q, %v; want switch_led", got, err)
	}

	all, err := repo.Attributes(ctx, "bf12")
	if err != nil {
		t.Fatalf("Attributes() error = %v", err)
	}
	if len(all) != 1 || all["dp_01"] != "switch_led" {
		t.Errorf("Attributes() = %v", all)
	}
}

func TestAttributeRepository_EmptyValueIsStored(t *testing.T) {
	ctx := context.Background()
	repo := NewAttributeRepository(setupTestDB(t).DB)

	// An unbound slot is stored as "" and must not fall back to the default.
	if err := repo.SetAttribute(ctx, "bf12", "dp_02", ""); err != nil {
		t.Fatalf("SetAttribute() error = %v", err)
	}
	got, err := repo.GetAttribute(ctx, "bf12", "dp_02", "fallback")
	if err != nil || got != "" {
		t.Errorf("GetAttribute() = %q, %v; want empty", got, err)
	}
}

func TestAttributeRepository_Invalid(t *testing.T) {
	ctx := context.Background()
	repo := NewAttributeRepository(setupTestDB(t).DB)

	if err := repo.SetAttribute(ctx, "", "dp_01", "x"); !errors.Is(err, ErrInvalidAttribute) {
		t.Errorf("SetAttribute() without device = %v, want ErrInvalidAttribute", err)
	}
	if _, err := repo.GetAttribute(ctx, "bf12", "", ""); !errors.Is(err, ErrInvalidAttribute) {
		t.Errorf("GetAttribute() without name = %v, want ErrInvalidAttribute", err)
	}
}

func TestAttributeRepository_DeleteAttributes(t *testing.T) {
	ctx := context.Background()
	repo := NewAttributeRepository(setupTestDB(t).DB)

	for _, name := range []string{"dp_01", "spec_status"} {
		if err := repo.SetAttribute(ctx, "bf12", name, "v"); err != nil {
			t.Fatalf("SetAttribute() error = %v", err)
		}
	}
	if err := repo.DeleteAttributes(ctx, "bf12"); err != nil {
		t.Fatalf("DeleteAttributes() error = %v", err)
	}
	all, err := repo.Attributes(ctx, "bf12")
	if err != nil || len(all) != 0 {
		t.Errorf("Attributes() after delete = %v, %v", all, err)
	}
}

func TestRuntimeRepository_CreateAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewRuntimeRepository(setupTestDB(t).DB)

	if err := repo.Create(ctx, plug("bf12")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second := plug("bf13")
	second.Version = "3.4"
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List() = %d devices, want 2", len(list))
	}
	if list[0].ID != "bf12" || list[0].Version != "3.3" {
		t.Errorf("first device = %+v, want bf12 with default version", list[0])
	}
	if list[1].Version != "3.4" {
		t.Errorf("second device version = %q, want 3.4", list[1].Version)
	}

	got, err := repo.Get(ctx, "bf12")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LocalKey != "0123456789abcdef" || got.ProductID != "generic_plug" {
		t.Errorf("Get() = %+v", got)
	}
}

func TestRuntimeRepository_CreateErrors(t *testing.T) {
	ctx := context.Background()
	repo := NewRuntimeRepository(setupTestDB(t).DB)

	if err := repo.Create(ctx, plug("bf12")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tests := []struct {
		name    string
		cfg     tuya.DeviceConfig
		wantErr error
	}{
		{name: "duplicate id", cfg: plug("bf12"), wantErr: ErrDeviceExists},
		{name: "missing address", cfg: tuya.DeviceConfig{ID: "x", LocalKey: "k"}, wantErr: ErrInvalidDevice},
		{name: "missing key", cfg: tuya.DeviceConfig{ID: "x", Address: "10.0.0.2"}, wantErr: ErrInvalidDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.Create(ctx, tt.cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("Create() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRuntimeRepository_Delete(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewRuntimeRepository(db.DB)
	attrs := NewAttributeRepository(db.DB)

	if err := repo.Create(ctx, plug("bf12")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := attrs.SetAttribute(ctx, "bf12", "dp_01", "switch_1"); err != nil {
		t.Fatalf("SetAttribute() error = %v", err)
	}

	if err := repo.Delete(ctx, "bf12"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, "bf12"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get() after delete = %v, want ErrDeviceNotFound", err)
	}
	if got, _ := attrs.GetAttribute(ctx, "bf12", "dp_01", "none"); got != "none" {
		t.Errorf("attribute survived delete: %q", got)
	}
	if err := repo.Delete(ctx, "bf12"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second Delete() = %v, want ErrDeviceNotFound", err)
	}
}
