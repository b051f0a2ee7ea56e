package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-tuya/internal/bridges/tuya"
	"github.com/nerrad567/gray-logic-tuya/internal/gateway"
	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/logging"
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("GRAYLOGIC_CONFIG", "/etc/tuyabridge/config.yaml")
	if got := getConfigPath(); got != "/etc/tuyabridge/config.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "loading config") {
		t.Fatalf("run() error = %v, want config load failure", err)
	}
}

func TestRun_InvalidDatabasePath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	configPath := filepath.Join(dir, "config.yaml")
	content := `
database:
  path: "` + filepath.Join(blocker, "bridge.db") + `"
logging:
  level: error
  format: text
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GRAYLOGIC_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail when the database cannot be created")
	}
}

func TestDeviceConfigs(t *testing.T) {
	got := deviceConfigs([]config.TuyaDeviceConfig{{
		ID: "bf12", Name: "Desk plug", ProductID: "generic_plug",
		Address: "192.168.1.40", LocalKey: "k", Version: "3.4",
	}})
	want := tuya.DeviceConfig{
		ID: "bf12", Name: "Desk plug", ProductID: "generic_plug",
		Address: "192.168.1.40", LocalKey: "k", Version: "3.4",
	}
	if len(got) != 1 || got[0] != want {
		t.Errorf("deviceConfigs() = %+v", got)
	}
}

func TestSupervisorTiming(t *testing.T) {
	timing := supervisorTiming(config.TuyaConfig{Supervisor: config.TuyaSupervisorConfig{
		ConnectTimeout: 15, RetryDelay: 1, LivenessInterval: 60, GracePeriod: 5,
	}})
	if timing.ConnectTimeout != 15*time.Second || timing.RetryDelay != time.Second ||
		timing.LivenessInterval != time.Minute || timing.GracePeriod != 5*time.Second {
		t.Errorf("supervisorTiming() = %+v", timing)
	}
}

func TestStartGatewayDaemon(t *testing.T) {
	if _, err := startGatewayDaemon(context.Background(), config.GatewayDaemonConfig{Managed: true}, testLogger()); err == nil {
		t.Fatal("expected error for missing binary")
	}

	daemon, err := startGatewayDaemon(context.Background(), config.GatewayDaemonConfig{
		Managed: true,
		Binary:  "/bin/sh",
		Args:    []string{"-c", "sleep 30"},
	}, testLogger())
	if err != nil {
		t.Fatalf("startGatewayDaemon() error = %v", err)
	}
	if got := daemon.Stats().Status; got != gateway.DaemonRunning {
		t.Errorf("status = %q, want running", got)
	}
	if err := daemon.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestNewCloudClient_NotConfigured(t *testing.T) {
	client, err := newCloudClient(config.TuyaConfig{}, testLogger())
	if err != nil || client != nil {
		t.Errorf("newCloudClient() = %v, %v; want nil, nil", client, err)
	}

	client, err = newCloudClient(config.TuyaConfig{Cloud: config.TuyaCloudConfig{
		Enabled: true, BaseURL: "https://relay.example", ClientID: "c", AccessToken: "t",
	}}, testLogger())
	if err != nil || client == nil {
		t.Errorf("newCloudClient() = %v, %v; want a client", client, err)
	}
}

type fakeStore struct {
	devices []tuya.DeviceConfig
	err     error
}

func (f *fakeStore) List(context.Context) ([]tuya.DeviceConfig, error) {
	return f.devices, f.err
}

type fakeCreator struct {
	existing map[string]bool
	created  []string
	fail     string
}

func (f *fakeCreator) Device(id string) (*tuya.Device, bool) {
	return nil, f.existing[id]
}

func (f *fakeCreator) CreateDevice(_ context.Context, cfg tuya.DeviceConfig) (*tuya.Device, error) {
	if cfg.ID == f.fail {
		return nil, tuya.ErrInvalidArgument
	}
	f.created = append(f.created, cfg.ID)
	return nil, nil
}

func TestRestoreRuntimeDevices(t *testing.T) {
	store := &fakeStore{devices: []tuya.DeviceConfig{{ID: "plug1"}, {ID: "plug2"}, {ID: "plug3"}}}
	creator := &fakeCreator{existing: map[string]bool{"plug1": true}, fail: "plug3"}

	if err := restoreRuntimeDevices(context.Background(), creator, store, testLogger()); err != nil {
		t.Fatalf("restoreRuntimeDevices() error = %v", err)
	}
	if len(creator.created) != 1 || creator.created[0] != "plug2" {
		t.Errorf("created = %v, want [plug2]", creator.created)
	}

	store.err = errors.New("disk gone")
	if err := restoreRuntimeDevices(context.Background(), creator, store, testLogger()); err == nil {
		t.Error("restoreRuntimeDevices() should fail when listing fails")
	}
}

const schemasYAML = `schemas:
  - product_id: "custom_socket"
    category: "cz"
    schema:
      - id: 1
        code: switch_1
        mode: rw
        property:
          type: bool
`

func TestReloadSchemas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	registry := tuya.NewSchemaRegistry()

	if err := os.WriteFile(path, []byte("schemas: [broken"), 0600); err != nil {
		t.Fatal(err)
	}
	reloadSchemas(path, registry, testLogger())
	if _, ok := registry.Lookup("custom_socket"); ok {
		t.Fatal("broken file should not register schemas")
	}

	if err := os.WriteFile(path, []byte(schemasYAML), 0600); err != nil {
		t.Fatal(err)
	}
	reloadSchemas(path, registry, testLogger())
	if _, ok := registry.Lookup("custom_socket"); !ok {
		t.Error("custom_socket not registered after reload")
	}
}

func TestWatchSchemas_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schemas.yaml")
	if err := os.WriteFile(path, []byte("schemas: []\n"), 0600); err != nil {
		t.Fatal(err)
	}
	registry := tuya.NewSchemaRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watchSchemas(ctx, path, registry, testLogger()) }()

	// Rewrite until the watcher, which starts asynchronously, sees a change.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := registry.Lookup("custom_socket"); ok {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("schemas file change was not picked up")
		}
		if err := os.WriteFile(path, []byte(schemasYAML), 0600); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watchSchemas() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchSchemas did not return after cancel")
	}
}
