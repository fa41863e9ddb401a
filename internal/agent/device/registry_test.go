package device

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/httprunner/DevicePool/internal/model"
)

type stubRecorder struct {
	mu      sync.Mutex
	updates [][]InfoUpdate
	err     error
}

func (s *stubRecorder) UpsertDevices(_ context.Context, devices []InfoUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, devices)
	return s.err
}

func TestRegistryTracksStatusTransitions(t *testing.T) {
	rec := &stubRecorder{}
	reg := NewRegistry(rec, "android", "v1", "host-1")
	info := model.DeviceInfo{SerialNumber: "emulator-5554", Host: "local", OperatingSystem: "android", Healthy: true}

	reg.Connected(info)
	if st, ok := reg.Status(info.SerialNumber); !ok || st != StatusInitializing {
		t.Fatalf("after connect: got %q %v", st, ok)
	}

	batch := sampleBatch()
	reg.Running(info, batch)
	snap := reg.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one device, got %d", len(snap))
	}
	if snap[0].Status != string(StatusRunning) || snap[0].RunningBatch != batch.ID() || snap[0].BatchSize != 3 {
		t.Fatalf("unexpected running snapshot: %+v", snap[0])
	}
	if snap[0].PoolID != "android" || snap[0].AgentVersion != "v1" || snap[0].ProviderUUID != "host-1" {
		t.Fatalf("missing pool metadata: %+v", snap[0])
	}

	reg.Idle(info)
	snap = reg.Snapshot()
	if snap[0].Status != string(StatusIdle) || snap[0].RunningBatch != "" || snap[0].BatchSize != 0 {
		t.Fatalf("idle should clear batch: %+v", snap[0])
	}

	reg.Offline(info, "device lost")
	snap = reg.Snapshot()
	if snap[0].Status != string(StatusOffline) || snap[0].LastError != "device lost" {
		t.Fatalf("unexpected offline snapshot: %+v", snap[0])
	}
}

func TestRegistrySnapshotSortedBySerial(t *testing.T) {
	reg := NewRegistry(nil, "ios", "", "")
	reg.Connected(model.DeviceInfo{SerialNumber: "c"})
	reg.Connected(model.DeviceInfo{SerialNumber: "a"})
	reg.Idle(model.DeviceInfo{SerialNumber: "b"})

	snap := reg.Snapshot()
	got := []string{snap[0].DeviceSerial, snap[1].DeviceSerial, snap[2].DeviceSerial}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected order %v", got)
	}
	if _, ok := reg.Status("missing"); ok {
		t.Fatalf("unknown serial should not be registered")
	}
}

func TestRegistrySyncPushesSnapshot(t *testing.T) {
	rec := &stubRecorder{err: errors.New("bitable unavailable")}
	reg := NewRegistry(rec, "android", "", "")

	reg.Sync(context.Background())
	if len(rec.updates) != 0 {
		t.Fatalf("empty registry should not call recorder")
	}

	reg.Connected(model.DeviceInfo{SerialNumber: "emulator-5554"})
	reg.Sync(context.Background())
	if len(rec.updates) != 1 || len(rec.updates[0]) != 1 {
		t.Fatalf("expected one upsert with one device, got %+v", rec.updates)
	}

	var nilRegistry *Registry
	nilRegistry.Sync(context.Background())
}
