package orchestrator

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/egs-gateway/internal/config"
	"github.com/octoreflex/egs-gateway/internal/pipeline"
	"github.com/octoreflex/egs-gateway/internal/transport"
	"github.com/octoreflex/egs-gateway/internal/transport/transporttest"
	"github.com/octoreflex/egs-gateway/internal/zone"
)

func newTestRig(t *testing.T) (*Orchestrator, *transporttest.Peer, *zone.Registry, *zone.SyncState) {
	t.Helper()
	peer, err := transporttest.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { peer.Close() })

	tr := transport.New(peer.Addr(), time.Second, zap.NewNop())
	t.Cleanup(func() { _ = tr.Close() })

	cfg := config.PipelineConfig{
		AckTimeout:      100 * time.Millisecond,
		MaxRetries:      1,
		RetryPause:      2 * time.Millisecond,
		InterFrameGap:   1 * time.Millisecond,
		MinSendInterval: 0,
		QueueDepth:      256,
		RequestGuard:    2 * time.Second,
	}
	pl := pipeline.New(tr, cfg, 2*time.Millisecond, 20*time.Millisecond, zap.NewNop(), nil, pipeline.NewHealthTable())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go pl.Run(ctx)

	reg := zone.NewRegistry()
	sync := zone.NewSyncState()

	oc := New(reg, sync, pl, Config{
		OffWaitTimeout:   200 * time.Millisecond,
		OffWaitRounds:    2,
		OffWaitGap:       2 * time.Millisecond,
		SettleDelay:      2 * time.Millisecond,
		DeactivateRounds: 2,
		DeactivateGap:    2 * time.Millisecond,
		BatchRetryDelay:  2 * time.Millisecond,
	}, zap.NewNop(), nil, nil, nil)

	return oc, peer, reg, sync
}

func TestActivate_RegistersZoneAndSendsOnFrames(t *testing.T) {
	oc, peer, reg, sync := newTestRig(t)
	ctx := context.Background()

	res, err := oc.Activate(ctx, "E", "N-S") // {5}
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected OK activation")
	}

	frames := peer.Received()
	if len(frames) != 1 {
		t.Fatalf("expected 1 ON frame for zone E/N-S ({5}), got %d: %v", len(frames), frames)
	}
	// Lamp 5 -> device A, position 5 -> on char 'j'; single lamp so it
	// also carries the flash marker (highest == only id).
	if string(frames[0]) != "Aj#" {
		t.Fatalf("expected frame 'Aj#', got %q", frames[0])
	}

	snap := reg.Snapshot()
	if snap.Active == nil || snap.Active.ZoneName != "E" || snap.Active.Wind != "N-S" {
		t.Fatalf("expected registry to hold zone E/N-S, got %+v", snap.Active)
	}
	view := sync.View()
	if !view.Activated || view.ZoneName != "E" {
		t.Fatalf("expected SyncState activated for zone E, got %+v", view)
	}
}

func TestActivate_Changeover_TurnsOldZoneOffBeforeNewZoneOn(t *testing.T) {
	oc, peer, _, _ := newTestRig(t)
	ctx := context.Background()

	if _, err := oc.Activate(ctx, "B", "N-S"); err != nil { // {6,104}
		t.Fatalf("first activate: %v", err)
	}
	before := len(peer.Received()) // we only care about the second activation's sequence

	res, err := oc.Activate(ctx, "E", "S-N") // {4,14}
	if err != nil {
		t.Fatalf("second activate: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected OK changeover")
	}

	frames := peer.Received()[before:]
	if len(frames) < 4 {
		t.Fatalf("expected at least 4 frames (2 OFF + 2 ON), got %d: %v", len(frames), frames)
	}

	// Old zone B/N-S is {6,104}: OFF frames "Ak" and "Li". New zone E/S-N is
	// {4,14}: ON frames "Ah" then "Bj#" (14 is the highest id, so it
	// flashes). No old-zone frame may appear after the first new-zone ON.
	firstOn := -1
	for i, f := range frames {
		if string(f) == "Ah" || string(f) == "Bj#" {
			firstOn = i
			break
		}
	}
	if firstOn == -1 {
		t.Fatalf("no new-zone ON frame observed: %v", frames)
	}
	for _, f := range frames[:firstOn] {
		if string(f) != "Ak" && string(f) != "Li" {
			t.Errorf("unexpected frame %q before the new zone's ON frames", f)
		}
	}
	for _, f := range frames[firstOn:] {
		if string(f) == "Ak" || string(f) == "Li" {
			t.Errorf("old-zone OFF frame %q after the new zone's ON frames", f)
		}
	}
	if last := string(frames[len(frames)-1]); last != "Bj#" {
		t.Errorf("expected the flashed highest-id lamp to be sent last, got %q", last)
	}
}

func TestDeactivate_NoArgument_UsesActiveZone(t *testing.T) {
	oc, peer, reg, sync := newTestRig(t)
	ctx := context.Background()

	if _, err := oc.Activate(ctx, "G", "S-N"); err != nil { // {4,22,13,31,42,52,72}
		t.Fatalf("activate: %v", err)
	}
	before := len(peer.Received())

	res, err := oc.Deactivate(ctx, "", "")
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if !res.OK || res.Mode != "zone" || res.Zone != "G" {
		t.Fatalf("expected zone-mode deactivation of G, got %+v", res)
	}

	frames := peer.Received()[before:]
	if len(frames) != 7 {
		t.Fatalf("expected 7 OFF frames for zone G/S-N, got %d: %v", len(frames), frames)
	}

	if reg.Snapshot().Active != nil {
		t.Fatalf("expected registry idle after deactivation")
	}
	view := sync.View()
	if view.Activated || view.DeactivationInProgress {
		t.Fatalf("expected SyncState cleared after deactivation, got %+v", view)
	}
}

func TestDeactivate_FullShutdown_WhenNoZoneActive(t *testing.T) {
	oc, peer, _, _ := newTestRig(t)
	ctx := context.Background()

	res, err := oc.Deactivate(ctx, "", "")
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if res.Mode != "shutdown" {
		t.Fatalf("expected shutdown mode, got %+v", res)
	}

	frames := peer.Received()
	if len(frames) != 14 {
		t.Fatalf("expected one '!' frame per device (14), got %d: %v", len(frames), frames)
	}
	for _, f := range frames {
		if len(f) != 2 || f[1] != '!' {
			t.Fatalf("expected all-off frame, got %q", f)
		}
	}
}

func TestSetLamp_UpdatesStoreOnAck(t *testing.T) {
	oc, _, _, _ := newTestRig(t)
	ctx := context.Background()

	store := &fakeLampStore{}
	oc.lamps = store

	ok, err := oc.SetLamp(ctx, 1, true, false)
	if err != nil {
		t.Fatalf("SetLamp: %v", err)
	}
	if !ok {
		t.Fatalf("expected ACK success")
	}
	if v, ok := store.state[1]; !ok || !v {
		t.Fatalf("expected store updated for lamp 1 -> true, got %+v", store.state)
	}
}

type fakeLampStore struct {
	state map[int]bool
}

func (f *fakeLampStore) SetLamp(id int, on bool) error {
	if f.state == nil {
		f.state = make(map[int]bool)
	}
	f.state[id] = on
	return nil
}
