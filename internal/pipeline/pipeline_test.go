package pipeline

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/egs-gateway/internal/config"
	"github.com/octoreflex/egs-gateway/internal/transport"
	"github.com/octoreflex/egs-gateway/internal/transport/transporttest"
)

func newTestPipeline(t *testing.T, peerAddr string, cfg config.PipelineConfig) *Pipeline {
	t.Helper()
	tr := transport.New(peerAddr, time.Second, zap.NewNop())
	t.Cleanup(func() { _ = tr.Close() })
	return New(tr, cfg, 10*time.Millisecond, 200*time.Millisecond, zap.NewNop(), nil, NewHealthTable())
}

func fastConfig() config.PipelineConfig {
	return config.PipelineConfig{
		AckTimeout:      100 * time.Millisecond,
		MaxRetries:      2,
		RetryPause:      10 * time.Millisecond,
		InterFrameGap:   5 * time.Millisecond,
		MinSendInterval: 0,
		QueueDepth:      16,
		RequestGuard:    2 * time.Second,
	}
}

func TestEnqueue_SuccessfulAck(t *testing.T) {
	peer, err := transporttest.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer peer.Close()

	p := newTestPipeline(t, peer.Addr(), fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	out, err := p.Enqueue(context.Background(), []byte("Ab"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected OK outcome, got %+v", out)
	}
	if out.Retries != 0 {
		t.Errorf("expected 0 retries on first-try success, got %d", out.Retries)
	}
}

func TestEnqueue_RetriesThenFails(t *testing.T) {
	peer, err := transporttest.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer peer.Close()
	peer.SetBehavior(transporttest.AckDropped)

	p := newTestPipeline(t, peer.Addr(), fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	out, err := p.Enqueue(context.Background(), []byte("Ab"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if out.OK {
		t.Fatal("expected failed outcome when ACKs are always dropped")
	}
	if out.Retries != 2 {
		t.Errorf("expected max_retries=2 exhausted, got %d", out.Retries)
	}

	health := p.Health().Snapshot()
	if dh, ok := health['A']; !ok || dh.Total == 0 || dh.Success != 0 {
		t.Errorf("expected device A health recorded with 0 successes, got %+v (ok=%v)", dh, ok)
	}
}

func TestClearQueue_ResolvesPendingItemsAsFailed(t *testing.T) {
	peer, err := transporttest.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer peer.Close()

	p := newTestPipeline(t, peer.Addr(), fastConfig())
	// Intentionally do not start Run, so items stay queued.
	done := make(chan Outcome, 1)
	go func() {
		out, _ := p.Enqueue(context.Background(), []byte("Ab"))
		done <- out
	}()

	time.Sleep(20 * time.Millisecond)
	cleared := p.ClearQueue()
	if cleared != 1 {
		t.Fatalf("expected 1 item cleared, got %d", cleared)
	}

	select {
	case out := <-done:
		if out.OK {
			t.Error("expected cleared item to resolve with ok=false")
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not return after ClearQueue")
	}
}

func TestEnqueue_ReconnectsAfterPeerReset(t *testing.T) {
	peer, err := transporttest.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer peer.Close()
	peer.FailConnections(1)

	p := newTestPipeline(t, peer.Addr(), fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	out, err := p.Enqueue(context.Background(), []byte("Cb"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected success after reconnect, got %+v", out)
	}
	if out.Retries == 0 {
		t.Error("expected at least one retry after the peer reset the first connection")
	}
}

func TestAckDuplicate_DoesNotCauseDoubleSuccess(t *testing.T) {
	peer, err := transporttest.Listen()
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer peer.Close()
	peer.SetBehavior(transporttest.AckDuplicate)

	p := newTestPipeline(t, peer.Addr(), fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	out, err := p.Enqueue(context.Background(), []byte("Ab"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !out.OK {
		t.Fatalf("expected success despite duplicate ACK, got %+v", out)
	}

	// A second command should still get its own fresh ACK cleanly.
	out2, err := p.Enqueue(context.Background(), []byte("Ac"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !out2.OK {
		t.Errorf("expected second command to succeed on a fresh ACK, got %+v", out2)
	}
}
