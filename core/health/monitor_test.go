package health

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"gpu-standby-orchestrator/core/adapters"
	"gpu-standby-orchestrator/core/models"
)

type fakeGpu struct {
	running atomic.Bool
	host    string
	port    int
}

func (f *fakeGpu) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	return nil, nil
}
func (f *fakeGpu) CreateInstance(ctx context.Context, offerID, image, disk, sshPubKey string) (string, error) {
	return "", nil
}
func (f *fakeGpu) GetInstance(ctx context.Context, candidateID string) (adapters.InstanceStatus, error) {
	return adapters.InstanceStatus{Running: f.running.Load(), SSHHost: f.host, SSHPort: f.port}, nil
}
func (f *fakeGpu) DestroyInstance(ctx context.Context, candidateID string) error { return nil }

type fakeSSH struct {
	succeed atomic.Bool
}

func (f *fakeSSH) ExecuteCommand(ctx context.Context, host string, command string) (string, error) {
	if f.succeed.Load() {
		return "", nil
	}
	return "", fmt.Errorf("unreachable")
}

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestProbe_SucceedsWhenRunningAndReachable(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()

	gpu := &fakeGpu{host: "127.0.0.1", port: port}
	gpu.running.Store(true)
	ssh := &fakeSSH{}
	ssh.succeed.Store(true)

	m := NewMonitor(gpu, ssh)
	ok := m.Probe(context.Background(), "inst-1", models.SSHEndpoint{Host: "127.0.0.1", Port: port})
	if !ok {
		t.Error("expected probe to succeed")
	}
}

func TestProbe_FailsWhenNotRunning(t *testing.T) {
	gpu := &fakeGpu{host: "127.0.0.1", port: 1}
	gpu.running.Store(false)
	ssh := &fakeSSH{}

	m := NewMonitor(gpu, ssh)
	ok := m.Probe(context.Background(), "inst-1", models.SSHEndpoint{Host: "127.0.0.1", Port: 1})
	if ok {
		t.Error("expected probe to fail when provider reports not running")
	}
}

func TestWatch_EmitsGpuDownAfterThresholdConsecutiveFailures(t *testing.T) {
	gpu := &fakeGpu{host: "127.0.0.1", port: 1} // nothing listens on port 1
	gpu.running.Store(true)
	ssh := &fakeSSH{}

	m := NewMonitor(gpu, ssh).WithInterval(10*time.Millisecond, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events := m.Watch(ctx, "assoc-1", "inst-1", models.SSHEndpoint{Host: "127.0.0.1", Port: 1})

	select {
	case ev := <-events:
		if ev.Kind != EventGpuDown {
			t.Errorf("event kind = %q, want %q", ev.Kind, EventGpuDown)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for GPU_DOWN event")
	}
}

func TestWatch_DebouncesOnFirstSuccessAfterFailures(t *testing.T) {
	ln, port := listen(t)
	defer ln.Close()

	gpu := &fakeGpu{host: "127.0.0.1", port: port}
	gpu.running.Store(false) // fails first, never reaches threshold before flipping
	ssh := &fakeSSH{}
	ssh.succeed.Store(true)

	m := NewMonitor(gpu, ssh).WithInterval(10*time.Millisecond, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(15 * time.Millisecond)
		gpu.running.Store(true)
	}()

	events := m.Watch(ctx, "assoc-1", "inst-1", models.SSHEndpoint{Host: "127.0.0.1", Port: port})

	select {
	case ev, ok := <-events:
		if ok {
			t.Errorf("did not expect GPU_DOWN when failures reset before threshold, got %+v", ev)
		}
	case <-time.After(200 * time.Millisecond):
		// No event and channel still open: also acceptable, test just
		// needs to not see a false-positive GPU_DOWN.
	}
}
