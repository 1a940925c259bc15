package provisioner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gpu-standby-orchestrator/core/adapters"
	orcherrors "gpu-standby-orchestrator/core/errors"
	"gpu-standby-orchestrator/core/models"
)

type fakeInstance struct {
	sshHost   string
	sshPort   int
	destroyed bool
}

type fakeGpuProvider struct {
	mu        sync.Mutex
	offers    []models.Offer
	instances map[string]*fakeInstance
	nextID    int
}

func newFakeGpuProvider(offers []models.Offer) *fakeGpuProvider {
	return &fakeGpuProvider{
		offers:    offers,
		instances: make(map[string]*fakeInstance),
	}
}

func (f *fakeGpuProvider) SearchOffers(ctx context.Context, filter models.OfferFilter) ([]models.Offer, error) {
	return f.offers, nil
}

func (f *fakeGpuProvider) CreateInstance(ctx context.Context, offerID, image, disk, sshPubKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("cand-%d", f.nextID)
	// Candidate N gets port 19000+N; a candidate whose port has no listener
	// never reaches sshable: used by the exhaustion test below.
	f.instances[id] = &fakeInstance{sshHost: "127.0.0.1", sshPort: 19000 + f.nextID}
	return id, nil
}

func (f *fakeGpuProvider) GetInstance(ctx context.Context, candidateID string) (adapters.InstanceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[candidateID]
	if !ok {
		return adapters.InstanceStatus{}, fmt.Errorf("not found")
	}
	return adapters.InstanceStatus{Running: true, SSHHost: inst.sshHost, SSHPort: inst.sshPort}, nil
}

func (f *fakeGpuProvider) DestroyInstance(ctx context.Context, candidateID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.instances[candidateID]; ok {
		inst.destroyed = true
	}
	return nil
}

// listenTCP starts a real listener on the given port so dialSSH's genuine
// net.DialTimeout call succeeds against it, and closes it on test cleanup.
func listenTCP(t *testing.T, port int) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("listen on port %d: %v", port, err)
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
	return ln
}

type fakeSSH struct {
	readyAfterCalls int32
	calls           atomic.Int32
}

func (f *fakeSSH) ExecuteCommand(ctx context.Context, host string, command string) (string, error) {
	n := f.calls.Add(1)
	if n <= int32(f.readyAfterCalls) {
		return "", fmt.Errorf("not ready yet")
	}
	return "ok", nil
}

func TestAcquire_FirstCandidateWins(t *testing.T) {
	offers := []models.Offer{
		{OfferID: "o1", HostID: "h1", PricePerHour: 1.0, GeolocationString: "us-east4-a"},
	}
	gpu := newFakeGpuProvider(offers)
	ssh := &fakeSSH{}

	p := NewProvisioner(gpu, ssh, nil)
	p.gate = newLaunchGate(time.Millisecond)

	params := AcquireParams{
		MaxRounds:     1,
		BatchSize:     1,
		RoundDeadline: 3 * time.Second,
		PollInterval:  5 * time.Millisecond,
	}

	// Run with a real reachable listener at the candidate's port so the
	// TCP-dial half of sshable transitions succeeds.
	ln := listenTCP(t, 19001)
	defer ln.Close()

	inst, err := p.Acquire(context.Background(), params)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if inst == nil {
		t.Fatal("expected a winning instance")
	}
}

func TestAcquire_LosersAreDestroyed(t *testing.T) {
	offers := []models.Offer{
		{OfferID: "o1", HostID: "h1", PricePerHour: 2.0, GeolocationString: "us-east4-a"},
		{OfferID: "o2", HostID: "h2", PricePerHour: 1.0, GeolocationString: "us-east4-a"},
	}
	gpu := newFakeGpuProvider(offers)
	ssh := &fakeSSH{}

	p := NewProvisioner(gpu, ssh, nil)
	p.gate = newLaunchGate(time.Millisecond)

	params := AcquireParams{
		MaxRounds:     1,
		BatchSize:     2,
		RoundDeadline: 3 * time.Second,
		PollInterval:  5 * time.Millisecond,
	}

	ln1 := listenTCP(t, 19001)
	defer ln1.Close()
	ln2 := listenTCP(t, 19002)
	defer ln2.Close()

	inst, err := p.Acquire(context.Background(), params)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	destroyed := 0
	gpu.mu.Lock()
	total := len(gpu.instances)
	for id, fi := range gpu.instances {
		if fi.destroyed {
			destroyed++
		}
		if id == inst.InstanceID && fi.destroyed {
			t.Errorf("winner %s was destroyed", id)
		}
	}
	gpu.mu.Unlock()

	if destroyed != total-1 {
		t.Errorf("destroyed = %d, want %d (all losers)", destroyed, total-1)
	}
}

func TestAcquire_ExhaustsAllRoundsRaisesAcquireExhausted(t *testing.T) {
	offers := []models.Offer{
		{OfferID: "o1", HostID: "h1", PricePerHour: 1.0},
	}
	gpu := newFakeGpuProvider(offers)
	ssh := &fakeSSH{}

	p := NewProvisioner(gpu, ssh, nil)
	p.gate = newLaunchGate(time.Millisecond)

	params := AcquireParams{
		MaxRounds:     1,
		BatchSize:     1,
		RoundDeadline: 100 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	}

	// No listener started on the candidate's port: the TCP dial in
	// monitor() never succeeds, so the candidate never reaches sshable
	// and the round deadline expires with no winner.
	_, err := p.Acquire(context.Background(), params)
	if err == nil {
		t.Fatal("expected AcquireExhausted, got nil error")
	}
	if !errors.Is(err, orcherrors.ErrAcquireExhausted) {
		t.Errorf("expected ErrAcquireExhausted, got %v", err)
	}
}
