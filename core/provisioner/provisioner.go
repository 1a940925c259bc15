// Package provisioner implements the parallel-race GPU acquisition engine
// (spec §4.4): launch a batch of candidate offers per round, let them race
// toward SSH-ready, keep the first winner, and destroy every loser.
package provisioner

import (
	"context"
	"log"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"gpu-standby-orchestrator/core/adapters"
	orcherrors "gpu-standby-orchestrator/core/errors"
	"gpu-standby-orchestrator/core/models"
	"gpu-standby-orchestrator/core/repository"
)

// sshProbe is the subset of SSHClient the race needs, narrowed so tests can
// fake it without a real network stack.
type sshProbe interface {
	ExecuteCommand(ctx context.Context, host string, command string) (string, error)
}

// AcquireParams parameterizes one acquire() call (spec §4.4 contract).
type AcquireParams struct {
	Filter          models.OfferFilter
	BudgetPerHour   float64
	PreferredZones  []string
	MaxRounds       int
	BatchSize       int
	RoundDeadline   time.Duration // default 90s
	PollInterval    time.Duration // default 2s
	ReadyCommand    string        // default "nvidia-smi"
	BlacklistThresh int64         // minimum attempts before a host can be blacklisted
}

func (p AcquireParams) withDefaults() AcquireParams {
	if p.RoundDeadline == 0 {
		p.RoundDeadline = 90 * time.Second
	}
	if p.PollInterval == 0 {
		p.PollInterval = 2 * time.Second
	}
	if p.ReadyCommand == "" {
		p.ReadyCommand = "nvidia-smi"
	}
	if p.BlacklistThresh == 0 {
		p.BlacklistThresh = 3
	}
	return p
}

// Provisioner runs the race described in spec §4.4.
type Provisioner struct {
	gpu     adapters.GpuProvider
	ssh     sshProbe
	history *repository.OfferHistoryRepository
	gate    *launchGate
}

// NewProvisioner wires a race engine against a GpuProvider, an SSH probe
// (satisfied by *executor.SSHClient), and the offer-history repository that
// backs the local blacklist.
func NewProvisioner(gpu adapters.GpuProvider, ssh sshProbe, history *repository.OfferHistoryRepository) *Provisioner {
	return &Provisioner{
		gpu:     gpu,
		ssh:     ssh,
		history: history,
		gate:    newLaunchGate(200 * time.Millisecond),
	}
}

// candidateResult is what a per-Candidate monitor reports back to the round
// coordinator.
type candidateResult struct {
	candidate *models.Candidate
	ready     bool
	err       error
}

// Acquire races a batch of offers per round until one reaches ready or
// every round is exhausted.
func (p *Provisioner) Acquire(ctx context.Context, params AcquireParams) (*models.GpuInstance, error) {
	params = params.withDefaults()

	offers, err := p.gpu.SearchOffers(ctx, params.Filter)
	if err != nil {
		return nil, orcherrors.New("provisioner.acquire", "", orcherrors.ErrTransientProvider, err)
	}

	offers, err = p.filterBlacklist(offers)
	if err != nil {
		log.Printf("provisioner: blacklist lookup failed, proceeding unfiltered: %v", err)
	}

	sortOffers(offers, params.PreferredZones)

	tried := 0
	for round := 0; round < params.MaxRounds; round++ {
		if tried >= len(offers) {
			break
		}

		end := tried + params.BatchSize
		if end > len(offers) {
			end = len(offers)
		}
		batch := offers[tried:end]
		tried = end

		winner, err := p.runRound(ctx, round, batch, params)
		if err != nil {
			return nil, err
		}
		if winner != nil {
			return winner, nil
		}
	}

	return nil, orcherrors.New("provisioner.acquire", "", orcherrors.ErrAcquireExhausted, nil)
}

// runRound launches batch in parallel under one round deadline and returns
// the winning GpuInstance, or nil if no candidate reached ready in time.
func (p *Provisioner) runRound(ctx context.Context, round int, batch []models.Offer, params AcquireParams) (*models.GpuInstance, error) {
	roundCtx, cancel := context.WithTimeout(ctx, params.RoundDeadline)
	defer cancel()

	results := make(chan candidateResult, len(batch))
	candidates := make([]*models.Candidate, len(batch))
	var wg sync.WaitGroup

	for i, offer := range batch {
		wg.Add(1)
		go func(i int, offer models.Offer) {
			defer wg.Done()
			c, err := p.launch(roundCtx, offer)
			candidates[i] = c
			if err != nil {
				results <- candidateResult{candidate: c, err: err}
				return
			}
			p.monitor(roundCtx, c, params, results)
		}(i, offer)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var winner *models.Candidate
	for res := range results {
		if res.ready && winner == nil {
			winner = res.candidate
			cancel() // stop every other monitor in this round
		}
	}

	if winner == nil {
		log.Printf("provisioner: round %d exhausted with no winner out of %d candidates", round, len(batch))
		p.destroyAll(context.Background(), candidates, winner)
		p.recordOutcomes(candidates, winner, params.BlacklistThresh)
		return nil, nil
	}

	log.Printf("provisioner: round %d winner candidate %s", round, winner.CandidateID)
	p.destroyAll(context.Background(), candidates, winner)
	p.recordOutcomes(candidates, winner, params.BlacklistThresh)

	return promote(winner), nil
}

// launch issues the rate-limited create call for one offer.
func (p *Provisioner) launch(ctx context.Context, offer models.Offer) (*models.Candidate, error) {
	if err := p.gate.wait(ctx); err != nil {
		return nil, err
	}

	var candidateID string
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		candidateID, err = p.gpu.CreateInstance(ctx, offer.OfferID, "", "", "")
		if err == nil {
			break
		}
		if !orcherrors.IsTransient(err) {
			break
		}
		log.Printf("provisioner: offer %s rate-limited, backing off (attempt %d)", offer.OfferID, attempt)
		if berr := p.gate.backoff(ctx, attempt); berr != nil {
			return nil, berr
		}
	}
	if err != nil {
		return &models.Candidate{Offer: offer, State: models.CandidateFailed, Error: err.Error()}, err
	}

	return &models.Candidate{
		CandidateID: candidateID,
		Offer:       offer,
		LaunchedAt:  time.Now(),
		State:       models.CandidateLaunching,
	}, nil
}

// monitor polls a single Candidate's status until it reaches ready, fails,
// or the round context is cancelled/expires.
func (p *Provisioner) monitor(ctx context.Context, c *models.Candidate, params AcquireParams, results chan<- candidateResult) {
	ticker := time.NewTicker(params.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			results <- candidateResult{candidate: c, ready: false}
			return
		case <-ticker.C:
			status, err := p.gpu.GetInstance(ctx, c.CandidateID)
			if err != nil {
				continue
			}

			if !status.Running {
				continue
			}

			if c.State == models.CandidateLaunching {
				c.State = models.CandidateBooting
			}

			if status.SSHHost == "" || status.SSHPort == 0 {
				continue
			}

			if c.State == models.CandidateBooting && dialSSH(status.SSHHost, status.SSHPort) {
				c.State = models.CandidateSSHable
				now := time.Now()
				c.SSHReadyAt = &now
				c.SSHEndpoint = &models.SSHEndpoint{Host: status.SSHHost, Port: status.SSHPort, User: "root"}
			}

			if c.State == models.CandidateSSHable {
				addr := net.JoinHostPort(status.SSHHost, strconv.Itoa(status.SSHPort))
				if _, err := p.ssh.ExecuteCommand(ctx, addr, params.ReadyCommand); err == nil {
					c.State = models.CandidateReady
					now := time.Now()
					c.ReadyAt = &now
					results <- candidateResult{candidate: c, ready: true}
					return
				}
			}
		}
	}
}

func dialSSH(host string, port int) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// destroyAll tears down every candidate except the winner. Destroy is
// idempotent and "not found" counts as success, so a candidate that never
// finished launching is destroyed the same way as one that was sshable.
func (p *Provisioner) destroyAll(ctx context.Context, candidates []*models.Candidate, winner *models.Candidate) {
	for _, c := range candidates {
		if c == nil || c == winner || c.CandidateID == "" {
			continue
		}
		if err := p.gpu.DestroyInstance(ctx, c.CandidateID); err != nil {
			log.Printf("provisioner: destroy loser %s: %v", c.CandidateID, err)
		}
		now := time.Now()
		c.DestroyedAt = &now
		c.State = models.CandidateDestroyed
	}
}

func (p *Provisioner) recordOutcomes(candidates []*models.Candidate, winner *models.Candidate, blacklistThresh int64) {
	if p.history == nil {
		return
	}
	for _, c := range candidates {
		if c == nil || c.Offer.HostID == "" {
			continue
		}
		if c == winner && c.SSHReadyAt != nil {
			if err := p.history.RecordSuccess(c.Offer.HostID, c.SSHReadyAt.Sub(c.LaunchedAt)); err != nil {
				log.Printf("provisioner: record success for host %s: %v", c.Offer.HostID, err)
			}
			continue
		}
		if err := p.history.RecordFailure(c.Offer.HostID, blacklistThresh); err != nil {
			log.Printf("provisioner: record failure for host %s: %v", c.Offer.HostID, err)
		}
	}
}

// Stats reports the persisted track record for hostID so callers can tune
// provision_round_deadline_seconds from observed time-to-SSH rather than
// guessing (spec §4.4 Observability). Returns the zero value, not an error,
// for a host this provisioner has never raced.
func (p *Provisioner) Stats(hostID string) (*models.OfferHistory, error) {
	if p.history == nil {
		return &models.OfferHistory{HostID: hostID}, nil
	}
	return p.history.Get(hostID)
}

func (p *Provisioner) filterBlacklist(offers []models.Offer) ([]models.Offer, error) {
	if p.history == nil {
		return offers, nil
	}
	blacklisted, err := p.history.Blacklisted()
	if err != nil {
		return offers, err
	}
	if len(blacklisted) == 0 {
		return offers, nil
	}

	var out []models.Offer
	for _, o := range offers {
		if blacklisted[o.HostID] {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// sortOffers orders offers by preferred-zone proximity then by price, per
// spec §4.4 step 1.
func sortOffers(offers []models.Offer, preferredZones []string) {
	zoneRank := make(map[string]int, len(preferredZones))
	for i, z := range preferredZones {
		zoneRank[z] = i
	}

	rank := func(o models.Offer) int {
		if r, ok := zoneRank[o.GeolocationString]; ok {
			return r
		}
		return len(preferredZones)
	}

	sort.SliceStable(offers, func(i, j int) bool {
		ri, rj := rank(offers[i]), rank(offers[j])
		if ri != rj {
			return ri < rj
		}
		return offers[i].PricePerHour < offers[j].PricePerHour
	})
}

func promote(c *models.Candidate) *models.GpuInstance {
	var endpoint models.SSHEndpoint
	if c.SSHEndpoint != nil {
		endpoint = *c.SSHEndpoint
	}
	return &models.GpuInstance{
		InstanceID:         c.CandidateID,
		ProviderInstanceID: c.CandidateID,
		Offer:              c.Offer,
		SSHEndpoint:        endpoint,
		Geolocation:        c.Offer.GeolocationString,
		CreatedAt:          time.Now(),
	}
}
