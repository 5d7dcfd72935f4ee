package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/M0Rf30/slskdn/internal/governor"
	"github.com/M0Rf30/slskdn/internal/logctx"
	"github.com/M0Rf30/slskdn/internal/peer"
	"github.com/M0Rf30/slskdn/internal/source"
	"github.com/M0Rf30/slskdn/internal/storage"
	"github.com/M0Rf30/slskdn/internal/telemetry"
	"github.com/google/uuid"
)

// Manager owns all transfers: it creates coordinators, discovers their
// initial sources, exposes the caller surface and runs backfill passes.
type Manager struct {
	cfg Config

	client   peer.Client
	disc     peer.Discoverer
	registry *source.Registry
	gov      *governor.Governor
	hashes   storage.HashRepository
	store    storage.TransferRepository
	tel      *telemetry.Telemetry

	// baseCtx outlives the request contexts transfers are started from.
	baseCtx context.Context

	mu          sync.Mutex
	active      map[string]*Coordinator
	specs       map[string]FileSpec
	archived    map[string]Status
	archivedErr map[string]error
	closed      bool
	wg          sync.WaitGroup

	OnTransferFinished chan Status
	OnTransferFailed   chan Status
}

func NewManager(
	cfg Config,
	client peer.Client,
	disc peer.Discoverer,
	registry *source.Registry,
	gov *governor.Governor,
	hashes storage.HashRepository,
	store storage.TransferRepository,
	tel *telemetry.Telemetry,
) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		client:      client,
		disc:        disc,
		registry:    registry,
		gov:         gov,
		hashes:      hashes,
		store:       store,
		tel:         tel,
		baseCtx:     context.Background(),
		active:      make(map[string]*Coordinator),
		specs:       make(map[string]FileSpec),
		archived:    make(map[string]Status),
		archivedErr: make(map[string]error),

		OnTransferFinished: make(chan Status, 16),
		OnTransferFailed:   make(chan Status, 16),
	}
}

// Run binds coordinator lifetimes to ctx and blocks until shutdown, then
// waits for every coordinator to drain its tickets.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.wg.Wait()

	close(m.OnTransferFinished)
	close(m.OnTransferFailed)

	return ctx.Err()
}

// StartTransfer creates a transfer for the file, discovers initial sources
// and starts its coordinator. Returns the transfer ID.
func (m *Manager) StartTransfer(ctx context.Context, spec FileSpec) (string, error) {
	if spec.ID == "" || spec.Name == "" {
		return "", fmt.Errorf("file id and name are required")
	}

	if spec.Size <= 0 {
		return "", fmt.Errorf("file size must be positive, got %d", spec.Size)
	}

	id := uuid.New().String()

	if err := m.launch(ctx, id, spec); err != nil {
		return "", err
	}

	return id, nil
}

func (m *Manager) launch(ctx context.Context, id string, spec FileSpec) error {
	logger := logctx.LoggerFromContext(ctx)

	c, err := newCoordinator(id, spec, m.cfg, m.client, m.registry, m.gov, m.hashes, m.store, m.tel)
	if err != nil {
		return err
	}

	m.discoverSources(ctx, id, spec.ID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return fmt.Errorf("engine is shutting down")
	}

	baseCtx := m.baseCtx
	m.active[id] = c
	m.specs[id] = spec
	delete(m.archived, id)
	delete(m.archivedErr, id)
	// Registered under the same lock section shutdown uses to flip closed,
	// so Run's wg.Wait always observes this transfer.
	m.wg.Add(1)
	m.mu.Unlock()

	m.tel.IncrementActiveTransfers()

	runCtx := logctx.WithLogger(baseCtx, logger)

	go func() {
		defer m.wg.Done()
		defer m.tel.DecrementActiveTransfers()

		err := c.Run(runCtx)
		status := c.Status()

		m.mu.Lock()
		delete(m.active, id)
		m.archived[id] = status
		m.archivedErr[id] = err
		m.mu.Unlock()

		m.registry.Drop(id)

		switch {
		case status.State == StateCompleted:
			m.emit(m.OnTransferFinished, status)
		case status.State == StateFailed:
			logger.Error("transfer failed", "transfer_id", id, "err", err)
			m.emit(m.OnTransferFailed, status)
		}
	}()

	return nil
}

// emit delivers an event without ever blocking a coordinator on a slow
// consumer; the status query surface remains the source of truth.
func (m *Manager) emit(ch chan Status, status Status) {
	select {
	case ch <- status:
	default:
	}
}

// discoverSources queries the rendezvous service with a bounded timeout and
// registers whatever it returned. Empty results are normal.
func (m *Manager) discoverSources(ctx context.Context, transferID, fileID string) {
	logger := logctx.LoggerFromContext(ctx)

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DiscoveryTimeout)
	defer cancel()

	announcements, err := m.disc.DiscoverSources(dctx, fileID)
	if err != nil {
		logger.Warn("source discovery failed", "file_id", fileID, "err", err)

		return
	}

	for _, ann := range announcements {
		m.registry.Register(transferID, ann)
	}

	logger.Debug("sources discovered", "file_id", fileID, "source_count", len(announcements))
}

// CancelTransfer requests a cooperative stop of an active transfer.
func (m *Manager) CancelTransfer(id string) error {
	m.mu.Lock()
	c, ok := m.active[id]
	m.mu.Unlock()

	if !ok {
		return ErrTransferNotFound
	}

	c.Cancel()

	return nil
}

// GetStatus returns a consistent snapshot of an active or archived transfer.
func (m *Manager) GetStatus(id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.active[id]; ok {
		return c.Status(), nil
	}

	if status, ok := m.archived[id]; ok {
		return status, nil
	}

	return Status{}, ErrTransferNotFound
}

// List returns snapshots of all known transfers, active first.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.active)+len(m.archived))

	for _, c := range m.active {
		out = append(out, c.Status())
	}

	for _, status := range m.archived {
		out = append(out, status)
	}

	return out
}

// Backfill re-queries discovery for every active transfer and kicks its
// coordinator, and restarts transfers that previously failed on a stall.
// The backfill sweeper calls this on its own cadence.
func (m *Manager) Backfill(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	m.mu.Lock()

	type target struct {
		id     string
		fileID string
		c      *Coordinator
	}

	live := make([]target, 0, len(m.active))
	for id, c := range m.active {
		live = append(live, target{id: id, fileID: m.specs[id].ID, c: c})
	}

	var restarts []string

	for id, status := range m.archived {
		// Only stalls are worth another attempt; other failures (digest
		// mismatches, corrupt reassembly) would reproduce on every sweep.
		var stallErr *StalledError
		if status.State == StateFailed && errors.As(m.archivedErr[id], &stallErr) {
			restarts = append(restarts, id)
		}
	}

	m.mu.Unlock()

	for _, t := range live {
		m.discoverSources(ctx, t.id, t.fileID)
		t.c.Kick()
	}

	for _, id := range restarts {
		m.mu.Lock()
		spec, ok := m.specs[id]
		m.mu.Unlock()

		if !ok {
			continue
		}

		logger.Info("restarting failed transfer", "transfer_id", id, "file_id", spec.ID)

		if err := m.launch(ctx, id, spec); err != nil {
			logger.Error("failed to restart transfer", "transfer_id", id, "err", err)
		}
	}

	return nil
}
