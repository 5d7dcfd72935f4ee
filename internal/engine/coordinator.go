package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/M0Rf30/slskdn/internal/governor"
	"github.com/M0Rf30/slskdn/internal/logctx"
	"github.com/M0Rf30/slskdn/internal/peer"
	"github.com/M0Rf30/slskdn/internal/segment"
	"github.com/M0Rf30/slskdn/internal/source"
	"github.com/M0Rf30/slskdn/internal/storage"
	"github.com/M0Rf30/slskdn/internal/telemetry"
	"github.com/dustin/go-humanize"
)

const dirPerm = 0755

// Config tunes the transfer engine.
type Config struct {
	DownloadDir      string
	SegmentSize      int64
	MaxRetries       int
	StallWindow      time.Duration
	FetchTimeout     time.Duration
	PassInterval     time.Duration
	DiscoveryTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SegmentSize <= 0 {
		c.SegmentSize = 1 << 20
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}

	if c.StallWindow <= 0 {
		c.StallWindow = 90 * time.Second
	}

	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 2 * time.Minute
	}

	if c.PassInterval <= 0 {
		c.PassInterval = time.Second
	}

	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = 15 * time.Second
	}

	return c
}

// fetchResult carries one finished segment fetch back to the coordinator
// loop. Failures arrive as values here, never as unhandled faults.
type fetchResult struct {
	index    int
	src      peer.Identity
	ticket   *governor.Ticket
	data     []byte
	digest   string
	bytes    int64
	duration time.Duration
	latency  time.Duration
	err      error
}

// Coordinator owns one transfer end to end. Its run loop is the single
// writer of the segment table; fetches run as independent goroutines that
// report back through the results channel.
type Coordinator struct {
	id   string
	spec FileSpec
	cfg  Config

	client   peer.Client
	registry *source.Registry
	gov      *governor.Governor
	hashes   storage.HashRepository
	store    storage.TransferRepository
	tel      *telemetry.Telemetry

	table *segment.Table
	part  *os.File

	results    chan fetchResult
	kick       chan struct{}
	cancelCh   chan struct{}
	cancelOnce sync.Once

	inFlight int
	bySource map[peer.Identity]int

	mu       sync.Mutex
	status   Status
	finalErr error
}

func newCoordinator(
	id string,
	spec FileSpec,
	cfg Config,
	client peer.Client,
	registry *source.Registry,
	gov *governor.Governor,
	hashes storage.HashRepository,
	store storage.TransferRepository,
	tel *telemetry.Telemetry,
) (*Coordinator, error) {
	table, err := segment.NewTable(spec.Size, cfg.SegmentSize, cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to partition file: %w", err)
	}

	c := &Coordinator{
		id:       id,
		spec:     spec,
		cfg:      cfg,
		client:   client,
		registry: registry,
		gov:      gov,
		hashes:   hashes,
		store:    store,
		tel:      tel,
		table:    table,
		results:  make(chan fetchResult, 64),
		kick:     make(chan struct{}, 1),
		cancelCh: make(chan struct{}),
		bySource: make(map[peer.Identity]int),
	}

	c.status = Status{
		ID:           id,
		FileID:       spec.ID,
		Name:         spec.Name,
		State:        StatePending,
		TotalBytes:   spec.Size,
		SegmentCount: table.Len(),
		CreatedAt:    time.Now(),
	}

	return c, nil
}

// Status returns a consistent snapshot of the transfer.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.status
}

// Cancel requests a cooperative stop. The run loop observes it at the next
// suspension point, drains in-flight fetches so every ticket is released,
// and transitions the transfer to Cancelled.
func (c *Coordinator) Cancel() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

// Kick wakes the run loop for an immediate scheduling pass and revives
// permanently-failed segments. The backfill sweeper calls this after
// registering freshly discovered sources.
func (c *Coordinator) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run drives the transfer to a terminal state. It returns nil on completion
// and the terminal error otherwise.
func (c *Coordinator) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("transfer_id", c.id, "file_id", c.spec.ID)
	ctx = logctx.WithLogger(ctx, logger)

	if err := c.openPart(ctx); err != nil {
		c.finish(StateFailed, err)

		return err
	}
	defer c.part.Close()

	logger.Info("transfer starting",
		"size", humanize.Bytes(uint64(c.spec.Size)),
		"segments", c.table.Len(),
		"segment_size", humanize.Bytes(uint64(c.cfg.SegmentSize)),
	)

	passTicker := time.NewTicker(c.cfg.PassInterval)
	defer passTicker.Stop()

	lastProgress := time.Now()
	lastAssigned := 0

	for {
		if c.table.AllVerified() {
			return c.finalize(ctx)
		}

		lastAssigned = c.schedulePass(ctx)

		select {
		case res := <-c.results:
			if c.handleResult(ctx, res) {
				lastProgress = time.Now()
			}
		case <-passTicker.C:
			if time.Since(lastProgress) > c.cfg.StallWindow && c.inFlight == 0 && lastAssigned == 0 {
				err := &StalledError{TransferID: c.id, Window: c.cfg.StallWindow}
				logger.Warn("transfer stalled", "window", c.cfg.StallWindow.String())
				c.finish(StateFailed, err)

				return err
			}
		case <-c.kick:
			if revived := c.table.ReviveExhausted(); revived > 0 {
				logger.Info("revived permanently failed segments", "segments", revived)
			}
			// Fresh sources mean a fresh stall horizon.
			lastProgress = time.Now()
		case <-c.cancelCh:
			c.drain(ctx)
			c.finish(StateCancelled, nil)
			logger.Info("transfer cancelled", "bytes_verified", c.table.VerifiedBytes())

			return nil
		case <-ctx.Done():
			c.drain(ctx)
			c.finish(StateCancelled, ctx.Err())

			return ctx.Err()
		}
	}
}

// schedulePass runs one scheduling pass and dispatches a fetch for every
// claim that wins an admission ticket. Returns the number of claims made.
func (c *Coordinator) schedulePass(ctx context.Context) int {
	logger := logctx.LoggerFromContext(ctx)

	ranked := source.Rank(c.registry.List(c.id), time.Now())
	assignments := segment.Pass(c.table, ranked, c.gov.Spare)

	for _, a := range assignments {
		ticket, err := c.gov.Acquire(ctx, a.Source)
		if err != nil {
			// The claim is returned without charging an attempt: capacity
			// shortage is a deferral, not a source failure.
			if uErr := c.table.Unclaim(a.Index); uErr != nil {
				logger.Error("failed to unclaim segment", "segment", a.Index, "err", uErr)
			}

			var capErr *governor.CapacityTimeoutError
			if errors.As(err, &capErr) {
				c.tel.RecordCapacityTimeout()
				logger.Debug("admission timed out, deferring segment", "segment", a.Index, "source", a.Source)

				continue
			}

			// Context cancellation; the select loop will observe it.
			continue
		}

		c.tel.TicketAcquired()
		c.inFlight++
		c.bySource[a.Source]++
		c.updateStatus()

		go c.fetch(ctx, a, ticket)
	}

	return len(assignments)
}

// fetch streams one segment from a peer and reports the outcome. It always
// sends exactly one result, so the coordinator can account for every ticket.
func (c *Coordinator) fetch(ctx context.Context, a segment.Assignment, ticket *governor.Ticket) {
	res := fetchResult{index: a.Index, src: a.Source, ticket: ticket}
	start := time.Now()

	fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	conn, err := c.client.Connect(fctx, a.Source)
	if err != nil {
		res.err = err
		res.duration = time.Since(start)
		c.results <- res

		return
	}
	defer conn.Close()

	res.latency = time.Since(start)

	stream, err := conn.RequestRange(fctx, c.spec.ID, a.Offset, a.Length)
	if err != nil {
		res.err = err
		res.duration = time.Since(start)
		c.results <- res

		return
	}
	defer stream.Close()

	buf := make([]byte, a.Length)

	n, err := io.ReadFull(stream, buf)
	res.bytes = int64(n)
	res.duration = time.Since(start)

	if err != nil {
		res.err = &peer.DisconnectedError{Peer: a.Source, BytesRead: int64(n), Expected: a.Length}
		c.results <- res

		return
	}

	sum := sha256.Sum256(buf)
	res.data = buf
	res.digest = hex.EncodeToString(sum[:])

	c.results <- res
}

// handleResult applies one fetch outcome to the segment table. Returns true
// when a segment reached Verified.
func (c *Coordinator) handleResult(ctx context.Context, res fetchResult) bool {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		res.ticket.Release()
		c.tel.TicketReleased()
	}()

	c.inFlight--

	c.bySource[res.src]--
	if c.bySource[res.src] <= 0 {
		delete(c.bySource, res.src)
	}

	defer c.updateStatus()

	seg := c.table.Segment(res.index)

	if res.err != nil {
		logger.Warn("segment fetch failed", "segment", res.index, "source", res.src, "err", res.err)
		c.tel.RecordFetch("error", res.bytes, res.duration)
		c.tel.RecordSegment("failed")

		c.releaseSegment(ctx, res.index)
		c.registry.Update(c.id, res.src, source.Outcome{Err: res.err, Duration: res.duration, Latency: res.latency})

		return false
	}

	c.tel.RecordFetch("success", res.bytes, res.duration)

	if err := c.table.MarkVerifying(res.index); err != nil {
		logger.Error("segment state out of sync", "segment", res.index, "err", err)
		c.tel.RecordSystemError("coordinator", "state_mismatch")

		return false
	}

	expected := seg.Digest
	if expected == "" {
		if known, err := c.hashes.Lookup(c.spec.ID, seg.Offset, seg.Length); err == nil {
			expected = known
		}
	}

	if expected != "" && res.digest != expected {
		c.failMismatch(ctx, res, seg, expected)

		return false
	}

	if expected == "" {
		if err := c.hashes.Record(c.spec.ID, seg.Offset, seg.Length, res.digest); err != nil {
			if errors.Is(err, storage.ErrDigestMismatch) {
				// A different digest for this range was recorded first,
				// possibly by a concurrent transfer of the same file. The
				// recorded digest stands; this download is the suspect one.
				known, lookupErr := c.hashes.Lookup(c.spec.ID, seg.Offset, seg.Length)
				if lookupErr != nil {
					known = "unknown"
				}

				c.failMismatch(ctx, res, seg, known)

				return false
			}

			logger.Error("failed to record segment digest", "segment", res.index, "err", err)
		}
	}

	if _, err := c.part.WriteAt(res.data, seg.Offset); err != nil {
		logger.Error("failed to write segment to part file", "segment", res.index, "err", err)
		c.tel.RecordSegment("failed")

		c.releaseSegment(ctx, res.index)
		// The source served good bytes; the local disk failed.
		c.registry.Update(c.id, res.src, source.Outcome{Bytes: res.bytes, Duration: res.duration, Latency: res.latency})

		return false
	}

	if err := c.table.MarkVerified(res.index, res.digest); err != nil {
		logger.Error("segment state out of sync", "segment", res.index, "err", err)
		c.tel.RecordSystemError("coordinator", "state_mismatch")

		return false
	}

	c.tel.RecordSegment("verified")

	if err := c.store.SaveVerifiedSegment(storage.SegmentRecord{
		FileID: c.spec.ID,
		Index:  res.index,
		Offset: seg.Offset,
		Length: seg.Length,
		Digest: res.digest,
	}); err != nil {
		logger.Warn("failed to persist verified segment", "segment", res.index, "err", err)
	}

	c.registry.Update(c.id, res.src, source.Outcome{Bytes: res.bytes, Duration: res.duration, Latency: res.latency})
	c.markActive()

	logger.Debug("segment verified",
		"segment", res.index,
		"source", res.src,
		"size", humanize.Bytes(uint64(res.bytes)),
	)

	return true
}

func (c *Coordinator) failMismatch(ctx context.Context, res fetchResult, seg *segment.Segment, expected string) {
	logger := logctx.LoggerFromContext(ctx)

	mErr := &VerificationMismatchError{
		FileID: c.spec.ID,
		Offset: seg.Offset,
		Length: seg.Length,
		Want:   expected,
		Got:    res.digest,
		Source: res.src,
	}

	logger.Warn("verification mismatch, source fast-tracked toward suspect",
		"segment", res.index, "source", res.src, "err", mErr)
	c.tel.RecordSegment("mismatch")

	c.releaseSegment(ctx, res.index)
	c.registry.Update(c.id, res.src, source.Outcome{Mismatch: true, Duration: res.duration, Latency: res.latency})
}

func (c *Coordinator) releaseSegment(ctx context.Context, index int) {
	logger := logctx.LoggerFromContext(ctx)

	if err := c.table.Release(index); err != nil {
		logger.Error("failed to release segment", "segment", index, "err", err)
		c.tel.RecordSystemError("coordinator", "state_mismatch")

		return
	}

	if c.table.Segment(index).State() == segment.StateExhausted {
		logger.Warn("segment permanently failed until backfill", "segment", index)
	}
}

// drain collects all in-flight fetch results so every admission ticket is
// released before the transfer is considered fully stopped.
func (c *Coordinator) drain(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for c.inFlight > 0 {
		res := <-c.results
		res.ticket.Release()
		c.tel.TicketReleased()

		c.inFlight--

		c.bySource[res.src]--
		if c.bySource[res.src] <= 0 {
			delete(c.bySource, res.src)
		}
	}

	c.updateStatus()
	logger.Debug("in-flight fetches drained")
}

// finalize verifies the assembled artifact and moves it into place.
func (c *Coordinator) finalize(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := c.table.Validate(); err != nil {
		cErr := &CorruptAssemblyError{TransferID: c.id, Detail: err.Error()}
		logger.Error("reassembly failed consistency check", "err", cErr)
		c.tel.RecordSystemError("coordinator", "corrupt_assembly")
		c.finish(StateFailed, cErr)

		return cErr
	}

	if c.spec.Digest != "" {
		got, err := fileDigest(c.part)
		if err != nil {
			err = fmt.Errorf("failed to hash assembled file: %w", err)
			c.finish(StateFailed, err)

			return err
		}

		if got != c.spec.Digest {
			vErr := &VerificationMismatchError{
				FileID: c.spec.ID,
				Offset: 0,
				Length: c.spec.Size,
				Want:   c.spec.Digest,
				Got:    got,
			}
			logger.Error("assembled file digest mismatch", "err", vErr)

			// Every segment passed its own check yet the whole is wrong, so
			// the persisted resume state cannot be trusted. Purge it along
			// with the part file; a retry must start from nothing.
			if err := c.store.Clear(c.spec.ID); err != nil {
				logger.Warn("failed to clear persisted segments", "err", err)
			}

			if err := os.Remove(c.partPath()); err != nil {
				logger.Warn("failed to remove part file", "err", err)
			}

			c.finish(StateFailed, vErr)

			return vErr
		}
	}

	if err := c.part.Sync(); err != nil {
		err = fmt.Errorf("failed to sync part file: %w", err)
		c.finish(StateFailed, err)

		return err
	}

	final := filepath.Join(c.cfg.DownloadDir, c.spec.Name)
	if err := os.MkdirAll(filepath.Dir(final), dirPerm); err != nil {
		err = fmt.Errorf("failed to create target directory: %w", err)
		c.finish(StateFailed, err)

		return err
	}

	if err := os.Rename(c.partPath(), final); err != nil {
		err = fmt.Errorf("failed to move assembled file into place: %w", err)
		c.finish(StateFailed, err)

		return err
	}

	// Segment state is only needed for resume; the hash store keeps the
	// digests for cross-session dedup.
	if err := c.store.Clear(c.spec.ID); err != nil {
		logger.Warn("failed to clear persisted segment state", "err", err)
	}

	c.finish(StateCompleted, nil)
	logger.Info("transfer completed", "target", final, "size", humanize.Bytes(uint64(c.spec.Size)))

	return nil
}

func (c *Coordinator) partPath() string {
	return filepath.Join(c.cfg.DownloadDir, c.spec.Name+".part")
}

// openPart opens (or creates) the part file sized for the whole file and
// restores persisted verification state when the file was already there.
func (c *Coordinator) openPart(ctx context.Context) error {
	partPath := c.partPath()

	if err := os.MkdirAll(filepath.Dir(partPath), dirPerm); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	resumable := false
	if info, err := os.Stat(partPath); err == nil && info.Size() == c.spec.Size {
		resumable = true
	}

	f, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open part file: %w", err)
	}

	if err := f.Truncate(c.spec.Size); err != nil {
		f.Close()

		return fmt.Errorf("failed to size part file: %w", err)
	}

	c.part = f

	if resumable {
		c.restore(ctx)
	}

	return nil
}

// restore marks segments Verified from persisted state so a resumed transfer
// skips them instead of re-downloading.
func (c *Coordinator) restore(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := c.store.VerifiedSegments(c.spec.ID)
	if err != nil {
		logger.Warn("failed to load persisted segment state", "err", err)

		return
	}

	restored := 0

	for _, rec := range records {
		if rec.Index >= c.table.Len() {
			continue
		}

		seg := c.table.Segment(rec.Index)
		if seg.Offset != rec.Offset || seg.Length != rec.Length {
			// Partition changed (different segment size); start this one over.
			continue
		}

		if err := c.table.Restore(rec.Index, rec.Digest); err == nil {
			restored++
		}
	}

	if restored > 0 {
		c.markActive()
		logger.Info("resumed transfer from persisted state",
			"segments_restored", restored,
			"bytes_verified", humanize.Bytes(uint64(c.table.VerifiedBytes())),
		)
	}

	c.updateStatus()
}

func (c *Coordinator) markActive() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.State == StatePending {
		c.status.State = StateActive
	}
}

func (c *Coordinator) finish(state State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status.State = state
	c.status.CompletedAt = time.Now()
	c.finalErr = err

	if err != nil {
		c.status.Error = err.Error()
	}

	c.refreshStatusLocked()
	c.tel.RecordTransfer(state.String(), c.status.CompletedAt.Sub(c.status.CreatedAt))
}

func (c *Coordinator) updateStatus() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refreshStatusLocked()
}

func (c *Coordinator) refreshStatusLocked() {
	c.status.BytesVerified = c.table.VerifiedBytes()
	c.status.SegmentsVerified = c.table.CountState(segment.StateVerified)
	c.status.ActiveSources = len(c.bySource)
	c.status.Bitmap = c.table.VerifiedBitmap().Hex()
}

func fileDigest(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
