package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"media-harbor/internal/bus"
	"media-harbor/internal/domain"
)

// Config controls the transfer engine.
type Config struct {
	DownloadDir    string
	MaxConnections int
	PortRange      [2]int
	TickInterval   time.Duration
	Seeding        SeedingConfig

	// Transient network failures are retried with doubling backoff up to
	// MaxNetworkRetries before the transfer is failed.
	MaxNetworkRetries int
	RetryBackoffMin   time.Duration
	RetryBackoffMax   time.Duration

	Logger *logrus.Logger
}

// SeedingConfig is the post-download upload policy. A zero limit means
// that limit is not applied.
type SeedingConfig struct {
	Enabled    bool
	RatioLimit float64
	TimeLimit  time.Duration
}

// Engine owns the lifecycle of every active transfer. The transfer table
// is mutated only through Engine operations; concurrent callers go through
// the exported methods, never the fields.
type Engine struct {
	cfg    Config
	client Client
	events *bus.Bus
	logger *logrus.Logger

	mu        sync.Mutex
	transfers map[string]*entry
	// killGate blocks new downloads from starting while the kill switch
	// holds the engine paused.
	killGate bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type entry struct {
	t      domain.Transfer
	handle Handle

	// pendingStart is set when metadata arrived while the kill gate was
	// closed; the download starts on the next ResumeAll.
	pendingStart bool
	seedingSince time.Time

	lastTick     time.Time
	lastDownload int64
	lastUpload   int64

	netRetries int
	retryDelay time.Duration
	retryAt    time.Time
}

// NewEngine builds an engine publishing to events. A nil client is built
// from the config on Start; tests pass a fake.
func NewEngine(cfg Config, events *bus.Bus, client Client) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}
	if cfg.MaxNetworkRetries <= 0 {
		cfg.MaxNetworkRetries = 5
	}
	if cfg.RetryBackoffMin <= 0 {
		cfg.RetryBackoffMin = time.Second
	}
	if cfg.RetryBackoffMax <= 0 {
		cfg.RetryBackoffMax = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	// the lifecycle context exists from construction so Add is safe to
	// call before Start
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		client:    client,
		events:    events,
		logger:    cfg.Logger,
		transfers: make(map[string]*entry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start brings up the peer-transfer client and the stats tick loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.client == nil {
		client, err := NewClient(e.cfg)
		if err != nil {
			return err
		}
		e.client = client
	}
	// the caller's context contributes cancellation only
	context.AfterFunc(ctx, e.cancel)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				e.tick(time.Now())
			}
		}
	}()

	e.logger.WithField("download_dir", e.cfg.DownloadDir).Info("transfer engine started")
	return nil
}

// Shutdown stops the tick loop and releases the client. Transfers are not
// persisted; the engine is stateless across restarts.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.client != nil {
		if err := e.client.Close(); err != nil {
			e.logger.WithError(err).Warn("close transfer client")
		}
	}
	e.logger.Info("transfer engine stopped")
}

// Add validates the source URI, registers the transfer in Queued and
// returns its source id. Connection negotiation continues asynchronously.
func (e *Engine) Add(sourceURI string, ref domain.MediaRef) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrEngineClosed
	}

	id, handle, err := e.client.Add(sourceURI)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	ent := &entry{
		t: domain.Transfer{
			SourceID:  id,
			SourceURI: sourceURI,
			MediaRef:  ref,
			Status:    domain.TransferStatusQueued,
			AddedAt:   now,
		},
		handle:   handle,
		lastTick: now,
	}
	e.transfers[id] = ent

	e.publish(domain.Event{
		Type:     domain.EventTransferAdded,
		SourceID: id,
		MediaRef: &ref,
		Status:   domain.TransferStatusQueued,
	})
	e.logger.WithField("source_id", id).Info("transfer added")

	e.wg.Add(1)
	go e.awaitInfo(ent)

	return id, nil
}

// awaitInfo waits for the transfer metadata and starts the download,
// unless the kill gate is closed, in which case the start is deferred to
// the next ResumeAll.
func (e *Engine) awaitInfo(ent *entry) {
	defer e.wg.Done()
	select {
	case <-e.ctx.Done():
		return
	case <-ent.handle.GotInfo():
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.transfers[ent.t.SourceID]; !ok {
		return // removed before metadata arrived
	}
	ent.t.Name = ent.handle.Name()
	ent.t.SizeBytes = ent.handle.SizeBytes()

	if ent.t.Status != domain.TransferStatusQueued {
		return
	}
	if e.killGate {
		ent.pendingStart = true
		ent.handle.AllowData(false)
		return
	}
	e.startDownloading(ent)
}

// startDownloading must be called with the engine lock held and the entry
// in Queued.
func (e *Engine) startDownloading(ent *entry) {
	now := time.Now().UTC()
	ent.t.Status = domain.TransferStatusDownloading
	ent.t.StartedAt = &now
	ent.pendingStart = false
	ent.handle.AllowData(true)
	ent.handle.DownloadAll()
	e.publishStatus(ent)
}

// Pause suspends an active transfer at the user's request.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.transfers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch ent.t.Status {
	case domain.TransferStatusPaused:
		return nil
	case domain.TransferStatusDownloading, domain.TransferStatusSeeding:
	default:
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, ent.t.Status)
	}

	e.pauseEntry(ent, domain.PauseReasonUserRequested)
	return nil
}

// Resume returns a paused transfer to the state it held before pausing.
// Resuming an already-running transfer is a no-op.
func (e *Engine) Resume(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.transfers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch ent.t.Status {
	case domain.TransferStatusDownloading, domain.TransferStatusSeeding:
		return nil
	case domain.TransferStatusPaused:
	default:
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, ent.t.Status)
	}

	if e.killGate {
		// The tunnel is down: clear the user's pause intent but keep the
		// transfer held until the kill switch reopens the gate.
		ent.t.PauseReason = domain.PauseReasonKillSwitch
		return nil
	}
	e.resumeEntry(ent)
	return nil
}

// Remove drops a transfer in any state and releases its resources.
// Removing an in-flight transfer is not an error.
func (e *Engine) Remove(id string, deleteData bool) error {
	e.mu.Lock()
	ent, ok := e.transfers[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var files []string
	if deleteData {
		files = ent.handle.Files()
	}
	ent.handle.Drop()
	delete(e.transfers, id)
	ref := ent.t.MediaRef
	e.publish(domain.Event{
		Type:     domain.EventTransferRemoved,
		SourceID: id,
		MediaRef: &ref,
	})
	e.mu.Unlock()

	if deleteData {
		e.deleteData(files)
	}
	e.logger.WithFields(logrus.Fields{"source_id": id, "delete_data": deleteData}).Info("transfer removed")
	return nil
}

// deleteData removes downloaded files and any now-empty torrent
// directories beneath the download root. Individual failures are logged
// and do not stop the remaining cleanup.
func (e *Engine) deleteData(files []string) {
	dirs := make(map[string]struct{})
	for _, rel := range files {
		if parts := strings.SplitN(filepath.ToSlash(rel), "/", 2); len(parts) > 1 {
			dirs[parts[0]] = struct{}{}
		}
		path := filepath.Join(e.cfg.DownloadDir, rel)
		if err := os.RemoveAll(path); err != nil {
			e.logger.WithError(err).WithField("path", path).Warn("delete transfer data")
		}
	}
	for d := range dirs {
		path := filepath.Join(e.cfg.DownloadDir, d)
		if err := os.RemoveAll(path); err != nil {
			e.logger.WithError(err).WithField("path", path).Warn("delete transfer directory")
		}
	}
}

// PauseAll suspends every active transfer on behalf of the kill switch
// and closes the gate for transfers that have not started yet. Transfers
// the user paused are left untouched. Idempotent.
func (e *Engine) PauseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killGate = true
	for _, ent := range e.transfers {
		switch ent.t.Status {
		case domain.TransferStatusDownloading, domain.TransferStatusSeeding:
			e.pauseEntry(ent, domain.PauseReasonKillSwitch)
		}
	}
}

// ResumeAll reopens the gate and resumes only transfers the kill switch
// paused; user-paused transfers stay paused. Idempotent.
func (e *Engine) ResumeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.killGate = false
	for _, ent := range e.transfers {
		if ent.t.Status == domain.TransferStatusPaused && ent.t.PauseReason == domain.PauseReasonKillSwitch {
			e.resumeEntry(ent)
		}
		if ent.pendingStart && ent.t.Status == domain.TransferStatusQueued {
			e.startDownloading(ent)
		}
	}
}

// Get returns a snapshot of one transfer.
func (e *Engine) Get(id string) (domain.Transfer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.transfers[id]
	if !ok {
		return domain.Transfer{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ent.t, nil
}

// Files returns the relative paths of a transfer's files, empty until
// metadata has arrived.
func (e *Engine) Files(id string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.transfers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ent.handle.Files(), nil
}

// List returns a snapshot of every transfer.
func (e *Engine) List() []domain.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Transfer, 0, len(e.transfers))
	for _, ent := range e.transfers {
		out = append(out, ent.t)
	}
	return out
}

func (e *Engine) pauseEntry(ent *entry, reason domain.PauseReason) {
	ent.t.ResumeStatus = ent.t.Status
	ent.t.Status = domain.TransferStatusPaused
	ent.t.PauseReason = reason
	ent.handle.AllowData(false)
	e.publishStatus(ent)
}

func (e *Engine) resumeEntry(ent *entry) {
	restored := ent.t.ResumeStatus
	if restored == "" {
		restored = domain.TransferStatusDownloading
	}
	ent.t.Status = restored
	ent.t.PauseReason = domain.PauseReasonNone
	ent.t.ResumeStatus = ""
	ent.handle.AllowData(true)
	e.publishStatus(ent)
}

// tick refreshes statistics for every non-terminal transfer and applies
// lifecycle transitions.
func (e *Engine) tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ent := range e.transfers {
		if ent.t.Status.Terminal() {
			continue
		}
		e.refreshStats(ent, now)

		if err := ent.handle.Err(); err != nil {
			e.handleTransferError(ent, err, now)
			continue
		}
		if ent.netRetries > 0 && now.After(ent.retryAt) {
			// transport recovered inside the retry window
			ent.netRetries = 0
			ent.retryDelay = 0
			ent.retryAt = time.Time{}
			if ent.t.Status == domain.TransferStatusDownloading || ent.t.Status == domain.TransferStatusSeeding {
				ent.handle.AllowData(true)
			}
		}

		ref := ent.t.MediaRef
		e.publish(domain.Event{
			Type:     domain.EventTransferProgress,
			SourceID: ent.t.SourceID,
			MediaRef: &ref,
			Status:   ent.t.Status,
			Progress: ent.t.Progress,
			Download: ent.t.DownloadRate,
			Upload:   ent.t.UploadRate,
			Peers:    ent.t.PeerCount,
		})

		if ent.t.Status == domain.TransferStatusPaused {
			continue
		}
		e.applyTransitions(ent, now)
	}
}

func (e *Engine) refreshStats(ent *entry, now time.Time) {
	stats := ent.handle.Stats()
	completed := ent.handle.BytesCompleted()
	size := ent.handle.SizeBytes()

	elapsed := now.Sub(ent.lastTick).Seconds()
	if elapsed > 0 {
		if d := stats.BytesDownloaded - ent.lastDownload; d >= 0 {
			ent.t.DownloadRate = int64(float64(d) / elapsed)
		}
		if u := stats.BytesUploaded - ent.lastUpload; u >= 0 {
			ent.t.UploadRate = int64(float64(u) / elapsed)
		}
	}
	ent.lastTick = now
	ent.lastDownload = stats.BytesDownloaded
	ent.lastUpload = stats.BytesUploaded

	ent.t.BytesDownloaded = stats.BytesDownloaded
	ent.t.BytesUploaded = stats.BytesUploaded
	ent.t.PeerCount = stats.PeerCount
	ent.t.SizeBytes = size
	if size > 0 {
		progress := float64(completed) / float64(size)
		if progress > 1 {
			progress = 1
		}
		// progress is monotonic while downloading
		if progress > ent.t.Progress || ent.t.Status != domain.TransferStatusDownloading {
			ent.t.Progress = progress
		}
		ent.t.Ratio = float64(stats.BytesUploaded) / float64(size)
	}
}

func (e *Engine) applyTransitions(ent *entry, now time.Time) {
	switch ent.t.Status {
	case domain.TransferStatusDownloading:
		if ent.t.SizeBytes > 0 && ent.t.Progress >= 1 {
			if e.cfg.Seeding.Enabled {
				ent.t.Status = domain.TransferStatusSeeding
				ent.seedingSince = now
				e.publishStatus(ent)
			} else {
				e.complete(ent, now)
			}
		}
	case domain.TransferStatusSeeding:
		ratioHit := e.cfg.Seeding.RatioLimit > 0 && ent.t.Ratio >= e.cfg.Seeding.RatioLimit
		timeHit := e.cfg.Seeding.TimeLimit > 0 && !ent.seedingSince.IsZero() &&
			now.Sub(ent.seedingSince) >= e.cfg.Seeding.TimeLimit
		if ratioHit || timeHit {
			e.complete(ent, now)
		}
	}
}

func (e *Engine) complete(ent *entry, now time.Time) {
	completedAt := now.UTC()
	ent.t.Status = domain.TransferStatusCompleted
	ent.t.CompletedAt = &completedAt
	ent.handle.AllowData(false)
	e.publishStatus(ent)

	ref := ent.t.MediaRef
	e.publish(domain.Event{
		Type:     domain.EventTransferCompleted,
		SourceID: ent.t.SourceID,
		MediaRef: &ref,
		Progress: ent.t.Progress,
	})
	e.logger.WithField("source_id", ent.t.SourceID).Info("transfer completed")
}

// handleTransferError classifies a sticky handle error: storage failures
// are terminal immediately, transport failures get backoff retries.
func (e *Engine) handleTransferError(ent *entry, err error, now time.Time) {
	if errors.Is(err, ErrFatalStorage) {
		e.fail(ent, err)
		return
	}
	if !ent.retryAt.IsZero() && now.Before(ent.retryAt) {
		return // still waiting out the current backoff window
	}
	ent.netRetries++
	if ent.netRetries > e.cfg.MaxNetworkRetries {
		e.fail(ent, err)
		return
	}
	if ent.retryDelay == 0 {
		ent.retryDelay = e.cfg.RetryBackoffMin
	} else {
		ent.retryDelay *= 2
		if ent.retryDelay > e.cfg.RetryBackoffMax {
			ent.retryDelay = e.cfg.RetryBackoffMax
		}
	}
	ent.retryAt = now.Add(ent.retryDelay)
	e.logger.WithError(err).WithFields(logrus.Fields{
		"source_id": ent.t.SourceID,
		"attempt":   ent.netRetries,
		"backoff":   ent.retryDelay,
	}).Warn("transient transfer error, will retry")
}

func (e *Engine) fail(ent *entry, err error) {
	ent.t.Status = domain.TransferStatusFailed
	ent.t.ErrorMessage = err.Error()
	ent.handle.AllowData(false)
	e.publishStatus(ent)

	ref := ent.t.MediaRef
	e.publish(domain.Event{
		Type:     domain.EventTransferError,
		SourceID: ent.t.SourceID,
		MediaRef: &ref,
		Message:  err.Error(),
	})
	e.logger.WithField("source_id", ent.t.SourceID).Error(err.Error())
}

func (e *Engine) publishStatus(ent *entry) {
	ref := ent.t.MediaRef
	e.publish(domain.Event{
		Type:     domain.EventTransferStatusChanged,
		SourceID: ent.t.SourceID,
		MediaRef: &ref,
		Status:   ent.t.Status,
	})
}

func (e *Engine) publish(ev domain.Event) {
	ev.Time = time.Now().UTC()
	e.events.Publish(ev)
}
