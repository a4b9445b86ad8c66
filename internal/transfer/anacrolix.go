package transfer

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
)

// anacrolixClient adapts an anacrolix/torrent client to the engine's
// Client boundary.
type anacrolixClient struct {
	cl  *torrent.Client
	rec *storageErrs
}

// NewClient builds the real peer-transfer client. The engine owns its
// lifecycle and closes it on shutdown.
func NewClient(cfg Config) (Client, error) {
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory: %w", err)
	}

	rec := newStorageErrs()
	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = cfg.DownloadDir
	clientConfig.Seed = cfg.Seeding.Enabled
	clientConfig.DefaultStorage = &errCaptureStorage{
		inner: storage.NewFile(cfg.DownloadDir),
		rec:   rec,
	}
	if cfg.MaxConnections > 0 {
		clientConfig.EstablishedConnsPerTorrent = cfg.MaxConnections
	}
	if cfg.PortRange[0] > 0 {
		clientConfig.ListenPort = cfg.PortRange[0]
	}

	cl, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create torrent client: %w", err)
	}
	return &anacrolixClient{cl: cl, rec: rec}, nil
}

func (c *anacrolixClient) Add(sourceURI string) (string, Handle, error) {
	spec, err := torrent.TorrentSpecFromMagnetUri(sourceURI)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	t, isNew, err := c.cl.AddTorrentSpec(spec)
	if err != nil {
		return "", nil, fmt.Errorf("add torrent: %w", err)
	}
	if !isNew {
		return "", nil, fmt.Errorf("%w: %s", ErrExists, spec.InfoHash.HexString())
	}
	return spec.InfoHash.HexString(), &anacrolixHandle{t: t, hash: spec.InfoHash, rec: c.rec}, nil
}

func (c *anacrolixClient) Close() error {
	c.cl.Close()
	return nil
}

type anacrolixHandle struct {
	t    *torrent.Torrent
	hash metainfo.Hash
	rec  *storageErrs
}

func (h *anacrolixHandle) GotInfo() <-chan struct{} { return h.t.GotInfo() }

func (h *anacrolixHandle) Name() string { return h.t.Name() }

func (h *anacrolixHandle) SizeBytes() int64 {
	if h.t.Info() == nil {
		return 0
	}
	return h.t.Length()
}

func (h *anacrolixHandle) BytesCompleted() int64 { return h.t.BytesCompleted() }

func (h *anacrolixHandle) Stats() Stats {
	st := h.t.Stats()
	return Stats{
		BytesDownloaded: st.BytesReadData.Int64(),
		BytesUploaded:   st.BytesWrittenData.Int64(),
		PeerCount:       st.ActivePeers,
	}
}

// Err surfaces the first disk failure recorded for this transfer. The
// anacrolix client retries trackers and peers internally, so transport
// trouble never shows up here; without the capture a failed write would
// just stall the transfer while the library re-requests the piece.
func (h *anacrolixHandle) Err() error {
	if err := h.rec.get(h.hash); err != nil {
		return fmt.Errorf("%w: %v", ErrFatalStorage, err)
	}
	return nil
}

func (h *anacrolixHandle) DownloadAll() { h.t.DownloadAll() }

func (h *anacrolixHandle) AllowData(allow bool) {
	if allow {
		h.t.AllowDataDownload()
		h.t.AllowDataUpload()
		return
	}
	h.t.DisallowDataDownload()
	h.t.DisallowDataUpload()
}

func (h *anacrolixHandle) Files() []string {
	if h.t.Info() == nil {
		return nil
	}
	files := h.t.Files()
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path()
	}
	return paths
}

func (h *anacrolixHandle) Drop() {
	h.t.Drop()
	h.rec.clear(h.hash)
}

// storageErrs records the first disk failure per transfer so that the
// owning handle can report it.
type storageErrs struct {
	mu   sync.Mutex
	errs map[metainfo.Hash]error
}

func newStorageErrs() *storageErrs {
	return &storageErrs{errs: make(map[metainfo.Hash]error)}
}

func (s *storageErrs) set(h metainfo.Hash, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.errs[h]; !ok {
		s.errs[h] = err
	}
}

func (s *storageErrs) get(h metainfo.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errs[h]
}

func (s *storageErrs) clear(h metainfo.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.errs, h)
}

// errCaptureStorage wraps the file-backed piece storage so write and
// completion-mark failures become visible to the engine instead of being
// swallowed by the piece retry machinery.
type errCaptureStorage struct {
	inner storage.ClientImplCloser
	rec   *storageErrs
}

func (s *errCaptureStorage) OpenTorrent(ctx context.Context, info *metainfo.Info, infoHash metainfo.Hash) (storage.TorrentImpl, error) {
	impl, err := s.inner.OpenTorrent(ctx, info, infoHash)
	if err != nil {
		return impl, err
	}
	open := impl.Piece
	impl.Piece = func(p metainfo.Piece) storage.PieceImpl {
		return &errCapturePiece{inner: open(p), hash: infoHash, rec: s.rec}
	}
	return impl, nil
}

func (s *errCaptureStorage) Close() error { return s.inner.Close() }

type errCapturePiece struct {
	inner storage.PieceImpl
	hash  metainfo.Hash
	rec   *storageErrs
}

func (p *errCapturePiece) ReadAt(b []byte, off int64) (int, error) {
	return p.inner.ReadAt(b, off)
}

func (p *errCapturePiece) WriteAt(b []byte, off int64) (int, error) {
	n, err := p.inner.WriteAt(b, off)
	if err != nil {
		p.rec.set(p.hash, err)
	}
	return n, err
}

func (p *errCapturePiece) MarkComplete() error {
	err := p.inner.MarkComplete()
	if err != nil {
		p.rec.set(p.hash, err)
	}
	return err
}

func (p *errCapturePiece) MarkNotComplete() error { return p.inner.MarkNotComplete() }

func (p *errCapturePiece) Completion() storage.Completion { return p.inner.Completion() }
