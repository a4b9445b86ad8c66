package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
)

type fakePiece struct {
	writeErr error
	markErr  error
}

func (p *fakePiece) ReadAt(b []byte, off int64) (int, error) { return len(b), nil }

func (p *fakePiece) WriteAt(b []byte, off int64) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return len(b), nil
}

func (p *fakePiece) MarkComplete() error            { return p.markErr }
func (p *fakePiece) MarkNotComplete() error         { return nil }
func (p *fakePiece) Completion() storage.Completion { return storage.Completion{Ok: true} }

type fakePieceStorage struct {
	piece storage.PieceImpl
}

func (c *fakePieceStorage) OpenTorrent(ctx context.Context, info *metainfo.Info, infoHash metainfo.Hash) (storage.TorrentImpl, error) {
	return storage.TorrentImpl{
		Piece: func(metainfo.Piece) storage.PieceImpl { return c.piece },
		Close: func() error { return nil },
	}, nil
}

func (c *fakePieceStorage) Close() error { return nil }

func TestStorageWriteFailureSurfacesAsFatal(t *testing.T) {
	rec := newStorageErrs()
	diskErr := errors.New("no space left on device")
	wrapped := &errCaptureStorage{
		inner: &fakePieceStorage{piece: &fakePiece{writeErr: diskErr}},
		rec:   rec,
	}

	var hash metainfo.Hash
	hash[0] = 0xaa
	impl, err := wrapped.OpenTorrent(context.Background(), &metainfo.Info{}, hash)
	if err != nil {
		t.Fatalf("open torrent: %v", err)
	}

	h := &anacrolixHandle{hash: hash, rec: rec}
	if err := h.Err(); err != nil {
		t.Fatalf("healthy handle reports %v", err)
	}

	piece := impl.Piece(metainfo.Piece{})
	if _, err := piece.WriteAt([]byte("data"), 0); err == nil {
		t.Fatal("write should fail")
	}

	if err := h.Err(); !errors.Is(err, ErrFatalStorage) {
		t.Fatalf("handle error = %v, want ErrFatalStorage", err)
	}

	// other transfers are unaffected
	var other metainfo.Hash
	other[0] = 0xbb
	if err := (&anacrolixHandle{hash: other, rec: rec}).Err(); err != nil {
		t.Fatalf("unrelated handle reports %v", err)
	}

	// dropping the transfer releases the recorded failure
	rec.clear(hash)
	if err := h.Err(); err != nil {
		t.Fatalf("cleared handle reports %v", err)
	}
}

func TestStorageMarkCompleteFailureSurfacesAsFatal(t *testing.T) {
	rec := newStorageErrs()
	wrapped := &errCaptureStorage{
		inner: &fakePieceStorage{piece: &fakePiece{markErr: errors.New("input/output error")}},
		rec:   rec,
	}

	var hash metainfo.Hash
	hash[0] = 0xcc
	impl, err := wrapped.OpenTorrent(context.Background(), &metainfo.Info{}, hash)
	if err != nil {
		t.Fatalf("open torrent: %v", err)
	}

	piece := impl.Piece(metainfo.Piece{})
	if _, err := piece.WriteAt([]byte("data"), 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := piece.MarkComplete(); err == nil {
		t.Fatal("mark complete should fail")
	}

	h := &anacrolixHandle{hash: hash, rec: rec}
	if err := h.Err(); !errors.Is(err, ErrFatalStorage) {
		t.Fatalf("handle error = %v, want ErrFatalStorage", err)
	}
}

func TestStorageErrsKeepsFirstFailure(t *testing.T) {
	rec := newStorageErrs()
	var hash metainfo.Hash
	first := errors.New("disk full")
	rec.set(hash, first)
	rec.set(hash, errors.New("later failure"))
	if got := rec.get(hash); !errors.Is(got, first) {
		t.Fatalf("recorded error = %v, want the first failure", got)
	}
}
