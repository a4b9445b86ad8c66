package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"media-harbor/internal/bus"
	"media-harbor/internal/domain"
	"media-harbor/internal/repository"
	"media-harbor/internal/repository/sqlite"
)

type fakeTransfers struct {
	mu    sync.Mutex
	names map[string]string
	files map[string][]string
}

func (f *fakeTransfers) Get(id string) (domain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.names[id]
	if !ok {
		return domain.Transfer{}, errors.New("unknown transfer")
	}
	return domain.Transfer{SourceID: id, Name: name}, nil
}

func (f *fakeTransfers) Files(id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[id], nil
}

func newTestCatalog(t *testing.T) (*Service, *bus.Bus, *fakeTransfers, repository.MediaRepository) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	repo := sqlite.NewMediaRepository(db)
	if err := repo.Init(context.Background()); err != nil {
		t.Fatalf("init repo: %v", err)
	}

	transfers := &fakeTransfers{
		names: map[string]string{},
		files: map[string][]string{},
	}
	events := bus.New(logger)
	t.Cleanup(events.Close)

	svc := New(repo, transfers, events, "/data/downloads", logger)
	go svc.Run()
	t.Cleanup(svc.Stop)

	// let the loop subscribe before tests publish
	time.Sleep(5 * time.Millisecond)
	return svc, events, transfers, repo
}

func waitForItem(t *testing.T, repo repository.MediaRepository, ref domain.MediaRef, cond func(domain.MediaItem) bool) domain.MediaItem {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		item, err := repo.Get(context.Background(), ref)
		if err == nil && cond(*item) {
			return *item
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("catalog row for %v never reached expected state", ref)
	return domain.MediaItem{}
}

func TestCompletedTransferMarksMediaAvailable(t *testing.T) {
	svc, events, transfers, repo := newTestCatalog(t)
	ref := domain.MediaRef{MediaType: domain.MediaTypeMovie, MediaID: 42}

	transfers.mu.Lock()
	transfers.names["abc"] = "Some Film (2024)"
	transfers.files["abc"] = []string{"Some Film (2024)/film.mkv", "Some Film (2024)/film.srt"}
	transfers.mu.Unlock()

	events.Publish(domain.Event{Type: domain.EventTransferAdded, SourceID: "abc", MediaRef: &ref})
	waitForItem(t, repo, ref, func(i domain.MediaItem) bool { return !i.Available })

	events.Publish(domain.Event{Type: domain.EventTransferCompleted, SourceID: "abc", MediaRef: &ref, Time: time.Now().UTC()})
	item := waitForItem(t, repo, ref, func(i domain.MediaItem) bool { return i.Available })

	if item.FilePath != filepath.Join("/data/downloads", "Some Film (2024)/film.mkv") {
		t.Fatalf("FilePath = %q", item.FilePath)
	}
	if item.AvailableAt == nil {
		t.Fatal("AvailableAt not set")
	}

	_, files, err := svc.Item(context.Background(), ref)
	if err != nil {
		t.Fatalf("Item: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
}

func TestNameResolvedOnceMetadataArrives(t *testing.T) {
	_, events, transfers, repo := newTestCatalog(t)
	ref := domain.MediaRef{MediaType: domain.MediaTypeEpisode, MediaID: 7}

	// no name yet at add time
	events.Publish(domain.Event{Type: domain.EventTransferAdded, SourceID: "ep7", MediaRef: &ref})
	waitForItem(t, repo, ref, func(i domain.MediaItem) bool { return i.Title == "" })

	transfers.mu.Lock()
	transfers.names["ep7"] = "Show S01E07"
	transfers.mu.Unlock()
	events.Publish(domain.Event{
		Type:     domain.EventTransferStatusChanged,
		SourceID: "ep7",
		MediaRef: &ref,
		Status:   domain.TransferStatusDownloading,
	})
	waitForItem(t, repo, ref, func(i domain.MediaItem) bool { return i.Title == "Show S01E07" })
}

func TestRemovedTransferMarksMediaUnavailable(t *testing.T) {
	_, events, transfers, repo := newTestCatalog(t)
	ref := domain.MediaRef{MediaType: domain.MediaTypeAlbum, MediaID: 3}

	transfers.mu.Lock()
	transfers.names["alb"] = "Album"
	transfers.files["alb"] = []string{"Album/01.flac"}
	transfers.mu.Unlock()

	events.Publish(domain.Event{Type: domain.EventTransferAdded, SourceID: "alb", MediaRef: &ref})
	events.Publish(domain.Event{Type: domain.EventTransferCompleted, SourceID: "alb", MediaRef: &ref})
	waitForItem(t, repo, ref, func(i domain.MediaItem) bool { return i.Available })

	events.Publish(domain.Event{Type: domain.EventTransferRemoved, SourceID: "alb", MediaRef: &ref})
	item := waitForItem(t, repo, ref, func(i domain.MediaItem) bool { return !i.Available })
	if item.FilePath != "" || item.AvailableAt != nil {
		t.Fatalf("availability fields not cleared: %+v", item)
	}
}

func TestEventsWithoutMediaRefIgnored(t *testing.T) {
	svc, events, _, _ := newTestCatalog(t)

	events.Publish(domain.Event{Type: domain.EventTransferAdded, SourceID: "anon"})
	events.Publish(domain.Event{Type: domain.EventTunnelConnected})
	time.Sleep(20 * time.Millisecond)

	items, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("items = %+v", items)
	}
}
