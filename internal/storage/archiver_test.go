package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"media-harbor/internal/bus"
	"media-harbor/internal/domain"
)

type fakeService struct {
	mu       sync.Mutex
	archived []string // key prefixes uploaded
	deleted  []string
}

func (f *fakeService) ArchiveFiles(ctx context.Context, root string, relPaths []string, opts UploadOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, opts.KeyPrefix)
	return "s3://" + opts.Bucket + "/" + opts.KeyPrefix, nil
}

func (f *fakeService) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	return nil, nil
}

func (f *fakeService) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, prefix)
	return nil
}

func (f *fakeService) GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	return "", nil
}

type staticFiles map[string][]string

func (s staticFiles) Files(id string) ([]string, error) { return s[id], nil }

func TestArchiverFollowsTransferLifecycle(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	events := bus.New(logger)
	defer events.Close()

	svc := &fakeService{}
	arch := NewArchiver(ArchiverConfig{
		Bucket:      "harbor",
		KeyPrefix:   "archive",
		DownloadDir: "/data/downloads",
		Logger:      logger,
	}, svc, staticFiles{"abc": {"film/film.mkv"}}, events)
	go arch.Run()
	defer arch.Stop()

	time.Sleep(5 * time.Millisecond)
	events.Publish(domain.Event{Type: domain.EventTransferCompleted, SourceID: "abc"})
	// a transfer with no known files is skipped
	events.Publish(domain.Event{Type: domain.EventTransferCompleted, SourceID: "unknown"})
	events.Publish(domain.Event{Type: domain.EventTransferRemoved, SourceID: "abc"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		svc.mu.Lock()
		archived, deleted := len(svc.archived), len(svc.deleted)
		svc.mu.Unlock()
		if archived == 1 && deleted == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.archived) != 1 || svc.archived[0] != "archive/abc" {
		t.Fatalf("archived = %v", svc.archived)
	}
	if len(svc.deleted) != 1 || svc.deleted[0] != "archive/abc" {
		t.Fatalf("deleted = %v", svc.deleted)
	}
}
