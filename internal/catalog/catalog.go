// Package catalog keeps the media library in sync with transfer events.
// Availability flows one way: the transfer core publishes, the catalog
// listens, and nothing in the core ever reads catalog state.
package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"media-harbor/internal/bus"
	"media-harbor/internal/domain"
	"media-harbor/internal/repository"
)

const opTimeout = 5 * time.Second

// Transfers is the read-only slice of the transfer engine the catalog
// uses to resolve names and delivered files.
type Transfers interface {
	Get(id string) (domain.Transfer, error)
	Files(id string) ([]string, error)
}

// Service applies transfer events to the media catalog.
type Service struct {
	repo        repository.MediaRepository
	transfers   Transfers
	events      *bus.Bus
	logger      *logrus.Logger
	downloadDir string

	stop chan struct{}
	done chan struct{}
}

func New(repo repository.MediaRepository, transfers Transfers, events *bus.Bus, downloadDir string, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		repo:        repo,
		transfers:   transfers,
		events:      events,
		logger:      logger,
		downloadDir: downloadDir,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Run consumes transfer events until Stop.
func (s *Service) Run() {
	defer close(s.done)
	sub := s.events.Subscribe()
	defer sub.Unsubscribe()

	for {
		ev, ok := sub.Next(s.stop)
		if !ok {
			return
		}
		// transfers without a catalog reference have nothing to sync
		if ev.MediaRef == nil || ev.MediaRef.MediaType == "" {
			continue
		}
		if err := s.apply(ev); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"event":     ev.Type,
				"source_id": ev.SourceID,
			}).Warn("apply transfer event to catalog")
		}
	}
}

// Stop terminates the event loop and waits for it to exit.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Service) apply(ev domain.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	ref := *ev.MediaRef

	switch ev.Type {
	case domain.EventTransferAdded:
		return s.repo.Ensure(ctx, ref, s.transferName(ev.SourceID), ev.SourceID)

	case domain.EventTransferStatusChanged:
		// the name becomes known once metadata arrives
		if ev.Status == domain.TransferStatusDownloading {
			return s.repo.Ensure(ctx, ref, s.transferName(ev.SourceID), ev.SourceID)
		}
		return nil

	case domain.EventTransferCompleted:
		files, err := s.transfers.Files(ev.SourceID)
		if err != nil {
			return err
		}
		mediaFiles := make([]domain.MediaFile, 0, len(files))
		for _, path := range files {
			mediaFiles = append(mediaFiles, domain.MediaFile{Ref: ref, Path: path})
		}
		if err := s.repo.ReplaceFiles(ctx, ref, mediaFiles); err != nil {
			return err
		}
		path := s.downloadDir
		if len(files) > 0 {
			path = filepath.Join(s.downloadDir, files[0])
		}
		at := ev.Time
		if at.IsZero() {
			at = time.Now().UTC()
		}
		return s.repo.MarkAvailable(ctx, ref, path, at)

	case domain.EventTransferRemoved:
		err := s.repo.MarkUnavailable(ctx, ref)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) transferName(sourceID string) string {
	t, err := s.transfers.Get(sourceID)
	if err != nil {
		return ""
	}
	return t.Name
}

// Item returns one catalog entry with its files.
func (s *Service) Item(ctx context.Context, ref domain.MediaRef) (*domain.MediaItem, []domain.MediaFile, error) {
	item, err := s.repo.Get(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	files, err := s.repo.ListFiles(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	return item, files, nil
}

// List returns every catalog entry.
func (s *Service) List(ctx context.Context) ([]domain.MediaItem, error) {
	return s.repo.List(ctx)
}
