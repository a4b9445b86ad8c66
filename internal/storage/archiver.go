package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"media-harbor/internal/bus"
	"media-harbor/internal/domain"
)

const archiveTimeout = 30 * time.Minute

// ArchiverConfig points the archiver at its bucket.
type ArchiverConfig struct {
	Bucket      string
	KeyPrefix   string
	DownloadDir string
	Logger      *logrus.Logger
}

// TransferFiles resolves the delivered files of a completed transfer.
type TransferFiles interface {
	Files(id string) ([]string, error)
}

// Archiver copies completed transfers to object storage and removes the
// archive when the transfer is removed. It runs entirely off the event
// stream; the transfer core does not know it exists.
type Archiver struct {
	cfg       ArchiverConfig
	service   Service
	transfers TransferFiles
	events    *bus.Bus
	logger    *logrus.Logger

	stop chan struct{}
	done chan struct{}
}

func NewArchiver(cfg ArchiverConfig, service Service, transfers TransferFiles, events *bus.Bus) *Archiver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Archiver{
		cfg:       cfg,
		service:   service,
		transfers: transfers,
		events:    events,
		logger:    cfg.Logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run consumes transfer events until Stop.
func (a *Archiver) Run() {
	defer close(a.done)
	sub := a.events.Subscribe()
	defer sub.Unsubscribe()

	for {
		ev, ok := sub.Next(a.stop)
		if !ok {
			return
		}
		switch ev.Type {
		case domain.EventTransferCompleted:
			a.archive(ev.SourceID)
		case domain.EventTransferRemoved:
			a.unarchive(ev.SourceID)
		}
	}
}

// Stop terminates the event loop and waits for it to exit.
func (a *Archiver) Stop() {
	close(a.stop)
	<-a.done
}

func (a *Archiver) archive(sourceID string) {
	files, err := a.transfers.Files(sourceID)
	if err != nil || len(files) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	log := a.logger.WithField("source_id", sourceID)
	location, err := a.service.ArchiveFiles(ctx, a.cfg.DownloadDir, files, UploadOptions{
		Bucket:    a.cfg.Bucket,
		KeyPrefix: a.prefix(sourceID),
		ProgressCallback: func(done, total int64) {
			log.WithFields(logrus.Fields{"done": done, "total": total}).Debug("archive progress")
		},
	})
	if err != nil {
		log.WithError(err).Error("archive completed transfer")
		return
	}
	log.WithField("location", location).Info("transfer archived")
}

func (a *Archiver) unarchive(sourceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	if err := a.service.DeletePrefix(ctx, a.cfg.Bucket, a.prefix(sourceID)); err != nil {
		a.logger.WithError(err).WithField("source_id", sourceID).Warn("remove transfer archive")
	}
}

func (a *Archiver) prefix(sourceID string) string {
	if a.cfg.KeyPrefix == "" {
		return sourceID
	}
	return fmt.Sprintf("%s/%s", a.cfg.KeyPrefix, sourceID)
}
