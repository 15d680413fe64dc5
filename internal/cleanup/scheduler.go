package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codebuildervaibhav/call-insights/internal/storage"
)

// Scheduler periodically removes stale files from the temp work directory
// and audio chunks left behind by executions that never finished.
type Scheduler struct {
	tempDir  string
	interval time.Duration
	maxAge   time.Duration
	blobs    storage.BlobStore
	log      logrus.FieldLogger
	now      func() time.Time
	stopChan chan struct{}
}

// Report counts what one sweep removed.
type Report struct {
	Files  int
	Bytes  int64
	Chunks int
}

// NewScheduler creates a new cleanup scheduler. blobs may be nil, in which
// case only the temp directory is swept.
func NewScheduler(tempDir string, intervalMinutes, maxAgeHours int, blobs storage.BlobStore, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		tempDir:  tempDir,
		interval: time.Duration(intervalMinutes) * time.Minute,
		maxAge:   time.Duration(maxAgeHours) * time.Hour,
		blobs:    blobs,
		log:      log,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start runs a sweep immediately and then on every interval until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info("Running initial temp file cleanup")
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	s.log.WithFields(logrus.Fields{
		"interval": s.interval,
		"max_age":  s.maxAge,
	}).Info("Cleanup scheduler started")
}

// Stop stops the cleanup scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.log.Info("Cleanup scheduler stopped")
}

// Sweep removes everything older than the max age once.
func (s *Scheduler) Sweep(ctx context.Context) Report {
	var r Report
	r.Files, r.Bytes = s.cleanOldFiles()
	if s.blobs != nil {
		r.Chunks = s.cleanOrphanChunks(ctx)
	}
	if r.Files > 0 || r.Chunks > 0 {
		s.log.WithFields(logrus.Fields{
			"files":  r.Files,
			"freed":  r.Bytes,
			"chunks": r.Chunks,
		}).Info("Cleanup complete")
	}
	return r
}

// cleanOldFiles removes files older than maxAge from the temp directory.
func (s *Scheduler) cleanOldFiles() (int, int64) {
	now := s.now()
	var (
		deletedCount int
		deletedSize  int64
	)

	err := filepath.Walk(s.tempDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip files we can't access
		}
		if info.IsDir() {
			return nil
		}

		age := now.Sub(info.ModTime())
		if age <= s.maxAge {
			return nil
		}
		if err := os.Remove(path); err != nil {
			s.log.WithError(err).WithField("path", path).Warn("Failed to delete old file")
			return nil
		}
		deletedCount++
		deletedSize += info.Size()
		s.log.WithFields(logrus.Fields{
			"file": filepath.Base(path),
			"age":  age.Round(time.Hour),
		}).Debug("Deleted old temp file")
		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("Error during cleanup")
	}
	return deletedCount, deletedSize
}

// cleanOrphanChunks removes audio chunk blobs older than maxAge. Finished
// executions delete their own chunks, so anything this old belongs to a run
// that failed or was abandoned.
func (s *Scheduler) cleanOrphanChunks(ctx context.Context) int {
	objects, err := s.blobs.List(ctx, "output/")
	if err != nil {
		s.log.WithError(err).Error("Failed to list output blobs")
		return 0
	}
	now := s.now()
	removed := 0
	for _, obj := range objects {
		if !strings.Contains(obj.Key, "/chunks/") || now.Sub(obj.LastModified) <= s.maxAge {
			continue
		}
		if err := s.blobs.Delete(ctx, obj.Key); err != nil {
			s.log.WithError(err).WithField("key", obj.Key).Warn("Failed to delete orphan chunk")
			continue
		}
		removed++
	}
	return removed
}

// EnsureTempDirExists creates the temp directory if it doesn't exist
func EnsureTempDirExists(tempDir string) error {
	return os.MkdirAll(tempDir, 0755)
}
