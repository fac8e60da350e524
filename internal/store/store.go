// Package store wires the metadata store, sidecar log, background
// persistence worker, and audit batcher into one facade. Callers mutate the
// in-memory record graph and hand it here; everything below this package is
// plumbing.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"imagevault/internal/config"
	"imagevault/internal/infra/persistence/postgres"
	"imagevault/internal/infra/persistence/sqlite"
	"imagevault/internal/pixelsource"
	"imagevault/internal/sidecar"
	"imagevault/pkg/domain"
)

// Storage drivers selectable via Options.Driver or IMAGEVAULT_STORAGE_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	defaultSQLitePath = "./imagevault.db"
	sidecarSuffix     = ".sidecar"
)

// Options configures Open. Zero values select the sqlite driver with paths
// next to the working directory.
type Options struct {
	Driver      string // sqlite|postgres (default sqlite)
	SQLitePath  string
	PostgresDSN string
	SidecarPath string
	PixelSource pixelsource.Source // optional external home for bulk pixels
	Logger      *slog.Logger
}

// Store is the persistence facade over one metadata backend and one sidecar
// log.
type Store struct {
	meta    domain.MetadataStore
	oracle  sidecar.Oracle
	frames  *sidecar.Log
	pixels  pixelsource.Source
	logger  *slog.Logger
	manager *Manager
	audit   *auditBatcher
}

// Open builds a Store from explicit options.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	driver := opts.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	dbPath := opts.SQLitePath
	if dbPath == "" {
		dbPath = defaultSQLitePath
	}
	sidecarPath := opts.SidecarPath
	if sidecarPath == "" {
		if driver == DriverSQLite {
			sidecarPath = dbPath + sidecarSuffix
		} else {
			sidecarPath = defaultSQLitePath + sidecarSuffix
		}
	}

	frames, err := sidecar.Open(sidecarPath)
	if err != nil {
		return nil, fmt.Errorf("open sidecar log: %w", err)
	}

	var meta domain.MetadataStore
	var oracle sidecar.Oracle
	switch driver {
	case DriverSQLite:
		st, err := sqlite.NewStore(dbPath, frames)
		if err != nil {
			return nil, err
		}
		meta, oracle = st, st
	case DriverPostgres:
		st, err := postgres.NewStore(opts.PostgresDSN, frames)
		if err != nil {
			return nil, err
		}
		meta, oracle = st, st
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}

	s := &Store{
		meta:   meta,
		oracle: oracle,
		frames: frames,
		pixels: opts.PixelSource,
		logger: logger,
	}
	s.manager = NewManager(meta.SaveAll, logger)
	s.audit = newAuditBatcher(meta, logger)
	logger.Info("store opened", "driver", driver, "sidecar", sidecarPath)
	return s, nil
}

// OpenFromEnv builds a Store from environment variables.
//
//	IMAGEVAULT_STORAGE_DRIVER: sqlite|postgres (default sqlite)
//	IMAGEVAULT_SQLITE_PATH: sqlite database path (default ./imagevault.db)
//	IMAGEVAULT_POSTGRES_DSN: connection string when driver=postgres
//	IMAGEVAULT_SIDECAR_PATH: sidecar log path (default <db path>.sidecar)
//	IMAGEVAULT_PIXELSOURCE_DRIVER: enables an external pixel source when set
func OpenFromEnv(ctx context.Context, logger *slog.Logger) (*Store, error) {
	opts := Options{
		Driver:      os.Getenv("IMAGEVAULT_STORAGE_DRIVER"),
		SQLitePath:  os.Getenv("IMAGEVAULT_SQLITE_PATH"),
		PostgresDSN: os.Getenv("IMAGEVAULT_POSTGRES_DSN"),
		SidecarPath: os.Getenv("IMAGEVAULT_SIDECAR_PATH"),
		Logger:      logger,
	}
	if os.Getenv("IMAGEVAULT_PIXELSOURCE_DRIVER") != "" {
		src, err := pixelsource.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("open pixel source: %w", err)
		}
		opts.PixelSource = src
	}
	return Open(ctx, opts)
}

// OpenFromConfig builds a Store from a loaded configuration document.
func OpenFromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Store, error) {
	opts := Options{
		Driver:      cfg.Storage.Driver,
		SQLitePath:  cfg.Storage.SQLitePath,
		PostgresDSN: cfg.Storage.PostgresDSN,
		SidecarPath: cfg.Storage.SidecarPath,
		Logger:      logger,
	}
	switch pixelsource.Driver(cfg.PixelSource.Driver) {
	case pixelsource.DriverFilesystem:
		src, err := pixelsource.NewFilesystem(cfg.PixelSource.FSRoot)
		if err != nil {
			return nil, fmt.Errorf("open pixel source: %w", err)
		}
		opts.PixelSource = src
	case pixelsource.DriverS3:
		src, err := pixelsource.NewS3(ctx, pixelsource.S3Config{
			Bucket:   cfg.PixelSource.S3Bucket,
			Region:   cfg.PixelSource.S3Region,
			Prefix:   cfg.PixelSource.S3Prefix,
			Endpoint: cfg.PixelSource.S3Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("open pixel source: %w", err)
		}
		opts.PixelSource = src
	case pixelsource.DriverMemory:
		opts.PixelSource = pixelsource.NewMemory()
	}
	return Open(ctx, opts)
}

// Metadata exposes the underlying metadata store.
func (s *Store) Metadata() domain.MetadataStore { return s.meta }

// SidecarLog exposes the underlying frame log.
func (s *Store) SidecarLog() *sidecar.Log { return s.frames }

// SaveAll persists the full graph synchronously.
func (s *Store) SaveAll(ctx context.Context, patients []*domain.Patient) error {
	start := time.Now()
	if err := s.meta.SaveAll(ctx, patients); err != nil {
		saveOperationsTotal.WithLabelValues("sync", "error").Inc()
		saveDurationHistogram.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return err
	}
	saveOperationsTotal.WithLabelValues("sync", "success").Inc()
	saveDurationHistogram.WithLabelValues("success").Observe(time.Since(start).Seconds())
	s.audit.Record(domain.AuditEntry{Action: "save_all", Details: fmt.Sprintf("patients=%d", len(patients))})
	return nil
}

// SaveAsync queues a snapshot for the background worker.
func (s *Store) SaveAsync(patients []*domain.Patient) error {
	return s.manager.SaveAsync(patients)
}

// Flush blocks until every queued snapshot is persisted.
func (s *Store) Flush(ctx context.Context) error {
	return s.manager.Flush(ctx)
}

// LoadAll reloads every patient graph and attaches the external pixel
// source, if any, so unpersisted payloads remain reachable.
func (s *Store) LoadAll(ctx context.Context) ([]*domain.Patient, error) {
	patients, err := s.meta.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	s.attachPixelSource(patients)
	return patients, nil
}

// LoadPatient reloads a single patient graph.
func (s *Store) LoadPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	p, err := s.meta.LoadPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	s.attachPixelSource([]*domain.Patient{p})
	return p, nil
}

func (s *Store) attachPixelSource(patients []*domain.Patient) {
	if s.pixels == nil {
		return
	}
	domain.WalkInstances(patients, func(_ *domain.Patient, _ *domain.Study, _ *domain.Series, inst *domain.Instance) {
		inst.SetPixelFetcher(s.pixels)
	})
}

// UpdateAttributes rewrites attribute documents for already-saved instances.
func (s *Store) UpdateAttributes(ctx context.Context, instances []*domain.Instance) error {
	return s.meta.UpdateAttributes(ctx, instances)
}

// LogAudit queues one audit trail entry.
func (s *Store) LogAudit(action, entityUID, details string) {
	s.audit.Record(domain.AuditEntry{Action: action, EntityUID: entityUID, Details: details})
}

// AuditTrail returns persisted audit entries; entries queued in the batcher
// and not yet flushed are not included.
func (s *Store) AuditTrail(ctx context.Context, entityUID string) ([]domain.AuditEntry, error) {
	return s.meta.LoadAudit(ctx, entityUID)
}

// SaveFindings persists scan findings.
func (s *Store) SaveFindings(ctx context.Context, findings []domain.Finding) error {
	return s.meta.SaveFindings(ctx, findings)
}

// Findings returns all persisted findings.
func (s *Store) Findings(ctx context.Context) ([]domain.Finding, error) {
	return s.meta.LoadFindings(ctx)
}

// CountInstances reports persisted instance rows.
func (s *Store) CountInstances(ctx context.Context) (int, error) {
	return s.meta.CountInstances(ctx)
}

// FlattenedInstances returns denormalized instance rows matching filter.
func (s *Store) FlattenedInstances(ctx context.Context, filter domain.InstanceFilter) ([]domain.FlatInstance, error) {
	return s.meta.FlattenedInstances(ctx, filter)
}

// PersistPixels writes an instance's pending pixel buffer to the sidecar log
// and releases the buffer. The database row picks up the new reference on
// the next save.
func (s *Store) PersistPixels(ctx context.Context, inst *domain.Instance) (domain.BlobRef, error) {
	buf, rev, pending := inst.PendingPixels()
	if !pending {
		if ref, ok := inst.BlobRef(); ok {
			return ref, nil
		}
		return domain.BlobRef{}, domain.ErrNoPixels{SOPInstanceUID: inst.SOPInstanceUID}
	}
	ref, err := s.frames.WriteFrame(buf, domain.CompressionZlib)
	if err != nil {
		return domain.BlobRef{}, fmt.Errorf("persist pixels for %s: %w", inst.SOPInstanceUID, err)
	}
	if !inst.SetBlobRef(s.frames, ref, rev) {
		// Replaced mid-write: retry with the new buffer, the orphaned
		// frame is reclaimed by the next compaction.
		return s.PersistPixels(ctx, inst)
	}
	inst.UnloadPixels()
	return ref, nil
}

// OffloadPixels moves an instance's pixels to the external pixel source and
// releases the in-memory buffer.
func (s *Store) OffloadPixels(ctx context.Context, inst *domain.Instance) error {
	if s.pixels == nil {
		return fmt.Errorf("no pixel source configured")
	}
	rev := inst.PixelRevision()
	data, err := inst.Pixels(ctx)
	if err != nil {
		return err
	}
	if err := s.pixels.StorePixels(ctx, inst.SOPInstanceUID, data); err != nil {
		return fmt.Errorf("offload pixels for %s: %w", inst.SOPInstanceUID, err)
	}
	inst.SetPixelFetcher(s.pixels)
	inst.MarkPixelsStored(rev)
	if !inst.UnloadPixels() {
		return fmt.Errorf("pixels for %s still pinned in memory", inst.SOPInstanceUID)
	}
	return nil
}

// Compact flushes pending saves and rewrites the sidecar log keeping only
// frames referenced by the metadata store. The returned map holds the new
// location of every surviving frame; callers with a live in-memory graph
// apply it with domain.Relocate.
func (s *Store) Compact(ctx context.Context) (map[string]domain.BlobRef, error) {
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}
	before, err := s.frames.Size()
	if err != nil {
		return nil, err
	}
	moves, err := sidecar.NewCompactor(s.frames, s.oracle).Run(ctx)
	if err != nil {
		return nil, err
	}
	after, err := s.frames.Size()
	if err == nil && before > after {
		compactionReclaimedGauge.Set(float64(before - after))
	}
	s.logger.Info("sidecar compacted", "frames", len(moves), "bytes_before", before, "bytes_after", after)
	s.audit.Record(domain.AuditEntry{Action: "compact", Details: fmt.Sprintf("frames=%d", len(moves))})
	return moves, nil
}

// Shutdown drains the background worker and audit batcher, then closes the
// metadata store. The store must not be used afterwards; the manager alone
// reopens on a late save, but the metadata store stays closed.
func (s *Store) Shutdown() error {
	err := s.manager.Shutdown()
	s.audit.Close()
	if cerr := s.meta.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
