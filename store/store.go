package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store wraps the relational database behind pipeline-shaped operations.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open connects to Postgres and returns a Store. TranslateError is enabled so
// unique-constraint violations surface as gorm.ErrDuplicatedKey regardless of
// driver.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an existing gorm connection. Used directly by tests with an
// in-memory SQLite database.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB exposes the underlying connection for migrations and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Migrate creates or updates the schema for all pipeline models.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&RawSignal{},
		&Insight{},
		&ReviewQueueEntry{},
		&ContentSimilarity{},
		&AgentConfig{},
		&ExecutionLog{},
		&WebhookEvent{},
	)
}

// --- Raw signals -----------------------------------------------------------

// CreateSignal persists a scraped signal. Inserting a second signal with the
// same non-null content hash fails with DuplicateContentError; concurrent
// ingestion of identical content resolves to exactly one surviving row.
func (s *Store) CreateSignal(ctx context.Context, sig *RawSignal) error {
	if err := s.db.WithContext(ctx).Create(sig).Error; err != nil {
		if isUniqueViolation(err) {
			hash := ""
			if sig.ContentHash != nil {
				hash = *sig.ContentHash
			}
			return &DuplicateContentError{Hash: hash}
		}
		return fmt.Errorf("create signal: %w", err)
	}
	return nil
}

// MarkSignalProcessed flags a signal once an insight has been derived from it.
func (s *Store) MarkSignalProcessed(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).
		Model(&RawSignal{}).
		Where("id = ?", id).
		Update("processed", true).Error
}

// UnprocessedSignals returns up to limit signals awaiting analysis, oldest
// first.
func (s *Store) UnprocessedSignals(ctx context.Context, limit int) ([]RawSignal, error) {
	var signals []RawSignal
	err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("created_at asc").
		Limit(limit).
		Find(&signals).Error
	return signals, err
}

// --- Insights --------------------------------------------------------------

// CreateInsight persists a derived insight.
func (s *Store) CreateInsight(ctx context.Context, ins *Insight) error {
	return s.db.WithContext(ctx).Create(ins).Error
}

// GetInsight loads one insight by id.
func (s *Store) GetInsight(ctx context.Context, id uint) (*Insight, error) {
	var ins Insight
	if err := s.db.WithContext(ctx).First(&ins, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ins, nil
}

// PublishInsight marks an insight as published.
func (s *Store) PublishInsight(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).
		Model(&Insight{}).
		Where("id = ?", id).
		Update("published", true).Error
}

// DeleteInsight removes an insight. Only resolution actions and explicit
// purge jobs call this; the pipeline itself never deletes.
func (s *Store) DeleteInsight(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&Insight{}, id).Error
}

// PublishedInsights returns the published corpus for similarity comparison.
func (s *Store) PublishedInsights(ctx context.Context) ([]Insight, error) {
	var insights []Insight
	err := s.db.WithContext(ctx).
		Where("published = ?", true).
		Order("id asc").
		Find(&insights).Error
	return insights, err
}

// InsightsCreatedSince returns insights created at or after the cutoff,
// the candidate window for a similarity batch.
func (s *Store) InsightsCreatedSince(ctx context.Context, cutoff time.Time) ([]Insight, error) {
	var insights []Insight
	err := s.db.WithContext(ctx).
		Where("created_at >= ?", cutoff).
		Order("id asc").
		Find(&insights).Error
	return insights, err
}

// --- Review queue ----------------------------------------------------------

// UpsertReviewEntry creates or updates the single queue row for one artifact.
// The (content_type, content_id) unique key makes re-submission an update,
// never a second row.
func (s *Store) UpsertReviewEntry(ctx context.Context, entry *ReviewQueueEntry) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "content_type"}, {Name: "content_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"quality_score", "status", "auto_approved", "reviewed_by", "notes", "reviewed_at",
		}),
	}).Create(entry).Error
}

// GetReviewEntry loads the queue row for one artifact.
func (s *Store) GetReviewEntry(ctx context.Context, contentType string, contentID uint) (*ReviewQueueEntry, error) {
	var entry ReviewQueueEntry
	err := s.db.WithContext(ctx).
		Where("content_type = ? AND content_id = ?", contentType, contentID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// SaveReviewEntry persists reviewer-driven changes to an existing entry.
func (s *Store) SaveReviewEntry(ctx context.Context, entry *ReviewQueueEntry) error {
	return s.db.WithContext(ctx).Save(entry).Error
}

// --- Similarity pairs ------------------------------------------------------

// CreateSimilarity records a flagged pair. The ids are stored in canonical
// order so the unordered pair is unique; recording the same pair twice is a
// no-op.
func (s *Store) CreateSimilarity(ctx context.Context, pair *ContentSimilarity) error {
	if pair.SourceID > pair.SimilarID {
		pair.SourceID, pair.SimilarID = pair.SimilarID, pair.SourceID
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_id"}, {Name: "similar_id"}},
		DoNothing: true,
	}).Create(pair).Error
}

// UnresolvedSimilarities returns pairs awaiting triage, oldest first.
func (s *Store) UnresolvedSimilarities(ctx context.Context) ([]ContentSimilarity, error) {
	var pairs []ContentSimilarity
	err := s.db.WithContext(ctx).
		Where("resolved = ?", false).
		Order("created_at asc").
		Find(&pairs).Error
	return pairs, err
}

// GetSimilarity loads one pair by id.
func (s *Store) GetSimilarity(ctx context.Context, id uint) (*ContentSimilarity, error) {
	var pair ContentSimilarity
	if err := s.db.WithContext(ctx).First(&pair, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pair, nil
}

// MarkSimilarityResolved stores the chosen resolution.
func (s *Store) MarkSimilarityResolved(ctx context.Context, id uint, resolution Resolution) error {
	return s.db.WithContext(ctx).
		Model(&ContentSimilarity{}).
		Where("id = ?", id).
		Updates(map[string]any{"resolved": true, "resolution": string(resolution)}).Error
}

// --- Agent configuration ---------------------------------------------------

// GetOrCreateAgentConfig loads the named agent's configuration, seeding a row
// from defaults on first reference.
func (s *Store) GetOrCreateAgentConfig(ctx context.Context, defaults AgentConfig) (*AgentConfig, error) {
	cfg := defaults
	err := s.db.WithContext(ctx).
		Where(&AgentConfig{Name: defaults.Name}).
		FirstOrCreate(&cfg).Error
	if err != nil {
		return nil, fmt.Errorf("agent config %s: %w", defaults.Name, err)
	}
	return &cfg, nil
}

// ListAgentConfigs returns every configured agent.
func (s *Store) ListAgentConfigs(ctx context.Context) ([]AgentConfig, error) {
	var configs []AgentConfig
	err := s.db.WithContext(ctx).Order("name asc").Find(&configs).Error
	return configs, err
}

// SaveAgentConfig persists admin or scheduler changes to an agent row.
func (s *Store) SaveAgentConfig(ctx context.Context, cfg *AgentConfig) error {
	return s.db.WithContext(ctx).Save(cfg).Error
}

// UpdateAgentRunTimes advances the last/next run timestamps after a dispatch.
func (s *Store) UpdateAgentRunTimes(ctx context.Context, name string, lastRun time.Time, nextRun *time.Time) error {
	updates := map[string]any{}
	if !lastRun.IsZero() {
		updates["last_run_at"] = lastRun
	}
	if nextRun != nil {
		updates["next_run_at"] = *nextRun
	}
	if len(updates) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&AgentConfig{}).
		Where("name = ?", name).
		Updates(updates).Error
}

// --- Execution logs --------------------------------------------------------

// StartExecutionLog appends a running log row at dispatch time.
func (s *Store) StartExecutionLog(ctx context.Context, log *ExecutionLog) error {
	if log.StartedAt.IsZero() {
		log.StartedAt = time.Now().UTC()
	}
	log.Status = RunRunning
	return s.db.WithContext(ctx).Create(log).Error
}

// FinishExecutionLog records the run outcome. This is the only mutation a log
// row ever receives after creation.
func (s *Store) FinishExecutionLog(ctx context.Context, log *ExecutionLog) error {
	now := time.Now().UTC()
	log.FinishedAt = &now
	log.DurationMs = now.Sub(log.StartedAt).Milliseconds()
	return s.db.WithContext(ctx).Save(log).Error
}

// DailyCostUSD sums the cost recorded against an agent since the start of the
// current UTC day.
func (s *Store) DailyCostUSD(ctx context.Context, agentName string, now time.Time) (float64, error) {
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var total float64
	err := s.db.WithContext(ctx).
		Model(&ExecutionLog{}).
		Where("agent_name = ? AND started_at >= ?", agentName, dayStart).
		Select("COALESCE(SUM(cost_usd), 0)").
		Scan(&total).Error
	return total, err
}

// ItemsProcessedSince sums items processed by an agent since the cutoff, used
// for the advisory hourly rate ceiling.
func (s *Store) ItemsProcessedSince(ctx context.Context, agentName string, cutoff time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).
		Model(&ExecutionLog{}).
		Where("agent_name = ? AND started_at >= ?", agentName, cutoff).
		Select("COALESCE(SUM(items_processed), 0)").
		Scan(&total).Error
	return total, err
}

// RecentExecutionLogs returns an agent's most recent runs, newest first.
func (s *Store) RecentExecutionLogs(ctx context.Context, agentName string, limit int) ([]ExecutionLog, error) {
	var logs []ExecutionLog
	q := s.db.WithContext(ctx).Order("started_at DESC, id DESC")
	if agentName != "" {
		q = q.Where("agent_name = ?", agentName)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&logs).Error
	return logs, err
}

// --- Webhook events --------------------------------------------------------

// ClaimWebhookEvent attempts to claim an external event id for processing.
// The first caller inserts the row and owns processing. A later caller gets
// the existing row back with claimed=false, unless that row is failed, in
// which case the claim is transferred so delivery retries are not permanently
// suppressed. Only successful rows anchor idempotency.
func (s *Store) ClaimWebhookEvent(ctx context.Context, eventID, eventType string, payload []byte) (*WebhookEvent, bool, error) {
	ev := &WebhookEvent{
		EventID:    eventID,
		EventType:  eventType,
		Status:     WebhookProcessing,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Create(ev).Error
	if err == nil {
		return ev, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("claim webhook event: %w", err)
	}

	// Row exists. A failed row may be reclaimed; the guarded update makes
	// sure exactly one retrier wins.
	res := s.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ? AND status = ?", eventID, WebhookFailed).
		Updates(map[string]any{
			"status":      WebhookProcessing,
			"error":       "",
			"received_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, false, res.Error
	}

	var existing WebhookEvent
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&existing).Error; err != nil {
		return nil, false, err
	}
	return &existing, res.RowsAffected > 0, nil
}

// GetWebhookEvent loads one event row by external id.
func (s *Store) GetWebhookEvent(ctx context.Context, eventID string) (*WebhookEvent, error) {
	var ev WebhookEvent
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&ev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ev, nil
}

// CompleteWebhookEvent appends the successful result to a claimed event.
func (s *Store) CompleteWebhookEvent(ctx context.Context, eventID string, result []byte) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"status":       WebhookCompleted,
			"result":       result,
			"processed_at": now,
		}).Error
}

// FailWebhookEvent records a handler failure so the row is never left
// half-processed.
func (s *Store) FailWebhookEvent(ctx context.Context, eventID string, handlerErr error) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{
			"status":       WebhookFailed,
			"error":        handlerErr.Error(),
			"processed_at": now,
		}).Error
}
