package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"vox_back/envelope"
	"vox_back/inference"
	"vox_back/logging"
	"vox_back/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const presignExpiry = time.Hour

// trainingStaleAfter is how long a training claim holds before a new run may
// take it over.
const trainingStaleAfter = 30 * time.Minute

// Files stores uploaded documents. *storage.FileStorage satisfies it, nil
// receiver included.
type Files interface {
	Upload(ctx context.Context, fileHeader *multipart.FileHeader, pathSegments ...string) (*storage.StoredFile, error)
	Remove(ctx context.Context, ref string) error
	PresignedURL(ctx context.Context, ref string, expiry time.Duration) (string, error)
}

// Trainer forwards training material to the inference backend.
type Trainer interface {
	Train(ctx context.Context, req inference.TrainRequest) (json.RawMessage, error)
}

type Service struct {
	db      *gorm.DB
	files   Files
	trainer Trainer
	now     func() time.Time
}

type Input struct {
	Name        string   `json:"name"`
	Description *string  `json:"description,omitempty"`
	FAQs        []FAQ    `json:"faqs"`
	WebSources  []string `json:"web_sources"`
}

type Update struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	FAQs        *[]FAQ    `json:"faqs"`
	WebSources  *[]string `json:"web_sources"`
}

func NewService(db *gorm.DB, files Files, trainer Trainer) *Service {
	return &Service{db: db, files: files, trainer: trainer, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) List(ctx context.Context, userID string) ([]Record, error) {
	var rows []KnowledgeBase
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("knowledge: list knowledge bases: %w", err)
	}
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, buildRecord(row))
	}
	return records, nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (*Record, error) {
	row, err := s.get(s.db.WithContext(ctx), userID, id)
	if err != nil {
		return nil, err
	}
	record := buildRecord(*row)
	return &record, nil
}

func (s *Service) Create(ctx context.Context, userID string, input Input) (*Record, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, envelope.Validation("name is required")
	}
	faqs, err := sanitizeFAQs(input.FAQs)
	if err != nil {
		return nil, err
	}
	sources, err := sanitizeWebSources(input.WebSources)
	if err != nil {
		return nil, err
	}

	row := KnowledgeBase{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		Description: trimmedPointer(input.Description),
		Status:      StatusDraft,
		Files:       toJSON([]FileRef{}, "[]"),
		FAQs:        toJSON(faqs, "[]"),
		WebSources:  toJSON(sources, "[]"),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("knowledge: create knowledge base: %w", err)
	}
	return s.Get(ctx, userID, row.ID)
}

func (s *Service) Update(ctx context.Context, userID, id string, changes Update) (*Record, error) {
	row, err := s.get(s.db.WithContext(ctx), userID, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if changes.Name != nil {
		name := strings.TrimSpace(*changes.Name)
		if name == "" {
			return nil, envelope.Validation("name must not be empty")
		}
		updates["name"] = name
	}
	if changes.Description != nil {
		updates["description"] = trimmedPointer(changes.Description)
	}
	if changes.FAQs != nil {
		faqs, err := sanitizeFAQs(*changes.FAQs)
		if err != nil {
			return nil, err
		}
		updates["faqs"] = toJSON(faqs, "[]")
	}
	if changes.WebSources != nil {
		sources, err := sanitizeWebSources(*changes.WebSources)
		if err != nil {
			return nil, err
		}
		updates["web_sources"] = toJSON(sources, "[]")
	}
	if len(updates) == 0 {
		record := buildRecord(*row)
		return &record, nil
	}
	if err := s.db.WithContext(ctx).Model(row).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("knowledge: update knowledge base: %w", err)
	}
	return s.Get(ctx, userID, id)
}

// Delete removes the knowledge base. Stored files are removed best-effort.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	row, err := s.get(s.db.WithContext(ctx), userID, id)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Delete(row).Error; err != nil {
		return fmt.Errorf("knowledge: delete knowledge base: %w", err)
	}
	for _, file := range parseFiles(row.Files) {
		s.removeObject(ctx, row.ID, file)
	}
	return nil
}

// OwnedIDs returns the subset of ids that belong to userID, in input order.
func (s *Service) OwnedIDs(ctx context.Context, userID string, ids ...string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}
	var found []string
	if err := s.db.WithContext(ctx).
		Model(&KnowledgeBase{}).
		Where("user_id = ? AND id IN ?", userID, ids).
		Pluck("id", &found).Error; err != nil {
		return nil, fmt.Errorf("knowledge: load owned ids: %w", err)
	}
	owned := make(map[string]struct{}, len(found))
	for _, id := range found {
		owned[id] = struct{}{}
	}
	result := make([]string, 0, len(found))
	for _, id := range ids {
		if _, ok := owned[id]; ok {
			result = append(result, id)
			delete(owned, id)
		}
	}
	return result, nil
}

// VerifyKnowledgeBases fails with not found unless every id belongs to userID.
func (s *Service) VerifyKnowledgeBases(ctx context.Context, userID string, ids ...string) error {
	for _, id := range ids {
		if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
			return envelope.Validationf("invalid knowledge base id %q", id)
		}
	}
	owned, err := s.OwnedIDs(ctx, userID, ids...)
	if err != nil {
		return err
	}
	ownedSet := make(map[string]struct{}, len(owned))
	for _, id := range owned {
		ownedSet[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := ownedSet[id]; !ok {
			return envelope.NotFound(fmt.Sprintf("knowledge base %s not found", id))
		}
	}
	return nil
}

// Counts returns how many knowledge bases the user has and how many are ready.
func (s *Service) Counts(ctx context.Context, userID string) (total, ready int64, err error) {
	db := s.db.WithContext(ctx).Model(&KnowledgeBase{})
	if err = db.Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("knowledge: count knowledge bases: %w", err)
	}
	if err = s.db.WithContext(ctx).Model(&KnowledgeBase{}).
		Where("user_id = ? AND status = ?", userID, StatusReady).
		Count(&ready).Error; err != nil {
		return 0, 0, fmt.Errorf("knowledge: count ready knowledge bases: %w", err)
	}
	return total, ready, nil
}

// AddFile uploads a document and appends it to the knowledge base.
func (s *Service) AddFile(ctx context.Context, userID, id string, fileHeader *multipart.FileHeader) (*Record, error) {
	row, err := s.get(s.db.WithContext(ctx), userID, id)
	if err != nil {
		return nil, err
	}
	if s.files == nil {
		return nil, storageUnavailable()
	}

	stored, err := s.files.Upload(ctx, fileHeader, userID, row.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			return nil, storageUnavailable()
		}
		return nil, envelope.Validation(err.Error())
	}
	ref := FileRef{
		ID:          uuid.NewString(),
		Name:        stored.Name,
		Key:         stored.Key,
		URL:         stored.URL,
		ContentType: stored.ContentType,
		Size:        stored.Size,
		UploadedAt:  s.now(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.get(tx, userID, id)
		if err != nil {
			return err
		}
		files := append(parseFiles(current.Files), ref)
		return tx.Model(current).Update("files", toJSON(files, "[]")).Error
	})
	if err != nil {
		s.removeObject(ctx, row.ID, ref)
		return nil, wrapError("attach file", err)
	}
	return s.Get(ctx, userID, id)
}

// RemoveFile detaches a document and deletes the stored object.
func (s *Service) RemoveFile(ctx context.Context, userID, id, fileID string) (*Record, error) {
	var removed *FileRef
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.get(tx, userID, id)
		if err != nil {
			return err
		}
		files := parseFiles(current.Files)
		kept := make([]FileRef, 0, len(files))
		for i := range files {
			if files[i].ID == fileID {
				removed = &files[i]
				continue
			}
			kept = append(kept, files[i])
		}
		if removed == nil {
			return envelope.NotFound("file not found")
		}
		return tx.Model(current).Update("files", toJSON(kept, "[]")).Error
	})
	if err != nil {
		return nil, wrapError("detach file", err)
	}
	s.removeObject(ctx, id, *removed)
	return s.Get(ctx, userID, id)
}

// Train sends the knowledge base's material to the inference backend. The
// status moves to training, then to ready or failed.
func (s *Service) Train(ctx context.Context, userID, id string) (*Record, error) {
	row, err := s.get(s.db.WithContext(ctx), userID, id)
	if err != nil {
		return nil, err
	}
	if s.trainer == nil {
		return nil, envelope.Internal("training backend not configured", nil)
	}

	files := parseFiles(row.Files)
	faqs := parseFAQs(row.FAQs)
	sources := parseStrings(row.WebSources)
	if len(files) == 0 && len(faqs) == 0 && len(sources) == 0 {
		return nil, envelope.Validation("add files, FAQs or web sources before training")
	}

	claimed := s.db.WithContext(ctx).Model(&KnowledgeBase{}).
		Where("id = ? AND user_id = ?", row.ID, userID).
		Where("status <> ? OR updated_at < ?", StatusTraining, s.now().Add(-trainingStaleAfter)).
		Updates(map[string]any{"status": StatusTraining, "training_error": nil})
	if claimed.Error != nil {
		return nil, fmt.Errorf("knowledge: mark training: %w", claimed.Error)
	}
	if claimed.RowsAffected == 0 {
		return nil, envelope.Conflict("knowledge base is already training")
	}

	req := inference.TrainRequest{
		UserID:          userID,
		KnowledgebaseID: row.ID,
		Name:            row.Name,
		WebSources:      sources,
	}
	for _, faq := range faqs {
		req.FAQs = append(req.FAQs, inference.TrainFAQ{Question: faq.Question, Answer: faq.Answer})
	}
	for _, file := range files {
		url := file.URL
		if s.files != nil {
			signed, signErr := s.files.PresignedURL(ctx, file.Key, presignExpiry)
			if signErr != nil {
				s.markFailed(ctx, row.ID, signErr)
				return nil, fmt.Errorf("knowledge: presign %s: %w", file.Name, signErr)
			}
			if signed != "" {
				url = signed
			}
		}
		req.Files = append(req.Files, inference.TrainFile{ID: file.ID, Name: file.Name, URL: url, ContentType: file.ContentType})
	}

	if _, err := s.trainer.Train(ctx, req); err != nil {
		s.markFailed(ctx, row.ID, err)
		return nil, err
	}

	// The backend has trained; the outcome is recorded even if the caller left.
	persistCtx := context.WithoutCancel(ctx)
	trainedAt := s.now()
	if err := s.db.WithContext(persistCtx).Model(&KnowledgeBase{}).Where("id = ?", row.ID).Updates(map[string]any{
		"status":          StatusReady,
		"training_error":  nil,
		"last_trained_at": trainedAt,
	}).Error; err != nil {
		return nil, fmt.Errorf("knowledge: mark ready: %w", err)
	}
	return s.Get(persistCtx, userID, id)
}

func (s *Service) markFailed(ctx context.Context, id string, cause error) {
	message := cause.Error()
	if err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&KnowledgeBase{}).Where("id = ?", id).Updates(map[string]any{
		"status":         StatusFailed,
		"training_error": message,
	}).Error; err != nil {
		logging.For("knowledge").WithError(err).WithField("knowledge_base_id", id).Warn("knowledge: record training failure")
	}
}

func (s *Service) removeObject(ctx context.Context, kbID string, file FileRef) {
	if s.files == nil || file.Key == "" {
		return
	}
	if err := s.files.Remove(ctx, file.Key); err != nil {
		logging.For("knowledge").WithError(err).WithFields(map[string]any{
			"knowledge_base_id": kbID,
			"object":            file.Key,
		}).Warn("knowledge: remove stored file")
	}
}

func (s *Service) get(tx *gorm.DB, userID, id string) (*KnowledgeBase, error) {
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		return nil, envelope.Validationf("invalid knowledge base id %q", id)
	}
	var row KnowledgeBase
	err := tx.Where("id = ? AND user_id = ?", id, userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, envelope.NotFound("knowledge base not found")
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: load knowledge base: %w", err)
	}
	return &row, nil
}

func sanitizeFAQs(faqs []FAQ) ([]FAQ, error) {
	result := make([]FAQ, 0, len(faqs))
	for i, faq := range faqs {
		question := strings.TrimSpace(faq.Question)
		answer := strings.TrimSpace(faq.Answer)
		if question == "" && answer == "" {
			continue
		}
		if question == "" || answer == "" {
			return nil, envelope.Validationf("faq %d needs both a question and an answer", i+1)
		}
		result = append(result, FAQ{Question: question, Answer: answer})
	}
	return result, nil
}

func sanitizeWebSources(sources []string) ([]string, error) {
	seen := make(map[string]struct{}, len(sources))
	result := make([]string, 0, len(sources))
	for _, raw := range sources {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			return nil, envelope.Validationf("web source %q must be an http(s) URL", trimmed)
		}
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		result = append(result, trimmed)
	}
	return result, nil
}

func trimmedPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func storageUnavailable() *envelope.Error {
	err := envelope.Internal("file storage not configured", nil)
	err.Status = http.StatusServiceUnavailable
	return err
}

func wrapError(action string, err error) error {
	var e *envelope.Error
	if errors.As(err, &e) {
		return e
	}
	return fmt.Errorf("knowledge: %s: %w", action, err)
}
