package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"testing"
	"time"

	"vox_back/database"
	"vox_back/envelope"
	"vox_back/inference"
	"vox_back/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryFiles struct {
	uploaded []string
	removed  []string
}

func (m *memoryFiles) Upload(_ context.Context, fh *multipart.FileHeader, segments ...string) (*storage.StoredFile, error) {
	key := storage.ObjectName(fh.Filename, "application/pdf", segments...)
	m.uploaded = append(m.uploaded, key)
	return &storage.StoredFile{Key: key, URL: "https://files.test/vox/" + key, Name: fh.Filename, ContentType: "application/pdf", Size: 42}, nil
}

func (m *memoryFiles) Remove(_ context.Context, ref string) error {
	m.removed = append(m.removed, ref)
	return nil
}

func (m *memoryFiles) PresignedURL(_ context.Context, ref string, _ time.Duration) (string, error) {
	return "https://signed.test/" + ref, nil
}

type recordingTrainer struct {
	requests []inference.TrainRequest
	err      error
	onTrain  func()
}

func (r *recordingTrainer) Train(_ context.Context, req inference.TrainRequest) (json.RawMessage, error) {
	r.requests = append(r.requests, req)
	if r.onTrain != nil {
		r.onTrain()
	}
	if r.err != nil {
		return nil, r.err
	}
	return json.RawMessage(`{"status":"ok"}`), nil
}

func newTestService(t *testing.T) (*Service, *memoryFiles, *recordingTrainer) {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	files := &memoryFiles{}
	trainer := &recordingTrainer{}
	return NewService(db, files, trainer), files, trainer
}

func TestCreateAndUpdate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "u1", Input{Name: "  "})
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))
	_, err = svc.Create(ctx, "u1", Input{Name: "FAQ", FAQs: []FAQ{{Question: "hours?"}}})
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))
	_, err = svc.Create(ctx, "u1", Input{Name: "Web", WebSources: []string{"ftp://example.com"}})
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))

	record, err := svc.Create(ctx, "u1", Input{
		Name:       " Support ",
		FAQs:       []FAQ{{Question: " hours? ", Answer: "9-5"}, {}},
		WebSources: []string{"https://example.com/faq", "HTTPS://example.com/FAQ", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, "Support", record.Name)
	assert.Equal(t, StatusDraft, record.Status)
	assert.Equal(t, []FAQ{{Question: "hours?", Answer: "9-5"}}, record.FAQs)
	assert.Equal(t, []string{"https://example.com/faq"}, record.WebSources)
	assert.Empty(t, record.Files)

	desc := "Answers for the front desk"
	updated, err := svc.Update(ctx, "u1", record.ID, Update{Description: &desc})
	require.NoError(t, err)
	require.NotNil(t, updated.Description)
	assert.Equal(t, desc, *updated.Description)
	assert.Equal(t, record.FAQs, updated.FAQs)

	_, err = svc.Get(ctx, "u2", record.ID)
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(err))
	_, err = svc.Get(ctx, "u1", "nope")
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))
}

func TestOwnershipChecks(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	mine, err := svc.Create(ctx, "u1", Input{Name: "mine"})
	require.NoError(t, err)
	theirs, err := svc.Create(ctx, "u2", Input{Name: "theirs"})
	require.NoError(t, err)
	missing := uuid.NewString()

	owned, err := svc.OwnedIDs(ctx, "u1", theirs.ID, mine.ID, missing, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{mine.ID}, owned)

	require.NoError(t, svc.VerifyKnowledgeBases(ctx, "u1", mine.ID))
	require.NoError(t, svc.VerifyKnowledgeBases(ctx, "u1"))
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(svc.VerifyKnowledgeBases(ctx, "u1", mine.ID, theirs.ID)))
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(svc.VerifyKnowledgeBases(ctx, "u1", "bad-id")))

	total, ready, err := svc.Counts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Zero(t, ready)
}

func TestFiles_AddRemoveDelete(t *testing.T) {
	svc, files, _ := newTestService(t)
	ctx := context.Background()

	kb, err := svc.Create(ctx, "u1", Input{Name: "docs"})
	require.NoError(t, err)

	withFile, err := svc.AddFile(ctx, "u1", kb.ID, &multipart.FileHeader{Filename: "manual.pdf"})
	require.NoError(t, err)
	require.Len(t, withFile.Files, 1)
	file := withFile.Files[0]
	assert.Equal(t, "manual.pdf", file.Name)
	assert.Contains(t, file.Key, "knowledge/u1/"+kb.ID+"/")

	_, err = svc.RemoveFile(ctx, "u1", kb.ID, uuid.NewString())
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(err))

	second, err := svc.AddFile(ctx, "u1", kb.ID, &multipart.FileHeader{Filename: "prices.pdf"})
	require.NoError(t, err)
	require.Len(t, second.Files, 2)

	afterRemove, err := svc.RemoveFile(ctx, "u1", kb.ID, file.ID)
	require.NoError(t, err)
	require.Len(t, afterRemove.Files, 1)
	assert.Equal(t, "prices.pdf", afterRemove.Files[0].Name)
	assert.Equal(t, []string{file.Key}, files.removed)

	require.NoError(t, svc.Delete(ctx, "u1", kb.ID))
	assert.Len(t, files.removed, 2)
	_, err = svc.Get(ctx, "u1", kb.ID)
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(err))
}

func TestAddFile_StorageNotConfigured(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	var unconfigured *storage.FileStorage
	svc := NewService(db, unconfigured, nil)

	kb, err := svc.Create(context.Background(), "u1", Input{Name: "docs"})
	require.NoError(t, err)
	_, err = svc.AddFile(context.Background(), "u1", kb.ID, &multipart.FileHeader{Filename: "a.pdf"})
	require.Error(t, err)
	var e *envelope.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, 503, e.HTTPStatus())
}

func TestTrain(t *testing.T) {
	svc, _, trainer := newTestService(t)
	ctx := context.Background()

	empty, err := svc.Create(ctx, "u1", Input{Name: "empty"})
	require.NoError(t, err)
	_, err = svc.Train(ctx, "u1", empty.ID)
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))

	kb, err := svc.Create(ctx, "u1", Input{
		Name:       "support",
		FAQs:       []FAQ{{Question: "hours?", Answer: "9-5"}},
		WebSources: []string{"https://example.com"},
	})
	require.NoError(t, err)
	_, err = svc.AddFile(ctx, "u1", kb.ID, &multipart.FileHeader{Filename: "manual.pdf"})
	require.NoError(t, err)

	trained, err := svc.Train(ctx, "u1", kb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, trained.Status)
	require.NotNil(t, trained.LastTrainedAt)
	assert.Nil(t, trained.TrainingError)

	require.Len(t, trainer.requests, 1)
	req := trainer.requests[0]
	assert.Equal(t, kb.ID, req.KnowledgebaseID)
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, []inference.TrainFAQ{{Question: "hours?", Answer: "9-5"}}, req.FAQs)
	assert.Equal(t, []string{"https://example.com"}, req.WebSources)
	require.Len(t, req.Files, 1)
	assert.Contains(t, req.Files[0].URL, "https://signed.test/knowledge/u1/")

	total, ready, err := svc.Counts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, int64(1), ready)
}

func TestTrain_FailureIsRecorded(t *testing.T) {
	svc, _, trainer := newTestService(t)
	ctx := context.Background()
	trainer.err = envelope.Upstream("fastapi: /ai/conversation/train status 500: boom", nil)

	kb, err := svc.Create(ctx, "u1", Input{Name: "faq", FAQs: []FAQ{{Question: "q", Answer: "a"}}})
	require.NoError(t, err)

	_, err = svc.Train(ctx, "u1", kb.ID)
	require.Error(t, err)
	assert.Equal(t, envelope.KindUpstream, envelope.KindOf(err))

	record, err := svc.Get(ctx, "u1", kb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, record.Status)
	require.NotNil(t, record.TrainingError)
	assert.Contains(t, *record.TrainingError, "boom")

	trainer.err = nil
	record, err = svc.Train(ctx, "u1", kb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, record.Status)
}

func TestTrain_RejectsConcurrentRun(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	kb, err := svc.Create(ctx, "u1", Input{Name: "faq", FAQs: []FAQ{{Question: "q", Answer: "a"}}})
	require.NoError(t, err)
	require.NoError(t, svc.db.Model(&KnowledgeBase{}).Where("id = ?", kb.ID).Update("status", StatusTraining).Error)

	_, err = svc.Train(ctx, "u1", kb.ID)
	assert.Equal(t, envelope.KindConflict, envelope.KindOf(err))
}

func TestTrain_CallerGoneAfterBackendSucceeded(t *testing.T) {
	svc, _, trainer := newTestService(t)
	kb, err := svc.Create(context.Background(), "u1", Input{Name: "faq", FAQs: []FAQ{{Question: "q", Answer: "a"}}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	trainer.onTrain = cancel

	record, err := svc.Train(ctx, "u1", kb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, record.Status)

	trainer.onTrain = nil
	record, err = svc.Train(context.Background(), "u1", kb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, record.Status)
	assert.Len(t, trainer.requests, 2)
}

func TestTrain_StaleClaimIsReclaimed(t *testing.T) {
	svc, _, trainer := newTestService(t)
	ctx := context.Background()
	kb, err := svc.Create(ctx, "u1", Input{Name: "faq", FAQs: []FAQ{{Question: "q", Answer: "a"}}})
	require.NoError(t, err)
	require.NoError(t, svc.db.Model(&KnowledgeBase{}).Where("id = ?", kb.ID).Update("status", StatusTraining).Error)

	_, err = svc.Train(ctx, "u1", kb.ID)
	assert.Equal(t, envelope.KindConflict, envelope.KindOf(err))
	assert.Empty(t, trainer.requests)

	svc.now = func() time.Time { return time.Now().UTC().Add(trainingStaleAfter + time.Minute) }
	record, err := svc.Train(ctx, "u1", kb.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, record.Status)
	assert.Len(t, trainer.requests, 1)
}
