package agents

import (
	"context"
	"testing"
	"time"

	"vox_back/database"
	"vox_back/envelope"
	"vox_back/settings"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type knownKnowledge map[string]bool

func (k knownKnowledge) VerifyKnowledgeBases(_ context.Context, _ string, ids ...string) error {
	for _, id := range ids {
		if !k[id] {
			return envelope.NotFound("knowledge base not found")
		}
	}
	return nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	require.NoError(t, settings.AutoMigrate(db))
	return db
}

func boolPtr(v bool) *bool { return &v }

func strPtr(v string) *string { return &v }

func TestCreate_DefaultsAndValidation(t *testing.T) {
	store := NewStore(newTestDB(t), nil)
	ctx := context.Background()

	agent, err := store.Create(ctx, "u1", CreateInput{Name: "  Helper "})
	require.NoError(t, err)
	assert.Equal(t, "Helper", agent.Name)
	assert.Equal(t, TypeGeneric, agent.Type)
	assert.True(t, agent.IsActive)
	cfg := agent.Config()
	assert.Equal(t, DefaultModel, cfg.Model)
	require.NotNil(t, cfg.Temperature)
	assert.Equal(t, defaultTemperature, *cfg.Temperature)

	_, err = store.Create(ctx, "u1", CreateInput{})
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))

	_, err = store.Create(ctx, "u1", CreateInput{Name: "x", Type: "robot"})
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))

	hot := 3.5
	_, err = store.Create(ctx, "u1", CreateInput{Name: "x", Temperature: &hot})
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))

	inactive, err := store.Create(ctx, "u1", CreateInput{Name: "Dormant", IsActive: boolPtr(false)})
	require.NoError(t, err)
	assert.False(t, inactive.IsActive)
}

func TestCreate_KnowledgeBases(t *testing.T) {
	kb := uuid.NewString()
	store := NewStore(newTestDB(t), knownKnowledge{kb: true})
	ctx := context.Background()

	agent, err := store.Create(ctx, "u1", CreateInput{Name: "KB", KnowledgeBaseIDs: []string{kb, kb, " "}})
	require.NoError(t, err)
	assert.Equal(t, []string{kb}, agent.KnowledgeBases())

	_, err = store.Create(ctx, "u1", CreateInput{Name: "KB", KnowledgeBaseIDs: []string{uuid.NewString()}})
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(err))

	_, err = store.Create(ctx, "u1", CreateInput{Name: "KB", KnowledgeBaseIDs: []string{"nope"}})
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))
}

func TestActivation_DeactivatesSiblingsOfSameType(t *testing.T) {
	store := NewStore(newTestDB(t), nil)
	ctx := context.Background()

	first, err := store.Create(ctx, "u1", CreateInput{Name: "Q1", Type: TypeQuery})
	require.NoError(t, err)
	generic, err := store.Create(ctx, "u1", CreateInput{Name: "G"})
	require.NoError(t, err)
	otherUser, err := store.Create(ctx, "u2", CreateInput{Name: "Q-other", Type: TypeQuery})
	require.NoError(t, err)
	second, err := store.Create(ctx, "u1", CreateInput{Name: "Q2", Type: TypeQuery})
	require.NoError(t, err)

	reload := func(a *Agent, user string) *Agent {
		got, err := store.Get(ctx, user, a.ID)
		require.NoError(t, err)
		return got
	}
	assert.False(t, reload(first, "u1").IsActive)
	assert.True(t, reload(second, "u1").IsActive)
	assert.True(t, reload(generic, "u1").IsActive)
	assert.True(t, reload(otherUser, "u2").IsActive)

	_, err = store.SetActive(ctx, "u1", first.ID, true)
	require.NoError(t, err)
	assert.True(t, reload(first, "u1").IsActive)
	assert.False(t, reload(second, "u1").IsActive)

	secondGeneric, err := store.Create(ctx, "u1", CreateInput{Name: "G2"})
	require.NoError(t, err)
	assert.True(t, reload(generic, "u1").IsActive)
	assert.True(t, reload(secondGeneric, "u1").IsActive)
}

func TestListActive_OrderedOldestFirst(t *testing.T) {
	db := newTestDB(t)
	store := NewStore(db, nil)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []Agent{
		{ID: "00000000-0000-0000-0000-000000000003", UserID: "u1", Type: TypeGeneric, Name: "newest", IsActive: true, CreatedAt: base.Add(2 * time.Hour)},
		{ID: "00000000-0000-0000-0000-000000000002", UserID: "u1", Type: TypeGeneric, Name: "tie-b", IsActive: true, CreatedAt: base},
		{ID: "00000000-0000-0000-0000-000000000001", UserID: "u1", Type: TypeGeneric, Name: "tie-a", IsActive: true, CreatedAt: base},
		{ID: "00000000-0000-0000-0000-000000000004", UserID: "u1", Type: TypeGeneric, Name: "off", IsActive: false, CreatedAt: base},
	}
	for i := range rows {
		rows[i].Configuration = configurationToJSON(Configuration{Model: DefaultModel})
		rows[i].KnowledgeBaseIDs = stringsToJSON(nil)
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	active, err := store.ListActive(ctx, "u1")
	require.NoError(t, err)
	names := make([]string, 0, len(active))
	for _, a := range active {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"tie-a", "tie-b", "newest"}, names)
}

func TestUpdate_PartialAndOwnership(t *testing.T) {
	store := NewStore(newTestDB(t), nil)
	ctx := context.Background()

	agent, err := store.Create(ctx, "u1", CreateInput{Name: "A", Model: "gpt-4o", SystemPrompt: "be nice"})
	require.NoError(t, err)

	cool := 0.2
	updated, err := store.Update(ctx, "u1", agent.ID, UpdateInput{Temperature: &cool, Description: strPtr("desc")})
	require.NoError(t, err)
	cfg := updated.Config()
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, "be nice", cfg.SystemPrompt)
	assert.Equal(t, 0.2, *cfg.Temperature)
	require.NotNil(t, updated.Description)
	assert.Equal(t, "desc", *updated.Description)
	assert.Equal(t, "A", updated.Name)

	_, err = store.Update(ctx, "u2", agent.ID, UpdateInput{Name: strPtr("stolen")})
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(err))

	_, err = store.Update(ctx, "u1", "bad-id", UpdateInput{})
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))

	_, err = store.Update(ctx, "u1", agent.ID, UpdateInput{Name: strPtr(" ")})
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))
}

func TestDeleteAndVerify(t *testing.T) {
	store := NewStore(newTestDB(t), nil)
	ctx := context.Background()

	a, err := store.Create(ctx, "u1", CreateInput{Name: "A"})
	require.NoError(t, err)
	b, err := store.Create(ctx, "u1", CreateInput{Name: "B"})
	require.NoError(t, err)

	require.NoError(t, store.VerifyAgents(ctx, "u1", a.ID, b.ID, a.ID))
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(store.VerifyAgents(ctx, "u2", a.ID)))
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(store.VerifyAgents(ctx, "u1", "x")))

	total, active, err := store.Counts(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, int64(2), active)

	require.NoError(t, store.Delete(ctx, "u1", a.ID))
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(store.Delete(ctx, "u1", a.ID)))
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(store.VerifyAgents(ctx, "u1", a.ID)))
}
