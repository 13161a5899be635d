package settings

import (
	"context"
	"encoding/json"
	"testing"

	"vox_back/database"
	"vox_back/envelope"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allowList map[string]bool

func (a allowList) VerifyAgents(_ context.Context, _ string, ids ...string) error {
	for _, id := range ids {
		if !a[id] {
			return envelope.NotFound("agent not found")
		}
	}
	return nil
}

func (a allowList) VerifyKnowledgeBases(_ context.Context, _ string, ids ...string) error {
	for _, id := range ids {
		if !a[id] {
			return envelope.NotFound("knowledge base not found")
		}
	}
	return nil
}

func newTestStore(t *testing.T, allowed allowList) *Store {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return NewStore(db, allowed, allowed)
}

func ptr[T any](v T) *T { return &v }

func TestGlobal_PartialUpdate(t *testing.T) {
	agentA, agentB := uuid.NewString(), uuid.NewString()
	store := newTestStore(t, allowList{agentA: true, agentB: true})
	ctx := context.Background()

	empty, err := store.GetGlobal(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "", empty.DefaultAgent())

	_, err = store.SaveGlobal(ctx, "u1", GlobalInput{DefaultAgentID: ptr(agentA), QueryAgentID: ptr(agentB)})
	require.NoError(t, err)

	saved, err := store.SaveGlobal(ctx, "u1", GlobalInput{SuggestionsAgentID: ptr(agentB)})
	require.NoError(t, err)
	assert.Equal(t, agentA, saved.DefaultAgent())
	assert.Equal(t, agentB, saved.FeatureAgent(FeatureQuery))
	assert.Equal(t, agentB, saved.FeatureAgent(FeatureSuggestions))

	cleared, err := store.SaveGlobal(ctx, "u1", GlobalInput{QueryAgentID: ptr("")})
	require.NoError(t, err)
	assert.Equal(t, "", cleared.FeatureAgent(FeatureQuery))

	var count int64
	require.NoError(t, store.db.Model(&GlobalSettings{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGlobal_RejectsInvalidAndForeignAgents(t *testing.T) {
	store := newTestStore(t, allowList{})
	ctx := context.Background()

	_, err := store.SaveGlobal(ctx, "u1", GlobalInput{DefaultAgentID: ptr("not-a-uuid")})
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))

	_, err = store.SaveGlobal(ctx, "u1", GlobalInput{DefaultAgentID: ptr(uuid.NewString())})
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(err))
}

func TestConversation_SaveAndOwnership(t *testing.T) {
	agent, kb := uuid.NewString(), uuid.NewString()
	store := newTestStore(t, allowList{agent: true, kb: true})
	ctx := context.Background()

	saved, err := store.SaveConversation(ctx, "u1", "conv-1", ConversationInput{
		LocationID:       ptr("loc-1"),
		QueryAgentID:     ptr(agent),
		KnowledgeBaseIDs: &[]string{kb, kb},
	})
	require.NoError(t, err)
	assert.Equal(t, agent, saved.FeatureAgent(FeatureQuery))
	assert.Equal(t, []string{kb}, saved.ExtraKnowledgeBases())

	again, err := store.GetConversation(ctx, "u1", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "loc-1", again.LocationID)

	_, err = store.GetConversation(ctx, "u2", "conv-1")
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(err))
}

func TestMirrorAutopilotEnabled(t *testing.T) {
	store := newTestStore(t, allowList{})
	ctx := context.Background()

	require.NoError(t, store.MirrorAutopilotEnabled(ctx, "u1", "conv-9", "loc-1", true))
	row, err := store.GetConversation(ctx, "u1", "conv-9")
	require.NoError(t, err)
	assert.True(t, row.AutopilotEnabled())
	assert.Equal(t, "loc-1", row.LocationID)

	require.NoError(t, store.db.Model(row).Update("metadata", `{"autopilot":{"enabled":true,"note":"x"},"pinned":true}`).Error)
	require.NoError(t, store.MirrorAutopilotEnabled(ctx, "u1", "conv-9", "", false))

	row, err = store.GetConversation(ctx, "u1", "conv-9")
	require.NoError(t, err)
	assert.False(t, row.AutopilotEnabled())
	var meta map[string]any
	require.NoError(t, json.Unmarshal(row.Metadata, &meta))
	assert.Equal(t, true, meta["pinned"])
	assert.Equal(t, "x", meta["autopilot"].(map[string]any)["note"])

	assert.NoError(t, store.MirrorAutopilotEnabled(ctx, "u1", "", "", true))
	assert.Error(t, store.MirrorAutopilotEnabled(ctx, "u2", "conv-9", "", true))
}

func TestPreferences(t *testing.T) {
	store := newTestStore(t, allowList{})
	ctx := context.Background()

	prefs, err := store.GetPreferences(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, defaultSuggestionCount, prefs.SuggestionCount)
	assert.Equal(t, defaultResponseLanguage, prefs.ResponseLanguage)

	_, err = store.SavePreferences(ctx, "u1", PreferencesInput{SuggestionCount: ptr(0)})
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))

	saved, err := store.SavePreferences(ctx, "u1", PreferencesInput{SystemPrompt: ptr(" Be brief. "), SuggestionCount: ptr(5)})
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", saved.SystemPrompt)
	assert.Equal(t, 5, saved.SuggestionCount)

	saved, err = store.SavePreferences(ctx, "u1", PreferencesInput{ResponseLanguage: ptr("es")})
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", saved.SystemPrompt)
	assert.Equal(t, "es", saved.ResponseLanguage)
}
