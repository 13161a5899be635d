package autopilot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"vox_back/agents"
	"vox_back/database"
	"vox_back/envelope"
	"vox_back/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db         *gorm.DB
	agents     *agents.Store
	settings   *settings.Store
	dispatcher *Dispatcher
	manager    *Manager
	sleeps     []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	require.NoError(t, agents.AutoMigrate(db))
	require.NoError(t, settings.AutoMigrate(db))
	require.NoError(t, AutoMigrate(db))

	f := &fixture{db: db}
	f.agents = agents.NewStore(db, nil)
	f.settings = settings.NewStore(db, f.agents, nil)
	f.dispatcher = NewDispatcher(db, f.settings)
	f.dispatcher.sleep = func(_ context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return nil
	}
	f.manager = NewManager(db, agents.NewResolver(f.agents, f.settings, true), f.dispatcher)
	return f
}

func (f *fixture) createAgent(t *testing.T, userID, name string) *agents.Agent {
	t.Helper()
	agent, err := f.agents.Create(context.Background(), userID, agents.CreateInput{Name: name})
	require.NoError(t, err)
	return agent
}

func (f *fixture) count(t *testing.T, model any, where string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Where(where, args...).Count(&n).Error)
	return n
}

func ptr[T any](v T) *T { return &v }

func TestSaveConfig_NoActiveAgents(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.SaveConfig(context.Background(), "u1", SaveInput{ConversationID: "c1", IsEnabled: ptr(true)})
	require.Error(t, err)
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(err))
	assert.Equal(t, agents.NoActiveAgentsMessage, err.Error())
	assert.Zero(t, f.count(t, &Config{}, "user_id = ?", "u1"))
}

func TestSaveConfig_IdempotentOnOwnerKey(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "u1", "main")
	ctx := context.Background()
	input := SaveInput{ConversationID: "c1", LocationID: ptr("loc-1"), IsEnabled: ptr(true)}

	first, err := f.manager.SaveConfig(ctx, "u1", input)
	require.NoError(t, err)
	second, err := f.manager.SaveConfig(ctx, "u1", input)
	require.NoError(t, err)

	assert.Equal(t, first.Config.ID, second.Config.ID)
	assert.Equal(t, int64(1), f.count(t, &Config{}, "user_id = ? AND conversation_id = ?", "u1", "c1"))
	assert.Equal(t, int64(2), f.count(t, &SyncJob{}, "user_id = ?", "u1"))

	cfg := second.Config
	assert.Equal(t, defaultReplyDelaySeconds, cfg.ReplyDelaySeconds)
	assert.Equal(t, defaultMaxRepliesPerDay, cfg.MaxRepliesPerDay)
	assert.Equal(t, defaultMaxRepliesPerConversation, cfg.MaxRepliesPerConversation)
	assert.Equal(t, MessageTypeSMS, cfg.MessageType)
	assert.Equal(t, DefaultOperatingHours(), cfg.Hours())

	assert.True(t, first.Job.FirstEnable)
	assert.False(t, second.Job.FirstEnable)
	assert.Equal(t, JobDone, second.Sync.Status)
}

func TestSaveConfig_PartialUpdateKeepsRateLimits(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "u1", "main")
	ctx := context.Background()

	_, err := f.manager.SaveConfig(ctx, "u1", SaveInput{
		ConversationID:            "c1",
		LocationID:                ptr("loc-1"),
		IsEnabled:                 ptr(true),
		ReplyDelaySeconds:         ptr(12),
		MaxRepliesPerDay:          ptr(5),
		MaxRepliesPerConversation: ptr(2),
		FallbackMessage:           ptr("We'll get back to you."),
		IncludeKeywords:           ptr([]string{"price", " Price ", "", "hours"}),
	})
	require.NoError(t, err)

	disabled, err := f.manager.SaveConfig(ctx, "u1", SaveInput{ConversationID: "c1", IsEnabled: ptr(false)})
	require.NoError(t, err)
	assert.False(t, disabled.Config.IsEnabled)

	enabled, err := f.manager.SaveConfig(ctx, "u1", SaveInput{ConversationID: "c1", IsEnabled: ptr(true)})
	require.NoError(t, err)

	cfg := enabled.Config
	assert.True(t, cfg.IsEnabled)
	assert.Equal(t, 12, cfg.ReplyDelaySeconds)
	assert.Equal(t, 5, cfg.MaxRepliesPerDay)
	assert.Equal(t, 2, cfg.MaxRepliesPerConversation)
	assert.Equal(t, "loc-1", cfg.LocationID)
	assert.Equal(t, "We'll get back to you.", cfg.FallbackMessage)

	var keywords []string
	require.NoError(t, json.Unmarshal(cfg.IncludeKeywords, &keywords))
	assert.Equal(t, []string{"price", "hours"}, keywords)

	assert.True(t, enabled.Job.FirstEnable)
	assert.Equal(t, int64(1), f.count(t, &Analytics{}, "user_id = ?", "u1"))

	tracking, err := f.manager.Tracking(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, tracking.IsEnabled)
	assert.Equal(t, cfg.ID, tracking.ConfigID)

	conversation, err := f.settings.GetConversation(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, conversation.AutopilotEnabled())
}

func TestSaveConfig_ModelComesFromAgent(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "u1", "main")

	result, err := f.manager.SaveConfig(context.Background(), "u1", SaveInput{
		ConversationID: "c1",
		AIModel:        ptr("gpt-4-turbo"),
		AITemperature:  ptr(1.9),
	})
	require.NoError(t, err)

	cfg := agent.Config()
	assert.Equal(t, agent.ID, *result.Config.AgentID)
	assert.Equal(t, cfg.Model, result.Config.AIModel)
	require.NotNil(t, result.Config.AITemperature)
	assert.InDelta(t, *cfg.Temperature, *result.Config.AITemperature, 1e-9)
	assert.Equal(t, agent.ID, result.Agent.AgentID)
}

func TestSaveConfig_ExplicitAgentOverride(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "u1", "first")
	chosen := f.createAgent(t, "u1", "chosen")

	result, err := f.manager.SaveConfig(context.Background(), "u1", SaveInput{ConversationID: "c1", AgentID: ptr(chosen.ID)})
	require.NoError(t, err)
	assert.Equal(t, chosen.ID, *result.Config.AgentID)

	other := f.createAgent(t, "u2", "foreign")
	result, err = f.manager.SaveConfig(context.Background(), "u1", SaveInput{ConversationID: "c1", AgentID: ptr(other.ID)})
	require.NoError(t, err)
	assert.NotEqual(t, other.ID, *result.Config.AgentID)
}

func TestSaveConfig_DeletedAgentRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.createAgent(t, "u1", "first")
	chosen := f.createAgent(t, "u1", "chosen")

	saved, err := f.manager.SaveConfig(ctx, "u1", SaveInput{ConversationID: "c1", AgentID: ptr(chosen.ID)})
	require.NoError(t, err)
	require.Equal(t, chosen.ID, *saved.Config.AgentID)

	require.NoError(t, f.agents.Delete(ctx, "u1", chosen.ID))

	view, err := f.manager.GetConfig(ctx, "u1", "c1")
	require.NoError(t, err)
	result, err := f.manager.SaveConfig(ctx, "u1", SaveInput{ConversationID: "c1", AgentID: view.Config.AgentID, IsEnabled: ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, first.ID, *result.Config.AgentID)
	assert.Equal(t, agents.TierFirstActive, result.Agent.Tier)
}

func TestSaveConfig_MessageTypeCoercion(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "u1", "main")
	ctx := context.Background()

	cases := map[string]string{
		"carrier-pigeon": MessageTypeSMS,
		"":               MessageTypeSMS,
		"whatsapp":       MessageTypeWhatsApp,
		"live_chat":      MessageTypeLiveChat,
		"Email":          MessageTypeEmail,
	}
	for raw, want := range cases {
		result, err := f.manager.SaveConfig(ctx, "u1", SaveInput{ConversationID: "c1", MessageType: ptr(raw)})
		require.NoError(t, err, raw)
		assert.Equal(t, want, result.Config.MessageType, raw)
	}
}

func TestSaveConfig_Validation(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "u1", "main")
	ctx := context.Background()

	inputs := []SaveInput{
		{MaxRepliesPerDay: ptr(-1)},
		{ReplyDelaySeconds: ptr(-5)},
		{OperatingHours: &OperatingHours{Start: "9am", End: "17:00"}},
		{OperatingHours: &OperatingHours{Start: "09:00", End: "09:00"}},
		{OperatingHours: &OperatingHours{Start: "09:00", End: "17:00", Timezone: "Mars/Olympus"}},
		{OperatingHours: &OperatingHours{Start: "09:00", End: "17:00", Days: []int{7}}},
		{Metadata: json.RawMessage(`{broken`)},
	}
	for i, input := range inputs {
		_, err := f.manager.SaveConfig(ctx, "u1", input)
		require.Error(t, err, i)
		assert.Equal(t, envelope.KindValidation, envelope.KindOf(err), i)
	}
	assert.Zero(t, f.count(t, &Config{}, "user_id = ?", "u1"))
}

func TestSaveConfig_OvernightHoursAccepted(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "u1", "main")

	result, err := f.manager.SaveConfig(context.Background(), "u1", SaveInput{
		OperatingHours: &OperatingHours{Enabled: true, Start: "22:00", End: "06:00", Days: []int{0, 6}},
	})
	require.NoError(t, err)
	hours := result.Config.Hours()
	assert.True(t, hours.Enabled)
	assert.Equal(t, "UTC", hours.Timezone)
	assert.Equal(t, []int{0, 6}, hours.Days)
}

func TestSaveConfig_GlobalConfigSkipsConversationSteps(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "u1", "main")

	result, err := f.manager.SaveConfig(context.Background(), "u1", SaveInput{IsEnabled: ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, GlobalConversationID, result.Config.ConversationID)
	assert.Equal(t, StepSkipped, result.Sync.Mirror)
	assert.Equal(t, StepSkipped, result.Sync.Tracking)
	assert.Equal(t, StepOK, result.Sync.Analytics)
	assert.Zero(t, f.count(t, &Tracking{}, "user_id = ?", "u1"))
}

// Concurrent writers on one key are serialized by the upsert; the stored row
// reflects whichever commit landed last and no update is merged.
func TestSaveConfig_ConcurrentWritesLastOneWins(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "u1", "main")
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*SaveResult, 2)
	errs := make([]error, 2)
	for i, enabled := range []bool{true, false} {
		wg.Add(1)
		go func(i int, enabled bool) {
			defer wg.Done()
			results[i], errs[i] = f.manager.SaveConfig(ctx, "u1", SaveInput{ConversationID: "c1", IsEnabled: ptr(enabled)})
		}(i, enabled)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	assert.Equal(t, int64(1), f.count(t, &Config{}, "user_id = ? AND conversation_id = ?", "u1", "c1"))
	assert.Equal(t, int64(2), f.count(t, &SyncJob{}, "user_id = ?", "u1"))

	var stored Config
	require.NoError(t, f.db.Where("user_id = ? AND conversation_id = ?", "u1", "c1").Take(&stored).Error)

	var jobs []SyncJob
	require.NoError(t, f.db.Where("user_id = ?", "u1").Order("created_at ASC").Order("rowid ASC").Find(&jobs).Error)
	require.Len(t, jobs, 2)
	assert.Equal(t, jobs[1].Enabled, stored.IsEnabled)
}

func TestGetConfig_Sources(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "u1", "main")
	ctx := context.Background()

	view, err := f.manager.GetConfig(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, view.Source)
	assert.Equal(t, defaultMaxRepliesPerDay, view.Config.MaxRepliesPerDay)

	_, err = f.manager.SaveConfig(ctx, "u1", SaveInput{MaxRepliesPerDay: ptr(7)})
	require.NoError(t, err)
	view, err = f.manager.GetConfig(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, SourceGlobal, view.Source)
	assert.Equal(t, 7, view.Config.MaxRepliesPerDay)

	_, err = f.manager.SaveConfig(ctx, "u1", SaveInput{ConversationID: "c1", MaxRepliesPerDay: ptr(3)})
	require.NoError(t, err)
	view, err = f.manager.GetConfig(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, SourceConversation, view.Source)
	assert.Equal(t, 3, view.Config.MaxRepliesPerDay)

	view, err = f.manager.GetConfig(ctx, "u2", "c1")
	require.NoError(t, err)
	assert.Equal(t, SourceDefault, view.Source)
}

func TestDeleteConfig_DisablesTracking(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "u1", "main")
	ctx := context.Background()

	_, err := f.manager.SaveConfig(ctx, "u1", SaveInput{ConversationID: "c1", IsEnabled: ptr(true)})
	require.NoError(t, err)

	job, report, err := f.manager.DeleteConfig(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, job.Enabled)
	assert.Equal(t, JobDone, report.Status)
	assert.Zero(t, f.count(t, &Config{}, "user_id = ? AND conversation_id = ?", "u1", "c1"))

	tracking, err := f.manager.Tracking(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, tracking.IsEnabled)

	conversation, err := f.settings.GetConversation(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.False(t, conversation.AutopilotEnabled())

	_, _, err = f.manager.DeleteConfig(ctx, "u1", "c1")
	assert.Equal(t, envelope.KindNotFound, envelope.KindOf(err))
}

func TestAnalytics_DateValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Analytics(context.Background(), "u1", "14/10/2026")
	assert.Equal(t, envelope.KindValidation, envelope.KindOf(err))

	rows, err := f.manager.Analytics(context.Background(), "u1", "2026-10-14")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSaveConfig_StoreFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "u1", "Closer")
	require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("test:fail_sync_jobs", func(tx *gorm.DB) {
		if tx.Statement.Table == (SyncJob{}).TableName() {
			_ = tx.AddError(errors.New("sync jobs table unavailable"))
		}
	}))

	_, err := f.manager.SaveConfig(context.Background(), "u1", SaveInput{ConversationID: "c1", IsEnabled: ptr(true)})
	require.Error(t, err)
	assert.Equal(t, envelope.KindInternal, envelope.KindOf(err))
	assert.Equal(t, "failed to save autopilot config: sync jobs table unavailable", err.Error())
	assert.Equal(t, 1, strings.Count(err.Error(), "sync jobs table unavailable"))
	assert.Zero(t, f.count(t, &Config{}, "user_id = ?", "u1"))
}
