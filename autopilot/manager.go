package autopilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"vox_back/agents"
	"vox_back/envelope"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultReplyDelaySeconds         = 30
	defaultMaxRepliesPerDay          = 50
	defaultMaxRepliesPerConversation = 10
)

// AgentResolver picks the agent that drives autopilot replies.
type AgentResolver interface {
	ResolveGlobal(ctx context.Context, userID, explicitAgentID string) (*agents.Resolution, error)
}

// Manager persists autopilot configs and queues the secondary syncs they
// imply.
type Manager struct {
	db         *gorm.DB
	resolver   AgentResolver
	dispatcher *Dispatcher
}

// NewManager builds a manager. dispatcher may be nil, in which case jobs stay
// pending until a sweeper picks them up.
func NewManager(db *gorm.DB, resolver AgentResolver, dispatcher *Dispatcher) *Manager {
	return &Manager{db: db, resolver: resolver, dispatcher: dispatcher}
}

// SaveInput is a partial config update. Nil fields keep their stored value,
// or take the default on the first save. AIModel and AITemperature are
// accepted for compatibility and ignored.
type SaveInput struct {
	ConversationID            string          `json:"conversationId"`
	LocationID                *string         `json:"locationId"`
	IsEnabled                 *bool           `json:"isEnabled"`
	ReplyDelaySeconds         *int            `json:"replyDelaySeconds"`
	MaxRepliesPerDay          *int            `json:"maxRepliesPerDay"`
	MaxRepliesPerConversation *int            `json:"maxRepliesPerConversation"`
	OperatingHours            *OperatingHours `json:"operatingHours"`
	AgentID                   *string         `json:"agentId"`
	AIModel                   *string         `json:"aiModel"`
	AITemperature             *float64        `json:"aiTemperature"`
	FallbackMessage           *string         `json:"fallbackMessage"`
	CustomPrompt              *string         `json:"customPrompt"`
	IncludeKeywords           *[]string       `json:"includeKeywords"`
	ExcludeKeywords           *[]string       `json:"excludeKeywords"`
	MessageType               *string         `json:"messageType"`
	ConversationContext       json.RawMessage `json:"conversationContext"`
	ContactContext            json.RawMessage `json:"contactContext"`
	Metadata                  json.RawMessage `json:"metadata"`
}

// SaveResult reports the stored config and how its side effects went.
type SaveResult struct {
	Config *Config       `json:"config"`
	Agent  agents.Result `json:"agent"`
	Job    *SyncJob      `json:"syncJob"`
	Sync   SyncReport    `json:"sync"`
}

// ConfigView is a config together with where it was found.
type ConfigView struct {
	Config *Config `json:"config"`
	Source string  `json:"source"`
}

// Config sources reported by GetConfig.
const (
	SourceConversation = "conversation"
	SourceGlobal       = "global"
	SourceDefault      = "default"
)

// SaveConfig upserts the config keyed by (user, conversation) and records a
// sync job in the same transaction, then dispatches the job.
func (m *Manager) SaveConfig(ctx context.Context, userID string, input SaveInput) (*SaveResult, error) {
	if err := validate(input); err != nil {
		return nil, err
	}
	conversationID := strings.TrimSpace(input.ConversationID)

	explicit := ""
	if input.AgentID != nil {
		explicit = strings.TrimSpace(*input.AgentID)
	}
	resolution, err := m.resolver.ResolveGlobal(ctx, userID, explicit)
	if err != nil {
		return nil, err
	}
	agentCfg := resolution.Agent.Config()

	var saved Config
	var job SyncJob
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Config
		found := true
		err := tx.Where("user_id = ? AND conversation_id = ?", userID, conversationID).Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
			current = defaultConfig(userID, conversationID)
		} else if err != nil {
			return err
		}
		wasEnabled := found && current.IsEnabled

		if err := apply(&current, input); err != nil {
			return err
		}
		agentID := resolution.AgentID
		current.AgentID = &agentID
		current.AIModel = agentCfg.Model
		current.AITemperature = agentCfg.Temperature

		// A fresh id keeps the insert from colliding on the primary key; on
		// conflict the stored row keeps its own id.
		current.ID = uuid.NewString()
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "conversation_id"}},
			DoUpdates: clause.AssignmentColumns(mutableColumns),
		}).Create(&current).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ? AND conversation_id = ?", userID, conversationID).Take(&saved).Error; err != nil {
			return err
		}

		job = SyncJob{
			UserID:         userID,
			ConversationID: conversationID,
			LocationID:     saved.LocationID,
			ConfigID:       saved.ID,
			Enabled:        saved.IsEnabled,
			FirstEnable:    saved.IsEnabled && !wasEnabled,
			Status:         JobPending,
		}
		return tx.Create(&job).Error
	})
	if err != nil {
		var e *envelope.Error
		if errors.As(err, &e) {
			return nil, e
		}
		return nil, envelope.Internal("failed to save autopilot config", err)
	}

	result := &SaveResult{Config: &saved, Agent: resolution.Result, Job: &job}
	if m.dispatcher != nil {
		result.Sync = m.dispatcher.Dispatch(context.WithoutCancel(ctx), &job)
	}
	return result, nil
}

// GetConfig returns the conversation's config, falling back to the user's
// global config and then to unsaved defaults.
func (m *Manager) GetConfig(ctx context.Context, userID, conversationID string) (*ConfigView, error) {
	conversationID = strings.TrimSpace(conversationID)
	db := m.db.WithContext(ctx)

	if conversationID != GlobalConversationID {
		var row Config
		err := db.Where("user_id = ? AND conversation_id = ?", userID, conversationID).Take(&row).Error
		if err == nil {
			return &ConfigView{Config: &row, Source: SourceConversation}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("autopilot: load config: %w", err)
		}
	}

	var global Config
	err := db.Where("user_id = ? AND conversation_id = ?", userID, GlobalConversationID).Take(&global).Error
	if err == nil {
		return &ConfigView{Config: &global, Source: SourceGlobal}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("autopilot: load global config: %w", err)
	}
	fallback := defaultConfig(userID, conversationID)
	return &ConfigView{Config: &fallback, Source: SourceDefault}, nil
}

// DeleteConfig removes the config and queues a disable sync. Deleting a
// missing config is a not-found error.
func (m *Manager) DeleteConfig(ctx context.Context, userID, conversationID string) (*SyncJob, SyncReport, error) {
	conversationID = strings.TrimSpace(conversationID)
	var job SyncJob
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Config
		err := tx.Where("user_id = ? AND conversation_id = ?", userID, conversationID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return envelope.NotFound("autopilot config not found")
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&row).Error; err != nil {
			return err
		}
		job = SyncJob{
			UserID:         userID,
			ConversationID: conversationID,
			LocationID:     row.LocationID,
			Enabled:        false,
			Status:         JobPending,
		}
		return tx.Create(&job).Error
	})
	if err != nil {
		var e *envelope.Error
		if errors.As(err, &e) {
			return nil, SyncReport{}, e
		}
		return nil, SyncReport{}, envelope.Internal("failed to delete autopilot config", err)
	}

	var report SyncReport
	if m.dispatcher != nil {
		report = m.dispatcher.Dispatch(context.WithoutCancel(ctx), &job)
	}
	return &job, report, nil
}

// Analytics returns the user's analytics rows for date (YYYY-MM-DD).
func (m *Manager) Analytics(ctx context.Context, userID, date string) ([]Analytics, error) {
	date = strings.TrimSpace(date)
	if date == "" {
		date = time.Now().UTC().Format(dateLayout)
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return nil, envelope.Validationf("invalid date %q, expected YYYY-MM-DD", date)
	}
	var rows []Analytics
	if err := m.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", userID, date).
		Order("location_id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("autopilot: load analytics: %w", err)
	}
	return rows, nil
}

// Tracking returns the counters of one conversation.
func (m *Manager) Tracking(ctx context.Context, userID, conversationID string) (*Tracking, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, envelope.Validation("conversationId is required")
	}
	var row Tracking
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND conversation_id = ?", userID, conversationID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, envelope.NotFound("autopilot tracking not found")
	}
	if err != nil {
		return nil, fmt.Errorf("autopilot: load tracking: %w", err)
	}
	return &row, nil
}

var mutableColumns = []string{
	"location_id", "is_enabled", "reply_delay_seconds", "max_replies_per_day",
	"max_replies_per_conversation", "operating_hours", "agent_id", "ai_model",
	"ai_temperature", "fallback_message", "custom_prompt", "include_keywords",
	"exclude_keywords", "message_type", "conversation_context", "contact_context",
	"metadata", "updated_at",
}

func defaultConfig(userID, conversationID string) Config {
	hours, _ := json.Marshal(DefaultOperatingHours())
	return Config{
		UserID:                    userID,
		ConversationID:            conversationID,
		ReplyDelaySeconds:         defaultReplyDelaySeconds,
		MaxRepliesPerDay:          defaultMaxRepliesPerDay,
		MaxRepliesPerConversation: defaultMaxRepliesPerConversation,
		OperatingHours:            datatypes.JSON(hours),
		IncludeKeywords:           stringsToJSON(nil),
		ExcludeKeywords:           stringsToJSON(nil),
		MessageType:               MessageTypeSMS,
		ConversationContext:       datatypes.JSON("{}"),
		ContactContext:            datatypes.JSON("{}"),
		Metadata:                  datatypes.JSON("{}"),
	}
}

func apply(row *Config, input SaveInput) error {
	if input.LocationID != nil {
		row.LocationID = strings.TrimSpace(*input.LocationID)
	}
	if input.IsEnabled != nil {
		row.IsEnabled = *input.IsEnabled
	}
	if input.ReplyDelaySeconds != nil {
		row.ReplyDelaySeconds = *input.ReplyDelaySeconds
	}
	if input.MaxRepliesPerDay != nil {
		row.MaxRepliesPerDay = *input.MaxRepliesPerDay
	}
	if input.MaxRepliesPerConversation != nil {
		row.MaxRepliesPerConversation = *input.MaxRepliesPerConversation
	}
	if input.OperatingHours != nil {
		hours := *input.OperatingHours
		if strings.TrimSpace(hours.Timezone) == "" {
			hours.Timezone = "UTC"
		}
		raw, err := json.Marshal(hours)
		if err != nil {
			return err
		}
		row.OperatingHours = datatypes.JSON(raw)
	}
	if input.FallbackMessage != nil {
		row.FallbackMessage = *input.FallbackMessage
	}
	if input.CustomPrompt != nil {
		row.CustomPrompt = *input.CustomPrompt
	}
	if input.IncludeKeywords != nil {
		row.IncludeKeywords = stringsToJSON(cleanKeywords(*input.IncludeKeywords))
	}
	if input.ExcludeKeywords != nil {
		row.ExcludeKeywords = stringsToJSON(cleanKeywords(*input.ExcludeKeywords))
	}
	if input.MessageType != nil {
		row.MessageType = NormalizeMessageType(*input.MessageType)
	}
	if len(input.ConversationContext) > 0 {
		row.ConversationContext = datatypes.JSON(input.ConversationContext)
	}
	if len(input.ContactContext) > 0 {
		row.ContactContext = datatypes.JSON(input.ContactContext)
	}
	if len(input.Metadata) > 0 {
		row.Metadata = datatypes.JSON(input.Metadata)
	}
	return nil
}

func validate(input SaveInput) error {
	for name, value := range map[string]*int{
		"replyDelaySeconds":         input.ReplyDelaySeconds,
		"maxRepliesPerDay":          input.MaxRepliesPerDay,
		"maxRepliesPerConversation": input.MaxRepliesPerConversation,
	} {
		if value != nil && *value < 0 {
			return envelope.Validationf("%s must not be negative", name)
		}
	}
	if input.OperatingHours != nil {
		if err := validateHours(*input.OperatingHours); err != nil {
			return err
		}
	}
	for name, raw := range map[string]json.RawMessage{
		"conversationContext": input.ConversationContext,
		"contactContext":      input.ContactContext,
		"metadata":            input.Metadata,
	} {
		if len(raw) > 0 && !json.Valid(raw) {
			return envelope.Validationf("%s must be valid JSON", name)
		}
	}
	return nil
}

func validateHours(hours OperatingHours) error {
	start, err := time.Parse(clockLayout, strings.TrimSpace(hours.Start))
	if err != nil {
		return envelope.Validationf("operatingHours.start %q must be HH:MM", hours.Start)
	}
	end, err := time.Parse(clockLayout, strings.TrimSpace(hours.End))
	if err != nil {
		return envelope.Validationf("operatingHours.end %q must be HH:MM", hours.End)
	}
	if end.Equal(start) {
		return envelope.Validation("operatingHours.start and operatingHours.end must differ")
	}
	if tz := strings.TrimSpace(hours.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return envelope.Validationf("operatingHours.timezone %q is not a valid time zone", tz)
		}
	}
	for _, day := range hours.Days {
		if day < 0 || day > 6 {
			return envelope.Validationf("operatingHours.days contains %d, expected 0-6", day)
		}
	}
	return nil
}

func cleanKeywords(values []string) []string {
	cleaned := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}
	return cleaned
}

const (
	clockLayout = "15:04"
	dateLayout  = "2006-01-02"
)

// EnabledConversations counts the user's conversations with autopilot on.
func (m *Manager) EnabledConversations(ctx context.Context, userID string) (int64, error) {
	var total int64
	if err := m.db.WithContext(ctx).Model(&Tracking{}).
		Where("user_id = ? AND is_enabled = ?", userID, true).
		Count(&total).Error; err != nil {
		return 0, fmt.Errorf("autopilot: count enabled conversations: %w", err)
	}
	return total, nil
}
