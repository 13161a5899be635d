package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"vox_back/envelope"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultSuggestionCount  = 3
	maxSuggestionCount      = 10
	defaultResponseLanguage = "en"
)

// AgentOwnership verifies that agent ids belong to a user.
type AgentOwnership interface {
	VerifyAgents(ctx context.Context, userID string, ids ...string) error
}

// KnowledgeOwnership verifies that knowledge-base ids belong to a user.
type KnowledgeOwnership interface {
	VerifyKnowledgeBases(ctx context.Context, userID string, ids ...string) error
}

// Store persists global, per-conversation and preference settings.
type Store struct {
	db        *gorm.DB
	agents    AgentOwnership
	knowledge KnowledgeOwnership
}

// NewStore builds a store. The verifiers may be nil, which skips ownership
// checks on referenced ids.
func NewStore(db *gorm.DB, agents AgentOwnership, knowledge KnowledgeOwnership) *Store {
	return &Store{db: db, agents: agents, knowledge: knowledge}
}

// GlobalInput is a partial update of GlobalSettings. A nil field is left
// untouched; an empty string clears the override.
type GlobalInput struct {
	DefaultAgentID     *string `json:"defaultAgentId"`
	QueryAgentID       *string `json:"queryAgentId"`
	SuggestionsAgentID *string `json:"suggestionsAgentId"`
	AutopilotAgentID   *string `json:"autopilotAgentId"`
	ResponseAgentID    *string `json:"responseAgentId"`
}

// ConversationInput is a partial update of ConversationSettings.
type ConversationInput struct {
	LocationID         *string   `json:"locationId"`
	QueryAgentID       *string   `json:"queryAgentId"`
	SuggestionsAgentID *string   `json:"suggestionsAgentId"`
	AutopilotAgentID   *string   `json:"autopilotAgentId"`
	ResponseAgentID    *string   `json:"responseAgentId"`
	KnowledgeBaseIDs   *[]string `json:"knowledgeBaseIds"`
}

// PreferencesInput is a partial update of Preferences.
type PreferencesInput struct {
	SystemPrompt     *string `json:"systemPrompt"`
	ResponseLanguage *string `json:"responseLanguage"`
	SuggestionCount  *int    `json:"suggestionCount"`
}

// GetGlobal returns the user's global settings. A user without a stored row
// gets an empty, unsaved value.
func (s *Store) GetGlobal(ctx context.Context, userID string) (*GlobalSettings, error) {
	var row GlobalSettings
	err := s.db.WithContext(ctx).Where("user_id = ? AND scope = ?", userID, ScopeGlobal).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &GlobalSettings{UserID: userID, Scope: ScopeGlobal}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: load global settings: %w", err)
	}
	return &row, nil
}

// SaveGlobal applies input on top of the stored global settings.
func (s *Store) SaveGlobal(ctx context.Context, userID string, input GlobalInput) (*GlobalSettings, error) {
	ids, err := normalizeAgentIDs(input.DefaultAgentID, input.QueryAgentID, input.SuggestionsAgentID, input.AutopilotAgentID, input.ResponseAgentID)
	if err != nil {
		return nil, err
	}
	if err := s.verifyAgents(ctx, userID, ids); err != nil {
		return nil, err
	}

	current, err := s.GetGlobal(ctx, userID)
	if err != nil {
		return nil, err
	}
	applyOverride(&current.DefaultAgentID, input.DefaultAgentID)
	applyOverride(&current.QueryAgentID, input.QueryAgentID)
	applyOverride(&current.SuggestionsAgentID, input.SuggestionsAgentID)
	applyOverride(&current.AutopilotAgentID, input.AutopilotAgentID)
	applyOverride(&current.ResponseAgentID, input.ResponseAgentID)

	if current.ID != "" {
		if err := s.db.WithContext(ctx).Save(current).Error; err != nil {
			return nil, fmt.Errorf("settings: save global settings: %w", err)
		}
		return current, nil
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "scope"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"default_agent_id", "query_agent_id", "suggestions_agent_id",
			"autopilot_agent_id", "response_agent_id", "updated_at",
		}),
	}).Create(current).Error
	if err != nil {
		return nil, fmt.Errorf("settings: save global settings: %w", err)
	}
	return s.GetGlobal(ctx, userID)
}

// GetConversation returns the settings of conversationID, or an empty value
// when none exist. Rows owned by another user are reported as not found.
func (s *Store) GetConversation(ctx context.Context, userID, conversationID string) (*ConversationSettings, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, envelope.Validation("conversation id is required")
	}
	var row ConversationSettings
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &ConversationSettings{ConversationID: conversationID, UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: load conversation settings: %w", err)
	}
	if row.UserID != userID {
		return nil, envelope.NotFound("conversation settings not found")
	}
	return &row, nil
}

// SaveConversation applies input on top of the conversation's settings,
// creating the row on first use.
func (s *Store) SaveConversation(ctx context.Context, userID, conversationID string, input ConversationInput) (*ConversationSettings, error) {
	ids, err := normalizeAgentIDs(input.QueryAgentID, input.SuggestionsAgentID, input.AutopilotAgentID, input.ResponseAgentID)
	if err != nil {
		return nil, err
	}
	if err := s.verifyAgents(ctx, userID, ids); err != nil {
		return nil, err
	}

	var kbIDs []string
	if input.KnowledgeBaseIDs != nil {
		kbIDs, err = normalizeIDs(*input.KnowledgeBaseIDs, "knowledge base id")
		if err != nil {
			return nil, err
		}
		if s.knowledge != nil && len(kbIDs) > 0 {
			if err := s.knowledge.VerifyKnowledgeBases(ctx, userID, kbIDs...); err != nil {
				return nil, err
			}
		}
	}

	current, err := s.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if input.LocationID != nil {
		current.LocationID = strings.TrimSpace(*input.LocationID)
	}
	applyOverride(&current.QueryAgentID, input.QueryAgentID)
	applyOverride(&current.SuggestionsAgentID, input.SuggestionsAgentID)
	applyOverride(&current.AutopilotAgentID, input.AutopilotAgentID)
	applyOverride(&current.ResponseAgentID, input.ResponseAgentID)
	if input.KnowledgeBaseIDs != nil {
		current.KnowledgeBaseIDs = stringsToJSON(kbIDs)
	}
	if len(current.KnowledgeBaseIDs) == 0 {
		current.KnowledgeBaseIDs = stringsToJSON(nil)
	}
	if len(current.Metadata) == 0 {
		current.Metadata = datatypes.JSON([]byte("{}"))
	}

	if err := s.db.WithContext(ctx).Save(current).Error; err != nil {
		return nil, fmt.Errorf("settings: save conversation settings: %w", err)
	}
	return current, nil
}

// MirrorAutopilotEnabled writes {"autopilot":{"enabled":enabled}} into the
// conversation metadata, keeping every other key.
func (s *Store) MirrorAutopilotEnabled(ctx context.Context, userID, conversationID, locationID string, enabled bool) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ConversationSettings
		err := tx.Where("conversation_id = ?", conversationID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = ConversationSettings{
				ConversationID:   conversationID,
				UserID:           userID,
				LocationID:       locationID,
				KnowledgeBaseIDs: stringsToJSON(nil),
			}
			meta, mergeErr := mergeAutopilotFlag(nil, enabled)
			if mergeErr != nil {
				return mergeErr
			}
			row.Metadata = meta
			return tx.Create(&row).Error
		}
		if err != nil {
			return err
		}
		if row.UserID != userID {
			return envelope.NotFound("conversation settings not found")
		}

		meta, err := mergeAutopilotFlag(row.Metadata, enabled)
		if err != nil {
			return err
		}
		updates := map[string]any{"metadata": meta}
		if row.LocationID == "" && locationID != "" {
			updates["location_id"] = locationID
		}
		return tx.Model(&row).Updates(updates).Error
	})
}

// GetPreferences returns the user's inference preferences with defaults for
// users that never saved any.
func (s *Store) GetPreferences(ctx context.Context, userID string) (*Preferences, error) {
	var row Preferences
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Preferences{UserID: userID, ResponseLanguage: defaultResponseLanguage, SuggestionCount: defaultSuggestionCount}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: load preferences: %w", err)
	}
	return &row, nil
}

// SavePreferences applies input on top of the stored preferences.
func (s *Store) SavePreferences(ctx context.Context, userID string, input PreferencesInput) (*Preferences, error) {
	current, err := s.GetPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	if input.SystemPrompt != nil {
		current.SystemPrompt = strings.TrimSpace(*input.SystemPrompt)
	}
	if input.ResponseLanguage != nil {
		language := strings.TrimSpace(*input.ResponseLanguage)
		if language == "" {
			language = defaultResponseLanguage
		}
		current.ResponseLanguage = language
	}
	if input.SuggestionCount != nil {
		if *input.SuggestionCount < 1 || *input.SuggestionCount > maxSuggestionCount {
			return nil, envelope.Validationf("suggestionCount must be between 1 and %d", maxSuggestionCount)
		}
		current.SuggestionCount = *input.SuggestionCount
	}

	if current.ID != "" {
		if err := s.db.WithContext(ctx).Save(current).Error; err != nil {
			return nil, fmt.Errorf("settings: save preferences: %w", err)
		}
		return current, nil
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"system_prompt", "response_language", "suggestion_count", "updated_at"}),
	}).Create(current).Error
	if err != nil {
		return nil, fmt.Errorf("settings: save preferences: %w", err)
	}
	return s.GetPreferences(ctx, userID)
}

func (s *Store) verifyAgents(ctx context.Context, userID string, ids []string) error {
	if s.agents == nil || len(ids) == 0 {
		return nil
	}
	return s.agents.VerifyAgents(ctx, userID, ids...)
}

func applyOverride(target **string, value *string) {
	if value == nil {
		return
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		*target = nil
		return
	}
	*target = &trimmed
}

func normalizeAgentIDs(values ...*string) ([]string, error) {
	ids := make([]string, 0, len(values))
	for _, value := range values {
		if value == nil || strings.TrimSpace(*value) == "" {
			continue
		}
		ids = append(ids, strings.TrimSpace(*value))
	}
	return normalizeIDs(ids, "agent id")
}

// normalizeIDs trims, validates and deduplicates uuid strings.
func normalizeIDs(values []string, label string) ([]string, error) {
	seen := make(map[string]struct{}, len(values))
	ids := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, err := uuid.Parse(trimmed); err != nil {
			return nil, envelope.Validationf("invalid %s %q", label, trimmed)
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		ids = append(ids, trimmed)
	}
	return ids, nil
}

func mergeAutopilotFlag(existing datatypes.JSON, enabled bool) (datatypes.JSON, error) {
	meta := decodeMetadata(existing)
	section, _ := meta["autopilot"].(map[string]any)
	if section == nil {
		section = map[string]any{}
	}
	section["enabled"] = enabled
	meta["autopilot"] = section
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("settings: encode metadata: %w", err)
	}
	return datatypes.JSON(raw), nil
}
