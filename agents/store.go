package agents

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"vox_back/envelope"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	DefaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.7
	maxTemperature     = 2.0
)

// KnowledgeOwnership 校验知识库属于当前用户。
type KnowledgeOwnership interface {
	VerifyKnowledgeBases(ctx context.Context, userID string, ids ...string) error
}

// Store 负责智能体的持久化。
type Store struct {
	db        *gorm.DB
	knowledge KnowledgeOwnership
}

// NewStore 创建智能体存储，knowledge 为空时不校验知识库。
func NewStore(db *gorm.DB, knowledge KnowledgeOwnership) *Store {
	return &Store{db: db, knowledge: knowledge}
}

// CreateInput 是创建智能体的参数。
type CreateInput struct {
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	Description      *string  `json:"description"`
	IsActive         *bool    `json:"isActive"`
	Model            string   `json:"model"`
	Temperature      *float64 `json:"temperature"`
	SystemPrompt     string   `json:"systemPrompt"`
	KnowledgeBaseIDs []string `json:"knowledgeBaseIds"`
}

// UpdateInput 是部分更新参数，nil 字段保持不变。
type UpdateInput struct {
	Name             *string   `json:"name"`
	Type             *string   `json:"type"`
	Description      *string   `json:"description"`
	IsActive         *bool     `json:"isActive"`
	Model            *string   `json:"model"`
	Temperature      *float64  `json:"temperature"`
	SystemPrompt     *string   `json:"systemPrompt"`
	KnowledgeBaseIDs *[]string `json:"knowledgeBaseIds"`
}

// ListFilter 过滤智能体列表。
type ListFilter struct {
	Type       string
	ActiveOnly bool
}

// ListActive 返回用户所有激活的智能体，按创建时间和 id 升序。
func (s *Store) ListActive(ctx context.Context, userID string) ([]Agent, error) {
	return s.List(ctx, userID, ListFilter{ActiveOnly: true})
}

// List 返回用户的智能体列表。
func (s *Store) List(ctx context.Context, userID string, filter ListFilter) ([]Agent, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.ActiveOnly {
		query = query.Where("is_active = ?", true)
	}
	if t := strings.ToLower(strings.TrimSpace(filter.Type)); t != "" {
		query = query.Where("type = ?", t)
	}

	var agents []Agent
	if err := query.Order("created_at ASC").Order("id ASC").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list agents: %w", err)
	}
	return agents, nil
}

// Get 返回用户拥有的指定智能体。
func (s *Store) Get(ctx context.Context, userID, id string) (*Agent, error) {
	id, err := parseAgentID(id)
	if err != nil {
		return nil, err
	}
	return s.get(s.db.WithContext(ctx), userID, id)
}

func (s *Store) get(tx *gorm.DB, userID, id string) (*Agent, error) {
	var agent Agent
	err := tx.Where("id = ? AND user_id = ?", id, userID).Take(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, envelope.NotFound("agent not found")
	}
	if err != nil {
		return nil, fmt.Errorf("agents: load agent: %w", err)
	}
	return &agent, nil
}

// Create 创建智能体。激活的非通用智能体会在同一事务中停用同类型的其他智能体。
func (s *Store) Create(ctx context.Context, userID string, input CreateInput) (*Agent, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, envelope.Validation("name is required")
	}
	agentType := strings.ToLower(strings.TrimSpace(input.Type))
	if agentType == "" {
		agentType = TypeGeneric
	}
	if !validType(agentType) {
		return nil, envelope.Validationf("invalid agent type %q", input.Type)
	}

	cfg := Configuration{
		Model:        strings.TrimSpace(input.Model),
		SystemPrompt: strings.TrimSpace(input.SystemPrompt),
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	temperature := defaultTemperature
	if input.Temperature != nil {
		temperature = *input.Temperature
	}
	if err := validateTemperature(temperature); err != nil {
		return nil, err
	}
	cfg.Temperature = &temperature

	kbIDs, err := s.verifyKnowledgeBases(ctx, userID, input.KnowledgeBaseIDs)
	if err != nil {
		return nil, err
	}

	active := true
	if input.IsActive != nil {
		active = *input.IsActive
	}

	agent := Agent{
		ID:               uuid.NewString(),
		UserID:           userID,
		Type:             agentType,
		Name:             name,
		Description:      trimmedPointer(input.Description),
		IsActive:         active,
		Configuration:    configurationToJSON(cfg),
		KnowledgeBaseIDs: stringsToJSON(kbIDs),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if agent.IsActive {
			if err := deactivateSiblings(tx, &agent); err != nil {
				return err
			}
		}
		return tx.Create(&agent).Error
	})
	if err != nil {
		return nil, fmt.Errorf("agents: create agent: %w", err)
	}
	return s.get(s.db.WithContext(ctx), userID, agent.ID)
}

// Update 部分更新智能体。
func (s *Store) Update(ctx context.Context, userID, id string, input UpdateInput) (*Agent, error) {
	id, err := parseAgentID(id)
	if err != nil {
		return nil, err
	}

	var kbIDs []string
	if input.KnowledgeBaseIDs != nil {
		kbIDs, err = s.verifyKnowledgeBases(ctx, userID, *input.KnowledgeBaseIDs)
		if err != nil {
			return nil, err
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		agent, err := s.get(tx, userID, id)
		if err != nil {
			return err
		}

		updates := map[string]any{}
		if input.Name != nil {
			name := strings.TrimSpace(*input.Name)
			if name == "" {
				return envelope.Validation("name cannot be empty")
			}
			updates["name"] = name
			agent.Name = name
		}
		if input.Type != nil {
			agentType := strings.ToLower(strings.TrimSpace(*input.Type))
			if !validType(agentType) {
				return envelope.Validationf("invalid agent type %q", *input.Type)
			}
			updates["type"] = agentType
			agent.Type = agentType
		}
		if input.Description != nil {
			updates["description"] = trimmedPointer(input.Description)
		}
		if input.IsActive != nil {
			updates["is_active"] = *input.IsActive
			agent.IsActive = *input.IsActive
		}
		if input.Model != nil || input.Temperature != nil || input.SystemPrompt != nil {
			cfg := agent.Config()
			if input.Model != nil {
				cfg.Model = strings.TrimSpace(*input.Model)
				if cfg.Model == "" {
					cfg.Model = DefaultModel
				}
			}
			if input.Temperature != nil {
				if err := validateTemperature(*input.Temperature); err != nil {
					return err
				}
				temperature := *input.Temperature
				cfg.Temperature = &temperature
			}
			if input.SystemPrompt != nil {
				cfg.SystemPrompt = strings.TrimSpace(*input.SystemPrompt)
			}
			updates["configuration"] = configurationToJSON(cfg)
		}
		if input.KnowledgeBaseIDs != nil {
			updates["knowledge_base_ids"] = stringsToJSON(kbIDs)
		}
		if len(updates) == 0 {
			return nil
		}

		if agent.IsActive && (input.IsActive != nil || input.Type != nil) {
			if err := deactivateSiblings(tx, agent); err != nil {
				return err
			}
		}
		return tx.Model(&Agent{}).Where("id = ? AND user_id = ?", id, userID).Updates(updates).Error
	})
	if err != nil {
		return nil, wrapStoreError("update agent", err)
	}
	return s.get(s.db.WithContext(ctx), userID, id)
}

// SetActive 激活或停用智能体。
func (s *Store) SetActive(ctx context.Context, userID, id string, active bool) (*Agent, error) {
	return s.Update(ctx, userID, id, UpdateInput{IsActive: &active})
}

// Delete 删除用户的智能体。
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	id, err := parseAgentID(id)
	if err != nil {
		return err
	}
	result := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&Agent{})
	if result.Error != nil {
		return fmt.Errorf("agents: delete agent: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return envelope.NotFound("agent not found")
	}
	return nil
}

// VerifyAgents 确认所有 id 都是用户拥有的智能体。
func (s *Store) VerifyAgents(ctx context.Context, userID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	unique := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		parsed, err := parseAgentID(id)
		if err != nil {
			return err
		}
		unique[parsed] = struct{}{}
	}
	lookup := make([]string, 0, len(unique))
	for id := range unique {
		lookup = append(lookup, id)
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&Agent{}).Where("user_id = ? AND id IN ?", userID, lookup).Count(&count).Error; err != nil {
		return fmt.Errorf("agents: verify agents: %w", err)
	}
	if count != int64(len(lookup)) {
		return envelope.NotFound("agent not found")
	}
	return nil
}

// Counts 返回智能体总数与激活数。
func (s *Store) Counts(ctx context.Context, userID string) (total, active int64, err error) {
	if err = s.db.WithContext(ctx).Model(&Agent{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return 0, 0, fmt.Errorf("agents: count agents: %w", err)
	}
	if err = s.db.WithContext(ctx).Model(&Agent{}).Where("user_id = ? AND is_active = ?", userID, true).Count(&active).Error; err != nil {
		return 0, 0, fmt.Errorf("agents: count active agents: %w", err)
	}
	return total, active, nil
}

// deactivateSiblings 停用同一用户同类型的其他激活智能体。
func deactivateSiblings(tx *gorm.DB, agent *Agent) error {
	if !exclusiveType(agent.Type) {
		return nil
	}
	return tx.Model(&Agent{}).
		Where("user_id = ? AND type = ? AND id <> ? AND is_active = ?", agent.UserID, agent.Type, agent.ID, true).
		Update("is_active", false).Error
}

func (s *Store) verifyKnowledgeBases(ctx context.Context, userID string, ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	normalized := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, err := uuid.Parse(id); err != nil {
			return nil, envelope.Validationf("invalid knowledge base id %q", id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		normalized = append(normalized, id)
	}
	if s.knowledge != nil && len(normalized) > 0 {
		if err := s.knowledge.VerifyKnowledgeBases(ctx, userID, normalized...); err != nil {
			return nil, err
		}
	}
	return normalized, nil
}

func parseAgentID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if _, err := uuid.Parse(id); err != nil {
		return "", envelope.Validationf("invalid agent id %q", raw)
	}
	return id, nil
}

func validateTemperature(value float64) error {
	if math.IsNaN(value) || value < 0 || value > maxTemperature {
		return envelope.Validationf("temperature must be between 0 and %.1f", maxTemperature)
	}
	return nil
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

// wrapStoreError 保留 envelope 错误，其余错误加上上下文。
func wrapStoreError(action string, err error) error {
	var e *envelope.Error
	if errors.As(err, &e) {
		return e
	}
	return fmt.Errorf("agents: %s: %w", action, err)
}
