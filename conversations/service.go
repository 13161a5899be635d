package conversations

import (
	"context"
	"encoding/json"
	"strings"

	"vox_back/agents"
	"vox_back/envelope"
	"vox_back/inference"
	"vox_back/settings"
)

// AgentResolver picks the agent for a feature and conversation.
type AgentResolver interface {
	Resolve(ctx context.Context, userID string, feature agents.Feature, conversationID string) (*agents.Resolution, error)
}

// PreferencesSource loads the user's inference preferences.
type PreferencesSource interface {
	GetPreferences(ctx context.Context, userID string) (*settings.Preferences, error)
}

// Inference is the FastAPI surface used by the conversation features.
type Inference interface {
	Query(ctx context.Context, req inference.Request) (json.RawMessage, error)
	Suggestions(ctx context.Context, req inference.Request) (json.RawMessage, error)
	ResponseSuggestions(ctx context.Context, req inference.Request) (json.RawMessage, error)
	Summary(ctx context.Context, req inference.Request) (json.RawMessage, error)
}

// Action names a conversation endpoint.
type Action string

const (
	ActionQuery               Action = "query"
	ActionSuggestions         Action = "suggestions"
	ActionResponseSuggestions Action = "response-suggestions"
	ActionSummary             Action = "summary"
)

// feature maps an action to the agent feature that serves it. Summaries use
// the query agent.
func (a Action) feature() agents.Feature {
	switch a {
	case ActionSuggestions:
		return agents.FeatureSuggestions
	case ActionResponseSuggestions:
		return agents.FeatureResponse
	default:
		return agents.FeatureQuery
	}
}

// Input is the request body shared by the conversation endpoints.
type Input struct {
	Query      string          `json:"query"`
	ContactID  string          `json:"contactId"`
	LocationID string          `json:"locationId"`
	Messages   json.RawMessage `json:"messages"`
	Limit      int             `json:"limit"`
}

// Result is what every conversation endpoint returns.
type Result struct {
	AgentID string          `json:"agentId"`
	Tier    agents.Tier     `json:"tier"`
	Result  json.RawMessage `json:"result"`
}

// Service resolves the agent for a conversation feature and forwards the
// request to the inference backend.
type Service struct {
	resolver    AgentResolver
	preferences PreferencesSource
	inference   Inference
}

// NewService builds a service. preferences may be nil.
func NewService(resolver AgentResolver, preferences PreferencesSource, client Inference) *Service {
	return &Service{resolver: resolver, preferences: preferences, inference: client}
}

// Run executes action for the conversation.
func (s *Service) Run(ctx context.Context, userID, conversationID string, action Action, input Input) (*Result, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, envelope.Validation("conversation id is required")
	}
	input.Query = strings.TrimSpace(input.Query)
	if action == ActionQuery && input.Query == "" {
		return nil, envelope.Validation("query is required")
	}
	if input.Limit < 0 {
		return nil, envelope.Validation("limit must not be negative")
	}

	resolution, err := s.resolver.Resolve(ctx, userID, action.feature(), conversationID)
	if err != nil {
		return nil, err
	}

	req, err := s.buildRequest(ctx, userID, conversationID, action, input, resolution)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage
	switch action {
	case ActionQuery:
		raw, err = s.inference.Query(ctx, req)
	case ActionSuggestions:
		raw, err = s.inference.Suggestions(ctx, req)
	case ActionResponseSuggestions:
		raw, err = s.inference.ResponseSuggestions(ctx, req)
	case ActionSummary:
		raw, err = s.inference.Summary(ctx, req)
	default:
		return nil, envelope.Validationf("unknown action %q", action)
	}
	if err != nil {
		return nil, err
	}
	return &Result{AgentID: resolution.AgentID, Tier: resolution.Tier, Result: raw}, nil
}

func (s *Service) buildRequest(ctx context.Context, userID, conversationID string, action Action, input Input, resolution *agents.Resolution) (inference.Request, error) {
	cfg := resolution.Agent.Config()
	req := inference.Request{
		UserID:           userID,
		ConversationID:   conversationID,
		AgentID:          resolution.AgentID,
		KnowledgebaseIDs: MergeKnowledgeBases(resolution.Agent.KnowledgeBases(), resolution.Conversation.ExtraKnowledgeBases()),
		Model:            cfg.Model,
		Temperature:      cfg.Temperature,
		SystemPrompt:     cfg.SystemPrompt,
		Query:            input.Query,
		ContactID:        strings.TrimSpace(input.ContactID),
		LocationID:       strings.TrimSpace(input.LocationID),
		Messages:         input.Messages,
		Limit:            input.Limit,
	}
	if len(req.KnowledgebaseIDs) > 0 {
		req.KnowledgebaseID = req.KnowledgebaseIDs[0]
	}
	if req.LocationID == "" && resolution.Conversation != nil {
		req.LocationID = resolution.Conversation.LocationID
	}

	if s.preferences != nil {
		prefs, err := s.preferences.GetPreferences(ctx, userID)
		if err != nil {
			return req, err
		}
		req.Language = prefs.ResponseLanguage
		if req.SystemPrompt == "" {
			req.SystemPrompt = prefs.SystemPrompt
		}
		if req.Limit == 0 && (action == ActionSuggestions || action == ActionResponseSuggestions) {
			req.Limit = prefs.SuggestionCount
		}
	}
	return req, nil
}

// MergeKnowledgeBases concatenates the lists, keeping the first occurrence of
// each id.
func MergeKnowledgeBases(lists ...[]string) []string {
	seen := make(map[string]struct{})
	merged := make([]string, 0)
	for _, list := range lists {
		for _, raw := range list {
			id := strings.TrimSpace(raw)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			merged = append(merged, id)
		}
	}
	return merged
}
