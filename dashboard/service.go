package dashboard

import (
	"context"
	"errors"
	"time"

	"vox_back/autopilot"
	"vox_back/logging"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const branchTimeout = 5 * time.Second

var errNoSource = errors.New("source not configured")

type AgentCounter interface {
	Counts(ctx context.Context, userID string) (total, active int64, err error)
}

type KnowledgeCounter interface {
	Counts(ctx context.Context, userID string) (total, ready int64, err error)
}

type AutopilotStats interface {
	EnabledConversations(ctx context.Context, userID string) (int64, error)
	Analytics(ctx context.Context, userID, date string) ([]autopilot.Analytics, error)
}

type ContactCounter interface {
	ContactTotal(ctx context.Context, userID string) (int64, error)
}

// Stats is the dashboard summary. Counters of a failed source stay zero.
type Stats struct {
	Agents                int64    `json:"agents"`
	ActiveAgents          int64    `json:"activeAgents"`
	KnowledgeBases        int64    `json:"knowledgeBases"`
	ReadyKnowledgeBases   int64    `json:"readyKnowledgeBases"`
	AutopilotEnabled      int64    `json:"autopilotEnabledConversations"`
	MessagesReceivedToday int64    `json:"messagesReceivedToday"`
	RepliesSentToday      int64    `json:"repliesSentToday"`
	RepliesFailedToday    int64    `json:"repliesFailedToday"`
	Contacts              int64    `json:"contacts"`
	Unavailable           []string `json:"unavailable,omitempty"`
}

type Service struct {
	agents    AgentCounter
	knowledge KnowledgeCounter
	autopilot AutopilotStats
	contacts  ContactCounter
	now       func() time.Time
}

// NewService accepts nil sources; their counters are reported as unavailable.
func NewService(agents AgentCounter, knowledge KnowledgeCounter, autopilot AutopilotStats, contacts ContactCounter) *Service {
	return &Service{
		agents:    agents,
		knowledge: knowledge,
		autopilot: autopilot,
		contacts:  contacts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type branch struct {
	name string
	run  func(ctx context.Context, stats *Stats) error
}

// Stats gathers every counter in parallel. It never fails.
func (s *Service) Stats(ctx context.Context, userID string) Stats {
	branches := s.branches(userID)
	partial := make([]Stats, len(branches))
	failed := make([]bool, len(branches))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, b := range branches {
		group.Go(func() error {
			branchCtx, cancel := context.WithTimeout(groupCtx, branchTimeout)
			defer cancel()
			if err := b.run(branchCtx, &partial[i]); err != nil {
				failed[i] = true
				logging.For("dashboard").WithError(err).WithFields(logrus.Fields{
					"user_id": userID,
					"source":  b.name,
				}).Warn("dashboard: source unavailable")
			}
			return nil
		})
	}
	_ = group.Wait()

	var stats Stats
	for i, part := range partial {
		if failed[i] {
			stats.Unavailable = append(stats.Unavailable, branches[i].name)
			continue
		}
		stats.Agents += part.Agents
		stats.ActiveAgents += part.ActiveAgents
		stats.KnowledgeBases += part.KnowledgeBases
		stats.ReadyKnowledgeBases += part.ReadyKnowledgeBases
		stats.AutopilotEnabled += part.AutopilotEnabled
		stats.MessagesReceivedToday += part.MessagesReceivedToday
		stats.RepliesSentToday += part.RepliesSentToday
		stats.RepliesFailedToday += part.RepliesFailedToday
		stats.Contacts += part.Contacts
	}
	return stats
}

func (s *Service) branches(userID string) []branch {
	return []branch{
		{name: "agents", run: func(ctx context.Context, stats *Stats) error {
			if s.agents == nil {
				return errNoSource
			}
			total, active, err := s.agents.Counts(ctx, userID)
			stats.Agents, stats.ActiveAgents = total, active
			return err
		}},
		{name: "knowledge", run: func(ctx context.Context, stats *Stats) error {
			if s.knowledge == nil {
				return errNoSource
			}
			total, ready, err := s.knowledge.Counts(ctx, userID)
			stats.KnowledgeBases, stats.ReadyKnowledgeBases = total, ready
			return err
		}},
		{name: "autopilot", run: func(ctx context.Context, stats *Stats) error {
			if s.autopilot == nil {
				return errNoSource
			}
			enabled, err := s.autopilot.EnabledConversations(ctx, userID)
			stats.AutopilotEnabled = enabled
			return err
		}},
		{name: "analytics", run: func(ctx context.Context, stats *Stats) error {
			if s.autopilot == nil {
				return errNoSource
			}
			rows, err := s.autopilot.Analytics(ctx, userID, s.now().Format("2006-01-02"))
			if err != nil {
				return err
			}
			for _, row := range rows {
				stats.MessagesReceivedToday += int64(row.MessagesReceived)
				stats.RepliesSentToday += int64(row.RepliesSent)
				stats.RepliesFailedToday += int64(row.RepliesFailed)
			}
			return nil
		}},
		{name: "contacts", run: func(ctx context.Context, stats *Stats) error {
			if s.contacts == nil {
				return errNoSource
			}
			total, err := s.contacts.ContactTotal(ctx, userID)
			stats.Contacts = total
			return err
		}},
	}
}
