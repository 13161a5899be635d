package autopilot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vox_back/logging"
	"vox_back/metrics"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	trackingAttempts = 3
	trackingBackoff  = time.Second
	// MaxJobAttempts bounds how often a job is dispatched before it is failed.
	MaxJobAttempts = 10
)

// Step results reported in a SyncReport.
const (
	StepOK      = "ok"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// Mirror copies the enable flag into the conversation settings.
type Mirror interface {
	MirrorAutopilotEnabled(ctx context.Context, userID, conversationID, locationID string, enabled bool) error
}

// SyncReport is the outcome of one dispatch.
type SyncReport struct {
	Mirror           string `json:"mirror"`
	Tracking         string `json:"tracking"`
	TrackingAttempts int    `json:"trackingAttempts"`
	Analytics        string `json:"analytics"`
	Status           string `json:"status"`
}

// Dispatcher applies the secondary writes of a SyncJob. Every step fails
// softly: errors are logged and counted, and the job stays pending.
type Dispatcher struct {
	db      *gorm.DB
	mirror  Mirror
	backoff time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// NewDispatcher builds a dispatcher. mirror may be nil to skip the settings
// mirror.
func NewDispatcher(db *gorm.DB, mirror Mirror) *Dispatcher {
	return &Dispatcher{
		db:      db,
		mirror:  mirror,
		backoff: trackingBackoff,
		sleep:   sleepContext,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch runs the job's steps and records the outcome on the job row.
func (d *Dispatcher) Dispatch(ctx context.Context, job *SyncJob) SyncReport {
	log := logging.For("autopilot").WithFields(logrus.Fields{
		"job_id":          job.ID,
		"user_id":         job.UserID,
		"conversation_id": job.ConversationID,
		"enabled":         job.Enabled,
	})

	var failures []string
	report := SyncReport{Mirror: StepSkipped, Tracking: StepSkipped, Analytics: StepSkipped}

	if job.ConversationID != GlobalConversationID && d.mirror != nil {
		if err := d.mirror.MirrorAutopilotEnabled(ctx, job.UserID, job.ConversationID, job.LocationID, job.Enabled); err != nil {
			log.WithError(err).Warn("autopilot: mirror flag into conversation settings failed")
			failures = append(failures, "mirror: "+err.Error())
			report.Mirror = StepFailed
		} else {
			report.Mirror = StepOK
		}
		metrics.AutopilotSyncs.WithLabelValues("mirror", report.Mirror).Inc()
	}

	if job.ConversationID != GlobalConversationID {
		var err error
		report.TrackingAttempts, err = d.syncTrackingWithRetry(ctx, job, log)
		if err != nil {
			failures = append(failures, "tracking: "+err.Error())
			report.Tracking = StepFailed
		} else {
			report.Tracking = StepOK
		}
		metrics.AutopilotSyncs.WithLabelValues("tracking", report.Tracking).Inc()
	}

	if job.FirstEnable {
		if err := d.ensureAnalytics(ctx, job); err != nil {
			log.WithError(err).Warn("autopilot: create daily analytics row failed")
			failures = append(failures, "analytics: "+err.Error())
			report.Analytics = StepFailed
		} else {
			report.Analytics = StepOK
		}
		metrics.AutopilotSyncs.WithLabelValues("analytics", report.Analytics).Inc()
	}

	report.Status = d.finish(ctx, job, failures, log)
	return report
}

func (d *Dispatcher) syncTrackingWithRetry(ctx context.Context, job *SyncJob, log *logrus.Entry) (int, error) {
	var err error
	for attempt := 1; attempt <= trackingAttempts; attempt++ {
		if err = d.syncTracking(ctx, job); err == nil {
			return attempt, nil
		}
		log.WithError(err).WithField("attempt", attempt).Warn("autopilot: tracking sync failed")
		if attempt == trackingAttempts {
			break
		}
		if sleepErr := d.sleep(ctx, d.backoff*time.Duration(attempt)); sleepErr != nil {
			return attempt, sleepErr
		}
	}
	return trackingAttempts, err
}

func (d *Dispatcher) syncTracking(ctx context.Context, job *SyncJob) error {
	db := d.db.WithContext(ctx)
	var row Tracking
	err := db.Where("user_id = ? AND conversation_id = ?", job.UserID, job.ConversationID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if !job.Enabled {
			return nil
		}
		row = Tracking{
			UserID:         job.UserID,
			ConversationID: job.ConversationID,
			ConfigID:       job.ConfigID,
			LocationID:     job.LocationID,
			IsEnabled:      true,
			LastSyncedAt:   d.now(),
		}
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "conversation_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_enabled", "config_id", "last_synced_at", "updated_at"}),
		}).Create(&row).Error
	}
	if err != nil {
		return err
	}

	updates := map[string]any{
		"is_enabled":     job.Enabled,
		"last_synced_at": d.now(),
	}
	if job.ConfigID != "" {
		updates["config_id"] = job.ConfigID
	}
	if job.LocationID != "" {
		updates["location_id"] = job.LocationID
	}
	return db.Model(&row).Updates(updates).Error
}

func (d *Dispatcher) ensureAnalytics(ctx context.Context, job *SyncJob) error {
	created := job.CreatedAt
	if created.IsZero() {
		created = d.now()
	}
	row := Analytics{
		UserID:     job.UserID,
		Date:       created.UTC().Format(dateLayout),
		LocationID: job.LocationID,
	}
	return d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "date"}, {Name: "location_id"}},
		DoNothing: true,
	}).Create(&row).Error
}

func (d *Dispatcher) finish(ctx context.Context, job *SyncJob, failures []string, log *logrus.Entry) string {
	job.Attempts++
	updates := map[string]any{"attempts": job.Attempts}
	switch {
	case len(failures) == 0:
		job.Status = JobDone
		job.LastError = ""
	case job.Attempts >= MaxJobAttempts:
		job.Status = JobFailed
		job.LastError = strings.Join(failures, "; ")
		log.WithField("attempts", job.Attempts).Error("autopilot: sync job exhausted its attempts")
	default:
		job.Status = JobPending
		job.LastError = strings.Join(failures, "; ")
	}
	updates["status"] = job.Status
	updates["last_error"] = job.LastError

	if err := d.db.WithContext(ctx).Model(&SyncJob{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		log.WithError(err).Warn("autopilot: record sync job outcome failed")
		metrics.AutopilotSyncs.WithLabelValues("job", StepFailed).Inc()
	}
	return job.Status
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("autopilot: retry wait interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
