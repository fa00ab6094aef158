package workers

import (
	"context"
	"fmt"
	"time"

	"petition-rewards/models"

	"github.com/go-co-op/gocron/v2"
	log "github.com/sirupsen/logrus"
)

// LeaderboardSnapshotKey is the object the static site reads.
const LeaderboardSnapshotKey = "leaderboards/latest.json"

type LeaderboardSource interface {
	Top(ctx context.Context) ([]models.LeaderboardEntry, error)
}

type SnapshotUploader interface {
	UploadJSON(ctx context.Context, key string, v interface{}) (string, error)
}

// LeaderboardSnapshot is the published document.
type LeaderboardSnapshot struct {
	GeneratedAt time.Time                 `json:"generated_at"`
	Entries     []models.LeaderboardEntry `json:"entries"`
}

// LeaderboardPublisher periodically recomputes the referral leaderboard and uploads it.
type LeaderboardPublisher struct {
	source   LeaderboardSource
	uploader SnapshotUploader
	interval time.Duration
	now      func() time.Time
	sched    gocron.Scheduler
}

func NewLeaderboardPublisher(source LeaderboardSource, uploader SnapshotUploader, interval time.Duration) *LeaderboardPublisher {
	return &LeaderboardPublisher{
		source:   source,
		uploader: uploader,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PublishOnce uploads the current leaderboard and returns its public URL.
func (p *LeaderboardPublisher) PublishOnce(ctx context.Context) (string, error) {
	entries, err := p.source.Top(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to compute leaderboard: %w", err)
	}
	if entries == nil {
		entries = []models.LeaderboardEntry{}
	}
	return p.uploader.UploadJSON(ctx, LeaderboardSnapshotKey, LeaderboardSnapshot{
		GeneratedAt: p.now(),
		Entries:     entries,
	})
}

// Start schedules PublishOnce every interval, first run immediately. Runs never overlap.
func (p *LeaderboardPublisher) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(func() {
			url, err := p.PublishOnce(ctx)
			if err != nil {
				log.WithError(err).Error("[SNAPSHOT] Leaderboard publish failed")
				return
			}
			log.WithField("url", url).Debug("[SNAPSHOT] Leaderboard published")
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("failed to schedule leaderboard snapshot: %w", err)
	}

	sched.Start()
	p.sched = sched
	log.WithField("interval", p.interval).Info("[SNAPSHOT] Leaderboard publisher started")
	return nil
}

func (p *LeaderboardPublisher) Stop() error {
	if p.sched == nil {
		return nil
	}
	return p.sched.Shutdown()
}
