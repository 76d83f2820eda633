package logic

import (
	"time"

	"gatherpub/dal"
	"gatherpub/shared"
)

// IJanitor owns slow background housekeeping: purging expired dedup
// records and refreshing the follower gauge.
type IJanitor interface {
	PurgeNow() (int64, error)
}

type janitor struct {
	cfg     *shared.Config
	logger  shared.ILogger
	repo    dal.IRepo
	metrics IMetrics
}

func NewJanitor(cfg *shared.Config, logger shared.ILogger, repo dal.IRepo, metrics IMetrics) IJanitor {
	j := &janitor{cfg, logger, repo, metrics}
	go j.sweepLoop()
	return j
}

func (j *janitor) sweepLoop() {
	ticker := time.NewTicker(time.Duration(j.cfg.DedupSweepMinutes) * time.Minute)
	for range ticker.C {
		if _, err := j.PurgeNow(); err != nil {
			j.logger.Errorf("Janitor: purge failed: %v", err)
		}
		j.refreshGauges()
	}
}

// PurgeNow removes handled-activity records past their expiry. An id purged
// here may be accepted again later; senders only re-deliver within the
// retention window, so that does not cause double processing in practice.
func (j *janitor) PurgeNow() (int64, error) {
	purged, err := j.repo.PurgeHandledActivities(time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if purged != 0 {
		j.logger.Infof("Janitor: purged %d expired dedup records", purged)
	}
	return purged, nil
}

func (j *janitor) refreshGauges() {
	count, err := j.repo.GetTotalFollowerCount()
	if err != nil {
		j.logger.Errorf("Janitor: failed to count followers: %v", err)
		return
	}
	j.metrics.TotalFollowers(count)
}
