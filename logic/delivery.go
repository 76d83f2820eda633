package logic

import (
	"encoding/json"
	"sync"
	"time"

	"gatherpub/dal"
	"gatherpub/dto"
	"gatherpub/shared"
)

// IDeliveryService fans one activity out to its resolved inboxes. Delivery is
// best effort: each target succeeds or fails on its own, failures are
// recorded for the retry sweep and never surfaced to the activity's author.
type IDeliveryService interface {
	Deliver(activity *dto.ActivityOut, addressing dto.Addressing, sendingUser string) error
}

// Retry schedule in minutes, indexed by attempt count.
var retryBackoffMinutes = []int{1, 5, 15, 60, 240, 1440}

type deliveryService struct {
	cfg      *shared.Config
	logger   shared.ILogger
	repo     dal.IRepo
	audience IAudienceResolver
	keyStore IKeyStore
	sender   IActivitySender
	metrics  IMetrics
}

func NewDeliveryService(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	audience IAudienceResolver,
	keyStore IKeyStore,
	sender IActivitySender,
	metrics IMetrics,
) IDeliveryService {
	ds := &deliveryService{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		audience: audience,
		keyStore: keyStore,
		sender:   sender,
		metrics:  metrics,
	}
	go ds.retrySweepLoop()
	return ds
}

func (ds *deliveryService) Deliver(activity *dto.ActivityOut, addressing dto.Addressing, sendingUser string) error {

	inboxes, err := ds.audience.ResolveInboxes(addressing, sendingUser)
	if err != nil {
		return err
	}
	if len(inboxes) == 0 {
		return nil
	}

	privKey, err := ds.keyStore.GetPrivKey(sendingUser)
	if err != nil {
		return err
	}

	// Serialize once; Bcc has no json tag and stays out of the body
	bodyJson, err := json.Marshal(activity)
	if err != nil {
		return err
	}

	ds.logger.Infof("Delivering activity %s to %d inboxes", activity.Id, len(inboxes))

	// Bounded fan-out; every target proceeds and fails independently
	sem := make(chan struct{}, ds.cfg.MaxParallelDeliveries)
	var wg sync.WaitGroup
	for _, inboxUrl := range inboxes {
		if ds.isBlockedTarget(sendingUser, inboxUrl) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(inboxUrl string) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := ds.sender.SendRaw(privKey, sendingUser, inboxUrl, bodyJson); err != nil {
				ds.recordFailure(sendingUser, inboxUrl, bodyJson, err)
			}
		}(inboxUrl)
	}
	wg.Wait()

	return nil
}

func (ds *deliveryService) isBlockedTarget(sendingUser, inboxUrl string) bool {
	host, err := shared.GetHostName(inboxUrl)
	if err != nil {
		return false
	}
	blocked, err := ds.repo.IsBlocked(sendingUser, inboxUrl, host)
	if err != nil {
		ds.logger.Errorf("Block check for %s failed: %v", inboxUrl, err)
		return false
	}
	if blocked {
		ds.logger.Infof("Skipping delivery to blocked target %s", inboxUrl)
	}
	return blocked
}

func (ds *deliveryService) recordFailure(sendingUser, inboxUrl string, bodyJson []byte, sendErr error) {

	ds.metrics.DeliveryFailed()
	ds.logger.Warnf("Delivery to %s failed, queuing for retry: %v", inboxUrl, sendErr)

	now := time.Now().UTC()
	err := ds.repo.AddFailedDelivery(&dal.FailedDelivery{
		SendingUser:   sendingUser,
		InboxUrl:      inboxUrl,
		ActivityJson:  string(bodyJson),
		LastError:     sendErr.Error(),
		Attempts:      1,
		NextAttemptAt: now.Add(nextBackoff(1)),
		CreatedAt:     now,
	})
	if err != nil {
		ds.logger.Errorf("Failed to record failed delivery to %s: %v", inboxUrl, err)
	}
}

func nextBackoff(attempts int) time.Duration {
	ix := attempts - 1
	if ix >= len(retryBackoffMinutes) {
		ix = len(retryBackoffMinutes) - 1
	}
	if ix < 0 {
		ix = 0
	}
	return time.Duration(retryBackoffMinutes[ix]) * time.Minute
}

// retrySweepLoop periodically re-attempts recorded failures. Duplicate
// deliveries are harmless: the receiving side deduplicates by activity id.
func (ds *deliveryService) retrySweepLoop() {

	ticker := time.NewTicker(time.Duration(ds.cfg.RetrySweepSec) * time.Second)
	for range ticker.C {
		ds.sweepOnce()
	}
}

func (ds *deliveryService) sweepOnce() {

	now := time.Now().UTC()
	items, qlen, err := ds.repo.GetDueFailedDeliveries(now, ds.cfg.MaxParallelDeliveries)
	if err != nil {
		ds.logger.Errorf("Retry sweep: failed to read queue: %v", err)
		return
	}
	ds.metrics.DeliveryQueueLength(qlen)
	if len(items) == 0 {
		return
	}

	ds.logger.Debugf("Retry sweep: re-attempting %d deliveries", len(items))

	for _, item := range items {
		ds.retryOne(item)
	}
}

func (ds *deliveryService) retryOne(item *dal.FailedDelivery) {

	privKey, err := ds.keyStore.GetPrivKey(item.SendingUser)
	if err != nil {
		ds.logger.Errorf("Retry sweep: no private key for %s, dropping delivery to %s: %v",
			item.SendingUser, item.InboxUrl, err)
		_ = ds.repo.DeleteFailedDelivery(item.Id)
		return
	}

	err = ds.sender.SendRaw(privKey, item.SendingUser, item.InboxUrl, []byte(item.ActivityJson))
	if err == nil {
		ds.logger.Infof("Retry sweep: delivered to %s after %d attempts", item.InboxUrl, item.Attempts)
		_ = ds.repo.DeleteFailedDelivery(item.Id)
		return
	}

	item.Attempts++
	if item.Attempts >= ds.cfg.MaxDeliveryAttempts {
		ds.logger.Warnf("Retry sweep: giving up on %s after %d attempts", item.InboxUrl, item.Attempts)
		_ = ds.repo.DeleteFailedDelivery(item.Id)
		return
	}

	nextAt := time.Now().UTC().Add(nextBackoff(item.Attempts))
	ds.logger.Infof("Retry sweep: delivery to %s failed (attempt %d), next attempt at %v: %v",
		item.InboxUrl, item.Attempts, nextAt, err)
	if err := ds.repo.UpdateFailedDelivery(item.Id, item.Attempts, err.Error(), nextAt); err != nil {
		ds.logger.Errorf("Retry sweep: failed to update queue item %d: %v", item.Id, err)
	}
}
