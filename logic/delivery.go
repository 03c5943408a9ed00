package logic

import (
	"encoding/json"
	"time"

	"fedibot/dal"
	"fedibot/dto"
	"fedibot/shared"
)

// IDeliveryService queues signed activity POSTs to remote inboxes. Delivery
// is fire-and-forget for the caller; failed sends are retried with backoff
// and one recipient's failure never blocks the others.
type IDeliveryService interface {
	EnqueueActivity(sendingUser, sendingDomain, toInbox string, activity *dto.ActivityOut) error
	EnqueueBroadcast(sendingUser, sendingDomain string, recipients []*dal.RemoteActor, activity *dto.ActivityOut) error
}

const maxParallelSends = 5
const queueIdleWakeSec = 5
const maxDeliveryAttempts = 5
const retryBackoffBaseSec = 30

type deliveryService struct {
	cfg             *shared.Config
	logger          shared.ILogger
	repo            dal.IRepo
	keyStore        IKeyStore
	sender          IActivitySender
	metrics         IMetrics
	newItemsInQueue chan struct{}
	dqProgress      map[int64]interface{}
}

func NewDeliveryService(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	keyStore IKeyStore,
	sender IActivitySender,
	metrics IMetrics,
) IDeliveryService {

	ds := deliveryService{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		keyStore: keyStore,
		sender:   sender,
		metrics:  metrics,
	}

	ds.newItemsInQueue = make(chan struct{})
	ds.dqProgress = make(map[int64]interface{})
	go ds.deliveryQueueLoop()

	return &ds
}

func (ds *deliveryService) EnqueueActivity(
	sendingUser, sendingDomain, toInbox string,
	activity *dto.ActivityOut,
) error {

	payload, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	err = ds.repo.AddDeliveryQueueItem(&dal.DeliveryQueueItem{
		SendingUser:   sendingUser,
		SendingDomain: sendingDomain,
		ToInbox:       toInbox,
		Payload:       string(payload),
		Attempts:      0,
		NextAttemptAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	go func() {
		ds.newItemsInQueue <- struct{}{}
	}()

	return nil
}

func (ds *deliveryService) EnqueueBroadcast(
	sendingUser, sendingDomain string,
	recipients []*dal.RemoteActor,
	activity *dto.ActivityOut,
) error {

	// Collect distinct inboxes
	inboxes := make(map[string]struct{})
	for _, ra := range recipients {
		if ra.Inbox == "" {
			continue
		}
		if _, exists := inboxes[ra.Inbox]; !exists {
			inboxes[ra.Inbox] = struct{}{}
		}
	}

	for inboxUrl := range inboxes {
		if err := ds.EnqueueActivity(sendingUser, sendingDomain, inboxUrl, activity); err != nil {
			return err
		}
	}

	return nil
}

func (ds *deliveryService) deliveryQueueLoop() {

	itemDone := make(chan int64)

	sendItems := func() {
		if len(ds.dqProgress) >= maxParallelSends {
			return
		}
		var maxId int64 = -1
		for id := range ds.dqProgress {
			maxId = max(maxId, id)
		}
		items, qlen, err := ds.repo.GetDueDeliveryQueueItems(
			maxId, time.Now().UTC(), maxParallelSends-len(ds.dqProgress))
		if err != nil {
			ds.logger.Errorf("Failed to get delivery queue items: %v", err)
			return
		}
		ds.metrics.DeliveryQueueLength(qlen)
		for _, item := range items {
			ds.dqProgress[item.Id] = struct{}{}
			go ds.sendQueuedItem(item, itemDone)
		}
	}

	for {
		select {
		case <-ds.newItemsInQueue:
			ds.logger.Debug("New items in delivery queue")
			sendItems()
		case <-time.After(queueIdleWakeSec * time.Second):
			sendItems()
		case id := <-itemDone:
			ds.logger.Debugf("Delivery item finished: %d", id)
			delete(ds.dqProgress, id)
			sendItems()
		}
	}
}

func (ds *deliveryService) sendQueuedItem(item *dal.DeliveryQueueItem, itemDone chan int64) {

	defer func() {
		itemDone <- item.Id
	}()

	sendErr := ds.sendItem(item)
	if sendErr == nil {
		ds.metrics.DeliverySent()
		if err := ds.repo.DeleteDeliveryQueueItem(item.Id); err != nil {
			ds.logger.Errorf("Failed to remove sent item from delivery queue: %d: %v", item.Id, err)
		}
		return
	}

	attempts := item.Attempts + 1
	if attempts >= maxDeliveryAttempts {
		ds.logger.Warnf("Giving up on delivery to %s after %d attempts: %v", item.ToInbox, attempts, sendErr)
		ds.metrics.DeliveryFailed()
		if err := ds.repo.DeleteDeliveryQueueItem(item.Id); err != nil {
			ds.logger.Errorf("Failed to remove abandoned item from delivery queue: %d: %v", item.Id, err)
		}
		return
	}

	// Exponential backoff: 30s, 60s, 120s, ...
	backoff := time.Duration(retryBackoffBaseSec<<(attempts-1)) * time.Second
	nextAttempt := time.Now().UTC().Add(backoff)
	ds.logger.Infof("Delivery to %s failed, retry %d at %s: %v",
		item.ToInbox, attempts, nextAttempt.Format(time.RFC3339), sendErr)
	if err := ds.repo.RescheduleDeliveryQueueItem(item.Id, attempts, nextAttempt); err != nil {
		ds.logger.Errorf("Failed to reschedule delivery queue item: %d: %v", item.Id, err)
	}
}

func (ds *deliveryService) sendItem(item *dal.DeliveryQueueItem) error {

	privKey, err := ds.keyStore.GetPrivKey(item.SendingUser, item.SendingDomain)
	if err != nil {
		return err
	}
	return ds.sender.Send(privKey, item.SendingUser, item.SendingDomain, item.ToInbox, []byte(item.Payload))
}
