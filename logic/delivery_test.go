package logic

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedibot/dal"
	"fedibot/dto"
	"fedibot/shared"
)

// makeTestDeliveryService wires the service without starting the queue loop,
// so tests drive it step by step.
func makeTestDeliveryService(repo *fakeRepo, sender *fakeSender) *deliveryService {
	return &deliveryService{
		cfg:             &shared.Config{Host: "example.social", PageSize: 20},
		logger:          nullLogger{},
		repo:            repo,
		keyStore:        newFakeKeyStore(),
		sender:          sender,
		metrics:         nullMetrics{},
		newItemsInQueue: make(chan struct{}, 16),
		dqProgress:      make(map[int64]interface{}),
	}
}

func makeTestActivity() *dto.ActivityOut {
	return &dto.ActivityOut{
		Context: dto.ActivityStreamsContext,
		Id:      "https://example.social/activity/abc123",
		Type:    "Create",
		Actor:   "https://example.social/u/alice",
	}
}

func TestEnqueueActivity(t *testing.T) {
	repo := newFakeRepo()
	ds := makeTestDeliveryService(repo, &fakeSender{})

	err := ds.EnqueueActivity("alice", "example.social", "https://genart.social/users/bob/inbox", makeTestActivity())
	require.NoError(t, err)

	items, qlen, err := repo.GetDueDeliveryQueueItems(-1, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, qlen)
	require.Len(t, items, 1)
	assert.Equal(t, "alice", items[0].SendingUser)
	assert.Equal(t, "example.social", items[0].SendingDomain)
	assert.Equal(t, "https://genart.social/users/bob/inbox", items[0].ToInbox)
	assert.Equal(t, 0, items[0].Attempts)
	assert.Contains(t, items[0].Payload, `"type":"Create"`)
}

func TestEnqueueBroadcastDedupesInboxes(t *testing.T) {
	repo := newFakeRepo()
	ds := makeTestDeliveryService(repo, &fakeSender{})

	// Two actors on a shared inbox, one on its own, one without an inbox
	recipients := []*dal.RemoteActor{
		{Id: 1, Url: "https://genart.social/users/bob", Inbox: "https://genart.social/inbox"},
		{Id: 2, Url: "https://genart.social/users/carol", Inbox: "https://genart.social/inbox"},
		{Id: 3, Url: "https://pix.example/users/dan", Inbox: "https://pix.example/users/dan/inbox"},
		{Id: 4, Url: "https://broken.example/users/eve", Inbox: ""},
	}
	err := ds.EnqueueBroadcast("alice", "example.social", recipients, makeTestActivity())
	require.NoError(t, err)

	items, _, err := repo.GetDueDeliveryQueueItems(-1, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	inboxes := map[string]struct{}{}
	for _, item := range items {
		inboxes[item.ToInbox] = struct{}{}
	}
	assert.Contains(t, inboxes, "https://genart.social/inbox")
	assert.Contains(t, inboxes, "https://pix.example/users/dan/inbox")
}

func TestSendQueuedItemSuccess(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	ds := makeTestDeliveryService(repo, sender)

	require.NoError(t, ds.EnqueueActivity("alice", "example.social",
		"https://genart.social/users/bob/inbox", makeTestActivity()))
	items, _, err := repo.GetDueDeliveryQueueItems(-1, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	itemDone := make(chan int64, 1)
	ds.sendQueuedItem(items[0], itemDone)
	assert.Equal(t, items[0].Id, <-itemDone)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "alice", sender.sent[0].sendingUser)
	assert.Equal(t, "https://genart.social/users/bob/inbox", sender.sent[0].inboxUrl)

	// Sent items leave the queue
	_, qlen, err := repo.GetDueDeliveryQueueItems(-1, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, qlen)
}

func TestSendQueuedItemRetriesWithBackoff(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{err: errors.New("connection refused")}
	ds := makeTestDeliveryService(repo, sender)

	require.NoError(t, ds.EnqueueActivity("alice", "example.social",
		"https://genart.social/users/bob/inbox", makeTestActivity()))
	items, _, err := repo.GetDueDeliveryQueueItems(-1, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	itemDone := make(chan int64, 1)
	ds.sendQueuedItem(items[0], itemDone)
	<-itemDone

	// Still queued, with one attempt on record and a future retry time
	require.Len(t, repo.queue, 1)
	assert.Equal(t, 1, repo.queue[0].Attempts)
	backoff := time.Until(repo.queue[0].NextAttemptAt)
	assert.Greater(t, backoff, 25*time.Second)
	assert.Less(t, backoff, 35*time.Second)

	// Not due yet: the queue scan skips it
	due, _, err := repo.GetDueDeliveryQueueItems(-1, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSendQueuedItemAbandonsAfterMaxAttempts(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{err: errors.New("connection refused")}
	ds := makeTestDeliveryService(repo, sender)

	require.NoError(t, ds.EnqueueActivity("alice", "example.social",
		"https://genart.social/users/bob/inbox", makeTestActivity()))
	require.Len(t, repo.queue, 1)
	repo.queue[0].Attempts = maxDeliveryAttempts - 1

	itemDone := make(chan int64, 1)
	ds.sendQueuedItem(repo.queue[0], itemDone)
	<-itemDone

	assert.Empty(t, repo.queue)
}
