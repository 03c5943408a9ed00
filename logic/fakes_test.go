package logic

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"time"

	"fedibot/dal"
	"fedibot/dto"
)

// nullLogger swallows everything; tests assert on behavior, not log output.
type nullLogger struct{}

func (nullLogger) Debug(interface{}, ...interface{}) {}
func (nullLogger) Debugf(string, ...interface{})     {}
func (nullLogger) Info(interface{}, ...interface{})  {}
func (nullLogger) Infof(string, ...interface{})      {}
func (nullLogger) Warn(interface{}, ...interface{})  {}
func (nullLogger) Warnf(string, ...interface{})      {}
func (nullLogger) Error(interface{}, ...interface{}) {}
func (nullLogger) Errorf(string, ...interface{})     {}
func (nullLogger) Printf(string, ...interface{})     {}

type nullObserver struct{}

func (nullObserver) Finish() {}

type nullMetrics struct{}

func (nullMetrics) StartApubRequestIn(string) IRequestObserver  { return nullObserver{} }
func (nullMetrics) StartApubRequestOut(string) IRequestObserver { return nullObserver{} }
func (nullMetrics) StartApiRequestIn(string) IRequestObserver   { return nullObserver{} }
func (nullMetrics) ActivityHandled(string)                      {}
func (nullMetrics) MentionSaved()                               {}
func (nullMetrics) NotePublished()                              {}
func (nullMetrics) DeliverySent()                               {}
func (nullMetrics) DeliveryFailed()                             {}
func (nullMetrics) ServiceStarted()                             {}
func (nullMetrics) TotalFollowers(int)                          {}
func (nullMetrics) DeliveryQueueLength(int)                     {}

// fakeRepo is an in-memory stand-in for the sqlite repository.
type fakeRepo struct {
	mu           sync.Mutex
	accounts     []*dal.Account
	privKeys     map[string]string
	tokens       []*dal.AccessToken
	remoteActors []*dal.RemoteActor
	followers    map[[2]int64]time.Time
	notes        map[string]*dal.Note
	likes        map[string]map[int64]struct{}
	announces    map[string]map[int64]struct{}
	recipients   map[string][]int64
	mentions     map[string][]int64
	handled      map[string]struct{}
	queue        []*dal.DeliveryQueueItem
	nextId       int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		privKeys:   make(map[string]string),
		followers:  make(map[[2]int64]time.Time),
		notes:      make(map[string]*dal.Note),
		likes:      make(map[string]map[int64]struct{}),
		announces:  make(map[string]map[int64]struct{}),
		recipients: make(map[string][]int64),
		mentions:   make(map[string][]int64),
		handled:    make(map[string]struct{}),
		nextId:     1,
	}
}

func (fr *fakeRepo) InitUpdateDb() {}

func (fr *fakeRepo) AddAccount(acct *dal.Account, privKey string) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	acct.Id = fr.nextId
	fr.nextId++
	fr.accounts = append(fr.accounts, acct)
	fr.privKeys[acct.Username+"@"+acct.Domain] = privKey
	return nil
}

func (fr *fakeRepo) GetAccount(username, domain string) (*dal.Account, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, a := range fr.accounts {
		if a.Username == username && a.Domain == domain {
			return a, nil
		}
	}
	return nil, nil
}

func (fr *fakeRepo) GetAccountsPage(offset, limit int) ([]*dal.Account, int, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	total := len(fr.accounts)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return fr.accounts[offset:end], total, nil
}

func (fr *fakeRepo) UpdateAccountProfile(accountId int64, profile string) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, a := range fr.accounts {
		if a.Id == accountId {
			a.Profile = profile
		}
	}
	return nil
}

func (fr *fakeRepo) GetPrivKey(username, domain string) (string, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.privKeys[username+"@"+domain], nil
}

func (fr *fakeRepo) AddAccessToken(token *dal.AccessToken) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.tokens = append(fr.tokens, token)
	return nil
}

func (fr *fakeRepo) CheckAccessToken(accountId int64, token string) (bool, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, t := range fr.tokens {
		if t.AccountId == accountId && t.Token == token {
			return true, nil
		}
	}
	return false, nil
}

func (fr *fakeRepo) AddRemoteActorIfNotExist(actor *dal.RemoteActor) (*dal.RemoteActor, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, ra := range fr.remoteActors {
		if ra.Url == actor.Url {
			return ra, nil
		}
		if ra.Username == actor.Username && ra.Domain == actor.Domain {
			return ra, nil
		}
	}
	actor.Id = fr.nextId
	fr.nextId++
	fr.remoteActors = append(fr.remoteActors, actor)
	return actor, nil
}

func (fr *fakeRepo) GetRemoteActorByUrl(url string) (*dal.RemoteActor, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, ra := range fr.remoteActors {
		if ra.Url == url {
			return ra, nil
		}
	}
	return nil, nil
}

func (fr *fakeRepo) GetRemoteActorByHandle(username, domain string) (*dal.RemoteActor, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, ra := range fr.remoteActors {
		if ra.Username == username && ra.Domain == domain {
			return ra, nil
		}
	}
	return nil, nil
}

func (fr *fakeRepo) AddFollower(accountId, remoteActorId int64, when time.Time) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.followers[[2]int64{accountId, remoteActorId}] = when
	return nil
}

func (fr *fakeRepo) RemoveFollower(accountId, remoteActorId int64) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	delete(fr.followers, [2]int64{accountId, remoteActorId})
	return nil
}

func (fr *fakeRepo) GetFollowerCount(accountId int64) (int, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	count := 0
	for key := range fr.followers {
		if key[0] == accountId {
			count++
		}
	}
	return count, nil
}

func (fr *fakeRepo) GetFollowersPage(accountId int64, offset, limit int) ([]*dal.RemoteActor, error) {
	all, err := fr.GetFollowers(accountId)
	if err != nil {
		return nil, err
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (fr *fakeRepo) GetFollowers(accountId int64) ([]*dal.RemoteActor, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	var res []*dal.RemoteActor
	for key := range fr.followers {
		if key[0] != accountId {
			continue
		}
		for _, ra := range fr.remoteActors {
			if ra.Id == key[1] {
				res = append(res, ra)
			}
		}
	}
	return res, nil
}

func (fr *fakeRepo) hasFollower(accountId, remoteActorId int64) bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	_, ok := fr.followers[[2]int64{accountId, remoteActorId}]
	return ok
}

func (fr *fakeRepo) AddNote(note *dal.Note) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.notes[note.Uid] = note
	return nil
}

func (fr *fakeRepo) GetNote(uid string) (*dal.Note, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return fr.notes[uid], nil
}

func (fr *fakeRepo) UpdateNoteData(uid, data string, updatedAt time.Time) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if note, ok := fr.notes[uid]; ok {
		note.Data = data
		note.UpdatedAt.Valid = true
		note.UpdatedAt.Time = updatedAt
	}
	return nil
}

func (fr *fakeRepo) DeleteNote(uid string) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	delete(fr.notes, uid)
	return nil
}

func (fr *fakeRepo) GetNoteCount(accountId int64) (int, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	count := 0
	for _, note := range fr.notes {
		if note.AccountId.Valid && note.AccountId.Int64 == accountId {
			count++
		}
	}
	return count, nil
}

func (fr *fakeRepo) GetNotesPage(accountId int64, offset, limit int) ([]*dal.Note, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	var all []*dal.Note
	for _, note := range fr.notes {
		if note.AccountId.Valid && note.AccountId.Int64 == accountId {
			all = append(all, note)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (fr *fakeRepo) AddNoteLike(noteUid string, remoteActorId int64) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.likes[noteUid] == nil {
		fr.likes[noteUid] = make(map[int64]struct{})
	}
	fr.likes[noteUid][remoteActorId] = struct{}{}
	return nil
}

func (fr *fakeRepo) RemoveNoteLike(noteUid string, remoteActorId int64) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.likes[noteUid] != nil {
		delete(fr.likes[noteUid], remoteActorId)
	}
	return nil
}

func (fr *fakeRepo) AddNoteAnnounce(noteUid string, remoteActorId int64) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.announces[noteUid] == nil {
		fr.announces[noteUid] = make(map[int64]struct{})
	}
	fr.announces[noteUid][remoteActorId] = struct{}{}
	return nil
}

func (fr *fakeRepo) RemoveNoteAnnounce(noteUid string, remoteActorId int64) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.announces[noteUid] != nil {
		delete(fr.announces[noteUid], remoteActorId)
	}
	return nil
}

func (fr *fakeRepo) AddNoteRecipient(noteUid string, remoteActorId int64) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.recipients[noteUid] = append(fr.recipients[noteUid], remoteActorId)
	return nil
}

func (fr *fakeRepo) GetNoteRecipients(noteUid string) ([]*dal.RemoteActor, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	var res []*dal.RemoteActor
	for _, id := range fr.recipients[noteUid] {
		for _, ra := range fr.remoteActors {
			if ra.Id == id {
				res = append(res, ra)
			}
		}
	}
	return res, nil
}

func (fr *fakeRepo) AddNoteMention(noteUid string, accountId int64) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.mentions[noteUid] = append(fr.mentions[noteUid], accountId)
	return nil
}

func (fr *fakeRepo) MarkActivityHandled(id string, when time.Time) (bool, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if _, ok := fr.handled[id]; ok {
		return true, nil
	}
	fr.handled[id] = struct{}{}
	return false, nil
}

func (fr *fakeRepo) AddDeliveryQueueItem(item *dal.DeliveryQueueItem) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	item.Id = fr.nextId
	fr.nextId++
	fr.queue = append(fr.queue, item)
	return nil
}

func (fr *fakeRepo) GetDueDeliveryQueueItems(aboveId int64, due time.Time, maxCount int) ([]*dal.DeliveryQueueItem, int, error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	var res []*dal.DeliveryQueueItem
	for _, item := range fr.queue {
		if item.Id > aboveId && !item.NextAttemptAt.After(due) && len(res) < maxCount {
			res = append(res, item)
		}
	}
	return res, len(fr.queue), nil
}

func (fr *fakeRepo) RescheduleDeliveryQueueItem(id int64, attempts int, nextAttemptAt time.Time) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, item := range fr.queue {
		if item.Id == id {
			item.Attempts = attempts
			item.NextAttemptAt = nextAttemptAt
		}
	}
	return nil
}

func (fr *fakeRepo) DeleteDeliveryQueueItem(id int64) error {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for ix, item := range fr.queue {
		if item.Id == id {
			fr.queue = append(fr.queue[:ix], fr.queue[ix+1:]...)
			break
		}
	}
	return nil
}

// fakeDirectory resolves from a fixed set of actors and counts lookups.
// When a repo is set, resolved actors get stored there, like the real thing.
type fakeDirectory struct {
	repo          dal.IRepo
	actors        []*dal.RemoteActor
	byUrlCalls    int
	byHandleCalls int
}

func (fd *fakeDirectory) store(actor *dal.RemoteActor) (*dal.RemoteActor, error) {
	if fd.repo == nil {
		return actor, nil
	}
	return fd.repo.AddRemoteActorIfNotExist(actor)
}

func (fd *fakeDirectory) ResolveByUrl(actorUrl string) (*dal.RemoteActor, error) {
	fd.byUrlCalls++
	for _, ra := range fd.actors {
		if ra.Url == actorUrl {
			return fd.store(ra)
		}
	}
	return nil, nil
}

func (fd *fakeDirectory) ResolveByHandle(username, domain string) (*dal.RemoteActor, error) {
	fd.byHandleCalls++
	for _, ra := range fd.actors {
		if ra.Username == username && ra.Domain == domain {
			return fd.store(ra)
		}
	}
	return nil, nil
}

type enqueuedActivity struct {
	sendingUser string
	toInbox     string
	activity    *dto.ActivityOut
}

// fakeDelivery records what would go out instead of sending it.
type fakeDelivery struct {
	mu    sync.Mutex
	items []enqueuedActivity
}

func (fd *fakeDelivery) EnqueueActivity(sendingUser, sendingDomain, toInbox string, activity *dto.ActivityOut) error {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.items = append(fd.items, enqueuedActivity{sendingUser, toInbox, activity})
	return nil
}

func (fd *fakeDelivery) EnqueueBroadcast(sendingUser, sendingDomain string, recipients []*dal.RemoteActor, activity *dto.ActivityOut) error {
	inboxes := make(map[string]struct{})
	for _, ra := range recipients {
		if ra.Inbox == "" {
			continue
		}
		if _, exists := inboxes[ra.Inbox]; exists {
			continue
		}
		inboxes[ra.Inbox] = struct{}{}
		if err := fd.EnqueueActivity(sendingUser, sendingDomain, ra.Inbox, activity); err != nil {
			return err
		}
	}
	return nil
}

func (fd *fakeDelivery) enqueued() []enqueuedActivity {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	res := make([]enqueuedActivity, len(fd.items))
	copy(res, fd.items)
	return res
}

// fakeKeyStore hands out a single pre-generated key to keep tests fast.
type fakeKeyStore struct {
	key *rsa.PrivateKey
}

func newFakeKeyStore() *fakeKeyStore {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return &fakeKeyStore{key: key}
}

func (fk *fakeKeyStore) GetPrivKey(user, domain string) (*rsa.PrivateKey, error) {
	return fk.key, nil
}

func (fk *fakeKeyStore) MakeKeyPair() (pubKey, privKey string, err error) {
	return "pub-pem", "priv-pem", nil
}

type sentItem struct {
	sendingUser string
	inboxUrl    string
	bodyJson    []byte
}

// fakeSender records outgoing payloads; err, when set, fails every send.
type fakeSender struct {
	mu   sync.Mutex
	sent []sentItem
	err  error
}

func (fs *fakeSender) Send(privKey *rsa.PrivateKey, sendingUser, sendingDomain, inboxUrl string, bodyJson []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.err != nil {
		return fs.err
	}
	fs.sent = append(fs.sent, sentItem{sendingUser, inboxUrl, bodyJson})
	return nil
}
