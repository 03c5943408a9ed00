package dal

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"fedibot/shared"
)

const schemaVer = 1

//go:embed scripts/*
var scripts embed.FS

type IRepo interface {
	InitUpdateDb()

	AddAccount(acct *Account, privKey string) error
	GetAccount(username, domain string) (*Account, error)
	GetAccountsPage(offset, limit int) ([]*Account, int, error)
	UpdateAccountProfile(accountId int64, profile string) error
	GetPrivKey(username, domain string) (string, error)
	AddAccessToken(token *AccessToken) error
	CheckAccessToken(accountId int64, token string) (bool, error)

	AddRemoteActorIfNotExist(actor *RemoteActor) (*RemoteActor, error)
	GetRemoteActorByUrl(url string) (*RemoteActor, error)
	GetRemoteActorByHandle(username, domain string) (*RemoteActor, error)

	AddFollower(accountId, remoteActorId int64, when time.Time) error
	RemoveFollower(accountId, remoteActorId int64) error
	GetFollowerCount(accountId int64) (int, error)
	GetFollowersPage(accountId int64, offset, limit int) ([]*RemoteActor, error)
	GetFollowers(accountId int64) ([]*RemoteActor, error)

	AddNote(note *Note) error
	GetNote(uid string) (*Note, error)
	UpdateNoteData(uid, data string, updatedAt time.Time) error
	DeleteNote(uid string) error
	GetNoteCount(accountId int64) (int, error)
	GetNotesPage(accountId int64, offset, limit int) ([]*Note, error)
	AddNoteLike(noteUid string, remoteActorId int64) error
	RemoveNoteLike(noteUid string, remoteActorId int64) error
	AddNoteAnnounce(noteUid string, remoteActorId int64) error
	RemoveNoteAnnounce(noteUid string, remoteActorId int64) error
	AddNoteRecipient(noteUid string, remoteActorId int64) error
	GetNoteRecipients(noteUid string) ([]*RemoteActor, error)
	AddNoteMention(noteUid string, accountId int64) error

	MarkActivityHandled(id string, when time.Time) (alreadyHandled bool, err error)

	AddDeliveryQueueItem(item *DeliveryQueueItem) error
	GetDueDeliveryQueueItems(aboveId int64, due time.Time, maxCount int) ([]*DeliveryQueueItem, int, error)
	RescheduleDeliveryQueueItem(id int64, attempts int, nextAttemptAt time.Time) error
	DeleteDeliveryQueueItem(id int64) error
}

type Repo struct {
	cfg    *shared.Config
	logger shared.ILogger
	db     *sql.DB
	muDb   sync.RWMutex
}

func NewRepo(cfg *shared.Config, logger shared.ILogger) IRepo {

	var err error
	var db *sql.DB

	// _synchronous=1 is "normal"
	cstr := "file:%s?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=1&_busy_timeout=5000&_foreign_keys=1"
	db, err = sql.Open("sqlite3", fmt.Sprintf(cstr, cfg.DbFile))
	if err != nil {
		logger.Errorf("Failed to open/create DB file: %s: %v", cfg.DbFile, err)
		panic(err)
	}

	repo := Repo{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}

	return &repo
}

// isUniqueViolation recognizes sqlite's constraint error for duplicate keys.
// Unique indexes raise SQLITE_CONSTRAINT_UNIQUE; text primary keys like
// handled_activities.id raise SQLITE_CONSTRAINT_PRIMARYKEY.
func isUniqueViolation(err error) bool {
	if sqliteErr, ok := err.(sqlite3.Error); ok {
		return sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
	}
	return false
}

func (repo *Repo) InitUpdateDb() {

	dbVer := 0
	sysParamsExists := false
	var err error
	var rows *sql.Rows

	rows, err = repo.db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name='sys_params'")
	if err != nil {
		repo.logger.Errorf("Failed to check if 'sys_params' table exists: %v", err)
		panic(err)
	}
	for rows.Next() {
		sysParamsExists = true
	}
	_ = rows.Close()
	if !sysParamsExists {
		repo.logger.Printf("Database appears to be empty; current schema version is %d", schemaVer)
	} else {
		row := repo.db.QueryRow("SELECT val FROM sys_params WHERE name='schema_ver'")
		if err = row.Scan(&dbVer); err != nil {
			repo.logger.Errorf("Failed to query schema version: %v", err)
			panic(err)
		}
		repo.logger.Printf("Database is at version %d; current schema version is %d", dbVer, schemaVer)
	}
	for i := dbVer; i < schemaVer; i += 1 {
		nextVer := i + 1
		fn := fmt.Sprintf("scripts/create-%02d.sql", nextVer)
		repo.logger.Printf("Running %s", fn)
		var sqlBytes []byte
		if sqlBytes, err = scripts.ReadFile(fn); err != nil {
			repo.logger.Errorf("Failed to read init script %s: %v", fn, err)
			panic(err)
		}
		sqlStr := string(sqlBytes)
		if _, err = repo.db.Exec(sqlStr); err != nil {
			repo.logger.Errorf("Failed to execute init script %s: %v", fn, err)
			panic(err)
		}
		_, err = repo.db.Exec("UPDATE sys_params SET val=? WHERE name='schema_ver'", nextVer)
		if err != nil {
			repo.logger.Errorf("Failed to update schema_ver to %d: %v", nextVer, err)
			panic(err)
		}
	}
}

func (repo *Repo) AddAccount(acct *Account, privKey string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	res, err := repo.db.Exec(`INSERT INTO accounts
    	(created_at, username, domain, profile, pubkey, privkey)
		VALUES(?, ?, ?, ?, ?, ?)`,
		acct.CreatedAt, acct.Username, acct.Domain, acct.Profile, acct.PubKey, privKey)
	if err != nil {
		return err
	}
	acct.Id, _ = res.LastInsertId()
	return nil
}

func (repo *Repo) GetAccount(username, domain string) (*Account, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	return repo.getAccount(username, domain)
}

func (repo *Repo) getAccount(username, domain string) (*Account, error) {

	row := repo.db.QueryRow(
		`SELECT id, created_at, username, domain, profile, pubkey
		FROM accounts WHERE username=? AND domain=?`, username, domain)
	var res Account
	err := row.Scan(&res.Id, &res.CreatedAt, &res.Username, &res.Domain, &res.Profile, &res.PubKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

func (repo *Repo) GetAccountsPage(offset, limit int) ([]*Account, int, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	var total int
	row := repo.db.QueryRow(`SELECT COUNT(*) FROM accounts`)
	if err := row.Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := repo.db.Query(`SELECT id, created_at, username, domain, profile, pubkey
		FROM accounts ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []*Account
	for rows.Next() {
		a := Account{}
		err = rows.Scan(&a.Id, &a.CreatedAt, &a.Username, &a.Domain, &a.Profile, &a.PubKey)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, &a)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, err
	}
	return res, total, nil
}

func (repo *Repo) UpdateAccountProfile(accountId int64, profile string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`UPDATE accounts SET profile=? WHERE id=?`, profile, accountId)
	return err
}

func (repo *Repo) GetPrivKey(username, domain string) (string, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT privkey FROM accounts WHERE username=? AND domain=?`, username, domain)
	var res string
	err := row.Scan(&res)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return res, nil
}

func (repo *Repo) AddAccessToken(token *AccessToken) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO access_tokens (account_id, token, name) VALUES(?, ?, ?)`,
		token.AccountId, token.Token, token.Name)
	return err
}

func (repo *Repo) CheckAccessToken(accountId int64, token string) (bool, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM access_tokens WHERE account_id=? AND token=?`,
		accountId, token)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count != 0, nil
}

// AddRemoteActorIfNotExist inserts the actor, or, when another resolver won
// the race for the same url or handle, re-reads and returns the existing row.
func (repo *Repo) AddRemoteActorIfNotExist(actor *RemoteActor) (*RemoteActor, error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	res, err := repo.db.Exec(`INSERT INTO remote_actors
    	(created_at, username, domain, url, inbox, profile)
		VALUES(?, ?, ?, ?, ?, ?)`,
		actor.CreatedAt, actor.Username, actor.Domain, actor.Url, actor.Inbox, actor.Profile)
	if err == nil {
		actor.Id, _ = res.LastInsertId()
		return actor, nil
	}
	if isUniqueViolation(err) {
		existing, err := repo.getRemoteActorByUrl(actor.Url)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
		// Same handle under a different url
		return repo.getRemoteActorByHandle(actor.Username, actor.Domain)
	}
	return nil, err
}

func (repo *Repo) GetRemoteActorByUrl(url string) (*RemoteActor, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	return repo.getRemoteActorByUrl(url)
}

func (repo *Repo) getRemoteActorByUrl(url string) (*RemoteActor, error) {

	row := repo.db.QueryRow(`SELECT id, created_at, username, domain, url, inbox, profile
		FROM remote_actors WHERE url=?`, url)
	return readRemoteActor(row)
}

func (repo *Repo) GetRemoteActorByHandle(username, domain string) (*RemoteActor, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	return repo.getRemoteActorByHandle(username, domain)
}

func (repo *Repo) getRemoteActorByHandle(username, domain string) (*RemoteActor, error) {

	row := repo.db.QueryRow(`SELECT id, created_at, username, domain, url, inbox, profile
		FROM remote_actors WHERE username=? AND domain=?`, username, domain)
	return readRemoteActor(row)
}

func readRemoteActor(row *sql.Row) (*RemoteActor, error) {
	var res RemoteActor
	err := row.Scan(&res.Id, &res.CreatedAt, &res.Username, &res.Domain, &res.Url, &res.Inbox, &res.Profile)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

// AddFollower is an upsert: following twice leaves a single relationship.
func (repo *Repo) AddFollower(accountId, remoteActorId int64, when time.Time) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO followers (remote_actor_id, account_id, follow_date)
		VALUES(?, ?, ?) ON CONFLICT DO UPDATE SET follow_date=excluded.follow_date`,
		remoteActorId, accountId, when)
	return err
}

// RemoveFollower is a no-op when the relationship is already gone.
func (repo *Repo) RemoveFollower(accountId, remoteActorId int64) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM followers WHERE account_id=? AND remote_actor_id=?`,
		accountId, remoteActorId)
	return err
}

func (repo *Repo) GetFollowerCount(accountId int64) (int, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM followers WHERE account_id=?`, accountId)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (repo *Repo) GetFollowersPage(accountId int64, offset, limit int) ([]*RemoteActor, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	rows, err := repo.db.Query(`SELECT ra.id, ra.created_at, ra.username, ra.domain, ra.url, ra.inbox, ra.profile
		FROM remote_actors ra JOIN followers f ON f.remote_actor_id=ra.id
		WHERE f.account_id=? ORDER BY f.follow_date DESC, ra.id DESC LIMIT ? OFFSET ?`,
		accountId, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return readRemoteActors(rows)
}

func (repo *Repo) GetFollowers(accountId int64) ([]*RemoteActor, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	rows, err := repo.db.Query(`SELECT ra.id, ra.created_at, ra.username, ra.domain, ra.url, ra.inbox, ra.profile
		FROM remote_actors ra JOIN followers f ON f.remote_actor_id=ra.id
		WHERE f.account_id=?`, accountId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return readRemoteActors(rows)
}

func readRemoteActors(rows *sql.Rows) ([]*RemoteActor, error) {
	res := make([]*RemoteActor, 0)
	for rows.Next() {
		ra := RemoteActor{}
		err := rows.Scan(&ra.Id, &ra.CreatedAt, &ra.Username, &ra.Domain, &ra.Url, &ra.Inbox, &ra.Profile)
		if err != nil {
			return nil, err
		}
		res = append(res, &ra)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (repo *Repo) AddNote(note *Note) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO notes
    	(uid, account_id, remote_actor_id, data, published_at, updated_at, public, in_reply_to)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		note.Uid, note.AccountId, note.RemoteActorId, note.Data, note.PublishedAt,
		note.UpdatedAt, note.Public, note.InReplyTo)
	return err
}

func (repo *Repo) GetNote(uid string) (*Note, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT uid, account_id, remote_actor_id, data, published_at, updated_at, public, in_reply_to
		FROM notes WHERE uid=?`, uid)
	var res Note
	err := row.Scan(&res.Uid, &res.AccountId, &res.RemoteActorId, &res.Data, &res.PublishedAt,
		&res.UpdatedAt, &res.Public, &res.InReplyTo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &res, nil
}

func (repo *Repo) UpdateNoteData(uid, data string, updatedAt time.Time) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`UPDATE notes SET data=?, updated_at=? WHERE uid=?`, data, updatedAt, uid)
	return err
}

func (repo *Repo) DeleteNote(uid string) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	// Children's in_reply_to goes NULL via the foreign key; no cascade.
	_, err := repo.db.Exec(`DELETE FROM notes WHERE uid=?`, uid)
	return err
}

func (repo *Repo) GetNoteCount(accountId int64) (int, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	row := repo.db.QueryRow(`SELECT COUNT(*) FROM notes WHERE account_id=?`, accountId)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (repo *Repo) GetNotesPage(accountId int64, offset, limit int) ([]*Note, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	rows, err := repo.db.Query(`SELECT uid, account_id, remote_actor_id, data, published_at, updated_at, public, in_reply_to
		FROM notes WHERE account_id=? ORDER BY published_at DESC LIMIT ? OFFSET ?`,
		accountId, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := make([]*Note, 0)
	for rows.Next() {
		n := Note{}
		err = rows.Scan(&n.Uid, &n.AccountId, &n.RemoteActorId, &n.Data, &n.PublishedAt,
			&n.UpdatedAt, &n.Public, &n.InReplyTo)
		if err != nil {
			return nil, err
		}
		res = append(res, &n)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (repo *Repo) AddNoteLike(noteUid string, remoteActorId int64) error {
	return repo.addNoteRelation("note_likes", noteUid, remoteActorId)
}

func (repo *Repo) RemoveNoteLike(noteUid string, remoteActorId int64) error {
	return repo.removeNoteRelation("note_likes", noteUid, remoteActorId)
}

func (repo *Repo) AddNoteAnnounce(noteUid string, remoteActorId int64) error {
	return repo.addNoteRelation("note_announces", noteUid, remoteActorId)
}

func (repo *Repo) RemoveNoteAnnounce(noteUid string, remoteActorId int64) error {
	return repo.removeNoteRelation("note_announces", noteUid, remoteActorId)
}

func (repo *Repo) AddNoteRecipient(noteUid string, remoteActorId int64) error {
	return repo.addNoteRelation("note_recipients", noteUid, remoteActorId)
}

func (repo *Repo) addNoteRelation(table, noteUid string, remoteActorId int64) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	q := fmt.Sprintf(`INSERT INTO %s (note_uid, remote_actor_id) VALUES(?, ?) ON CONFLICT DO NOTHING`, table)
	_, err := repo.db.Exec(q, noteUid, remoteActorId)
	return err
}

func (repo *Repo) removeNoteRelation(table, noteUid string, remoteActorId int64) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	q := fmt.Sprintf(`DELETE FROM %s WHERE note_uid=? AND remote_actor_id=?`, table)
	_, err := repo.db.Exec(q, noteUid, remoteActorId)
	return err
}

func (repo *Repo) GetNoteRecipients(noteUid string) ([]*RemoteActor, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	rows, err := repo.db.Query(`SELECT ra.id, ra.created_at, ra.username, ra.domain, ra.url, ra.inbox, ra.profile
		FROM remote_actors ra JOIN note_recipients nr ON nr.remote_actor_id=ra.id
		WHERE nr.note_uid=?`, noteUid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return readRemoteActors(rows)
}

func (repo *Repo) AddNoteMention(noteUid string, accountId int64) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`INSERT INTO note_mentions (note_uid, account_id)
		VALUES(?, ?) ON CONFLICT DO NOTHING`, noteUid, accountId)
	return err
}

func (repo *Repo) MarkActivityHandled(id string, when time.Time) (alreadyHandled bool, err error) {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	alreadyHandled = false
	err = nil

	_, err = repo.db.Exec(`INSERT INTO handled_activities VALUES (?, ?)`, id, when)

	if err == nil {
		return
	}

	// Duplicate key: activity was handled before
	if isUniqueViolation(err) {
		alreadyHandled = true
		err = nil
	}

	return
}

func (repo *Repo) AddDeliveryQueueItem(item *DeliveryQueueItem) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	res, err := repo.db.Exec(`INSERT INTO delivery_queue
    	(sending_user, sending_domain, to_inbox, payload, attempts, next_attempt_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		item.SendingUser, item.SendingDomain, item.ToInbox, item.Payload,
		item.Attempts, item.NextAttemptAt)
	if err != nil {
		return err
	}
	item.Id, _ = res.LastInsertId()
	return nil
}

func (repo *Repo) GetDueDeliveryQueueItems(aboveId int64, due time.Time, maxCount int) ([]*DeliveryQueueItem, int, error) {

	repo.muDb.RLock()
	defer repo.muDb.RUnlock()

	var qlen int
	row := repo.db.QueryRow(`SELECT COUNT(*) FROM delivery_queue`)
	if err := row.Scan(&qlen); err != nil {
		return nil, 0, err
	}

	rows, err := repo.db.Query(`SELECT id, sending_user, sending_domain, to_inbox, payload, attempts, next_attempt_at
		FROM delivery_queue WHERE id>? AND next_attempt_at<=? ORDER BY id ASC LIMIT ?`,
		aboveId, due, maxCount)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	res := make([]*DeliveryQueueItem, 0, maxCount)
	for rows.Next() {
		dqi := DeliveryQueueItem{}
		err = rows.Scan(&dqi.Id, &dqi.SendingUser, &dqi.SendingDomain, &dqi.ToInbox,
			&dqi.Payload, &dqi.Attempts, &dqi.NextAttemptAt)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, &dqi)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, err
	}
	return res, qlen, nil
}

func (repo *Repo) RescheduleDeliveryQueueItem(id int64, attempts int, nextAttemptAt time.Time) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`UPDATE delivery_queue SET attempts=?, next_attempt_at=? WHERE id=?`,
		attempts, nextAttemptAt, id)
	return err
}

func (repo *Repo) DeleteDeliveryQueueItem(id int64) error {

	repo.muDb.Lock()
	defer repo.muDb.Unlock()

	_, err := repo.db.Exec(`DELETE FROM delivery_queue WHERE id=?`, id)
	return err
}
