package dal

import (
	"database/sql"
	"time"
)

// Account is a local actor: it lives on this server and owns a key pair.
type Account struct {
	Id        int64
	CreatedAt time.Time
	Username  string // alice
	Domain    string // example.social
	Profile   string // JSON profile document (type, preferredUsername, name, summary...)
	PubKey    string // PEM
}

// RemoteActor is a federated actor discovered via webfinger or profile fetch.
// The profile is a cache; it may go stale and is only refreshed on miss.
type RemoteActor struct {
	Id        int64
	CreatedAt time.Time
	Username  string // twilliability
	Domain    string // genart.social
	Url       string // https://genart.social/users/twilliability
	Inbox     string // https://genart.social/users/twilliability/inbox
	Profile   string // last-fetched JSON profile document
}

type AccessToken struct {
	AccountId int64
	Token     string
	Name      string
}

type Note struct {
	Uid           string // 128-bit random id, canonical identity of the note
	AccountId     sql.NullInt64
	RemoteActorId sql.NullInt64
	Data          string // free-form JSON payload; content lives here
	PublishedAt   time.Time
	UpdatedAt     sql.NullTime
	Public        bool
	InReplyTo     sql.NullString // parent note uid; nulled when the parent goes away
}

type DeliveryQueueItem struct {
	Id            int64
	SendingUser   string
	SendingDomain string
	ToInbox       string
	Payload       string // serialized activity JSON
	Attempts      int
	NextAttemptAt time.Time
}
