package logic

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fedibot/dal"
	"fedibot/dto"
	"fedibot/shared"
)

// INotes is local note authoring: create, edit, delete, with the matching
// Create/Update/Delete broadcasts to followers and addressees.
type INotes interface {
	CreateNote(username, content, inReplyToUid string, public bool, toHandles []string) (*dal.Note, error)
	UpdateNote(username, uid, content string) error
	DeleteNote(username, uid string) error
	GetNoteDoc(note *dal.Note) (*dto.Note, error)
}

type notes struct {
	cfg       *shared.Config
	logger    shared.ILogger
	repo      dal.IRepo
	idb       shared.IdBuilder
	mentions  IMentionResolver
	directory IActorDirectory
	delivery  IDeliveryService
	metrics   IMetrics
}

func NewNotes(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	mentions IMentionResolver,
	directory IActorDirectory,
	delivery IDeliveryService,
	metrics IMetrics,
) INotes {
	return &notes{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		idb:       shared.IdBuilder{Host: cfg.Host},
		mentions:  mentions,
		directory: directory,
		delivery:  delivery,
		metrics:   metrics,
	}
}

func newUid() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (n *notes) CreateNote(username, content, inReplyToUid string, public bool, toHandles []string) (*dal.Note, error) {

	account, err := n.repo.GetAccount(username, n.cfg.Host)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("user does not exist: %s", username)
	}

	// The filter pipeline runs exactly once per edit
	filtered, tags := n.mentions.ApplyFilters(content)

	uid := newUid()
	now := time.Now().UTC()

	inReplyTo := sql.NullString{}
	var inReplyToUrl *string
	if inReplyToUid != "" {
		parent, parentErr := n.repo.GetNote(inReplyToUid)
		if parentErr != nil {
			return nil, parentErr
		}
		if parent == nil {
			return nil, fmt.Errorf("parent note does not exist: %s", inReplyToUid)
		}
		inReplyTo = sql.NullString{String: parent.Uid, Valid: true}
		parentUrl, urlErr := n.noteUrlOf(parent)
		if urlErr == nil {
			inReplyToUrl = &parentUrl
		}
	}

	recipients, err := n.resolveAddressees(toHandles, tags)
	if err != nil {
		return nil, err
	}

	var to, cc []string
	if public {
		to = []string{shared.ActivityPublic}
		cc = []string{n.idb.UserFollowers(username)}
	} else {
		for _, ra := range recipients {
			to = append(to, ra.Url)
		}
	}

	noteDoc := dto.Note{
		Id:           n.idb.NoteUrl(username, uid),
		Type:         "Note",
		Published:    now.Format(time.RFC3339),
		AttributedTo: n.idb.UserUrl(username),
		InReplyTo:    inReplyToUrl,
		To:           to,
		Cc:           cc,
		Content:      filtered,
		Tag:          tags,
	}
	noteJson, err := json.Marshal(&noteDoc)
	if err != nil {
		return nil, err
	}

	note := dal.Note{
		Uid:         uid,
		AccountId:   sql.NullInt64{Int64: account.Id, Valid: true},
		Data:        string(noteJson),
		PublishedAt: now,
		Public:      public,
		InReplyTo:   inReplyTo,
	}
	if err = n.repo.AddNote(&note); err != nil {
		return nil, err
	}

	for _, tag := range tags {
		domain, user, ok := shared.ParseUserUrl(tag.Href)
		if !ok || domain != n.cfg.Host {
			continue
		}
		mentioned, acctErr := n.repo.GetAccount(user, domain)
		if acctErr != nil || mentioned == nil {
			continue
		}
		if err = n.repo.AddNoteMention(uid, mentioned.Id); err != nil {
			return nil, err
		}
	}
	for _, ra := range recipients {
		if err = n.repo.AddNoteRecipient(uid, ra.Id); err != nil {
			return nil, err
		}
	}

	err = n.broadcast(username, "Create", to, cc, &noteDoc, public, recipients)
	if err != nil {
		return nil, err
	}
	n.metrics.NotePublished()

	return &note, nil
}

func (n *notes) UpdateNote(username, uid, content string) error {

	note, err := n.ownedNote(username, uid)
	if err != nil {
		return err
	}

	var noteDoc dto.Note
	if err = json.Unmarshal([]byte(note.Data), &noteDoc); err != nil {
		return err
	}

	filtered, tags := n.mentions.ApplyFilters(content)
	now := time.Now().UTC()
	noteDoc.Content = filtered
	noteDoc.Tag = tags
	noteDoc.Updated = now.Format(time.RFC3339)

	noteJson, err := json.Marshal(&noteDoc)
	if err != nil {
		return err
	}
	if err = n.repo.UpdateNoteData(uid, string(noteJson), now); err != nil {
		return err
	}

	// The edit's activity id hangs off the note URL, one per edit timestamp
	actId := fmt.Sprintf("%s#updates/%d", noteDoc.Id, now.Unix())
	return n.broadcastAs(actId, username, "Update", noteDoc.To, noteDoc.Cc, &noteDoc, note.Public, nil)
}

func (n *notes) DeleteNote(username, uid string) error {

	note, err := n.ownedNote(username, uid)
	if err != nil {
		return err
	}

	var noteDoc dto.Note
	if err = json.Unmarshal([]byte(note.Data), &noteDoc); err != nil {
		return err
	}

	// Tombstone goes out before the note itself is removed
	tombstone := map[string]any{
		"id":   noteDoc.Id,
		"type": "Tombstone",
	}
	err = n.broadcast(username, "Delete", noteDoc.To, noteDoc.Cc, tombstone, note.Public, nil)
	if err != nil {
		return err
	}

	return n.repo.DeleteNote(uid)
}

// GetNoteDoc deserializes a stored note's protocol document.
func (n *notes) GetNoteDoc(note *dal.Note) (*dto.Note, error) {
	var noteDoc dto.Note
	if err := json.Unmarshal([]byte(note.Data), &noteDoc); err != nil {
		return nil, err
	}
	return &noteDoc, nil
}

func (n *notes) ownedNote(username string, uid string) (*dal.Note, error) {

	account, err := n.repo.GetAccount(username, n.cfg.Host)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, fmt.Errorf("user does not exist: %s", username)
	}
	note, err := n.repo.GetNote(uid)
	if err != nil {
		return nil, err
	}
	if note == nil {
		return nil, fmt.Errorf("note does not exist: %s", uid)
	}
	if !note.AccountId.Valid || note.AccountId.Int64 != account.Id {
		return nil, fmt.Errorf("note %s does not belong to %s", uid, username)
	}
	return note, nil
}

func (n *notes) noteUrlOf(note *dal.Note) (string, error) {
	var noteDoc dto.Note
	if err := json.Unmarshal([]byte(note.Data), &noteDoc); err != nil {
		return "", err
	}
	return noteDoc.Id, nil
}

// resolveAddressees maps explicit @user@domain addressees plus remote
// mention tags to remote actor rows. Unresolvable addressees are skipped.
func (n *notes) resolveAddressees(toHandles []string, tags []dto.Tag) ([]*dal.RemoteActor, error) {

	byUrl := make(map[string]*dal.RemoteActor)

	for _, handle := range toHandles {
		handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
		atIx := strings.IndexByte(handle, '@')
		if atIx <= 0 || atIx == len(handle)-1 {
			continue
		}
		user, domain := handle[:atIx], handle[atIx+1:]
		if domain == n.cfg.Host {
			continue
		}
		actor, err := n.directory.ResolveByHandle(user, domain)
		if err != nil {
			return nil, err
		}
		if actor != nil {
			byUrl[actor.Url] = actor
		}
	}

	// Mentioned remote actors are addressees too
	for _, tag := range tags {
		if tag.Type != "Mention" {
			continue
		}
		if domain, _, ok := shared.ParseUserUrl(tag.Href); ok && domain == n.cfg.Host {
			continue
		}
		if _, exists := byUrl[tag.Href]; exists {
			continue
		}
		actor, err := n.directory.ResolveByUrl(tag.Href)
		if err != nil {
			return nil, err
		}
		if actor != nil {
			byUrl[actor.Url] = actor
		}
	}

	res := make([]*dal.RemoteActor, 0, len(byUrl))
	for _, ra := range byUrl {
		res = append(res, ra)
	}
	return res, nil
}

func (n *notes) broadcast(username, activityType string, to, cc []string, object any, public bool, addressees []*dal.RemoteActor) error {
	return n.broadcastAs(n.idb.ActivityUrl(newUid()), username, activityType, to, cc, object, public, addressees)
}

func (n *notes) broadcastAs(actId, username, activityType string, to, cc []string, object any, public bool, addressees []*dal.RemoteActor) error {

	account, err := n.repo.GetAccount(username, n.cfg.Host)
	if err != nil {
		return err
	}

	var recipients []*dal.RemoteActor
	if public {
		followers, err := n.repo.GetFollowers(account.Id)
		if err != nil {
			return err
		}
		recipients = append(recipients, followers...)
	}
	recipients = append(recipients, addressees...)
	if !public && addressees == nil {
		// Re-deliveries of addressed notes go to the stored recipient set
		var uid string
		if noteDoc, ok := object.(*dto.Note); ok {
			if _, _, parsedUid, parsedOk := shared.ParseNoteUrl(noteDoc.Id); parsedOk {
				uid = parsedUid
			}
		}
		if uid != "" {
			stored, err := n.repo.GetNoteRecipients(uid)
			if err != nil {
				return err
			}
			recipients = append(recipients, stored...)
		}
	}

	act := dto.ActivityOut{
		Context: dto.ActivityStreamsContext,
		Id:      actId,
		Type:    activityType,
		Actor:   n.idb.UserUrl(username),
		Object:  object,
	}
	if len(to) != 0 {
		act.To = &to
	}
	if len(cc) != 0 {
		act.Cc = &cc
	}

	return n.delivery.EnqueueBroadcast(username, n.cfg.Host, recipients, &act)
}
