package logic

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"fedibot/dal"
	"fedibot/dto"
	"fedibot/shared"
)

// DispatchError signals an activity the dispatch machinery does not
// recognize: an unknown top-level type, an unknown object type inside an
// Undo, or a missing type field.
type DispatchError struct {
	msg string
}

func NewDispatchError(format string, args ...interface{}) *DispatchError {
	return &DispatchError{fmt.Sprintf(format, args...)}
}

func (e *DispatchError) Error() string {
	return e.msg
}

// IInboxHandler processes one inbound activity addressed to one local actor.
// The sender's signature has been verified by the time a handler runs.
type IInboxHandler interface {
	Handle(receivingUser string, sender *dal.RemoteActor, actBase *dto.ActivityInBase, bodyBytes []byte) (string, error)
}

// HandlerSelector decides whether a registered handler applies to the given
// receiving actor and activity.
type HandlerSelector func(username, domain string, actBase *dto.ActivityInBase) bool

func SelectAlways() HandlerSelector {
	return func(string, string, *dto.ActivityInBase) bool { return true }
}

func SelectHandle(username, domain string) HandlerSelector {
	return func(u, d string, _ *dto.ActivityInBase) bool {
		return u == username && d == domain
	}
}

// HandlerRegistration pairs a handler constructor with its selector. The
// registry is built once at process start and passed into the dispatcher;
// there is no ambient global registration.
type HandlerRegistration struct {
	Construct func() IInboxHandler
	Selects   HandlerSelector
}

type IInboxDispatcher interface {
	Dispatch(receivingUser string, sender *dal.RemoteActor, bodyBytes []byte) (string, error)
}

type inboxDispatcher struct {
	cfg           *shared.Config
	logger        shared.ILogger
	registrations []*HandlerRegistration
}

func NewInboxDispatcher(cfg *shared.Config, logger shared.ILogger, registrations []*HandlerRegistration) IInboxDispatcher {
	return &inboxDispatcher{cfg, logger, registrations}
}

// Dispatch runs every registered handler whose selector matches, in
// registration order. Handler errors are logged and collected, never fatal
// to the remaining handlers; the last non-empty handler result wins.
func (d *inboxDispatcher) Dispatch(receivingUser string, sender *dal.RemoteActor, bodyBytes []byte) (string, error) {

	var actBase dto.ActivityInBase
	if jsonErr := json.Unmarshal(bodyBytes, &actBase); jsonErr != nil {
		return "", NewDispatchError("invalid activity JSON: %v", jsonErr)
	}
	if actBase.Type == "" {
		return "", NewDispatchError("activity has no 'type' field")
	}

	resp := ""
	var lastErr error
	for _, reg := range d.registrations {
		if !reg.Selects(receivingUser, d.cfg.Host, &actBase) {
			continue
		}
		handler := reg.Construct()
		res, err := handler.Handle(receivingUser, sender, &actBase, bodyBytes)
		if err != nil {
			d.logger.Warnf("Inbox handler failed on '%s' activity %s: %v", actBase.Type, actBase.Id, err)
			lastErr = err
		}
		if res != "" {
			resp = res
		}
	}
	return resp, lastErr
}

// inbox is the built-in handler: follower bookkeeping, note reactions, and
// inbound mention notes.
type inbox struct {
	cfg       *shared.Config
	logger    shared.ILogger
	repo      dal.IRepo
	idb       shared.IdBuilder
	directory IActorDirectory
	delivery  IDeliveryService
	metrics   IMetrics
	sanitizer *bluemonday.Policy
}

func NewInbox(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	directory IActorDirectory,
	delivery IDeliveryService,
	metrics IMetrics,
) IInboxHandler {
	return &inbox{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		idb:       shared.IdBuilder{Host: cfg.Host},
		directory: directory,
		delivery:  delivery,
		metrics:   metrics,
		sanitizer: bluemonday.UGCPolicy(),
	}
}

func (ib *inbox) Handle(
	receivingUser string,
	sender *dal.RemoteActor,
	actBase *dto.ActivityInBase,
	bodyBytes []byte,
) (string, error) {

	switch actBase.Type {
	case "Follow":
		return ib.handleFollow(receivingUser, sender, actBase, bodyBytes)
	case "Undo":
		return ib.handleUndo(receivingUser, sender, actBase, bodyBytes)
	case "Like":
		return ib.handleReaction(receivingUser, sender, actBase, "like", true)
	case "Announce":
		return ib.handleReaction(receivingUser, sender, actBase, "announce", true)
	case "Create":
		return ib.handleCreate(receivingUser, sender, actBase, bodyBytes)
	case "Delete", "Update", "Accept", "Reject":
		// Routine federation chatter we take no action on
		ib.logger.Debugf("Ignoring '%s' activity to '%s'", actBase.Type, receivingUser)
		return "", nil
	default:
		return "", NewDispatchError("unrecognized activity type: %s", actBase.Type)
	}
}

func (ib *inbox) handleFollow(
	receivingUser string,
	sender *dal.RemoteActor,
	actBase *dto.ActivityInBase,
	bodyBytes []byte,
) (string, error) {

	ib.logger.Infof("Handling Follow activity to '%s'", receivingUser)

	account, err := ib.repo.GetAccount(receivingUser, ib.cfg.Host)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "", fmt.Errorf("user does not exist: %s", receivingUser)
	}

	var actFollow dto.ActivityIn[string]
	if jsonErr := json.Unmarshal(bodyBytes, &actFollow); jsonErr != nil {
		return "", fmt.Errorf("invalid JSON in Follow activity body: %v", jsonErr)
	}

	alreadyHandled, err := ib.repo.MarkActivityHandled(actFollow.Id, time.Now())
	if err != nil {
		return "", err
	}
	if alreadyHandled {
		ib.logger.Infof("Activity has already been handled: %s", actFollow.Id)
		return "", nil
	}

	myUserUrl := ib.idb.UserUrl(receivingUser)
	if myUserUrl != actFollow.Object {
		return "", fmt.Errorf("follow sent to inbox of %s, but object is %s", receivingUser, actFollow.Object)
	}

	if err = ib.repo.AddFollower(account.Id, sender.Id, time.Now().UTC()); err != nil {
		return "", err
	}
	ib.metrics.ActivityHandled("follow")

	// Confirm asynchronously with a signed Accept wrapping the Follow
	actAccept := dto.ActivityOut{
		Context: dto.ActivityStreamsContext,
		Id:      ib.idb.ActivityUrl(newUid()),
		Type:    "Accept",
		Actor:   myUserUrl,
		Object: dto.ActivityOut{
			Id:     actFollow.Id,
			Type:   "Follow",
			Actor:  sender.Url,
			Object: myUserUrl,
		},
	}
	if err = ib.delivery.EnqueueActivity(receivingUser, ib.cfg.Host, sender.Inbox, &actAccept); err != nil {
		ib.logger.Errorf("Failed to enqueue Accept to %s: %v", sender.Inbox, err)
	}

	return "", nil
}

func (ib *inbox) handleUndo(
	receivingUser string,
	sender *dal.RemoteActor,
	actBase *dto.ActivityInBase,
	bodyBytes []byte,
) (string, error) {

	alreadyHandled, err := ib.repo.MarkActivityHandled(actBase.Id, time.Now())
	if err != nil {
		return "", err
	}
	if alreadyHandled {
		ib.logger.Infof("Activity has already been handled: %s", actBase.Id)
		return "", nil
	}

	objType := actBase.ObjectType()
	switch objType {
	case "Follow":
		return ib.handleUnfollow(receivingUser, sender, bodyBytes)
	case "Like":
		return ib.undoReaction(receivingUser, sender, actBase, "like")
	case "Announce":
		return ib.undoReaction(receivingUser, sender, actBase, "announce")
	case "":
		return "", NewDispatchError("'Undo' activity has no object type")
	default:
		return "", NewDispatchError("unrecognized object type in 'Undo' activity: %s", objType)
	}
}

func (ib *inbox) handleUnfollow(receivingUser string, sender *dal.RemoteActor, bodyBytes []byte) (string, error) {

	ib.logger.Infof("Handling Undo Follow activity to '%s'", receivingUser)

	account, err := ib.repo.GetAccount(receivingUser, ib.cfg.Host)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "", fmt.Errorf("user does not exist: %s", receivingUser)
	}

	var actUndoFollow dto.ActivityIn[dto.ActivityIn[string]]
	if jsonErr := json.Unmarshal(bodyBytes, &actUndoFollow); jsonErr != nil {
		return "", fmt.Errorf("invalid JSON in Undo Follow activity body: %v", jsonErr)
	}

	_, objectUser, ok := shared.ParseUserUrl(actUndoFollow.Object.Object)
	if !ok {
		return "", fmt.Errorf("cannot parse Undo Follow object as a user URL: %s", actUndoFollow.Object.Object)
	}
	if objectUser != receivingUser {
		return "", fmt.Errorf("undo Follow sent to '%s' but user in object URL is '%s'", receivingUser, objectUser)
	}

	// Removing an absent relationship is a no-op
	if err = ib.repo.RemoveFollower(account.Id, sender.Id); err != nil {
		return "", err
	}
	ib.metrics.ActivityHandled("unfollow")

	return "", nil
}

func (ib *inbox) handleReaction(
	receivingUser string,
	sender *dal.RemoteActor,
	actBase *dto.ActivityInBase,
	kind string,
	add bool,
) (string, error) {

	alreadyHandled, err := ib.repo.MarkActivityHandled(actBase.Id, time.Now())
	if err != nil {
		return "", err
	}
	if alreadyHandled {
		ib.logger.Infof("Activity has already been handled: %s", actBase.Id)
		return "", nil
	}

	return "", ib.applyReaction(sender, actBase.ObjectUrl(), kind, add)
}

func (ib *inbox) undoReaction(
	receivingUser string,
	sender *dal.RemoteActor,
	actBase *dto.ActivityInBase,
	kind string,
) (string, error) {

	// The embedded object is the original reaction; its object is the note
	noteUrl := ""
	if objMap, ok := actBase.Object.(map[string]interface{}); ok {
		if str, ok := objMap["object"].(string); ok {
			noteUrl = str
		} else if inner, ok := objMap["object"].(map[string]interface{}); ok {
			if idStr, ok := inner["id"].(string); ok {
				noteUrl = idStr
			}
		}
	}
	if noteUrl == "" {
		return "", fmt.Errorf("'Undo' activity's embedded %s has no object", kind)
	}
	return "", ib.applyReaction(sender, noteUrl, kind, false)
}

func (ib *inbox) applyReaction(sender *dal.RemoteActor, noteUrl, kind string, add bool) error {

	note, err := ib.resolveLocalNote(noteUrl)
	if err != nil {
		return err
	}
	if note == nil {
		ib.logger.Infof("Ignoring '%s' reaction for unknown note: %s", kind, noteUrl)
		return nil
	}

	switch {
	case kind == "like" && add:
		err = ib.repo.AddNoteLike(note.Uid, sender.Id)
	case kind == "like" && !add:
		err = ib.repo.RemoveNoteLike(note.Uid, sender.Id)
	case kind == "announce" && add:
		err = ib.repo.AddNoteAnnounce(note.Uid, sender.Id)
	case kind == "announce" && !add:
		err = ib.repo.RemoveNoteAnnounce(note.Uid, sender.Id)
	}
	if err == nil {
		ib.metrics.ActivityHandled(kind)
	}
	return err
}

// resolveLocalNote maps a canonical note URL to a stored note; nil when the
// URL is not ours or the note does not exist.
func (ib *inbox) resolveLocalNote(noteUrl string) (*dal.Note, error) {

	domain, _, uid, ok := shared.ParseNoteUrl(noteUrl)
	if !ok || domain != ib.cfg.Host {
		return nil, nil
	}
	return ib.repo.GetNote(uid)
}

func (ib *inbox) handleCreate(
	receivingUser string,
	sender *dal.RemoteActor,
	actBase *dto.ActivityInBase,
	bodyBytes []byte,
) (string, error) {

	if actBase.ObjectType() != "Note" {
		ib.logger.Debugf("Ignoring Create with object type '%s'", actBase.ObjectType())
		return "", nil
	}

	account, err := ib.repo.GetAccount(receivingUser, ib.cfg.Host)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "", fmt.Errorf("user does not exist: %s", receivingUser)
	}

	alreadyHandled, err := ib.repo.MarkActivityHandled(actBase.Id, time.Now())
	if err != nil {
		return "", err
	}
	if alreadyHandled {
		ib.logger.Infof("Activity has already been handled: %s", actBase.Id)
		return "", nil
	}

	var act dto.ActivityIn[dto.Note]
	if jsonErr := json.Unmarshal(bodyBytes, &act); jsonErr != nil {
		return "", fmt.Errorf("invalid JSON in Create Note activity body: %v", jsonErr)
	}

	// Only notes that mention the receiving actor are kept
	myUserUrl := ib.idb.UserUrl(receivingUser)
	mentionsMe := false
	for _, tag := range act.Object.Tag {
		if tag.Type == "Mention" && tag.Href == myUserUrl {
			mentionsMe = true
			break
		}
	}
	if !mentionsMe {
		return "", nil
	}

	ib.logger.Infof("Saving mention of '%s' by %s", receivingUser, sender.Url)

	public := false
	for _, addr := range append(act.Object.To, act.Object.Cc...) {
		if addr == shared.ActivityPublic {
			public = true
		}
	}

	publishedAt := time.Now().UTC()
	if parsed, parseErr := time.Parse(time.RFC3339, act.Object.Published); parseErr == nil {
		publishedAt = parsed
	}

	// Best effort: an unresolvable parent is simply null
	inReplyTo := sql.NullString{}
	if act.Object.InReplyTo != nil {
		if parent, _ := ib.resolveLocalNote(*act.Object.InReplyTo); parent != nil {
			inReplyTo = sql.NullString{String: parent.Uid, Valid: true}
		}
	}

	act.Object.Content = ib.sanitizer.Sanitize(act.Object.Content)
	noteJson, err := json.Marshal(&act.Object)
	if err != nil {
		return "", err
	}

	note := dal.Note{
		Uid:           newUid(),
		RemoteActorId: sql.NullInt64{Int64: sender.Id, Valid: true},
		Data:          string(noteJson),
		PublishedAt:   publishedAt,
		Public:        public,
		InReplyTo:     inReplyTo,
	}
	if err = ib.repo.AddNote(&note); err != nil {
		return "", err
	}
	if err = ib.repo.AddNoteMention(note.Uid, account.Id); err != nil {
		return "", err
	}
	ib.metrics.MentionSaved()
	ib.metrics.ActivityHandled("mention")

	return "", nil
}
