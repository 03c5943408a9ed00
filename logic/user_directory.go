package logic

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fedibot/dal"
	"fedibot/dto"
	"fedibot/shared"
	"fedibot/texts"
)

// IUserDirectory manages local actors: discovery documents, account
// creation with key material, access tokens, and profile updates.
type IUserDirectory interface {
	GetWebfinger(user string) (*dto.WebfingerResp, error)
	GetUserInfo(user string) (*dto.UserInfo, error)
	GetOutboxCollection(user string, page int) (*dto.OrderedCollection, error)
	GetFollowersCollection(user string, page int) (*dto.OrderedCollection, error)
	GetNoteDoc(user, uid string) (*dto.Note, error)
	CreateAccount(username, name, summary string) (*dal.Account, error)
	MintToken(username, tokenName string) (string, error)
	CheckToken(username, token string) (bool, error)
	UpdateProfile(username, name, summary string) error
	GetAccountsPage(offset, limit int) ([]*dal.Account, int, error)
}

type accountProfile struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

type userDirectory struct {
	cfg      *shared.Config
	logger   shared.ILogger
	repo     dal.IRepo
	idb      shared.IdBuilder
	keyStore IKeyStore
	delivery IDeliveryService
	pager    ICollectionPager
	txt      texts.ITexts
}

func NewUserDirectory(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	keyStore IKeyStore,
	delivery IDeliveryService,
	pager ICollectionPager,
	txt texts.ITexts,
) IUserDirectory {
	return &userDirectory{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		idb:      shared.IdBuilder{Host: cfg.Host},
		keyStore: keyStore,
		delivery: delivery,
		pager:    pager,
		txt:      txt,
	}
}

func (udir *userDirectory) GetWebfinger(user string) (*dto.WebfingerResp, error) {

	user = strings.ToLower(user)
	acct, err := udir.repo.GetAccount(user, udir.cfg.Host)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, nil
	}

	resp := dto.WebfingerResp{
		Subject: fmt.Sprintf("acct:%s@%s", user, udir.cfg.Host),
		Aliases: []string{
			udir.idb.UserUrl(user),
		},
		Links: []dto.WebfingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: udir.idb.UserUrl(user),
			},
		},
	}
	return &resp, nil
}

func (udir *userDirectory) GetUserInfo(user string) (*dto.UserInfo, error) {

	user = strings.ToLower(user)
	acct, err := udir.repo.GetAccount(user, udir.cfg.Host)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, nil
	}
	return udir.buildUserInfo(acct), nil
}

func (udir *userDirectory) buildUserInfo(acct *dal.Account) *dto.UserInfo {

	var profile accountProfile
	// Tolerate an unparseable profile; the actor document still works
	_ = json.Unmarshal([]byte(acct.Profile), &profile)

	userUrl := udir.idb.UserUrl(acct.Username)
	return &dto.UserInfo{
		Context: []string{
			dto.ActivityStreamsContext,
			dto.SecurityContext,
		},
		Id:                userUrl,
		Type:              "Person",
		PreferredUserName: acct.Username,
		Name:              profile.Name,
		Summary:           profile.Summary,
		Published:         acct.CreatedAt.Format(time.RFC3339),
		Inbox:             udir.idb.UserInbox(acct.Username),
		Outbox:            udir.idb.UserOutbox(acct.Username),
		Followers:         udir.idb.UserFollowers(acct.Username),
		PublicKey: dto.PublicKey{
			Id:           udir.idb.UserKeyId(acct.Username),
			Owner:        userUrl,
			PublicKeyPem: acct.PubKey,
		},
	}
}

func (udir *userDirectory) GetOutboxCollection(user string, page int) (*dto.OrderedCollection, error) {

	user = strings.ToLower(user)
	acct, err := udir.repo.GetAccount(user, udir.cfg.Host)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, nil
	}

	total, err := udir.repo.GetNoteCount(acct.Id)
	if err != nil {
		return nil, err
	}

	src := func(offset, limit int) ([]any, error) {
		noteRows, err := udir.repo.GetNotesPage(acct.Id, offset, limit)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, len(noteRows))
		for _, row := range noteRows {
			var noteDoc dto.Note
			if err = json.Unmarshal([]byte(row.Data), &noteDoc); err != nil {
				return nil, err
			}
			items = append(items, &noteDoc)
		}
		return items, nil
	}

	return udir.pager.GetPage(udir.idb.UserOutbox(user), total, page, src)
}

func (udir *userDirectory) GetFollowersCollection(user string, page int) (*dto.OrderedCollection, error) {

	user = strings.ToLower(user)
	acct, err := udir.repo.GetAccount(user, udir.cfg.Host)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, nil
	}

	total, err := udir.repo.GetFollowerCount(acct.Id)
	if err != nil {
		return nil, err
	}

	src := func(offset, limit int) ([]any, error) {
		followers, err := udir.repo.GetFollowersPage(acct.Id, offset, limit)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, len(followers))
		for _, f := range followers {
			items = append(items, f.Url)
		}
		return items, nil
	}

	return udir.pager.GetPage(udir.idb.UserFollowers(user), total, page, src)
}

// GetNoteDoc serves a local actor's public note; nil when unknown, not
// public, or not owned by this actor.
func (udir *userDirectory) GetNoteDoc(user, uid string) (*dto.Note, error) {

	user = strings.ToLower(user)
	acct, err := udir.repo.GetAccount(user, udir.cfg.Host)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, nil
	}

	note, err := udir.repo.GetNote(uid)
	if err != nil {
		return nil, err
	}
	if note == nil || !note.Public {
		return nil, nil
	}
	if !note.AccountId.Valid || note.AccountId.Int64 != acct.Id {
		return nil, nil
	}

	var noteDoc dto.Note
	if err = json.Unmarshal([]byte(note.Data), &noteDoc); err != nil {
		return nil, err
	}
	noteDoc.Context = dto.ActivityStreamsContext
	return &noteDoc, nil
}

func (udir *userDirectory) CreateAccount(username, name, summary string) (*dal.Account, error) {

	username = strings.ToLower(username)
	existing, err := udir.repo.GetAccount(username, udir.cfg.Host)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("user already exists: %s", username)
	}

	if name == "" {
		name = username
	}
	if summary == "" {
		summary = udir.txt.WithVals("default_bio.html", map[string]string{
			"host": udir.cfg.Host,
		})
	}
	profileJson, err := json.Marshal(&accountProfile{Name: name, Summary: summary})
	if err != nil {
		return nil, err
	}

	pubKey, privKey, err := udir.keyStore.MakeKeyPair()
	if err != nil {
		return nil, err
	}

	acct := dal.Account{
		CreatedAt: time.Now().UTC(),
		Username:  username,
		Domain:    udir.cfg.Host,
		Profile:   string(profileJson),
		PubKey:    pubKey,
	}
	if err = udir.repo.AddAccount(&acct, privKey); err != nil {
		return nil, err
	}

	udir.logger.Infof("Created local actor @%s@%s", username, udir.cfg.Host)
	return &acct, nil
}

func (udir *userDirectory) MintToken(username, tokenName string) (string, error) {

	acct, err := udir.repo.GetAccount(strings.ToLower(username), udir.cfg.Host)
	if err != nil {
		return "", err
	}
	if acct == nil {
		return "", fmt.Errorf("user does not exist: %s", username)
	}

	token := newUid() + newUid()
	err = udir.repo.AddAccessToken(&dal.AccessToken{
		AccountId: acct.Id,
		Token:     token,
		Name:      tokenName,
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (udir *userDirectory) CheckToken(username, token string) (bool, error) {

	if token == "" {
		return false, nil
	}
	acct, err := udir.repo.GetAccount(strings.ToLower(username), udir.cfg.Host)
	if err != nil {
		return false, err
	}
	if acct == nil {
		return false, nil
	}
	return udir.repo.CheckAccessToken(acct.Id, token)
}

func (udir *userDirectory) UpdateProfile(username, name, summary string) error {

	username = strings.ToLower(username)
	acct, err := udir.repo.GetAccount(username, udir.cfg.Host)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("user does not exist: %s", username)
	}

	var profile accountProfile
	_ = json.Unmarshal([]byte(acct.Profile), &profile)
	if name != "" {
		profile.Name = name
	}
	if summary != "" {
		profile.Summary = summary
	}
	profileJson, err := json.Marshal(&profile)
	if err != nil {
		return err
	}
	if err = udir.repo.UpdateAccountProfile(acct.Id, string(profileJson)); err != nil {
		return err
	}

	// Followers learn about the change through an Update activity
	acct.Profile = string(profileJson)
	followers, err := udir.repo.GetFollowers(acct.Id)
	if err != nil {
		return err
	}
	act := dto.ActivityOut{
		Context: dto.ActivityStreamsContext,
		Id:      udir.idb.ActivityUrl(newUid()),
		Type:    "Update",
		Actor:   udir.idb.UserUrl(username),
		Object:  udir.buildUserInfo(acct),
	}
	return udir.delivery.EnqueueBroadcast(username, udir.cfg.Host, followers, &act)
}

func (udir *userDirectory) GetAccountsPage(offset, limit int) ([]*dal.Account, int, error) {
	return udir.repo.GetAccountsPage(offset, limit)
}
