package logic

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"fedibot/dal"
	"fedibot/dto"
	"fedibot/shared"
)

const discoveryTimeoutSec = 10

// IActorDirectory is a read-through cache of remote actors over storage.
// There is no eviction and no background refresh; cached profiles may go
// stale, which is accepted.
type IActorDirectory interface {
	ResolveByUrl(actorUrl string) (*dal.RemoteActor, error)
	ResolveByHandle(username, domain string) (*dal.RemoteActor, error)
}

type actorDirectory struct {
	cfg       *shared.Config
	logger    shared.ILogger
	repo      dal.IRepo
	userAgent shared.IUserAgent
	metrics   IMetrics
	client    *http.Client
}

func NewActorDirectory(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	userAgent shared.IUserAgent,
	metrics IMetrics,
) IActorDirectory {
	return &actorDirectory{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		userAgent: userAgent,
		metrics:   metrics,
		client:    &http.Client{Timeout: discoveryTimeoutSec * time.Second},
	}
}

func (ad *actorDirectory) ResolveByUrl(actorUrl string) (*dal.RemoteActor, error) {

	cached, err := ad.repo.GetRemoteActorByUrl(actorUrl)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	profileBytes, err := ad.fetchJson(actorUrl, "application/activity+json, application/json")
	if err != nil {
		ad.logger.Infof("Failed to fetch actor profile: %s: %v", actorUrl, err)
		return nil, nil
	}

	var userInfo dto.UserInfo
	if err = json.Unmarshal(profileBytes, &userInfo); err != nil {
		ad.logger.Infof("Invalid JSON in actor profile: %s: %v", actorUrl, err)
		return nil, nil
	}
	if userInfo.Id == "" || userInfo.PreferredUserName == "" {
		ad.logger.Infof("Actor profile lacks id or preferredUsername: %s", actorUrl)
		return nil, nil
	}
	domain, err := shared.GetHostName(userInfo.Id)
	if err != nil || domain == "" {
		ad.logger.Infof("Cannot extract domain from actor id: %s", userInfo.Id)
		return nil, nil
	}

	actor := &dal.RemoteActor{
		CreatedAt: time.Now().UTC(),
		Username:  userInfo.PreferredUserName,
		Domain:    domain,
		Url:       userInfo.Id,
		Inbox:     userInfo.Inbox,
		Profile:   string(profileBytes),
	}

	// A concurrent resolver may have won the race; we get their row back
	return ad.repo.AddRemoteActorIfNotExist(actor)
}

func (ad *actorDirectory) ResolveByHandle(username, domain string) (*dal.RemoteActor, error) {

	cached, err := ad.repo.GetRemoteActorByHandle(username, domain)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	wfUrl := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		domain, url.QueryEscape(fmt.Sprintf("acct:%s@%s", username, domain)))
	wfBytes, err := ad.fetchJson(wfUrl, "application/jrd+json, application/json")
	if err != nil {
		ad.logger.Infof("Webfinger lookup failed for @%s@%s: %v", username, domain, err)
		return nil, nil
	}

	var wf dto.WebfingerResp
	if err = json.Unmarshal(wfBytes, &wf); err != nil {
		ad.logger.Infof("Invalid JSON in webfinger response for @%s@%s: %v", username, domain, err)
		return nil, nil
	}

	selfLink := ""
	for _, link := range wf.Links {
		if link.Rel == "self" && link.Type == "application/activity+json" {
			selfLink = link.Href
			break
		}
	}
	if selfLink == "" {
		ad.logger.Infof("Webfinger response for @%s@%s has no self link", username, domain)
		return nil, nil
	}

	return ad.ResolveByUrl(selfLink)
}

func (ad *actorDirectory) fetchJson(fetchUrl, accept string) ([]byte, error) {

	obs := ad.metrics.StartApubRequestOut("get")
	defer obs.Finish()

	req, err := http.NewRequest("GET", fetchUrl, nil)
	if err != nil {
		return nil, err
	}
	ad.userAgent.AddUserAgent(req)
	req.Header.Set("Accept", accept)

	resp, err := ad.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("got status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
