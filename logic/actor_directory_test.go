package logic

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedibot/shared"
)

// cannedTransport serves fixed bodies by URL and records what was fetched.
type cannedTransport struct {
	responses map[string]string
	requests  []*http.Request
}

func (ct *cannedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ct.requests = append(ct.requests, req)
	body, ok := ct.responses[req.URL.String()]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

const bobProfileJson = `{
	"@context": "https://www.w3.org/ns/activitystreams",
	"id": "https://genart.social/users/bob",
	"type": "Person",
	"preferredUsername": "bob",
	"inbox": "https://genart.social/users/bob/inbox",
	"publicKey": {
		"id": "https://genart.social/users/bob#main-key",
		"owner": "https://genart.social/users/bob",
		"publicKeyPem": "---"
	}
}`

const bobWebfingerJson = `{
	"subject": "acct:bob@genart.social",
	"links": [
		{"rel": "http://webfinger.net/rel/profile-page", "type": "text/html", "href": "https://genart.social/@bob"},
		{"rel": "self", "type": "application/activity+json", "href": "https://genart.social/users/bob"}
	]
}`

func makeTestDirectory(repo *fakeRepo, transport *cannedTransport) *actorDirectory {
	cfg := &shared.Config{Host: "example.social", PageSize: 20}
	return &actorDirectory{
		cfg:       cfg,
		logger:    nullLogger{},
		repo:      repo,
		userAgent: shared.NewUserAgent(cfg),
		metrics:   nullMetrics{},
		client:    &http.Client{Transport: transport, Timeout: time.Second},
	}
}

func TestResolveByUrl(t *testing.T) {
	transport := &cannedTransport{responses: map[string]string{
		"https://genart.social/users/bob": bobProfileJson,
	}}
	repo := newFakeRepo()
	ad := makeTestDirectory(repo, transport)

	actor, err := ad.ResolveByUrl("https://genart.social/users/bob")
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, "bob", actor.Username)
	assert.Equal(t, "genart.social", actor.Domain)
	assert.Equal(t, "https://genart.social/users/bob", actor.Url)
	assert.Equal(t, "https://genart.social/users/bob/inbox", actor.Inbox)
	assert.NotZero(t, actor.Id)

	// Second resolve is served from storage, no network
	fetchesBefore := len(transport.requests)
	again, err := ad.ResolveByUrl("https://genart.social/users/bob")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, actor.Id, again.Id)
	assert.Equal(t, fetchesBefore, len(transport.requests))
}

func TestResolveByUrlFetchFails(t *testing.T) {
	transport := &cannedTransport{responses: map[string]string{}}
	ad := makeTestDirectory(newFakeRepo(), transport)

	// Unknown and unfetchable: nil, nil
	actor, err := ad.ResolveByUrl("https://genart.social/users/ghost")
	assert.NoError(t, err)
	assert.Nil(t, actor)
}

func TestResolveByUrlBadProfile(t *testing.T) {
	transport := &cannedTransport{responses: map[string]string{
		"https://genart.social/users/bob": `{"type": "Person"}`,
	}}
	ad := makeTestDirectory(newFakeRepo(), transport)

	// A profile without id and preferredUsername is rejected
	actor, err := ad.ResolveByUrl("https://genart.social/users/bob")
	assert.NoError(t, err)
	assert.Nil(t, actor)
}

func TestResolveByHandle(t *testing.T) {
	transport := &cannedTransport{responses: map[string]string{
		"https://genart.social/.well-known/webfinger?resource=acct%3Abob%40genart.social": bobWebfingerJson,
		"https://genart.social/users/bob": bobProfileJson,
	}}
	repo := newFakeRepo()
	ad := makeTestDirectory(repo, transport)

	actor, err := ad.ResolveByHandle("bob", "genart.social")
	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, "bob", actor.Username)
	assert.Equal(t, "https://genart.social/users/bob", actor.Url)

	// Both hops set the right Accept header
	require.Len(t, transport.requests, 2)
	assert.Contains(t, transport.requests[0].Header.Get("Accept"), "application/jrd+json")
	assert.Contains(t, transport.requests[1].Header.Get("Accept"), "application/activity+json")

	// Second resolve by handle is a storage hit
	again, err := ad.ResolveByHandle("bob", "genart.social")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Len(t, transport.requests, 2)
}

func TestResolveByHandleNoSelfLink(t *testing.T) {
	transport := &cannedTransport{responses: map[string]string{
		"https://genart.social/.well-known/webfinger?resource=acct%3Abob%40genart.social": `{"subject": "acct:bob@genart.social", "links": []}`,
	}}
	ad := makeTestDirectory(newFakeRepo(), transport)

	actor, err := ad.ResolveByHandle("bob", "genart.social")
	assert.NoError(t, err)
	assert.Nil(t, actor)
}
