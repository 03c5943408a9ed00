package shared

import (
	"fmt"
	"net/url"
	"regexp"
)

const ActivityPublic = "https://www.w3.org/ns/activitystreams#Public"

func GetHostName(userUrl string) (string, error) {
	var parsedUrl *url.URL
	var urlError error
	parsedUrl, urlError = url.Parse(userUrl)
	if urlError != nil {
		return "", fmt.Errorf("failed to parse user URL '%s': %v", userUrl, urlError)
	}
	return parsedUrl.Hostname(), nil
}

func MakeFullMoniker(hostName, handle string) string {
	return "@" + handle + "@" + hostName
}

// IdBuilder derives the canonical URLs of a local actor and its objects.
// Host is the actor's own domain, not a global setting: local actors on
// different domains build different URL trees.
type IdBuilder struct {
	Host string
}

func (idb *IdBuilder) SiteUrl() string {
	return fmt.Sprintf("https://%s", idb.Host)
}

func (idb *IdBuilder) ActivityUrl(guid string) string {
	return fmt.Sprintf("https://%s/activity/%s", idb.Host, guid)
}

func (idb *IdBuilder) UserUrl(user string) string {
	return fmt.Sprintf("https://%s/u/%s", idb.Host, user)
}

func (idb *IdBuilder) UserKeyId(user string) string {
	return fmt.Sprintf("https://%s/u/%s#main-key", idb.Host, user)
}

func (idb *IdBuilder) UserInbox(user string) string {
	return fmt.Sprintf("https://%s/u/%s/inbox", idb.Host, user)
}

func (idb *IdBuilder) UserOutbox(user string) string {
	return fmt.Sprintf("https://%s/u/%s/outbox", idb.Host, user)
}

func (idb *IdBuilder) UserFollowers(user string) string {
	return fmt.Sprintf("https://%s/u/%s/followers", idb.Host, user)
}

func (idb *IdBuilder) NoteUrl(user, uid string) string {
	return fmt.Sprintf("https://%s/u/%s/notes/%s", idb.Host, user, uid)
}

var reNoteUrl = regexp.MustCompile(`^https://([^/]+)/u/([^/]+)/notes/([^/#?]+)$`)
var reUserUrl = regexp.MustCompile(`^https://([^/]+)/u/([^/#?]+)$`)

// ParseNoteUrl maps a canonical note URL back to (domain, user, uid).
// Returns ok=false for URLs that are not note URLs of this scheme.
func ParseNoteUrl(noteUrl string) (domain, user, uid string, ok bool) {
	groups := reNoteUrl.FindStringSubmatch(noteUrl)
	if groups == nil {
		return "", "", "", false
	}
	return groups[1], groups[2], groups[3], true
}

// ParseUserUrl maps a canonical local actor URL back to (domain, user).
func ParseUserUrl(userUrl string) (domain, user string, ok bool) {
	groups := reUserUrl.FindStringSubmatch(userUrl)
	if groups == nil {
		return "", "", false
	}
	return groups[1], groups[2], true
}
