package logic

import (
	"fmt"
	"regexp"
	"strings"

	"fedibot/dal"
	"fedibot/dto"
	"fedibot/shared"
)

// Characters that can appear in neither the username nor the domain of a
// mention; a mention also may not end in '.'.
const mentionReservedCls = `:/?#\[\]@!$&'()*+,;=\s`

const mentionLinkTemplate = `<a href="%s" class="u-url mention">%s</a>`

// IMentionResolver runs content through the pre-persistence filter pipeline:
// newline-to-break first, then mention resolution on the normalized text.
// The pipeline is not idempotent; callers run it exactly once per edit.
type IMentionResolver interface {
	ApplyFilters(content string) (string, []dto.Tag)
}

type mentionResolver struct {
	cfg       *shared.Config
	logger    shared.ILogger
	repo      dal.IRepo
	directory IActorDirectory
	idb       shared.IdBuilder
	reMention *regexp.Regexp
}

func NewMentionResolver(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	directory IActorDirectory,
) IMentionResolver {
	reMention := regexp.MustCompile(
		`(^|\s)@([^` + mentionReservedCls + `]+)@([^` + mentionReservedCls + `]*[^` + mentionReservedCls + `.])`)
	return &mentionResolver{cfg, logger, repo, directory, shared.IdBuilder{Host: cfg.Host}, reMention}
}

func (mr *mentionResolver) ApplyFilters(content string) (string, []dto.Tag) {
	content = nl2br(content)
	return mr.resolveMentions(content)
}

func nl2br(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.ReplaceAll(content, "\n", "\n<br>\n")
}

func (mr *mentionResolver) resolveMentions(content string) (string, []dto.Tag) {

	// Resolve distinct (username, domain) pairs in order of first occurrence.
	// Unresolved pairs map to "" so they are only looked up once.
	type pair struct{ user, domain string }
	urls := make(map[pair]string)
	var tags []dto.Tag
	for _, groups := range mr.reMention.FindAllStringSubmatch(content, -1) {
		p := pair{groups[2], groups[3]}
		if _, ok := urls[p]; ok {
			continue
		}
		actorUrl := mr.resolveHandle(p.user, p.domain)
		urls[p] = actorUrl
		if actorUrl != "" {
			moniker := shared.MakeFullMoniker(p.domain, p.user)
			tags = append(tags, dto.Tag{Type: "Mention", Href: actorUrl, Name: moniker})
		}
	}
	if len(tags) == 0 {
		return content, nil
	}

	// Single-pass substitution over grammar matches. Plain string replacement
	// would mangle a mention whose moniker is a prefix of another.
	content = mr.reMention.ReplaceAllStringFunc(content, func(m string) string {
		groups := mr.reMention.FindStringSubmatch(m)
		p := pair{groups[2], groups[3]}
		actorUrl := urls[p]
		if actorUrl == "" {
			// Unresolved mentions stay plain text
			return m
		}
		moniker := shared.MakeFullMoniker(p.domain, p.user)
		return groups[1] + fmt.Sprintf(mentionLinkTemplate, actorUrl, moniker)
	})
	return content, tags
}

func (mr *mentionResolver) resolveHandle(username, domain string) string {

	if domain == mr.cfg.Host {
		acct, err := mr.repo.GetAccount(username, domain)
		if err != nil || acct == nil {
			return ""
		}
		return mr.idb.UserUrl(username)
	}

	actor, err := mr.directory.ResolveByHandle(username, domain)
	if err != nil {
		mr.logger.Warnf("Error resolving mention @%s@%s: %v", username, domain, err)
		return ""
	}
	if actor == nil {
		return ""
	}
	return actor.Url
}
