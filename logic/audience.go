package logic

import (
	"sort"

	"gatherpub/dal"
	"gatherpub/dto"
	"gatherpub/shared"
)

// IAudienceResolver expands an activity's logical addressing into the
// deduplicated set of physical inbox URLs. Resolution performs no mutation:
// resolving the same addressing twice yields the same set.
type IAudienceResolver interface {
	ResolveInboxes(addressing dto.Addressing, sendingUser string) ([]string, error)
	GetFollowerInboxes(user string) ([]string, error)
}

type audienceResolver struct {
	cfg           *shared.Config
	logger        shared.ILogger
	repo          dal.IRepo
	actorResolver IActorResolver
	idb           shared.IdBuilder
}

func NewAudienceResolver(cfg *shared.Config, logger shared.ILogger, repo dal.IRepo,
	actorResolver IActorResolver) IAudienceResolver {
	return &audienceResolver{cfg, logger, repo, actorResolver, shared.IdBuilder{Host: cfg.Host}}
}

func (res *audienceResolver) ResolveInboxes(addressing dto.Addressing, sendingUser string) ([]string, error) {

	inboxes := make(map[string]struct{})

	addAll := func(urls []string) {
		for _, u := range urls {
			if u != "" {
				inboxes[u] = struct{}{}
			}
		}
	}

	for _, recipient := range addressing.Union() {
		switch {
		case recipient == shared.ActivityPublic:
			// Public delivery pushes to our accepted followers; wider
			// discovery happens through outbox polling, not push.
			followerInboxes, err := res.GetFollowerInboxes(sendingUser)
			if err != nil {
				return nil, err
			}
			addAll(followerInboxes)

		case res.idb.ParseFollowersUrl(recipient) != "":
			// We can only expand followers collections we have authority
			// over, which means local ones.
			user := res.idb.ParseFollowersUrl(recipient)
			followerInboxes, err := res.GetFollowerInboxes(user)
			if err != nil {
				return nil, err
			}
			addAll(followerInboxes)

		case res.idb.ParseUserUrl(recipient) != "":
			// Local actor: no external delivery needed

		default:
			actor, err := res.actorResolver.Retrieve(recipient)
			if err != nil {
				// One unresolvable recipient must not sink the rest
				res.logger.Warnf("Could not resolve recipient %s: %v", recipient, err)
				continue
			}
			inbox := actor.Endpoints.SharedInbox
			if inbox == "" {
				inbox = actor.Inbox
			}
			if inbox != "" {
				inboxes[inbox] = struct{}{}
			}
		}
	}

	result := make([]string, 0, len(inboxes))
	for inbox := range inboxes {
		result = append(result, inbox)
	}
	sort.Strings(result)
	return result, nil
}

// GetFollowerInboxes returns the distinct delivery targets for a user's
// accepted followers: the shared inbox when one is advertised, the personal
// inbox otherwise. Pending followers never receive pushes.
func (res *audienceResolver) GetFollowerInboxes(user string) ([]string, error) {

	followers, err := res.repo.GetFollowersByUser(user, true)
	if err != nil {
		return nil, err
	}

	inboxes := make(map[string]struct{})
	for _, f := range followers {
		inboxName := f.SharedInbox
		if inboxName == "" {
			inboxName = f.UserInbox
		}
		if inboxName != "" {
			inboxes[inboxName] = struct{}{}
		}
	}

	result := make([]string, 0, len(inboxes))
	for inbox := range inboxes {
		result = append(result, inbox)
	}
	sort.Strings(result)
	return result, nil
}
