package shared

import (
	"fmt"
)

const ActivityPublic = "https://www.w3.org/ns/activitystreams#Public"

// IdBuilder constructs every URI this instance hands out about itself.
// All local addressing decisions (is this URL one of our users? one of our
// followers collections?) go through here too, so the URL scheme lives in
// exactly one place.
type IdBuilder struct {
	Host string
}

func (idb *IdBuilder) SiteUrl() string {
	return fmt.Sprintf("https://%s", idb.Host)
}

func (idb *IdBuilder) SharedInbox() string {
	return fmt.Sprintf("https://%s/inbox", idb.Host)
}

func (idb *IdBuilder) UserUrl(user string) string {
	return fmt.Sprintf("https://%s/users/%s", idb.Host, user)
}

func (idb *IdBuilder) UserKeyId(user string) string {
	return fmt.Sprintf("https://%s/users/%s#main-key", idb.Host, user)
}

func (idb *IdBuilder) UserInbox(user string) string {
	return fmt.Sprintf("https://%s/users/%s/inbox", idb.Host, user)
}

func (idb *IdBuilder) UserOutbox(user string) string {
	return fmt.Sprintf("https://%s/users/%s/outbox", idb.Host, user)
}

func (idb *IdBuilder) UserFollowers(user string) string {
	return fmt.Sprintf("https://%s/users/%s/followers", idb.Host, user)
}

func (idb *IdBuilder) UserFollowing(user string) string {
	return fmt.Sprintf("https://%s/users/%s/following", idb.Host, user)
}

func (idb *IdBuilder) UserFeed(user string) string {
	return fmt.Sprintf("https://%s/feeds/%s", idb.Host, user)
}

func (idb *IdBuilder) EventUrl(user, eventId string) string {
	return fmt.Sprintf("https://%s/users/%s/events/%s", idb.Host, user, eventId)
}

func (idb *IdBuilder) EventActivityUrl(user, eventId string) string {
	return fmt.Sprintf("https://%s/users/%s/events/%s/activity", idb.Host, user, eventId)
}

func (idb *IdBuilder) ActivityUrl(id string) string {
	return fmt.Sprintf("https://%s/activities/%s", idb.Host, id)
}

func (idb *IdBuilder) CollectionPageUrl(collectionUrl string, page uint) string {
	return fmt.Sprintf("%s?page=%d", collectionUrl, page)
}

// ParseUserUrl returns the handle when url is one of this instance's actor
// URLs, and "" otherwise.
func (idb *IdBuilder) ParseUserUrl(url string) string {
	prefix := fmt.Sprintf("https://%s/users/", idb.Host)
	if len(url) <= len(prefix) || url[:len(prefix)] != prefix {
		return ""
	}
	rest := url[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' || rest[i] == '#' || rest[i] == '?' {
			return ""
		}
	}
	return rest
}

// ParseFollowersUrl returns the handle when url is a local followers
// collection, and "" otherwise.
func (idb *IdBuilder) ParseFollowersUrl(url string) string {
	const suffix = "/followers"
	if len(url) <= len(suffix) || url[len(url)-len(suffix):] != suffix {
		return ""
	}
	return idb.ParseUserUrl(url[:len(url)-len(suffix)])
}
