package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_IdBuilder_Urls(t *testing.T) {
	idb := IdBuilder{Host: "events.example.com"}

	assert.Equal(t, "https://events.example.com", idb.SiteUrl())
	assert.Equal(t, "https://events.example.com/inbox", idb.SharedInbox())
	assert.Equal(t, "https://events.example.com/users/alice", idb.UserUrl("alice"))
	assert.Equal(t, "https://events.example.com/users/alice#main-key", idb.UserKeyId("alice"))
	assert.Equal(t, "https://events.example.com/users/alice/inbox", idb.UserInbox("alice"))
	assert.Equal(t, "https://events.example.com/users/alice/followers", idb.UserFollowers("alice"))
	assert.Equal(t, "https://events.example.com/users/alice/events/ev1", idb.EventUrl("alice", "ev1"))
	assert.Equal(t, "https://events.example.com/users/alice/outbox?page=2",
		idb.CollectionPageUrl(idb.UserOutbox("alice"), 2))
}

func Test_IdBuilder_ParseUserUrl(t *testing.T) {
	idb := IdBuilder{Host: "events.example.com"}

	assert.Equal(t, "alice", idb.ParseUserUrl("https://events.example.com/users/alice"))
	assert.Equal(t, "", idb.ParseUserUrl("https://events.example.com/users/alice/inbox"))
	assert.Equal(t, "", idb.ParseUserUrl("https://events.example.com/users/alice#main-key"))
	assert.Equal(t, "", idb.ParseUserUrl("https://other.example.com/users/alice"))
	assert.Equal(t, "", idb.ParseUserUrl("https://events.example.com/users/"))
	assert.Equal(t, "", idb.ParseUserUrl("not a url"))
}

func Test_IdBuilder_ParseFollowersUrl(t *testing.T) {
	idb := IdBuilder{Host: "events.example.com"}

	assert.Equal(t, "alice", idb.ParseFollowersUrl("https://events.example.com/users/alice/followers"))
	assert.Equal(t, "", idb.ParseFollowersUrl("https://events.example.com/users/alice/following"))
	assert.Equal(t, "", idb.ParseFollowersUrl("https://other.example.com/users/alice/followers"))
	assert.Equal(t, "", idb.ParseFollowersUrl("/followers"))
}
