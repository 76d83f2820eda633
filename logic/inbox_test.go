package logic

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatherpub/dal"
	"gatherpub/dto"
	"gatherpub/shared"
)

const (
	ibxTestHost     = "events.example.com"
	ibxTestActorUrl = "https://far.example.com/users/bob"
)

var ibxTestSender = &dto.UserInfo{
	Id:                ibxTestActorUrl,
	PreferredUserName: "bob",
	Inbox:             ibxTestActorUrl + "/inbox",
	Endpoints:         dto.UserEndpoints{SharedInbox: "https://far.example.com/inbox"},
}

type inboxHarness struct {
	repo  *stubRepo
	udir  *stubUserDirectory
	inbox IInbox
}

func setupInboxTest() *inboxHarness {
	repo := newStubRepo()
	repo.accounts["alice"] = &dal.Account{Handle: "alice", ManuallyApproves: false}
	udir := &stubUserDirectory{}
	cfg := &shared.Config{Host: ibxTestHost, DedupRetentionDays: 30}
	return &inboxHarness{
		repo:  repo,
		udir:  udir,
		inbox: NewInbox(cfg, stubLogger{}, repo, udir, stubMetrics{}),
	}
}

func parseActivity(t *testing.T, body []byte) *dto.ActivityInBase {
	var act dto.ActivityInBase
	require.Nil(t, json.Unmarshal(body, &act))
	return &act
}

func followBody(id string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "%s",
		"type": "Follow",
		"actor": "%s",
		"object": "https://%s/users/alice"
	}`, id, ibxTestActorUrl, ibxTestHost))
}

func Test_Inbox_FollowThenReplay(t *testing.T) {
	h := setupInboxTest()
	body := followBody("https://far.example.com/activities/f1")
	act := parseActivity(t, body)

	outcome, problem, err := h.inbox.Accept("alice", ibxTestSender, act, body)
	require.Nil(t, err)
	assert.Empty(t, problem)
	assert.Equal(t, OutcomeAccepted, outcome)

	// The side effect happens asynchronously after the 202
	assert.Eventually(t, func() bool {
		flwrs, _ := h.repo.GetFollowersByUser("alice", false)
		return len(flwrs) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return len(h.udir.acceptedFollowers()) == 1
	}, time.Second, 5*time.Millisecond)

	// Exact replay: same 202-class outcome, but no second side effect
	outcome, problem, err = h.inbox.Accept("alice", ibxTestSender, act, body)
	require.Nil(t, err)
	assert.Empty(t, problem)
	assert.Equal(t, OutcomeDeduplicated, outcome)

	time.Sleep(50 * time.Millisecond)
	flwrs, _ := h.repo.GetFollowersByUser("alice", false)
	assert.Equal(t, 1, len(flwrs))
	assert.Equal(t, 1, len(h.udir.acceptedFollowers()))
}

func Test_Inbox_BlockedDomainDropped(t *testing.T) {
	h := setupInboxTest()
	_ = h.repo.AddFollower("alice", &dal.FollowerInfo{UserUrl: ibxTestActorUrl, ApproveStatus: 1})
	_ = h.repo.AddBlock("", "far.example.com", true)

	body := []byte(fmt.Sprintf(`{
		"id": "https://far.example.com/activities/u1",
		"type": "Undo",
		"actor": "%s",
		"object": {
			"id": "https://far.example.com/activities/f1",
			"type": "Follow",
			"actor": "%s",
			"object": "https://%s/users/alice"
		}
	}`, ibxTestActorUrl, ibxTestActorUrl, ibxTestHost))
	act := parseActivity(t, body)

	outcome, problem, err := h.inbox.Accept("alice", ibxTestSender, act, body)
	require.Nil(t, err)
	assert.Empty(t, problem)
	assert.Equal(t, OutcomeDropped, outcome)

	// Dropped silently: the follower record survives
	time.Sleep(50 * time.Millisecond)
	flwrs, _ := h.repo.GetFollowersByUser("alice", false)
	assert.Equal(t, 1, len(flwrs))

	// And a dropped activity leaves no dedup record behind either
	assert.Empty(t, h.repo.handled)
}

func Test_Inbox_UnknownTypeInvalid(t *testing.T) {
	h := setupInboxTest()
	body := []byte(fmt.Sprintf(`{
		"id": "https://far.example.com/activities/x1",
		"type": "Move",
		"actor": "%s",
		"object": "https://far.example.com/users/bob2"
	}`, ibxTestActorUrl))
	act := parseActivity(t, body)

	outcome, problem, err := h.inbox.Accept("alice", ibxTestSender, act, body)
	require.Nil(t, err)
	assert.Equal(t, OutcomeInvalid, outcome)
	assert.Contains(t, problem, "Move")
}

func Test_Inbox_MissingIdInvalid(t *testing.T) {
	h := setupInboxTest()
	body := []byte(fmt.Sprintf(`{"type": "Like", "actor": "%s", "object": "https://x.example.com/e/1"}`,
		ibxTestActorUrl))
	act := parseActivity(t, body)

	outcome, problem, err := h.inbox.Accept("alice", ibxTestSender, act, body)
	require.Nil(t, err)
	assert.Equal(t, OutcomeInvalid, outcome)
	assert.NotEmpty(t, problem)
}

func Test_Inbox_CreateEventSanitized(t *testing.T) {
	h := setupInboxTest()
	eventUrl := "https://far.example.com/users/bob/events/e1"
	body := []byte(fmt.Sprintf(`{
		"id": "https://far.example.com/activities/c1",
		"type": "Create",
		"actor": "%s",
		"object": {
			"id": "%s",
			"type": "Event",
			"name": "Picnic <script>alert(1)</script>",
			"content": "<p>Bring snacks!</p><script>alert(2)</script>",
			"attributedTo": "%s",
			"startTime": "2026-09-01T12:00:00Z"
		}
	}`, ibxTestActorUrl, eventUrl, ibxTestActorUrl))
	act := parseActivity(t, body)

	outcome, problem, err := h.inbox.Accept("alice", ibxTestSender, act, body)
	require.Nil(t, err)
	assert.Empty(t, problem)
	assert.Equal(t, OutcomeAccepted, outcome)

	assert.Eventually(t, func() bool {
		obj, _ := h.repo.GetCachedObject(eventUrl)
		return obj != nil
	}, time.Second, 5*time.Millisecond)

	obj, _ := h.repo.GetCachedObject(eventUrl)
	require.NotNil(t, obj)
	assert.Equal(t, "Event", obj.Kind)
	assert.NotContains(t, obj.Content, "<script>")
	assert.Contains(t, obj.Content, "Bring snacks!")
}

func Test_Inbox_SpoofedAttributionRejected(t *testing.T) {
	h := setupInboxTest()
	eventUrl := "https://far.example.com/users/mallory/events/e1"
	body := []byte(fmt.Sprintf(`{
		"id": "https://far.example.com/activities/c2",
		"type": "Create",
		"actor": "%s",
		"object": {
			"id": "%s",
			"type": "Event",
			"name": "Not bob's event",
			"attributedTo": "https://far.example.com/users/mallory",
			"startTime": "2026-09-01T12:00:00Z"
		}
	}`, ibxTestActorUrl, eventUrl))
	act := parseActivity(t, body)

	outcome, _, err := h.inbox.Accept("alice", ibxTestSender, act, body)
	require.Nil(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	// The dispatch rejects the mismatched attribution; nothing gets cached
	time.Sleep(50 * time.Millisecond)
	obj, _ := h.repo.GetCachedObject(eventUrl)
	assert.Nil(t, obj)
}

func Test_Inbox_DeleteOnlyByOwner(t *testing.T) {
	h := setupInboxTest()
	objectUrl := "https://far.example.com/users/bob/events/e1"
	_ = h.repo.UpsertCachedObject(&dal.CachedObject{
		Uri: objectUrl, Kind: "Event", ActorUrl: ibxTestActorUrl, Content: "{}",
		ReceivedAt: time.Now().UTC(),
	})

	malloryUrl := "https://far.example.com/users/mallory"
	mallory := &dto.UserInfo{Id: malloryUrl, PreferredUserName: "mallory"}
	body := []byte(fmt.Sprintf(`{
		"id": "https://far.example.com/activities/d1",
		"type": "Delete",
		"actor": "%s",
		"object": "%s"
	}`, malloryUrl, objectUrl))
	act := parseActivity(t, body)

	outcome, _, err := h.inbox.Accept("alice", mallory, act, body)
	require.Nil(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	// Someone else's Delete leaves the object alone
	time.Sleep(50 * time.Millisecond)
	obj, _ := h.repo.GetCachedObject(objectUrl)
	assert.NotNil(t, obj)

	body = []byte(fmt.Sprintf(`{
		"id": "https://far.example.com/activities/d2",
		"type": "Delete",
		"actor": "%s",
		"object": "%s"
	}`, ibxTestActorUrl, objectUrl))
	act = parseActivity(t, body)

	outcome, _, err = h.inbox.Accept("alice", ibxTestSender, act, body)
	require.Nil(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	assert.Eventually(t, func() bool {
		obj, _ := h.repo.GetCachedObject(objectUrl)
		return obj == nil
	}, time.Second, 5*time.Millisecond)
}

func Test_Inbox_LikeAndUndoLike(t *testing.T) {
	h := setupInboxTest()
	objectUrl := "https://" + ibxTestHost + "/users/alice/events/e1"

	likeBody := []byte(fmt.Sprintf(`{
		"id": "https://far.example.com/activities/l1",
		"type": "Like",
		"actor": "%s",
		"object": "%s"
	}`, ibxTestActorUrl, objectUrl))
	act := parseActivity(t, likeBody)
	outcome, _, err := h.inbox.Accept("alice", ibxTestSender, act, likeBody)
	require.Nil(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	assert.Eventually(t, func() bool {
		h.repo.mu.Lock()
		defer h.repo.mu.Unlock()
		return h.repo.likes[objectUrl+"|"+ibxTestActorUrl]
	}, time.Second, 5*time.Millisecond)

	undoBody := []byte(fmt.Sprintf(`{
		"id": "https://far.example.com/activities/l2",
		"type": "Undo",
		"actor": "%s",
		"object": {
			"id": "https://far.example.com/activities/l1",
			"type": "Like",
			"actor": "%s",
			"object": "%s"
		}
	}`, ibxTestActorUrl, ibxTestActorUrl, objectUrl))
	act = parseActivity(t, undoBody)
	outcome, _, err = h.inbox.Accept("alice", ibxTestSender, act, undoBody)
	require.Nil(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	assert.Eventually(t, func() bool {
		h.repo.mu.Lock()
		defer h.repo.mu.Unlock()
		return !h.repo.likes[objectUrl+"|"+ibxTestActorUrl]
	}, time.Second, 5*time.Millisecond)
}
