package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"gatherpub/dto"
	"gatherpub/logic"
	"gatherpub/shared"
)

const handlerTestHost = "events.example.com"

type testLogger struct{}

func (testLogger) Debug(msg interface{}, keyvals ...interface{}) {}
func (testLogger) Debugf(format string, args ...interface{})     {}
func (testLogger) Info(msg interface{}, keyvals ...interface{})  {}
func (testLogger) Infof(format string, args ...interface{})      {}
func (testLogger) Warn(msg interface{}, keyvals ...interface{})  {}
func (testLogger) Warnf(format string, args ...interface{})      {}
func (testLogger) Error(msg interface{}, keyvals ...interface{}) {}
func (testLogger) Errorf(format string, args ...interface{})     {}
func (testLogger) Printf(format string, args ...interface{})     {}

type testObserver struct{}

func (testObserver) Finish() {}

type testMetrics struct{}

func (testMetrics) StartApubRequestIn(label string) logic.IRequestObserver  { return testObserver{} }
func (testMetrics) StartApubRequestOut(label string) logic.IRequestObserver { return testObserver{} }
func (testMetrics) ActivityAccepted(activityType, outcome string)           {}
func (testMetrics) InboxDispatchFailed()                                    {}
func (testMetrics) EventPublished()                                         {}
func (testMetrics) FeedRequested(label string)                              {}
func (testMetrics) DeliveryFailed()                                         {}
func (testMetrics) DeliveryQueueLength(length int)                          {}
func (testMetrics) TotalFollowers(count int)                                {}
func (testMetrics) ServiceStarted()                                         {}

// testSigChecker answers with a fixed verdict.
type testSigChecker struct {
	senderInfo *dto.UserInfo
	sigProblem string
}

func (c *testSigChecker) Check(r *http.Request, bodyBytes []byte) (*dto.UserInfo, string, error) {
	return c.senderInfo, c.sigProblem, nil
}

// testUserDirectory knows exactly one user: alice.
type testUserDirectory struct {
	idb shared.IdBuilder
}

func (d *testUserDirectory) known(user string) bool { return user == "alice" }

func (d *testUserDirectory) GetWebfinger(user string) *dto.WebfingerResp {
	if !d.known(user) {
		return nil
	}
	return &dto.WebfingerResp{Subject: "acct:alice@" + handlerTestHost}
}

func (d *testUserDirectory) GetUserInfo(user string) *dto.UserInfo {
	if !d.known(user) {
		return nil
	}
	return &dto.UserInfo{Id: d.idb.UserUrl(user), Type: "Person", PreferredUserName: user}
}

func (d *testUserDirectory) GetOutboxSummary(user string) *dto.OrderedListSummary {
	if !d.known(user) {
		return nil
	}
	return &dto.OrderedListSummary{Type: "OrderedCollection"}
}

func (d *testUserDirectory) GetOutboxPage(user string, page uint) *dto.OrderedListPage {
	if !d.known(user) {
		return nil
	}
	return &dto.OrderedListPage{Type: "OrderedCollectionPage"}
}

func (d *testUserDirectory) GetFollowersSummary(user string) *dto.OrderedListSummary {
	return d.GetOutboxSummary(user)
}

func (d *testUserDirectory) GetFollowersPage(user string, page uint) *dto.OrderedListPage {
	return d.GetOutboxPage(user, page)
}

func (d *testUserDirectory) GetFollowingSummary(user string) *dto.OrderedListSummary {
	return d.GetOutboxSummary(user)
}

func (d *testUserDirectory) GetEvent(user, eventId string) *dto.Event { return nil }

func (d *testUserDirectory) AcceptFollower(followActId, followerUserUrl, followerInbox, followedUser string) error {
	return nil
}

// testInbox records accepted activities.
type testInbox struct {
	accepted []string
	outcome  logic.InboxOutcome
	problem  string
}

func (ib *testInbox) Accept(receivingUser string, senderInfo *dto.UserInfo, act *dto.ActivityInBase,
	bodyBytes []byte) (logic.InboxOutcome, string, error) {
	ib.accepted = append(ib.accepted, act.Id)
	return ib.outcome, ib.problem, nil
}

type handlerHarness struct {
	sigChecker *testSigChecker
	inbox      *testInbox
	router     http.Handler
}

func setupHandlerTest() *handlerHarness {
	cfg := &shared.Config{Host: handlerTestHost}
	senderInfo := &dto.UserInfo{Id: "https://far.example.com/users/bob"}
	sigChecker := &testSigChecker{senderInfo: senderInfo}
	ibox := &testInbox{outcome: logic.OutcomeAccepted}
	udir := &testUserDirectory{idb: shared.IdBuilder{Host: handlerTestHost}}
	group := NewApubHandlerGroup(cfg, testLogger{}, testMetrics{}, sigChecker, udir, ibox)
	return &handlerHarness{
		sigChecker: sigChecker,
		inbox:      ibox,
		router:     NewMux([]IHandlerGroup{group}),
	}
}

func Test_Webfinger(t *testing.T) {
	h := setupHandlerTest()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/.well-known/webfinger?resource=acct:alice@"+handlerTestHost, nil)
	h.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "acct:alice@"+handlerTestHost)

	w = httptest.NewRecorder()
	r = httptest.NewRequest("GET", "/.well-known/webfinger?resource=acct:nobody@"+handlerTestHost, nil)
	h.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r = httptest.NewRequest("GET", "/.well-known/webfinger?resource=garbage", nil)
	h.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Right user, wrong host
	w = httptest.NewRecorder()
	r = httptest.NewRequest("GET", "/.well-known/webfinger?resource=acct:alice@other.example.com", nil)
	h.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func Test_GetUser(t *testing.T) {
	h := setupHandlerTest()

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/users/alice", nil)
	h.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "https://"+handlerTestHost+"/users/alice")

	w = httptest.NewRecorder()
	r = httptest.NewRequest("GET", "/users/nobody", nil)
	h.router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func inboxPost(target string, body string) *http.Request {
	r := httptest.NewRequest("POST", target, bytes.NewBufferString(body))
	r.Header.Set("Content-Type", "application/activity+json")
	return r
}

const likeBody = `{
	"id": "https://far.example.com/activities/l1",
	"type": "Like",
	"actor": "https://far.example.com/users/bob",
	"object": "https://events.example.com/users/alice/events/e1"
}`

func Test_PostInbox_UnknownUser404(t *testing.T) {
	h := setupHandlerTest()

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, inboxPost("/users/nobody/inbox", likeBody))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, h.inbox.accepted)
}

func Test_PostInbox_BadSignature401(t *testing.T) {
	h := setupHandlerTest()
	h.sigChecker.senderInfo = nil
	h.sigChecker.sigProblem = "Incorrect signature"

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, inboxPost("/users/alice/inbox", likeBody))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	// Rejected before any processing: nothing reached the inbox
	assert.Empty(t, h.inbox.accepted)
}

func Test_PostInbox_DeleteWithBadSignature202(t *testing.T) {
	h := setupHandlerTest()
	h.sigChecker.senderInfo = nil
	h.sigChecker.sigProblem = "Failed to retrieve actor"

	body := `{
		"id": "https://far.example.com/activities/d1",
		"type": "Delete",
		"actor": "https://far.example.com/users/bob",
		"object": "https://far.example.com/users/bob/events/e1"
	}`
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, inboxPost("/users/alice/inbox", body))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, h.inbox.accepted)
}

func Test_PostInbox_SignerActorMismatch401(t *testing.T) {
	h := setupHandlerTest()
	h.sigChecker.senderInfo = &dto.UserInfo{Id: "https://far.example.com/users/mallory"}

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, inboxPost("/users/alice/inbox", likeBody))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, h.inbox.accepted)
}

func Test_PostInbox_Accepted202(t *testing.T) {
	h := setupHandlerTest()

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, inboxPost("/users/alice/inbox", likeBody))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"https://far.example.com/activities/l1"}, h.inbox.accepted)
}

func Test_PostInbox_SharedInboxAccepted202(t *testing.T) {
	h := setupHandlerTest()

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, inboxPost("/inbox", likeBody))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"https://far.example.com/activities/l1"}, h.inbox.accepted)
}

func Test_PostInbox_InvalidShape400(t *testing.T) {
	h := setupHandlerTest()
	h.inbox.outcome = logic.OutcomeInvalid
	h.inbox.problem = "Unknown activity type 'Move'"

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, inboxPost("/users/alice/inbox", likeBody))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Move")
}

func Test_PostInbox_DeduplicatedStill202(t *testing.T) {
	h := setupHandlerTest()
	h.inbox.outcome = logic.OutcomeDeduplicated

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, inboxPost("/users/alice/inbox", likeBody))

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func Test_PostInbox_MalformedJson400(t *testing.T) {
	h := setupHandlerTest()

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, inboxPost("/users/alice/inbox", "{not json"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, h.inbox.accepted)
}
