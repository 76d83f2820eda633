package logic

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"gatherpub/dal"
	"gatherpub/dto"
)

// Hand-written stand-ins for the component interfaces. The repo stub keeps
// just enough in-memory state for the scenarios under test.

type stubLogger struct{}

func (stubLogger) Debug(msg interface{}, keyvals ...interface{}) {}
func (stubLogger) Debugf(format string, args ...interface{})     {}
func (stubLogger) Info(msg interface{}, keyvals ...interface{})  {}
func (stubLogger) Infof(format string, args ...interface{})      {}
func (stubLogger) Warn(msg interface{}, keyvals ...interface{})  {}
func (stubLogger) Warnf(format string, args ...interface{})      {}
func (stubLogger) Error(msg interface{}, keyvals ...interface{}) {}
func (stubLogger) Errorf(format string, args ...interface{})     {}
func (stubLogger) Printf(format string, args ...interface{})     {}

type stubObserver struct{}

func (stubObserver) Finish() {}

type stubMetrics struct{}

func (stubMetrics) StartApubRequestIn(label string) IRequestObserver  { return stubObserver{} }
func (stubMetrics) StartApubRequestOut(label string) IRequestObserver { return stubObserver{} }
func (stubMetrics) ActivityAccepted(activityType, outcome string)     {}
func (stubMetrics) InboxDispatchFailed()                              {}
func (stubMetrics) EventPublished()                                   {}
func (stubMetrics) FeedRequested(label string)                        {}
func (stubMetrics) DeliveryFailed()                                   {}
func (stubMetrics) DeliveryQueueLength(length int)                    {}
func (stubMetrics) TotalFollowers(count int)                          {}
func (stubMetrics) ServiceStarted()                                   {}

type stubUserAgent struct{}

func (stubUserAgent) AddUserAgent(r *http.Request) {
	r.Header.Set("User-Agent", "test")
}

type stubRepo struct {
	mu            sync.Mutex
	accounts      map[string]*dal.Account
	privKeys      map[string]string
	remoteActors  map[string]*dal.RemoteActor
	followers     map[string][]*dal.FollowerInfo
	following     map[string][]*dal.FollowingInfo
	events        map[string][]*dal.Event
	rsvps         map[string]string
	likes         map[string]bool
	cachedObjects map[string]*dal.CachedObject
	handled       map[string]time.Time
	failed        []*dal.FailedDelivery
	blocks        map[string]bool
	nextFailedId  int
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		accounts:      map[string]*dal.Account{},
		privKeys:      map[string]string{},
		remoteActors:  map[string]*dal.RemoteActor{},
		followers:     map[string][]*dal.FollowerInfo{},
		following:     map[string][]*dal.FollowingInfo{},
		events:        map[string][]*dal.Event{},
		rsvps:         map[string]string{},
		likes:         map[string]bool{},
		cachedObjects: map[string]*dal.CachedObject{},
		handled:       map[string]time.Time{},
		blocks:        map[string]bool{},
	}
}

func (r *stubRepo) InitUpdateDb() {}

func (r *stubRepo) AddAccountIfNotExist(acct *dal.Account, privKey string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle := strings.ToLower(acct.Handle)
	if _, ok := r.accounts[handle]; ok {
		return false, nil
	}
	r.accounts[handle] = acct
	r.privKeys[handle] = privKey
	return true, nil
}

func (r *stubRepo) DoesAccountExist(user string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.accounts[strings.ToLower(user)]
	return ok, nil
}

func (r *stubRepo) GetAccount(user string) (*dal.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accounts[strings.ToLower(user)], nil
}

func (r *stubRepo) GetPrivKey(user string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.privKeys[strings.ToLower(user)]
	if !ok {
		return "", fmt.Errorf("no such user: %s", user)
	}
	return key, nil
}

func (r *stubRepo) GetRemoteActor(userUrl string) (*dal.RemoteActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteActors[userUrl], nil
}

func (r *stubRepo) UpsertRemoteActor(actor *dal.RemoteActor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remoteActors[actor.UserUrl] = actor
	return nil
}

func (r *stubRepo) GetApprovedFollowerCount(user string) (uint, error) {
	flwrs, _ := r.GetFollowersByUser(user, true)
	return uint(len(flwrs)), nil
}

func (r *stubRepo) GetTotalFollowerCount() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, flwrs := range r.followers {
		for _, f := range flwrs {
			if f.ApproveStatus == 1 {
				count++
			}
		}
	}
	return count, nil
}

func (r *stubRepo) GetFollowersByUser(user string, onlyApproved bool) ([]*dal.FollowerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*dal.FollowerInfo
	for _, f := range r.followers[strings.ToLower(user)] {
		if onlyApproved && f.ApproveStatus != 1 {
			continue
		}
		res = append(res, f)
	}
	return res, nil
}

func (r *stubRepo) GetFollowersPage(user string, offset, limit int) ([]*dal.FollowerInfo, error) {
	flwrs, _ := r.GetFollowersByUser(user, true)
	if offset >= len(flwrs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(flwrs) {
		end = len(flwrs)
	}
	return flwrs[offset:end], nil
}

func (r *stubRepo) SetFollowerApproveStatus(user, followerUserUrl string, status int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.followers[strings.ToLower(user)] {
		if f.UserUrl == followerUserUrl {
			f.ApproveStatus = status
		}
	}
	return nil
}

func (r *stubRepo) AddFollower(user string, follower *dal.FollowerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user = strings.ToLower(user)
	for _, f := range r.followers[user] {
		if f.UserUrl == follower.UserUrl {
			return nil
		}
	}
	r.followers[user] = append(r.followers[user], follower)
	return nil
}

func (r *stubRepo) RemoveFollower(user, followerUserUrl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user = strings.ToLower(user)
	var res []*dal.FollowerInfo
	for _, f := range r.followers[user] {
		if f.UserUrl != followerUserUrl {
			res = append(res, f)
		}
	}
	r.followers[user] = res
	return nil
}

func (r *stubRepo) AddFollowing(user string, following *dal.FollowingInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user = strings.ToLower(user)
	r.following[user] = append(r.following[user], following)
	return nil
}

func (r *stubRepo) SetFollowingStatus(user, followedUserUrl string, status int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.following[strings.ToLower(user)] {
		if f.UserUrl == followedUserUrl {
			f.Status = status
		}
	}
	return nil
}

func (r *stubRepo) RemoveFollowing(user, followedUserUrl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user = strings.ToLower(user)
	var res []*dal.FollowingInfo
	for _, f := range r.following[user] {
		if f.UserUrl != followedUserUrl {
			res = append(res, f)
		}
	}
	r.following[user] = res
	return nil
}

func (r *stubRepo) GetFollowingCount(user string) (uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint(len(r.following[strings.ToLower(user)])), nil
}

func (r *stubRepo) AddEvent(user string, event *dal.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user = strings.ToLower(user)
	r.events[user] = append(r.events[user], event)
	return nil
}

func (r *stubRepo) UpdateEvent(user string, event *dal.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events[strings.ToLower(user)] {
		if ev.Id == event.Id {
			r.events[strings.ToLower(user)][i] = event
		}
	}
	return nil
}

func (r *stubRepo) DeleteEvent(user, eventId string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user = strings.ToLower(user)
	var res []*dal.Event
	for _, ev := range r.events[user] {
		if ev.Id != eventId {
			res = append(res, ev)
		}
	}
	r.events[user] = res
	return nil
}

func (r *stubRepo) GetEvent(user, eventId string) (*dal.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events[strings.ToLower(user)] {
		if ev.Id == eventId {
			return ev, nil
		}
	}
	return nil, nil
}

func (r *stubRepo) GetEventCount(user string) (uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint(len(r.events[strings.ToLower(user)])), nil
}

func (r *stubRepo) GetEventsPage(user string, offset, limit int) ([]*dal.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events[strings.ToLower(user)]
	if offset >= len(events) {
		return nil, nil
	}
	end := offset + limit
	if end > len(events) {
		end = len(events)
	}
	return events[offset:end], nil
}

func (r *stubRepo) UpsertRsvp(eventUrl, actorUrl, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rsvps[eventUrl+"|"+actorUrl] = status
	return nil
}

func (r *stubRepo) AddLikeIfNew(objectUrl, actorUrl string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := objectUrl + "|" + actorUrl
	if r.likes[key] {
		return false, nil
	}
	r.likes[key] = true
	return true, nil
}

func (r *stubRepo) RemoveLike(objectUrl, actorUrl string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.likes, objectUrl+"|"+actorUrl)
	return nil
}

func (r *stubRepo) UpsertCachedObject(obj *dal.CachedObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cachedObjects[obj.Uri] = obj
	return nil
}

func (r *stubRepo) GetCachedObject(uri string) (*dal.CachedObject, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cachedObjects[uri], nil
}

func (r *stubRepo) DeleteCachedObject(uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cachedObjects, uri)
	return nil
}

func (r *stubRepo) MarkActivityHandled(id string, expiresAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handled[id]; ok {
		return true, nil
	}
	r.handled[id] = expiresAt
	return false, nil
}

func (r *stubRepo) PurgeHandledActivities(now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var purged int64
	for id, expiresAt := range r.handled {
		if expiresAt.Before(now) {
			delete(r.handled, id)
			purged++
		}
	}
	return purged, nil
}

func (r *stubRepo) AddFailedDelivery(fd *dal.FailedDelivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextFailedId++
	fd.Id = r.nextFailedId
	r.failed = append(r.failed, fd)
	return nil
}

func (r *stubRepo) GetDueFailedDeliveries(due time.Time, maxCount int) ([]*dal.FailedDelivery, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*dal.FailedDelivery
	for _, fd := range r.failed {
		if !fd.NextAttemptAt.After(due) && len(res) < maxCount {
			res = append(res, fd)
		}
	}
	return res, len(r.failed), nil
}

func (r *stubRepo) UpdateFailedDelivery(id int, attempts int, lastError string, nextAttemptAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, fd := range r.failed {
		if fd.Id == id {
			fd.Attempts = attempts
			fd.LastError = lastError
			fd.NextAttemptAt = nextAttemptAt
		}
	}
	return nil
}

func (r *stubRepo) DeleteFailedDelivery(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []*dal.FailedDelivery
	for _, fd := range r.failed {
		if fd.Id != id {
			res = append(res, fd)
		}
	}
	r.failed = res
	return nil
}

func (r *stubRepo) AddBlock(user, target string, isDomain bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks[strings.ToLower(user)+"|"+strings.ToLower(target)] = true
	return nil
}

func (r *stubRepo) RemoveBlock(user, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blocks, strings.ToLower(user)+"|"+strings.ToLower(target))
	return nil
}

func (r *stubRepo) IsBlocked(user, actorUrl, domain string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range []string{strings.ToLower(user), ""} {
		if r.blocks[u+"|"+strings.ToLower(actorUrl)] || r.blocks[u+"|"+strings.ToLower(domain)] {
			return true, nil
		}
	}
	return false, nil
}

// stubKeyStore hands out one shared throwaway key.
type stubKeyStore struct {
	key *rsa.PrivateKey
}

func newStubKeyStore() *stubKeyStore {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return &stubKeyStore{key: key}
}

func (s *stubKeyStore) GetPrivKey(user string) (*rsa.PrivateKey, error) {
	return s.key, nil
}

func (s *stubKeyStore) MakeKeyPair() (string, string, error) {
	return "", "", fmt.Errorf("not implemented")
}

// stubActorResolver serves actor documents from a fixed map.
type stubActorResolver struct {
	actors  map[string]*dto.UserInfo
	handles map[string]string
}

func (s *stubActorResolver) Retrieve(actorUrl string) (*dto.UserInfo, error) {
	if actor, ok := s.actors[actorUrl]; ok {
		return actor, nil
	}
	return nil, fmt.Errorf("no such actor: %s", actorUrl)
}

func (s *stubActorResolver) ResolveHandle(user, host string) (string, error) {
	if actorUrl, ok := s.handles[user+"@"+host]; ok {
		return actorUrl, nil
	}
	return "", fmt.Errorf("no such handle: %s@%s", user, host)
}

// stubSender records deliveries and fails the inboxes told to fail.
type stubSender struct {
	mu        sync.Mutex
	delivered []string
	failFor   map[string]bool
}

func newStubSender() *stubSender {
	return &stubSender{failFor: map[string]bool{}}
}

func (s *stubSender) Send(privKey *rsa.PrivateKey, sendingUser, inboxUrl string, activity *dto.ActivityOut) error {
	return s.SendRaw(privKey, sendingUser, inboxUrl, nil)
}

func (s *stubSender) SendRaw(privKey *rsa.PrivateKey, sendingUser, inboxUrl string, bodyJson []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[inboxUrl] {
		return fmt.Errorf("delivery to %s failed", inboxUrl)
	}
	s.delivered = append(s.delivered, inboxUrl)
	return nil
}

func (s *stubSender) deliveredTo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]string, len(s.delivered))
	copy(res, s.delivered)
	return res
}

// stubUserDirectory only records AcceptFollower calls.
type stubUserDirectory struct {
	mu       sync.Mutex
	accepted []string
}

func (s *stubUserDirectory) GetWebfinger(user string) *dto.WebfingerResp             { return nil }
func (s *stubUserDirectory) GetUserInfo(user string) *dto.UserInfo                   { return nil }
func (s *stubUserDirectory) GetOutboxSummary(user string) *dto.OrderedListSummary    { return nil }
func (s *stubUserDirectory) GetOutboxPage(user string, page uint) *dto.OrderedListPage {
	return nil
}
func (s *stubUserDirectory) GetFollowersSummary(user string) *dto.OrderedListSummary { return nil }
func (s *stubUserDirectory) GetFollowersPage(user string, page uint) *dto.OrderedListPage {
	return nil
}
func (s *stubUserDirectory) GetFollowingSummary(user string) *dto.OrderedListSummary { return nil }
func (s *stubUserDirectory) GetEvent(user, eventId string) *dto.Event                { return nil }

func (s *stubUserDirectory) AcceptFollower(followActId, followerUserUrl, followerInbox, followedUser string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepted = append(s.accepted, followerUserUrl)
	return nil
}

func (s *stubUserDirectory) acceptedFollowers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]string, len(s.accepted))
	copy(res, s.accepted)
	return res
}
