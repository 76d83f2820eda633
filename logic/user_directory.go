package logic

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gatherpub/dal"
	"gatherpub/dto"
	"gatherpub/shared"
)

const apubContext = "https://www.w3.org/ns/activitystreams"

// IUserDirectory serves this instance's own actors to the outside world:
// webfinger, actor documents, and the followers/following/outbox
// collections. It also owns the Accept reply to inbound follows.
type IUserDirectory interface {
	GetWebfinger(user string) *dto.WebfingerResp
	GetUserInfo(user string) *dto.UserInfo
	GetOutboxSummary(user string) *dto.OrderedListSummary
	GetOutboxPage(user string, page uint) *dto.OrderedListPage
	GetFollowersSummary(user string) *dto.OrderedListSummary
	GetFollowersPage(user string, page uint) *dto.OrderedListPage
	GetFollowingSummary(user string) *dto.OrderedListSummary
	GetEvent(user, eventId string) *dto.Event
	AcceptFollower(followActId, followerUserUrl, followerInbox, followedUser string) error
}

type userDirectory struct {
	cfg      *shared.Config
	logger   shared.ILogger
	repo     dal.IRepo
	idb      shared.IdBuilder
	keyStore IKeyStore
	sender   IActivitySender
}

func NewUserDirectory(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	keyStore IKeyStore,
	sender IActivitySender,
) IUserDirectory {
	return &userDirectory{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		idb:      shared.IdBuilder{Host: cfg.Host},
		keyStore: keyStore,
		sender:   sender}
}

func (udir *userDirectory) GetWebfinger(user string) *dto.WebfingerResp {

	cfgHost := udir.cfg.Host
	acct, err := udir.repo.GetAccount(user)
	if err != nil || acct == nil {
		return nil
	}

	user = strings.ToLower(user)
	resp := dto.WebfingerResp{
		Subject: fmt.Sprintf("acct:%s@%s", user, cfgHost),
		Aliases: []string{
			udir.idb.UserUrl(user),
		},
		Links: []dto.WebfingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: udir.idb.UserUrl(user),
			},
			{
				Rel:  "alternate",
				Type: "application/rss+xml",
				Href: udir.idb.UserFeed(user),
			},
		},
	}
	return &resp
}

func (udir *userDirectory) GetUserInfo(user string) *dto.UserInfo {

	user = strings.ToLower(user)
	userUrl := udir.idb.UserUrl(user)
	acct, err := udir.repo.GetAccount(user)
	if err != nil || acct == nil {
		return nil
	}

	resp := dto.UserInfo{
		Context: []string{
			apubContext,
			"https://w3id.org/security/v1",
		},
		Id:                userUrl,
		Type:              "Person",
		PreferredUserName: user,
		Name:              acct.Name,
		Summary:           acct.Summary,
		ManuallyApproves:  acct.ManuallyApproves,
		Published:         acct.CreatedAt.Format(time.RFC3339),
		Inbox:             udir.idb.UserInbox(user),
		Outbox:            udir.idb.UserOutbox(user),
		Followers:         udir.idb.UserFollowers(user),
		Following:         udir.idb.UserFollowing(user),
		Endpoints:         dto.UserEndpoints{SharedInbox: udir.idb.SharedInbox()},
		PublicKey: dto.PublicKey{
			Id:           udir.idb.UserKeyId(user),
			Owner:        userUrl,
			PublicKeyPem: acct.PubKey,
		},
	}

	return &resp
}

func (udir *userDirectory) GetOutboxSummary(user string) *dto.OrderedListSummary {

	user = strings.ToLower(user)
	exists, err := udir.repo.DoesAccountExist(user)
	if err != nil || !exists {
		return nil
	}

	var eventCount uint
	if eventCount, err = udir.repo.GetEventCount(user); err != nil {
		udir.logger.Errorf("Failed to get event count for %s: %v", user, err)
		return nil
	}

	collUrl := udir.idb.UserOutbox(user)
	resp := dto.OrderedListSummary{
		Context:    apubContext,
		Id:         collUrl,
		Type:       "OrderedCollection",
		TotalItems: eventCount,
	}
	if eventCount != 0 {
		first := udir.idb.CollectionPageUrl(collUrl, 1)
		resp.First = &first
	}
	return &resp
}

// GetOutboxPage is the pull side of public federation: non-followers
// discover public events here rather than by push.
func (udir *userDirectory) GetOutboxPage(user string, page uint) *dto.OrderedListPage {

	user = strings.ToLower(user)
	exists, err := udir.repo.DoesAccountExist(user)
	if err != nil || !exists || page == 0 {
		return nil
	}

	pageSize := udir.cfg.PageSize
	offset := (page - 1) * pageSize
	events, err := udir.repo.GetEventsPage(user, int(offset), int(pageSize))
	if err != nil {
		udir.logger.Errorf("Failed to get events page for %s: %v", user, err)
		return nil
	}

	items := make([]any, 0, len(events))
	for _, ev := range events {
		items = append(items, udir.makeCreateEvent(user, ev))
	}

	collUrl := udir.idb.UserOutbox(user)
	resp := dto.OrderedListPage{
		Context:      apubContext,
		Id:           udir.idb.CollectionPageUrl(collUrl, page),
		Type:         "OrderedCollectionPage",
		PartOf:       collUrl,
		OrderedItems: items,
	}
	if uint(len(events)) == pageSize {
		next := udir.idb.CollectionPageUrl(collUrl, page+1)
		resp.Next = &next
	}
	if page > 1 {
		prev := udir.idb.CollectionPageUrl(collUrl, page-1)
		resp.Prev = &prev
	}
	return &resp
}

func (udir *userDirectory) makeCreateEvent(user string, ev *dal.Event) *dto.ActivityOut {
	to := []string{shared.ActivityPublic}
	cc := []string{udir.idb.UserFollowers(user)}
	return &dto.ActivityOut{
		Id:        udir.idb.EventActivityUrl(user, ev.Id),
		Type:      "Create",
		Actor:     udir.idb.UserUrl(user),
		Published: ev.CreatedAt.UTC().Format(time.RFC3339),
		To:        &to,
		Cc:        &cc,
		Object:    udir.makeEventObject(user, ev),
	}
}

func (udir *userDirectory) makeEventObject(user string, ev *dal.Event) *dto.Event {
	res := dto.Event{
		Id:           udir.idb.EventUrl(user, ev.Id),
		Type:         "Event",
		Name:         ev.Name,
		Content:      ev.Content,
		Published:    ev.CreatedAt.UTC().Format(time.RFC3339),
		StartTime:    ev.StartTime.UTC().Format(time.RFC3339),
		Location:     ev.Location,
		AttributedTo: udir.idb.UserUrl(user),
		To:           []string{shared.ActivityPublic},
		Cc:           []string{udir.idb.UserFollowers(user)},
	}
	if ev.EndTime != nil {
		res.EndTime = ev.EndTime.UTC().Format(time.RFC3339)
	}
	return &res
}

func (udir *userDirectory) GetFollowersSummary(user string) *dto.OrderedListSummary {

	user = strings.ToLower(user)
	exists, err := udir.repo.DoesAccountExist(user)
	if err != nil || !exists {
		return nil
	}

	var followerCount uint
	if followerCount, err = udir.repo.GetApprovedFollowerCount(user); err != nil {
		udir.logger.Errorf("Failed to get follower count for %s: %v", user, err)
		return nil
	}

	collUrl := udir.idb.UserFollowers(user)
	resp := dto.OrderedListSummary{
		Context:    apubContext,
		Id:         collUrl,
		Type:       "OrderedCollection",
		TotalItems: followerCount,
	}
	if followerCount != 0 {
		first := udir.idb.CollectionPageUrl(collUrl, 1)
		resp.First = &first
	}
	return &resp
}

func (udir *userDirectory) GetFollowersPage(user string, page uint) *dto.OrderedListPage {

	user = strings.ToLower(user)
	exists, err := udir.repo.DoesAccountExist(user)
	if err != nil || !exists || page == 0 {
		return nil
	}

	pageSize := udir.cfg.PageSize
	offset := (page - 1) * pageSize
	followers, err := udir.repo.GetFollowersPage(user, int(offset), int(pageSize))
	if err != nil {
		udir.logger.Errorf("Failed to get followers page for %s: %v", user, err)
		return nil
	}

	items := make([]any, 0, len(followers))
	for _, f := range followers {
		items = append(items, f.UserUrl)
	}

	collUrl := udir.idb.UserFollowers(user)
	resp := dto.OrderedListPage{
		Context:      apubContext,
		Id:           udir.idb.CollectionPageUrl(collUrl, page),
		Type:         "OrderedCollectionPage",
		PartOf:       collUrl,
		OrderedItems: items,
	}
	if uint(len(followers)) == pageSize {
		next := udir.idb.CollectionPageUrl(collUrl, page+1)
		resp.Next = &next
	}
	if page > 1 {
		prev := udir.idb.CollectionPageUrl(collUrl, page-1)
		resp.Prev = &prev
	}
	return &resp
}

func (udir *userDirectory) GetFollowingSummary(user string) *dto.OrderedListSummary {

	user = strings.ToLower(user)
	exists, err := udir.repo.DoesAccountExist(user)
	if err != nil || !exists {
		return nil
	}

	var followingCount uint
	if followingCount, err = udir.repo.GetFollowingCount(user); err != nil {
		udir.logger.Errorf("Failed to get following count for %s: %v", user, err)
		return nil
	}

	resp := dto.OrderedListSummary{
		Context:    apubContext,
		Id:         udir.idb.UserFollowing(user),
		Type:       "OrderedCollection",
		TotalItems: followingCount,
	}
	return &resp
}

func (udir *userDirectory) GetEvent(user, eventId string) *dto.Event {

	user = strings.ToLower(user)
	ev, err := udir.repo.GetEvent(user, eventId)
	if err != nil || ev == nil {
		return nil
	}
	res := udir.makeEventObject(user, ev)
	res.Context = apubContext
	return res
}

func (udir *userDirectory) AcceptFollower(followActId, followerUserUrl, followerInbox, followedUser string) error {

	udir.logger.Infof("Accepting follow %s", followerInbox)

	privKey, err := udir.keyStore.GetPrivKey(followedUser)
	if err != nil {
		return fmt.Errorf("failed to get private key for user %s: %v", followedUser, err)
	}

	actAccept := dto.ActivityOut{
		Context: apubContext,
		Id:      udir.idb.ActivityUrl(uuid.NewString()),
		Type:    "Accept",
		Actor:   udir.idb.UserUrl(followedUser),
		Object: dto.ActivityOut{
			Id:     followActId,
			Type:   "Follow",
			Actor:  followerUserUrl,
			Object: udir.idb.UserUrl(followedUser),
		},
	}

	if err = udir.sender.Send(privKey, followedUser, followerInbox, &actAccept); err != nil {
		return fmt.Errorf("failed to send 'Accept' activity: %v", err)
	}

	if err = udir.repo.SetFollowerApproveStatus(followedUser, followerUserUrl, 1); err != nil {
		return fmt.Errorf("failed to set follower approve status: %v", err)
	}

	return nil
}
