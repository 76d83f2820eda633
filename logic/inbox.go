package logic

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"gatherpub/dal"
	"gatherpub/dto"
	"gatherpub/shared"
)

// InboxOutcome is the terminal state of one inbound activity, from the
// sender's point of view. Everything except OutcomeInvalid is answered 202:
// a blocked or replayed sender cannot tell their activity went nowhere.
type InboxOutcome int

const (
	OutcomeAccepted InboxOutcome = iota
	OutcomeDeduplicated
	OutcomeDropped
	OutcomeInvalid
)

const dispatchQueueSize = 64

// IInbox validates, deduplicates and dispatches inbound activities. Accept
// returns as soon as the activity is recorded; the domain side effects run on
// a background worker, after the sender already has its 202.
type IInbox interface {
	Accept(receivingUser string, senderInfo *dto.UserInfo, act *dto.ActivityInBase, bodyBytes []byte) (outcome InboxOutcome, problem string, err error)
}

type inboxTask struct {
	receivingUser string
	senderInfo    *dto.UserInfo
	act           dto.ActivityInBase
	bodyBytes     []byte
}

type inbox struct {
	cfg         *shared.Config
	logger      shared.ILogger
	idb         shared.IdBuilder
	repo        dal.IRepo
	udir        IUserDirectory
	metrics     IMetrics
	tasks       chan inboxTask
	titlePolicy *bluemonday.Policy
	bodyPolicy  *bluemonday.Policy
}

func NewInbox(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	udir IUserDirectory,
	metrics IMetrics,
) IInbox {
	ib := &inbox{
		cfg:         cfg,
		logger:      logger,
		idb:         shared.IdBuilder{Host: cfg.Host},
		repo:        repo,
		udir:        udir,
		metrics:     metrics,
		tasks:       make(chan inboxTask, dispatchQueueSize),
		titlePolicy: bluemonday.StrictPolicy(),
		bodyPolicy:  bluemonday.UGCPolicy(),
	}
	go ib.dispatchLoop()
	return ib
}

func (ib *inbox) Accept(
	receivingUser string,
	senderInfo *dto.UserInfo,
	act *dto.ActivityInBase,
	bodyBytes []byte,
) (InboxOutcome, string, error) {

	if problem := validateShape(act); problem != "" {
		ib.metrics.ActivityAccepted(act.Type, "invalid")
		return OutcomeInvalid, problem, nil
	}

	// Blocked actors and domains are silently swallowed; a distinct error
	// would leak the existence of the block.
	actorHost, _ := shared.GetHostName(act.Actor)
	blocked, err := ib.repo.IsBlocked(receivingUser, act.Actor, actorHost)
	if err != nil {
		return OutcomeInvalid, "", err
	}
	if blocked {
		ib.logger.Infof("Dropping activity %s from blocked sender %s", act.Id, act.Actor)
		ib.metrics.ActivityAccepted(act.Type, "blocked")
		return OutcomeDropped, "", nil
	}

	expiresAt := time.Now().UTC().AddDate(0, 0, ib.cfg.DedupRetentionDays)
	alreadyHandled, err := ib.repo.MarkActivityHandled(act.Id, expiresAt)
	if err != nil {
		return OutcomeInvalid, "", err
	}
	if alreadyHandled {
		ib.logger.Infof("Activity has already been handled: %s", act.Id)
		ib.metrics.ActivityAccepted(act.Type, "deduplicated")
		return OutcomeDeduplicated, "", nil
	}

	ib.metrics.ActivityAccepted(act.Type, "accepted")
	ib.tasks <- inboxTask{receivingUser, senderInfo, *act, bodyBytes}
	return OutcomeAccepted, "", nil
}

func validateShape(act *dto.ActivityInBase) string {
	if act.Id == "" {
		return "Activity has no id"
	}
	if act.Actor == "" {
		return "Activity has no actor"
	}
	switch act.Type {
	case "Follow", "Like", "Announce", "Undo", "Accept", "Reject", "TentativeAccept", "Delete":
		if act.ObjectId() == "" && act.ObjectType() == "" {
			return fmt.Sprintf("'%s' activity has no object", act.Type)
		}
	case "Create", "Update":
		switch act.ObjectType() {
		case "Event", "Note":
		case "":
			return fmt.Sprintf("'%s' activity has no embedded object", act.Type)
		default:
			return fmt.Sprintf("Unsupported object type '%s'", act.ObjectType())
		}
	default:
		return fmt.Sprintf("Unknown activity type '%s'", act.Type)
	}
	return ""
}

// dispatchLoop runs domain side effects after the HTTP exchange is over.
// Failures here are logged and counted; the sender never sees them.
func (ib *inbox) dispatchLoop() {
	for t := range ib.tasks {
		if err := ib.dispatch(&t); err != nil {
			ib.metrics.InboxDispatchFailed()
			ib.logger.Errorf("Error handling '%s' activity %s: %v", t.act.Type, t.act.Id, err)
		}
	}
}

func (ib *inbox) dispatch(t *inboxTask) error {
	switch t.act.Type {
	case "Follow":
		return ib.handleFollow(t)
	case "Undo":
		return ib.handleUndo(t)
	case "Accept", "Reject", "TentativeAccept":
		return ib.handleResponse(t)
	case "Like":
		return ib.handleLike(t)
	case "Announce":
		return ib.handleAnnounce(t)
	case "Create", "Update":
		return ib.handleCreateUpdate(t)
	case "Delete":
		return ib.handleDelete(t)
	}
	return fmt.Errorf("no handler for activity type '%s'", t.act.Type)
}

func (ib *inbox) handleFollow(t *inboxTask) error {

	var actFollow dto.ActivityIn[string]
	if err := json.Unmarshal(t.bodyBytes, &actFollow); err != nil {
		return fmt.Errorf("invalid Follow activity body: %v", err)
	}

	user := ib.idb.ParseUserUrl(actFollow.Object)
	if user == "" {
		return fmt.Errorf("Follow object is not one of our users: %s", actFollow.Object)
	}
	account, err := ib.repo.GetAccount(user)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("user does not exist: %s", user)
	}

	actorHost, err := shared.GetHostName(actFollow.Actor)
	if err != nil {
		return err
	}

	flwr := dal.FollowerInfo{
		RequestId:     actFollow.Id,
		ApproveStatus: 0,
		UserUrl:       actFollow.Actor,
		Handle:        t.senderInfo.PreferredUserName,
		Host:          actorHost,
		UserInbox:     t.senderInfo.Inbox,
		SharedInbox:   t.senderInfo.Endpoints.SharedInbox,
	}
	if err = ib.repo.AddFollower(user, &flwr); err != nil {
		return err
	}

	ib.logger.Infof("New follower for %s: %s", user, shared.MakeFullMoniker(actorHost, t.senderInfo.PreferredUserName))

	if !account.ManuallyApproves {
		if err = ib.udir.AcceptFollower(flwr.RequestId, flwr.UserUrl, flwr.UserInbox, user); err != nil {
			return fmt.Errorf("error accepting follower: %v", err)
		}
	}

	return nil
}

func (ib *inbox) handleUndo(t *inboxTask) error {

	switch t.act.ObjectType() {
	case "Follow":
		var actUndoFollow dto.ActivityIn[dto.ActivityIn[string]]
		if err := json.Unmarshal(t.bodyBytes, &actUndoFollow); err != nil {
			return fmt.Errorf("invalid Undo Follow activity body: %v", err)
		}
		user := ib.idb.ParseUserUrl(actUndoFollow.Object.Object)
		if user == "" {
			return fmt.Errorf("Undo Follow object is not one of our users: %s", actUndoFollow.Object.Object)
		}
		return ib.repo.RemoveFollower(user, actUndoFollow.Actor)

	case "Like":
		var actUndoLike dto.ActivityIn[dto.ActivityInBase]
		if err := json.Unmarshal(t.bodyBytes, &actUndoLike); err != nil {
			return fmt.Errorf("invalid Undo Like activity body: %v", err)
		}
		return ib.repo.RemoveLike(actUndoLike.Object.ObjectId(), actUndoLike.Actor)
	}

	ib.logger.Infof("Ignoring Undo of '%s' activity", t.act.ObjectType())
	return nil
}

// handleResponse covers Accept, Reject and TentativeAccept: either the far
// side answering one of our Follow requests, or an attendee responding to an
// event invitation.
func (ib *inbox) handleResponse(t *inboxTask) error {

	if t.act.ObjectType() == "Follow" {
		var actResp dto.ActivityIn[dto.ActivityInBase]
		if err := json.Unmarshal(t.bodyBytes, &actResp); err != nil {
			return fmt.Errorf("invalid %s activity body: %v", t.act.Type, err)
		}
		user := ib.idb.ParseUserUrl(actResp.Object.Actor)
		if user == "" {
			return fmt.Errorf("%s of Follow whose actor is not one of our users: %s", t.act.Type, actResp.Object.Actor)
		}
		status := 1
		if t.act.Type == "Reject" {
			status = -1
		}
		return ib.repo.SetFollowingStatus(user, t.act.Actor, status)
	}

	eventUrl := t.act.ObjectId()
	if eventUrl == "" {
		return fmt.Errorf("%s activity has no object reference", t.act.Type)
	}
	var status string
	switch t.act.Type {
	case "Accept":
		status = "accepted"
	case "Reject":
		status = "rejected"
	case "TentativeAccept":
		status = "tentative"
	}
	return ib.repo.UpsertRsvp(eventUrl, t.act.Actor, status)
}

func (ib *inbox) handleLike(t *inboxTask) error {

	objectUrl := t.act.ObjectId()
	if objectUrl == "" {
		return fmt.Errorf("Like activity has no object reference")
	}
	_, err := ib.repo.AddLikeIfNew(objectUrl, t.act.Actor)
	return err
}

func (ib *inbox) handleAnnounce(t *inboxTask) error {

	objectUrl := t.act.ObjectId()
	if objectUrl == "" {
		return fmt.Errorf("Announce activity has no object reference")
	}
	return ib.repo.UpsertCachedObject(&dal.CachedObject{
		Uri:        t.act.Id,
		Kind:       "Announce",
		ActorUrl:   t.act.Actor,
		Content:    objectUrl,
		ReceivedAt: time.Now().UTC(),
	})
}

func (ib *inbox) handleCreateUpdate(t *inboxTask) error {

	switch t.act.ObjectType() {
	case "Event":
		var act dto.ActivityIn[dto.Event]
		if err := json.Unmarshal(t.bodyBytes, &act); err != nil {
			return fmt.Errorf("invalid %s Event activity body: %v", t.act.Type, err)
		}
		if act.Object.AttributedTo != "" && act.Object.AttributedTo != t.act.Actor {
			return fmt.Errorf("event %s attributed to %s but sent by %s",
				act.Object.Id, act.Object.AttributedTo, t.act.Actor)
		}
		act.Object.Name = ib.titlePolicy.Sanitize(act.Object.Name)
		act.Object.Content = ib.bodyPolicy.Sanitize(act.Object.Content)
		return ib.cacheObject(act.Object.Id, "Event", t.act.Actor, &act.Object)

	case "Note":
		var act dto.ActivityIn[dto.Note]
		if err := json.Unmarshal(t.bodyBytes, &act); err != nil {
			return fmt.Errorf("invalid %s Note activity body: %v", t.act.Type, err)
		}
		if act.Object.AttributedTo != "" && act.Object.AttributedTo != t.act.Actor {
			return fmt.Errorf("note %s attributed to %s but sent by %s",
				act.Object.Id, act.Object.AttributedTo, t.act.Actor)
		}
		act.Object.Content = ib.bodyPolicy.Sanitize(act.Object.Content)
		return ib.cacheObject(act.Object.Id, "Note", t.act.Actor, &act.Object)
	}

	return fmt.Errorf("unsupported object type '%s' in %s activity", t.act.ObjectType(), t.act.Type)
}

func (ib *inbox) cacheObject(uri, kind, actorUrl string, obj any) error {

	if uri == "" {
		return fmt.Errorf("%s object has no id", kind)
	}
	content, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return ib.repo.UpsertCachedObject(&dal.CachedObject{
		Uri:        uri,
		Kind:       kind,
		ActorUrl:   actorUrl,
		Content:    string(content),
		ReceivedAt: time.Now().UTC(),
	})
}

func (ib *inbox) handleDelete(t *inboxTask) error {

	objectUrl := t.act.ObjectId()
	if objectUrl == "" {
		return fmt.Errorf("Delete activity has no object reference")
	}
	obj, err := ib.repo.GetCachedObject(objectUrl)
	if err != nil {
		return err
	}
	if obj == nil {
		return nil
	}
	// Only the actor that produced the object gets to remove it
	if obj.ActorUrl != t.act.Actor {
		return fmt.Errorf("object %s belongs to %s; not deleting on behalf of %s",
			objectUrl, obj.ActorUrl, t.act.Actor)
	}
	return ib.repo.DeleteCachedObject(objectUrl)
}
