package logic

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"gatherpub/dal"
	"gatherpub/dto"
	"gatherpub/shared"
)

// IFollowManager sends follow requests on behalf of local users and
// unwinds them again. The far side's Accept/Reject arrives through the
// inbox and flips the stored status.
type IFollowManager interface {
	Follow(user, moniker string) (reqProblem string, err error)
	Unfollow(user, followedUserUrl string) (reqProblem string, err error)
}

type followManager struct {
	cfg           *shared.Config
	logger        shared.ILogger
	repo          dal.IRepo
	idb           shared.IdBuilder
	actorResolver IActorResolver
	keyStore      IKeyStore
	sender        IActivitySender
}

func NewFollowManager(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	actorResolver IActorResolver,
	keyStore IKeyStore,
	sender IActivitySender,
) IFollowManager {
	return &followManager{
		cfg:           cfg,
		logger:        logger,
		repo:          repo,
		idb:           shared.IdBuilder{Host: cfg.Host},
		actorResolver: actorResolver,
		keyStore:      keyStore,
		sender:        sender,
	}
}

// Follow takes a user@domain moniker, resolves it to an actor, and sends a
// Follow activity. The following record starts out pending.
func (fm *followManager) Follow(user, moniker string) (string, error) {

	user = strings.ToLower(user)
	exists, err := fm.repo.DoesAccountExist(user)
	if err != nil {
		return "", err
	}
	if !exists {
		return fmt.Sprintf("No such user: %s", user), nil
	}

	remoteUser, remoteHost, ok := parseMoniker(moniker)
	if !ok {
		return fmt.Sprintf("Invalid handle: %s", moniker), nil
	}

	actorUrl, err := fm.actorResolver.ResolveHandle(remoteUser, remoteHost)
	if err != nil {
		return fmt.Sprintf("Could not resolve handle %s: %v", moniker, err), nil
	}
	actor, err := fm.actorResolver.Retrieve(actorUrl)
	if err != nil {
		return fmt.Sprintf("Could not retrieve actor %s: %v", actorUrl, err), nil
	}

	privKey, err := fm.keyStore.GetPrivKey(user)
	if err != nil {
		return "", err
	}

	actFollow := dto.ActivityOut{
		Context: apubContext,
		Id:      fm.idb.ActivityUrl(uuid.NewString()),
		Type:    "Follow",
		Actor:   fm.idb.UserUrl(user),
		Object:  actor.Id,
	}
	if err = fm.sender.Send(privKey, user, actor.Inbox, &actFollow); err != nil {
		return "", fmt.Errorf("failed to send 'Follow' activity: %v", err)
	}

	err = fm.repo.AddFollowing(user, &dal.FollowingInfo{
		RequestId: actFollow.Id,
		UserUrl:   actor.Id,
		Status:    0,
	})
	if err != nil {
		return "", err
	}

	return "", nil
}

func (fm *followManager) Unfollow(user, followedUserUrl string) (string, error) {

	user = strings.ToLower(user)
	exists, err := fm.repo.DoesAccountExist(user)
	if err != nil {
		return "", err
	}
	if !exists {
		return fmt.Sprintf("No such user: %s", user), nil
	}

	actor, err := fm.actorResolver.Retrieve(followedUserUrl)
	if err != nil {
		return fmt.Sprintf("Could not retrieve actor %s: %v", followedUserUrl, err), nil
	}

	privKey, err := fm.keyStore.GetPrivKey(user)
	if err != nil {
		return "", err
	}

	actUndo := dto.ActivityOut{
		Context: apubContext,
		Id:      fm.idb.ActivityUrl(uuid.NewString()),
		Type:    "Undo",
		Actor:   fm.idb.UserUrl(user),
		Object: dto.ActivityOut{
			Id:     fm.idb.ActivityUrl(uuid.NewString()),
			Type:   "Follow",
			Actor:  fm.idb.UserUrl(user),
			Object: followedUserUrl,
		},
	}
	if err = fm.sender.Send(privKey, user, actor.Inbox, &actUndo); err != nil {
		return "", fmt.Errorf("failed to send 'Undo' activity: %v", err)
	}

	return "", fm.repo.RemoveFollowing(user, followedUserUrl)
}

func parseMoniker(moniker string) (user, host string, ok bool) {
	moniker = strings.TrimPrefix(moniker, "@")
	parts := strings.Split(moniker, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
