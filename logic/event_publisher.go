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

// EventParams is what the management API supplies when publishing an event.
type EventParams struct {
	Name      string
	Content   string
	StartTime time.Time
	EndTime   *time.Time
	Location  string
}

// IEventPublisher creates local events and federates them out.
type IEventPublisher interface {
	PublishEvent(user string, params *EventParams) (eventUrl string, reqProblem string, err error)
	UpdateEvent(user, eventId string, params *EventParams) (reqProblem string, err error)
	CancelEvent(user, eventId string) (reqProblem string, err error)
}

type eventPublisher struct {
	cfg      *shared.Config
	logger   shared.ILogger
	repo     dal.IRepo
	idb      shared.IdBuilder
	delivery IDeliveryService
	metrics  IMetrics
}

func NewEventPublisher(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	delivery IDeliveryService,
	metrics IMetrics,
) IEventPublisher {
	return &eventPublisher{
		cfg:      cfg,
		logger:   logger,
		repo:     repo,
		idb:      shared.IdBuilder{Host: cfg.Host},
		delivery: delivery,
		metrics:  metrics,
	}
}

func (ep *eventPublisher) PublishEvent(user string, params *EventParams) (string, string, error) {

	user = strings.ToLower(user)
	exists, err := ep.repo.DoesAccountExist(user)
	if err != nil {
		return "", "", err
	}
	if !exists {
		return "", fmt.Sprintf("No such user: %s", user), nil
	}
	if problem := validateEventParams(params); problem != "" {
		return "", problem, nil
	}

	ev := &dal.Event{
		Id:        uuid.NewString(),
		Name:      params.Name,
		Content:   params.Content,
		StartTime: params.StartTime.UTC(),
		EndTime:   params.EndTime,
		Location:  params.Location,
		CreatedAt: time.Now().UTC(),
	}
	if err = ep.repo.AddEvent(user, ev); err != nil {
		return "", "", err
	}
	ep.metrics.EventPublished()

	eventUrl := ep.idb.EventUrl(user, ev.Id)
	ep.logger.Infof("Published event %s by %s", eventUrl, user)

	act := ep.makeEventActivity(user, ev, "Create")
	// Fan-out happens in the background; the API caller gets the event URL
	// right away and failed targets go on the retry queue.
	go ep.deliver(act, user)

	return eventUrl, "", nil
}

func (ep *eventPublisher) UpdateEvent(user, eventId string, params *EventParams) (string, error) {

	user = strings.ToLower(user)
	ev, err := ep.repo.GetEvent(user, eventId)
	if err != nil {
		return "", err
	}
	if ev == nil {
		return fmt.Sprintf("No such event: %s", eventId), nil
	}
	if problem := validateEventParams(params); problem != "" {
		return problem, nil
	}

	ev.Name = params.Name
	ev.Content = params.Content
	ev.StartTime = params.StartTime.UTC()
	ev.EndTime = params.EndTime
	ev.Location = params.Location
	if err = ep.repo.UpdateEvent(user, ev); err != nil {
		return "", err
	}

	act := ep.makeEventActivity(user, ev, "Update")
	go ep.deliver(act, user)

	return "", nil
}

func (ep *eventPublisher) CancelEvent(user, eventId string) (string, error) {

	user = strings.ToLower(user)
	ev, err := ep.repo.GetEvent(user, eventId)
	if err != nil {
		return "", err
	}
	if ev == nil {
		return fmt.Sprintf("No such event: %s", eventId), nil
	}
	if err = ep.repo.DeleteEvent(user, eventId); err != nil {
		return "", err
	}

	to := []string{shared.ActivityPublic}
	cc := []string{ep.idb.UserFollowers(user)}
	act := &dto.ActivityOut{
		Context: apubContext,
		Id:      ep.idb.ActivityUrl(uuid.NewString()),
		Type:    "Delete",
		Actor:   ep.idb.UserUrl(user),
		To:      &to,
		Cc:      &cc,
		Object:  ep.idb.EventUrl(user, eventId),
	}
	go ep.deliver(act, user)

	return "", nil
}

func validateEventParams(params *EventParams) string {
	if params.Name == "" {
		return "Event name must not be empty"
	}
	if params.StartTime.IsZero() {
		return "Event start time must be provided"
	}
	if params.EndTime != nil && params.EndTime.Before(params.StartTime) {
		return "Event end time must not precede start time"
	}
	return ""
}

func (ep *eventPublisher) makeEventActivity(user string, ev *dal.Event, activityType string) *dto.ActivityOut {

	to := []string{shared.ActivityPublic}
	cc := []string{ep.idb.UserFollowers(user)}
	obj := &dto.Event{
		Id:           ep.idb.EventUrl(user, ev.Id),
		Type:         "Event",
		Name:         ev.Name,
		Content:      ev.Content,
		Published:    ev.CreatedAt.UTC().Format(time.RFC3339),
		StartTime:    ev.StartTime.UTC().Format(time.RFC3339),
		Location:     ev.Location,
		AttributedTo: ep.idb.UserUrl(user),
		To:           to,
		Cc:           cc,
	}
	if ev.EndTime != nil {
		obj.EndTime = ev.EndTime.UTC().Format(time.RFC3339)
	}
	return &dto.ActivityOut{
		Context:   apubContext,
		Id:        ep.idb.EventActivityUrl(user, ev.Id),
		Type:      activityType,
		Actor:     ep.idb.UserUrl(user),
		Published: time.Now().UTC().Format(time.RFC3339),
		To:        &to,
		Cc:        &cc,
		Object:    obj,
	}
}

func (ep *eventPublisher) deliver(act *dto.ActivityOut, user string) {
	addressing := dto.Addressing{}
	if act.To != nil {
		addressing.To = *act.To
	}
	if act.Cc != nil {
		addressing.Cc = *act.Cc
	}
	if err := ep.delivery.Deliver(act, addressing, user); err != nil {
		ep.logger.Errorf("Delivery of %s failed: %v", act.Id, err)
	}
}
