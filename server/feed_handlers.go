package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/feeds"
	"github.com/gorilla/mux"

	"gatherpub/dal"
	"gatherpub/logic"
	"gatherpub/shared"
)

const feedPageSize = 50

// Serves an RSS/Atom rendition of a user's public events, for readers
// that speak neither ActivityPub nor our API.
type feedHandlerGroup struct {
	cfg     *shared.Config
	logger  shared.ILogger
	repo    dal.IRepo
	metrics logic.IMetrics
	idb     shared.IdBuilder
}

func NewFeedHandlerGroup(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	metrics logic.IMetrics,
) IHandlerGroup {
	res := feedHandlerGroup{
		cfg:     cfg,
		logger:  logger,
		repo:    repo,
		metrics: metrics,
		idb:     shared.IdBuilder{Host: cfg.Host},
	}
	return &res
}

func (hg *feedHandlerGroup) Prefix() string {
	return "/feeds"
}

func (hg *feedHandlerGroup) GroupDefs() []handlerDef {
	return []handlerDef{
		{"GET", "/{user}", func(w http.ResponseWriter, r *http.Request) { hg.getFeed(w, r, false) }},
		{"GET", "/{user}/atom", func(w http.ResponseWriter, r *http.Request) { hg.getFeed(w, r, true) }},
	}
}

func (hg *feedHandlerGroup) AuthMW() func(next http.Handler) http.Handler {
	return emptyMW
}

func (hg *feedHandlerGroup) getFeed(w http.ResponseWriter, r *http.Request, atom bool) {

	hg.logger.Infof("Handling feed GET: %s", r.URL.Path)
	hg.metrics.FeedRequested("events")

	user := mux.Vars(r)["user"]
	acct, err := hg.repo.GetAccount(user)
	if err != nil {
		hg.logger.Errorf("Failed to get account %s: %v", user, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if acct == nil {
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}

	events, err := hg.repo.GetEventsPage(user, 0, feedPageSize)
	if err != nil {
		hg.logger.Errorf("Failed to get events of %s: %v", user, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("Events by %s", acct.Name),
		Link:        &feeds.Link{Href: hg.idb.UserUrl(acct.Handle)},
		Description: acct.Summary,
		Author:      &feeds.Author{Name: acct.Name},
		Created:     acct.CreatedAt,
	}
	for _, ev := range events {
		item := &feeds.Item{
			Id:          hg.idb.EventUrl(acct.Handle, ev.Id),
			Title:       ev.Name,
			Link:        &feeds.Link{Href: hg.idb.EventUrl(acct.Handle, ev.Id)},
			Description: ev.Content,
			Created:     ev.CreatedAt,
		}
		if ev.Location != "" {
			item.Description = fmt.Sprintf("%s<br/>Location: %s", ev.Content, ev.Location)
		}
		feed.Items = append(feed.Items, item)
	}

	var body, contentType string
	if atom {
		contentType = "application/atom+xml"
		body, err = feed.ToAtom()
	} else {
		contentType = "application/rss+xml"
		body, err = feed.ToRss()
	}
	if err != nil {
		hg.logger.Errorf("Failed to render feed for %s: %v", user, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	if _, err = fmt.Fprint(w, body); err != nil {
		hg.logger.Warnf("Failed to write response: %v", err)
	}
}
