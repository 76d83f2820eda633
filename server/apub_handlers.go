package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gorilla/mux"

	"gatherpub/dto"
	"gatherpub/logic"
	"gatherpub/shared"
)

// Groups together the handlers needed to implement an ActivityPub server.
type apubHandlerGroup struct {
	cfg        *shared.Config
	logger     shared.ILogger
	metrics    logic.IMetrics
	sigChecker logic.IHttpSigChecker
	udir       logic.IUserDirectory
	inbox      logic.IInbox
	reResource *regexp.Regexp
}

func NewApubHandlerGroup(
	cfg *shared.Config,
	logger shared.ILogger,
	metrics logic.IMetrics,
	sigChecker logic.IHttpSigChecker,
	udir logic.IUserDirectory,
	ibox logic.IInbox,
) IHandlerGroup {
	res := apubHandlerGroup{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		sigChecker: sigChecker,
		udir:       udir,
		inbox:      ibox,
	}
	res.reResource = regexp.MustCompile("^acct:([^@]+)@([^@]+)$")
	return &res
}

func (hg *apubHandlerGroup) Prefix() string {
	return ""
}

func (hg *apubHandlerGroup) GroupDefs() []handlerDef {
	return []handlerDef{
		{"GET", "/.well-known/webfinger", func(w http.ResponseWriter, r *http.Request) { hg.getWebfinger(w, r) }},
		{"GET", "/users/{user}", func(w http.ResponseWriter, r *http.Request) { hg.getUser(w, r) }},
		{"GET", "/users/{user}/outbox", func(w http.ResponseWriter, r *http.Request) { hg.getUserOutbox(w, r) }},
		{"GET", "/users/{user}/followers", func(w http.ResponseWriter, r *http.Request) { hg.getUserFollowers(w, r) }},
		{"GET", "/users/{user}/following", func(w http.ResponseWriter, r *http.Request) { hg.getUserFollowing(w, r) }},
		{"GET", "/users/{user}/events/{id}", func(w http.ResponseWriter, r *http.Request) { hg.getEvent(w, r) }},
		{"POST", "/users/{user}/inbox", func(w http.ResponseWriter, r *http.Request) { hg.postInbox(w, r) }},
		{"POST", "/inbox", func(w http.ResponseWriter, r *http.Request) { hg.postInbox(w, r) }},
	}
}

func (hg *apubHandlerGroup) AuthMW() func(next http.Handler) http.Handler {
	return emptyMW
}

func (hg *apubHandlerGroup) getWebfinger(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling webfinger GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("webfinger")
	defer obs.Finish()

	resourceParam := r.URL.Query().Get("resource")
	groups := hg.reResource.FindStringSubmatch(resourceParam)
	if groups == nil {
		hg.logger.Infof("Webfinger: Invalid request; 'resource' param is '%s'", resourceParam)
		writeErrorResponse(w, "Missing or invalid 'resource' param", http.StatusBadRequest)
		return
	}
	user, host := groups[1], groups[2]
	if host != hg.cfg.Host {
		hg.logger.Infof("Webfinger: request for foreign host '%s'", host)
		writeErrorResponse(w, "No such resource", http.StatusNotFound)
		return
	}

	resp := hg.udir.GetWebfinger(user)
	if resp == nil {
		hg.logger.Infof("Webfinger: No such resource; 'resource' param is '%s'", resourceParam)
		writeErrorResponse(w, "No such resource", http.StatusNotFound)
		return
	}

	writeJsonResponse(hg.logger, w, resp)
}

func (hg *apubHandlerGroup) getUser(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user")
	defer obs.Finish()
	userName := mux.Vars(r)["user"]

	userInfo := hg.udir.GetUserInfo(userName)
	if userInfo == nil {
		hg.logger.Infof("Info requested for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}

	writeJsonResponse(hg.logger, w, userInfo)
}

func (hg *apubHandlerGroup) getEvent(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling event GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/event")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	eventId := mux.Vars(r)["id"]

	event := hg.udir.GetEvent(userName, eventId)
	if event == nil {
		hg.logger.Infof("Event not found: %s/%s", userName, eventId)
		writeErrorResponse(w, "User or event not found", http.StatusNotFound)
		return
	}

	writeJsonResponse(hg.logger, w, event)
}

// pageParam returns 0 when no valid 'page' query parameter is present,
// meaning the caller wants the collection summary.
func pageParam(r *http.Request) uint {
	pageStr := r.URL.Query().Get("page")
	if pageStr == "" {
		return 0
	}
	page, err := strconv.ParseUint(pageStr, 10, 32)
	if err != nil {
		return 0
	}
	return uint(page)
}

func (hg *apubHandlerGroup) getUserOutbox(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user outbox GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/outbox")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	if page := pageParam(r); page != 0 {
		pageResp := hg.udir.GetOutboxPage(userName, page)
		if pageResp == nil {
			writeErrorResponse(w, "No such user or page", http.StatusNotFound)
			return
		}
		writeJsonResponse(hg.logger, w, pageResp)
		return
	}
	summary := hg.udir.GetOutboxSummary(userName)
	if summary == nil {
		hg.logger.Infof("Outbox requested for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}
	writeJsonResponse(hg.logger, w, summary)
}

func (hg *apubHandlerGroup) getUserFollowers(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user followers GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/followers")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	if page := pageParam(r); page != 0 {
		pageResp := hg.udir.GetFollowersPage(userName, page)
		if pageResp == nil {
			writeErrorResponse(w, "No such user or page", http.StatusNotFound)
			return
		}
		writeJsonResponse(hg.logger, w, pageResp)
		return
	}
	summary := hg.udir.GetFollowersSummary(userName)
	if summary == nil {
		hg.logger.Infof("Followers requested for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}
	writeJsonResponse(hg.logger, w, summary)
}

func (hg *apubHandlerGroup) getUserFollowing(w http.ResponseWriter, r *http.Request) {

	hg.logger.Infof("Handling user following GET: %s", r.URL.Path)
	obs := hg.metrics.StartApubRequestIn("user/following")
	defer obs.Finish()

	userName := mux.Vars(r)["user"]
	summary := hg.udir.GetFollowingSummary(userName)
	if summary == nil {
		hg.logger.Infof("Following requested for unknown user: '%s'", userName)
		writeErrorResponse(w, "No such user", http.StatusNotFound)
		return
	}
	writeJsonResponse(hg.logger, w, summary)
}

func (hg *apubHandlerGroup) postInbox(w http.ResponseWriter, r *http.Request) {

	var err error
	hg.logger.Infof("Handling inbox POST: %s", r.URL.Path)
	userName := mux.Vars(r)["user"]

	if userName == "" {
		obs := hg.metrics.StartApubRequestIn("inbox")
		defer obs.Finish()
	} else {
		obs := hg.metrics.StartApubRequestIn("user/inbox")
		defer obs.Finish()
	}

	// Recipient check comes first: a personal inbox for a user we don't
	// have is a 404, before any signature work.
	if userName != "" {
		userInfo := hg.udir.GetUserInfo(userName)
		if userInfo == nil {
			hg.logger.Infof("Inbox POST for unknown user: '%s'", userName)
			writeErrorResponse(w, "No such user", http.StatusNotFound)
			return
		}
	}

	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return
	}
	if len(bodyBytes) == 0 {
		hg.logger.Info("Empty request body")
		writeErrorResponse(w, "Request body must not be empty", http.StatusBadRequest)
		return
	}

	// Parse a rudimentary version of the activity to find out its type
	var act dto.ActivityInBase
	if err = json.Unmarshal(bodyBytes, &act); err != nil {
		hg.logger.Infof("Invalid JSON in request body: %v", err)
		writeErrorResponse(w, "Request body is not valid JSON", http.StatusBadRequest)
		return
	}

	// Verify signature before any side effect; a failed check leaves no trace
	var senderInfo *dto.UserInfo
	var sigProblem string
	senderInfo, sigProblem, err = hg.sigChecker.Check(r, bodyBytes)

	if err != nil {
		hg.logger.Errorf("Unexpected error trying to verify signature: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	if sigProblem != "" {
		if act.Type == "Delete" {
			// The actor is usually gone by the time their Delete arrives, so
			// the key fetch fails. Nothing to do for an object we never saw.
			hg.logger.Infof("Ignoring Delete request with unverified actor signature")
			writeAcceptedResponse(hg.logger, w)
		} else {
			hg.logger.Warnf("Incorrectly signed inbox POST request: %s", sigProblem)
			msg := fmt.Sprintf("Invalid HTTP signature: %s", sigProblem)
			writeErrorResponse(w, msg, http.StatusUnauthorized)
		}
		return
	}

	// Does signer match actor?
	if senderInfo.Id != act.Actor {
		hg.logger.Warnf("Activity signed by %s, but actor is %s", senderInfo.Id, act.Actor)
		writeErrorResponse(w, "Signer does not match actor", http.StatusUnauthorized)
		return
	}

	outcome, problem, err := hg.inbox.Accept(userName, senderInfo, &act, bodyBytes)
	if err != nil {
		hg.logger.Errorf("Error accepting inbox activity: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	if outcome == logic.OutcomeInvalid {
		hg.logger.Infof("Invalid '%s' request: %s", act.Type, problem)
		msg := fmt.Sprintf("Bad request: %s", problem)
		writeErrorResponse(w, msg, http.StatusBadRequest)
		return
	}

	// Accepted, deduplicated and dropped all look the same from outside
	writeAcceptedResponse(hg.logger, w)
}
