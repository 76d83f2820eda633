package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"gatherpub/dal"
	"gatherpub/logic"
	"gatherpub/shared"
)

// The management API: accounts, events, follows and blocks. Not federated,
// not public; callers authenticate with an API key.
type apiHandlerGroup struct {
	cfg       *shared.Config
	logger    shared.ILogger
	repo      dal.IRepo
	keyStore  logic.IKeyStore
	publisher logic.IEventPublisher
	followMgr logic.IFollowManager
	udir      logic.IUserDirectory
}

func NewApiHandlerGroup(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	keyStore logic.IKeyStore,
	publisher logic.IEventPublisher,
	followMgr logic.IFollowManager,
	udir logic.IUserDirectory,
) IHandlerGroup {
	res := apiHandlerGroup{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		keyStore:  keyStore,
		publisher: publisher,
		followMgr: followMgr,
		udir:      udir,
	}
	return &res
}

func (hg *apiHandlerGroup) Prefix() string {
	return "/api"
}

func (hg *apiHandlerGroup) GroupDefs() []handlerDef {
	return []handlerDef{
		{"POST", "/accounts", func(w http.ResponseWriter, r *http.Request) { hg.postAccounts(w, r) }},
		{"POST", "/users/{user}/events", func(w http.ResponseWriter, r *http.Request) { hg.postEvents(w, r) }},
		{"PUT", "/users/{user}/events/{id}", func(w http.ResponseWriter, r *http.Request) { hg.putEvent(w, r) }},
		{"DELETE", "/users/{user}/events/{id}", func(w http.ResponseWriter, r *http.Request) { hg.deleteEvent(w, r) }},
		{"POST", "/users/{user}/following", func(w http.ResponseWriter, r *http.Request) { hg.postFollowing(w, r) }},
		{"DELETE", "/users/{user}/following", func(w http.ResponseWriter, r *http.Request) { hg.deleteFollowing(w, r) }},
		{"POST", "/users/{user}/followers/approve", func(w http.ResponseWriter, r *http.Request) { hg.postApproveFollower(w, r) }},
		{"POST", "/blocks", func(w http.ResponseWriter, r *http.Request) { hg.postBlocks(w, r) }},
		{"DELETE", "/blocks", func(w http.ResponseWriter, r *http.Request) { hg.deleteBlocks(w, r) }},
	}
}

func (hg *apiHandlerGroup) AuthMW() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return hg.authMW(next)
	}
}

func (hg *apiHandlerGroup) authMW(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var apiKey = r.Header.Get(apiKeyHeader)
		found := false
		for _, key := range hg.cfg.Secrets.ApiKeys {
			if apiKey == key {
				found = true
			}
		}
		if !found {
			keyPart := apiKey
			if len(apiKey) > 4 {
				keyPart = apiKey[:4] + "..."
			}
			hg.logger.Warnf("API request with missing or invalid key '%s': %s", keyPart, r.URL.Path)
			writeErrorResponse(w, badApiKeyStr, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type accountReq struct {
	Handle           string `json:"handle"`
	Name             string `json:"name"`
	Summary          string `json:"summary"`
	ManuallyApproves bool   `json:"manuallyApproves"`
}

func (hg *apiHandlerGroup) postAccounts(w http.ResponseWriter, r *http.Request) {

	hg.logger.Info("POST /api/accounts: Request received")

	var req accountReq
	if !hg.parseBody(w, r, &req) {
		return
	}
	if req.Handle == "" {
		writeErrorResponse(w, "Handle must not be empty", http.StatusBadRequest)
		return
	}

	pubKey, privKey, err := hg.keyStore.MakeKeyPair()
	if err != nil {
		hg.logger.Errorf("Failed to create key pair: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	isNew, err := hg.repo.AddAccountIfNotExist(&dal.Account{
		CreatedAt:        time.Now().UTC(),
		Handle:           req.Handle,
		Name:             req.Name,
		Summary:          req.Summary,
		ManuallyApproves: req.ManuallyApproves,
		PubKey:           pubKey,
	}, privKey)
	if err != nil {
		hg.logger.Errorf("Failed to create account %s: %v", req.Handle, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	if !isNew {
		writeErrorResponse(w, "Account already exists", http.StatusConflict)
		return
	}

	idb := shared.IdBuilder{Host: hg.cfg.Host}
	writeJsonResponse(hg.logger, w, map[string]string{"url": idb.UserUrl(req.Handle)})
}

type eventReq struct {
	Name      string     `json:"name"`
	Content   string     `json:"content"`
	StartTime time.Time  `json:"startTime"`
	EndTime   *time.Time `json:"endTime"`
	Location  string     `json:"location"`
}

func (hg *apiHandlerGroup) postEvents(w http.ResponseWriter, r *http.Request) {

	hg.logger.Info("POST /api/users/{user}/events: Request received")
	user := mux.Vars(r)["user"]

	var req eventReq
	if !hg.parseBody(w, r, &req) {
		return
	}

	eventUrl, reqProblem, err := hg.publisher.PublishEvent(user, &logic.EventParams{
		Name:      req.Name,
		Content:   req.Content,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Location:  req.Location,
	})
	if hg.handleProblem(w, reqProblem, err) {
		return
	}

	writeJsonResponse(hg.logger, w, map[string]string{"url": eventUrl})
}

func (hg *apiHandlerGroup) putEvent(w http.ResponseWriter, r *http.Request) {

	hg.logger.Info("PUT /api/users/{user}/events/{id}: Request received")
	user := mux.Vars(r)["user"]
	eventId := mux.Vars(r)["id"]

	var req eventReq
	if !hg.parseBody(w, r, &req) {
		return
	}

	reqProblem, err := hg.publisher.UpdateEvent(user, eventId, &logic.EventParams{
		Name:      req.Name,
		Content:   req.Content,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Location:  req.Location,
	})
	if hg.handleProblem(w, reqProblem, err) {
		return
	}

	writeJsonResponse(hg.logger, w, "OK")
}

func (hg *apiHandlerGroup) deleteEvent(w http.ResponseWriter, r *http.Request) {

	hg.logger.Info("DELETE /api/users/{user}/events/{id}: Request received")
	user := mux.Vars(r)["user"]
	eventId := mux.Vars(r)["id"]

	reqProblem, err := hg.publisher.CancelEvent(user, eventId)
	if hg.handleProblem(w, reqProblem, err) {
		return
	}

	writeJsonResponse(hg.logger, w, "OK")
}

type followReq struct {
	Handle string `json:"handle"` // user@domain
}

func (hg *apiHandlerGroup) postFollowing(w http.ResponseWriter, r *http.Request) {

	hg.logger.Info("POST /api/users/{user}/following: Request received")
	user := mux.Vars(r)["user"]

	var req followReq
	if !hg.parseBody(w, r, &req) {
		return
	}

	reqProblem, err := hg.followMgr.Follow(user, req.Handle)
	if hg.handleProblem(w, reqProblem, err) {
		return
	}

	writeJsonResponse(hg.logger, w, "OK")
}

func (hg *apiHandlerGroup) deleteFollowing(w http.ResponseWriter, r *http.Request) {

	hg.logger.Info("DELETE /api/users/{user}/following: Request received")
	user := mux.Vars(r)["user"]

	followedUrl := r.URL.Query().Get("url")
	if followedUrl == "" {
		writeErrorResponse(w, "Missing 'url' param", http.StatusBadRequest)
		return
	}

	reqProblem, err := hg.followMgr.Unfollow(user, followedUrl)
	if hg.handleProblem(w, reqProblem, err) {
		return
	}

	writeJsonResponse(hg.logger, w, "OK")
}

type approveFollowerReq struct {
	UserUrl string `json:"userUrl"`
}

func (hg *apiHandlerGroup) postApproveFollower(w http.ResponseWriter, r *http.Request) {

	hg.logger.Info("POST /api/users/{user}/followers/approve: Request received")
	user := mux.Vars(r)["user"]

	var req approveFollowerReq
	if !hg.parseBody(w, r, &req) {
		return
	}

	followers, err := hg.repo.GetFollowersByUser(user, false)
	if err != nil {
		hg.logger.Errorf("Failed to get followers of %s: %v", user, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}
	var pending *dal.FollowerInfo
	for _, f := range followers {
		if f.UserUrl == req.UserUrl && f.ApproveStatus == 0 {
			pending = f
			break
		}
	}
	if pending == nil {
		writeErrorResponse(w, "No pending follow request from that actor", http.StatusNotFound)
		return
	}

	if err = hg.udir.AcceptFollower(pending.RequestId, pending.UserUrl, pending.UserInbox, user); err != nil {
		hg.logger.Errorf("Failed to accept follower %s: %v", pending.UserUrl, err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	writeJsonResponse(hg.logger, w, "OK")
}

type blockReq struct {
	User     string `json:"user"` // empty means instance-wide
	Target   string `json:"target"`
	IsDomain bool   `json:"isDomain"`
}

func (hg *apiHandlerGroup) postBlocks(w http.ResponseWriter, r *http.Request) {

	hg.logger.Info("POST /api/blocks: Request received")

	var req blockReq
	if !hg.parseBody(w, r, &req) {
		return
	}
	if req.Target == "" {
		writeErrorResponse(w, "Target must not be empty", http.StatusBadRequest)
		return
	}

	if err := hg.repo.AddBlock(req.User, req.Target, req.IsDomain); err != nil {
		hg.logger.Errorf("Failed to add block: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	writeJsonResponse(hg.logger, w, "OK")
}

func (hg *apiHandlerGroup) deleteBlocks(w http.ResponseWriter, r *http.Request) {

	hg.logger.Info("DELETE /api/blocks: Request received")

	var req blockReq
	if !hg.parseBody(w, r, &req) {
		return
	}

	if err := hg.repo.RemoveBlock(req.User, req.Target); err != nil {
		hg.logger.Errorf("Failed to remove block: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return
	}

	writeJsonResponse(hg.logger, w, "OK")
}

func (hg *apiHandlerGroup) parseBody(w http.ResponseWriter, r *http.Request, target any) bool {
	bodyBytes := readBody(hg.logger, w, r)
	if bodyBytes == nil {
		return false
	}
	if err := json.Unmarshal(bodyBytes, target); err != nil {
		hg.logger.Infof("Invalid JSON in request body: %v", err)
		writeErrorResponse(w, "Request body is not valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// handleProblem writes the error response for the (reqProblem, err) pair
// convention; returns true when a response has been written.
func (hg *apiHandlerGroup) handleProblem(w http.ResponseWriter, reqProblem string, err error) bool {
	if err != nil {
		hg.logger.Errorf("API request failed: %v", err)
		writeErrorResponse(w, internalErrorStr, http.StatusInternalServerError)
		return true
	}
	if reqProblem != "" {
		writeErrorResponse(w, reqProblem, http.StatusBadRequest)
		return true
	}
	return false
}
