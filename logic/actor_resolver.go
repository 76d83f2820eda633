package logic

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"gatherpub/dal"
	"gatherpub/dto"
	"gatherpub/shared"
)

const actorCacheMaxAgeHours = 24
const apubMediaType = "application/activity+json"

// IActorResolver turns actor URLs and user@domain handles into actor
// documents. Remote actors are cached in the dal and refreshed
// opportunistically; every network fetch goes through the SSRF guard.
type IActorResolver interface {
	Retrieve(actorUrl string) (*dto.UserInfo, error)
	ResolveHandle(user, host string) (actorUrl string, err error)
}

type actorResolver struct {
	cfg     *shared.Config
	logger  shared.ILogger
	repo    dal.IRepo
	fetcher ISafeFetcher
	idb     shared.IdBuilder
}

func NewActorResolver(cfg *shared.Config, logger shared.ILogger, repo dal.IRepo, fetcher ISafeFetcher) IActorResolver {
	return &actorResolver{cfg, logger, repo, fetcher, shared.IdBuilder{Host: cfg.Host}}
}

func (ar *actorResolver) Retrieve(actorUrl string) (*dto.UserInfo, error) {

	cached, err := ar.repo.GetRemoteActor(actorUrl)
	if err != nil {
		return nil, err
	}
	if cached != nil && time.Since(cached.RefreshedAt) < actorCacheMaxAgeHours*time.Hour {
		return actorFromCache(cached), nil
	}

	info, fetchErr := ar.fetchActor(actorUrl)
	if fetchErr != nil {
		// Stale cache beats no answer
		if cached != nil {
			ar.logger.Infof("Refresh of actor %s failed, using cached copy: %v", actorUrl, fetchErr)
			return actorFromCache(cached), nil
		}
		return nil, fetchErr
	}

	host, _ := shared.GetHostName(info.Id)
	err = ar.repo.UpsertRemoteActor(&dal.RemoteActor{
		UserUrl:     info.Id,
		Handle:      info.PreferredUserName,
		Host:        host,
		Inbox:       info.Inbox,
		SharedInbox: info.Endpoints.SharedInbox,
		PubKey:      info.PublicKey.PublicKeyPem,
		RefreshedAt: time.Now().UTC(),
	})
	if err != nil {
		ar.logger.Errorf("Failed to cache actor %s: %v", actorUrl, err)
	}

	return info, nil
}

func (ar *actorResolver) fetchActor(actorUrl string) (*dto.UserInfo, error) {

	resp, err := ar.fetcher.Get(actorUrl, apubMediaType)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to get actor document; got status %v", resp.StatusCode)
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	// Some servers answer HTML no matter what we ask for; look for the
	// alternate link pointing at the ActivityPub rendition.
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		altUrl := findApubAlternate(bodyBytes)
		if altUrl == "" {
			return nil, fmt.Errorf("got HTML for %s and no activity+json alternate link", actorUrl)
		}
		resp2, err := ar.fetcher.Get(altUrl, apubMediaType)
		if err != nil {
			return nil, err
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to get actor document at alternate %s; got status %v", altUrl, resp2.StatusCode)
		}
		if bodyBytes, err = io.ReadAll(resp2.Body); err != nil {
			return nil, err
		}
	}

	var obj dto.UserInfo
	if err = json.Unmarshal(bodyBytes, &obj); err != nil {
		return nil, err
	}
	if obj.Id == "" || obj.Inbox == "" {
		return nil, fmt.Errorf("actor document at %s has no id or inbox", actorUrl)
	}

	return &obj, nil
}

func findApubAlternate(htmlBytes []byte) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(htmlBytes)))
	if err != nil {
		return ""
	}
	res := ""
	doc.Find("link[rel='alternate']").EachWithBreak(func(i int, s *goquery.Selection) bool {
		typ, _ := s.Attr("type")
		if !strings.Contains(typ, "activity+json") {
			return true
		}
		href, ok := s.Attr("href")
		if !ok {
			return true
		}
		res = href
		return false
	})
	return res
}

// ResolveHandle performs a webfinger lookup for user@host and returns the
// actor URL from the rel=self link.
func (ar *actorResolver) ResolveHandle(user, host string) (string, error) {

	wfUrl := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		host, url.QueryEscape(fmt.Sprintf("acct:%s@%s", user, host)))

	resp, err := ar.fetcher.Get(wfUrl, "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger for %s@%s returned status %v", user, host, resp.StatusCode)
	}

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var wf dto.WebfingerResp
	if err = json.Unmarshal(bodyBytes, &wf); err != nil {
		return "", err
	}
	for _, link := range wf.Links {
		if link.Rel == "self" && strings.Contains(link.Type, "activity+json") {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("webfinger for %s@%s has no self link", user, host)
}

func actorFromCache(cached *dal.RemoteActor) *dto.UserInfo {
	return &dto.UserInfo{
		Id:                cached.UserUrl,
		Type:              "Person",
		PreferredUserName: cached.Handle,
		Inbox:             cached.Inbox,
		Endpoints:         dto.UserEndpoints{SharedInbox: cached.SharedInbox},
		PublicKey: dto.PublicKey{
			Id:           cached.UserUrl + "#main-key",
			Owner:        cached.UserUrl,
			PublicKeyPem: cached.PubKey,
		},
	}
}
