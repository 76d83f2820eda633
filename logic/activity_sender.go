package logic

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-fed/httpsig"

	"gatherpub/dto"
	"gatherpub/shared"
)

// IActivitySender signs and posts one activity to one inbox. Fan-out and
// failure policy live in the delivery service; this is the single-shot
// primitive.
type IActivitySender interface {
	Send(privKey *rsa.PrivateKey, sendingUser, inboxUrl string, activity *dto.ActivityOut) error
	SendRaw(privKey *rsa.PrivateKey, sendingUser, inboxUrl string, bodyJson []byte) error
}

type activitySender struct {
	cfg       *shared.Config
	logger    shared.ILogger
	userAgent shared.IUserAgent
	fetcher   ISafeFetcher
	metrics   IMetrics
	idb       shared.IdBuilder
}

func NewActivitySender(cfg *shared.Config,
	logger shared.ILogger,
	userAgent shared.IUserAgent,
	fetcher ISafeFetcher,
	metrics IMetrics,
) IActivitySender {
	return &activitySender{cfg, logger, userAgent, fetcher, metrics, shared.IdBuilder{Host: cfg.Host}}
}

// CreateDigest computes the Digest header value for a request body. The same
// bytes always produce the same value; a zero-length body is valid input.
func CreateDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

func (sender *activitySender) Send(
	privKey *rsa.PrivateKey,
	sendingUser,
	inboxUrl string,
	activity *dto.ActivityOut,
) error {
	// Bcc is carried on ActivityOut without a json tag, so recipients in it
	// are resolved for delivery but never serialized here.
	bodyJson, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	return sender.SendRaw(privKey, sendingUser, inboxUrl, bodyJson)
}

func (sender *activitySender) SendRaw(
	privKey *rsa.PrivateKey,
	sendingUser,
	inboxUrl string,
	bodyJson []byte,
) error {

	obs := sender.metrics.StartApubRequestOut("post")
	defer obs.Finish()

	host, err := shared.GetHostName(inboxUrl)
	if err != nil || host == "" {
		return fmt.Errorf("invalid inbox url: %v", inboxUrl)
	}

	dateStr := time.Now().UTC().Format(http.TimeFormat)

	req, err := http.NewRequest("POST", inboxUrl, bytes.NewBuffer(bodyJson))
	if err != nil {
		return err
	}
	sender.userAgent.AddUserAgent(req)
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("host", host)
	req.Header.Set("date", dateStr)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0)
	if err != nil {
		return err
	}

	keyId := sender.idb.UserKeyId(sendingUser)
	err = signer.SignRequest(privKey, keyId, req, bodyJson)
	if err != nil {
		return err
	}

	resp, err := sender.fetcher.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		msg := fmt.Sprintf("got status %s: response: %s", resp.Status, respBody)
		sender.logger.Warnf("Activity POST to %s failed: %s", inboxUrl, msg)
		return errors.New(msg)
	}

	return nil
}
