package logic

import (
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-fed/httpsig"

	"gatherpub/dto"
	"gatherpub/shared"
)

// IHttpSigChecker verifies the HTTP signature on an inbound request and
// returns the sender's actor document when it checks out. A non-empty
// sigProblem means authentication failed; err is reserved for unexpected
// internal errors.
type IHttpSigChecker interface {
	Check(r *http.Request, bodyBytes []byte) (senderInfo *dto.UserInfo, sigProblem string, err error)
}

type httpSigChecker struct {
	cfg           *shared.Config
	logger        shared.ILogger
	actorResolver IActorResolver
	reKeyId       *regexp.Regexp
	reAlgorithm   *regexp.Regexp
	reHeaders     *regexp.Regexp
}

func NewHttpSigChecker(cfg *shared.Config, logger shared.ILogger, actorResolver IActorResolver) IHttpSigChecker {
	return &httpSigChecker{
		cfg:           cfg,
		logger:        logger,
		actorResolver: actorResolver,
		reKeyId:       regexp.MustCompile("keyId=['\"]([^'\"]+)['\"]"),
		reAlgorithm:   regexp.MustCompile("algorithm=['\"]([^'\"]+)['\"]"),
		reHeaders:     regexp.MustCompile("headers=['\"]([^'\"]+)['\"]"),
	}
}

func (chk *httpSigChecker) Check(r *http.Request, bodyBytes []byte) (*dto.UserInfo, string, error) {

	var err error

	var sigHeader = r.Header.Get("Signature")
	groups := chk.reKeyId.FindStringSubmatch(sigHeader)
	if groups == nil {
		return nil, "Missing or invalid 'Signature' header", nil
	}
	keyId := groups[1]

	if problem := chk.checkSigParams(sigHeader, bodyBytes); problem != "" {
		return nil, problem, nil
	}

	// Digest binds the signature to the body; verify it against the actual
	// bytes, not just the header the sender signed.
	if len(bodyBytes) != 0 || r.Header.Get("Digest") != "" {
		wantDigest := CreateDigest(bodyBytes)
		gotDigest := r.Header.Get("Digest")
		if subtle.ConstantTimeCompare([]byte(wantDigest), []byte(gotDigest)) != 1 {
			return nil, "Digest header does not match request body", nil
		}
	}

	// keyId is the actor URL plus a key fragment
	actorUrl := strings.SplitN(keyId, "#", 2)[0]

	var senderInfo *dto.UserInfo
	if senderInfo, err = chk.actorResolver.Retrieve(actorUrl); err != nil {
		return nil, fmt.Sprintf("Failed to retrieve actor info for %s: %v", actorUrl, err), nil
	}

	// A reverse proxy may have rewritten Host; verify against the host name
	// the sender actually signed, which is our public host.
	r.Host = chk.cfg.Host

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return nil, fmt.Sprintf("Malformed signature header: %v", err), nil
	}

	pubKeyStr := senderInfo.PublicKey.PublicKeyPem
	block, _ := pem.Decode([]byte(pubKeyStr))
	if block == nil {
		return nil, fmt.Sprintf("Sender's public key is not valid PEM: %s", actorUrl), nil
	}

	var pubKey interface{}
	if pubKey, err = x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return nil, fmt.Sprintf("Failed to parse sender's public key: %v", err), nil
	}

	if err = verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return nil, fmt.Sprintf("Incorrect signature: %v", err), nil
	}

	return senderInfo, "", nil
}

// checkSigParams enforces what go-fed leaves to the caller: the algorithm
// must be rsa-sha256, and the signed header list must cover request target,
// host and date, plus digest when there is a body. A signature that leaves
// date or digest out is rejected even if the header itself is present,
// because an unsigned header proves nothing.
func (chk *httpSigChecker) checkSigParams(sigHeader string, bodyBytes []byte) string {

	groups := chk.reAlgorithm.FindStringSubmatch(sigHeader)
	if groups != nil && !strings.EqualFold(groups[1], "rsa-sha256") && !strings.EqualFold(groups[1], "hs2019") {
		return fmt.Sprintf("Unsupported signature algorithm: %s", groups[1])
	}

	groups = chk.reHeaders.FindStringSubmatch(sigHeader)
	if groups == nil {
		return "Signature header names no signed headers"
	}
	signed := map[string]bool{}
	for _, h := range strings.Fields(groups[1]) {
		signed[strings.ToLower(h)] = true
	}
	required := []string{"(request-target)", "host", "date"}
	if len(bodyBytes) != 0 {
		required = append(required, "digest")
	}
	for _, h := range required {
		if !signed[h] {
			return fmt.Sprintf("Signature does not cover required header '%s'", h)
		}
	}
	return ""
}
