package logic

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"fedibot/dal"
	"fedibot/dto"
	"fedibot/shared"
)

type IHttpSigChecker interface {
	Check(r *http.Request, bodyBytes []byte) (*dal.RemoteActor, string, error)
}

type httpSigChecker struct {
	logger    shared.ILogger
	codec     ISignatureCodec
	directory IActorDirectory
}

func NewHttpSigChecker(logger shared.ILogger, codec ISignatureCodec, directory IActorDirectory) IHttpSigChecker {
	return &httpSigChecker{logger, codec, directory}
}

// Check verifies the request's HTTP signature and returns the signing remote
// actor. A non-empty second return value describes why the request must be
// rejected; err is only non-nil for our own failures.
func (chk *httpSigChecker) Check(r *http.Request, bodyBytes []byte) (*dal.RemoteActor, string, error) {

	sigHeader := r.Header.Get("Signature")
	parts := chk.codec.ParseSignatureHeader(sigHeader)
	if parts == nil {
		return nil, "Missing or invalid 'Signature' header", nil
	}

	// keyId is the actor URL plus a fragment
	actorUrl := parts.KeyId
	if ix := strings.IndexByte(actorUrl, '#'); ix != -1 {
		actorUrl = actorUrl[:ix]
	}

	actor, err := chk.directory.ResolveByUrl(actorUrl)
	if err != nil {
		return nil, "", err
	}
	if actor == nil {
		return nil, fmt.Sprintf("Cannot resolve signing actor: %s", actorUrl), nil
	}

	var userInfo dto.UserInfo
	if jsonErr := json.Unmarshal([]byte(actor.Profile), &userInfo); jsonErr != nil {
		return nil, fmt.Sprintf("Invalid cached profile for signing actor: %s", actorUrl), nil
	}
	pubKey, keyErr := ParsePubKeyPem(userInfo.PublicKey.PublicKeyPem)
	if keyErr != nil {
		return nil, fmt.Sprintf("Failed to parse sender's public key: %v", keyErr), nil
	}

	base := &SigningBase{}
	for _, name := range parts.Headers {
		switch name {
		case "(request-target)":
			base.Add(name, strings.ToLower(r.Method)+" "+r.URL.RequestURI())
		case "host":
			host := r.Header.Get("Host")
			if host == "" {
				host = r.Host
			}
			base.Add(name, host)
		case "digest":
			digest := r.Header.Get("Digest")
			if digest != chk.codec.ContentDigest(bodyBytes) {
				return nil, "Digest header does not match request body", nil
			}
			base.Add(name, digest)
		default:
			base.Add(name, r.Header.Get(name))
		}
	}

	if !chk.codec.Verify(pubKey, base.BuildMessage(), sigHeader) {
		return nil, "Incorrect signature", nil
	}

	return actor, "", nil
}
