package logic

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"fedibot/shared"
)

type IActivitySender interface {
	Send(privKey *rsa.PrivateKey, sendingUser, sendingDomain, inboxUrl string, bodyJson []byte) error
}

const activityTimeoutSec = 10
const activityContentType = "application/activity+json"

type activitySender struct {
	cfg       *shared.Config
	logger    shared.ILogger
	userAgent shared.IUserAgent
	codec     ISignatureCodec
	metrics   IMetrics
}

func NewActivitySender(
	cfg *shared.Config,
	logger shared.ILogger,
	userAgent shared.IUserAgent,
	codec ISignatureCodec,
	metrics IMetrics,
) IActivitySender {
	return &activitySender{cfg, logger, userAgent, codec, metrics}
}

func (sender *activitySender) Send(
	privKey *rsa.PrivateKey,
	sendingUser, sendingDomain,
	inboxUrl string,
	bodyJson []byte,
) error {

	obs := sender.metrics.StartApubRequestOut("post")
	defer obs.Finish()

	parsedUrl, err := url.Parse(inboxUrl)
	if err != nil || parsedUrl.Host == "" {
		return fmt.Errorf("invalid inbox url: %v", inboxUrl)
	}
	host := parsedUrl.Host
	path := parsedUrl.RequestURI()

	dateStr := time.Now().UTC().Format(http.TimeFormat)
	digest := sender.codec.ContentDigest(bodyJson)

	base := NewSigningBase("POST", path).
		Add("host", host).
		Add("date", dateStr).
		Add("digest", digest).
		Add("content-type", activityContentType)

	idb := shared.IdBuilder{Host: sendingDomain}
	keyId := idb.UserKeyId(sendingUser)
	sigHeader, err := sender.codec.Sign(base, privKey, keyId)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", inboxUrl, bytes.NewBuffer(bodyJson))
	if err != nil {
		return err
	}
	sender.userAgent.AddUserAgent(req)
	req.Header.Set("Accept", activityContentType)
	req.Header.Set("Content-Type", activityContentType)
	req.Header.Set("Date", dateStr)
	req.Header.Set("Digest", digest)
	req.Header.Set("Signature", sigHeader)
	req.Host = host

	client := http.Client{}
	client.Timeout = time.Second * activityTimeoutSec
	resp, err := client.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		msg := fmt.Sprintf("got status %s: response: %s", resp.Status, respBody)
		sender.logger.Warnf("Activity POST failed: %s", msg)
		return errors.New(msg)
	}

	return nil
}
