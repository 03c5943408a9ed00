package logic

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrMalformedKey is wrapped by all key parsing failures.
var ErrMalformedKey = errors.New("malformed key material")

// SigningBase is the ordered list of headers a signature covers. The first
// entry is always the synthetic (request-target) pseudo-header.
type SigningBase struct {
	fields []sigField
}

type sigField struct {
	name  string
	value string
}

func NewSigningBase(method, path string) *SigningBase {
	sb := &SigningBase{}
	return sb.Add("(request-target)", strings.ToLower(method)+" "+path)
}

func (sb *SigningBase) Add(name, value string) *SigningBase {
	sb.fields = append(sb.fields, sigField{strings.ToLower(name), value})
	return sb
}

// BuildMessage renders the canonical signing string: fields joined by
// newline as "name: value".
func (sb *SigningBase) BuildMessage() string {
	parts := make([]string, 0, len(sb.fields))
	for _, f := range sb.fields {
		parts = append(parts, f.name+": "+f.value)
	}
	return strings.Join(parts, "\n")
}

func (sb *SigningBase) headerNames() string {
	names := make([]string, 0, len(sb.fields))
	for _, f := range sb.fields {
		names = append(names, f.name)
	}
	return strings.Join(names, " ")
}

// SignatureParts is the parsed form of a Signature header value.
type SignatureParts struct {
	KeyId     string
	Algorithm string
	Headers   []string
	Signature string
}

type ISignatureCodec interface {
	Sign(base *SigningBase, privKey *rsa.PrivateKey, keyId string) (string, error)
	Verify(pubKey *rsa.PublicKey, canonicalMessage, sigHeaderValue string) bool
	ContentDigest(body []byte) string
	ParseSignatureHeader(sigHeaderValue string) *SignatureParts
}

type signatureCodec struct {
	reSigField *regexp.Regexp
}

func NewSignatureCodec() ISignatureCodec {
	reSigField := regexp.MustCompile(`([A-Za-z]+)="([^"]*)"`)
	return &signatureCodec{reSigField}
}

// Sign produces the value of the Signature header: an RSA-SHA256 signature
// over the canonical message, packaged with the key id and the ordered
// header name list.
func (sc *signatureCodec) Sign(base *SigningBase, privKey *rsa.PrivateKey, keyId string) (string, error) {

	msg := base.BuildMessage()
	hash := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPKCS1v15(rand.Reader, privKey, crypto.SHA256, hash[:])
	if err != nil {
		return "", err
	}
	sigB64 := base64.StdEncoding.EncodeToString(sig)
	res := fmt.Sprintf(`keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`,
		keyId, base.headerNames(), sigB64)
	return res, nil
}

// Verify fails closed: any malformed field means not verified, never a panic
// or an error across the trust boundary.
func (sc *signatureCodec) Verify(pubKey *rsa.PublicKey, canonicalMessage, sigHeaderValue string) bool {

	if pubKey == nil {
		return false
	}
	parts := sc.ParseSignatureHeader(sigHeaderValue)
	if parts == nil {
		return false
	}
	if parts.Algorithm != "" && parts.Algorithm != "rsa-sha256" && parts.Algorithm != "hs2019" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(parts.Signature)
	if err != nil {
		return false
	}
	hash := sha256.Sum256([]byte(canonicalMessage))
	return rsa.VerifyPKCS1v15(pubKey, crypto.SHA256, hash[:], sig) == nil
}

func (sc *signatureCodec) ContentDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// ParseSignatureHeader returns nil when the header value is missing any of
// the keyId, headers or signature fields.
func (sc *signatureCodec) ParseSignatureHeader(sigHeaderValue string) *SignatureParts {

	res := SignatureParts{}
	for _, groups := range sc.reSigField.FindAllStringSubmatch(sigHeaderValue, -1) {
		switch groups[1] {
		case "keyId":
			res.KeyId = groups[2]
		case "algorithm":
			res.Algorithm = groups[2]
		case "headers":
			res.Headers = strings.Fields(strings.ToLower(groups[2]))
		case "signature":
			res.Signature = groups[2]
		}
	}
	if res.KeyId == "" || len(res.Headers) == 0 || res.Signature == "" {
		return nil
	}
	return &res
}

// ParsePrivKeyPem reads a PEM-encoded RSA private key, PKCS#1 or PKCS#8.
func ParsePrivKeyPem(privKeyPem string) (*rsa.PrivateKey, error) {

	block, _ := pem.Decode([]byte(privKeyPem))
	if block == nil {
		return nil, fmt.Errorf("%w: not PEM encoded", ErrMalformedKey)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrMalformedKey)
	}
	return key, nil
}

// ParsePubKeyPem reads a PEM-encoded RSA public key, PKIX or PKCS#1.
func ParsePubKeyPem(pubKeyPem string) (*rsa.PublicKey, error) {

	block, _ := pem.Decode([]byte(pubKeyPem))
	if block == nil {
		return nil, fmt.Errorf("%w: not PEM encoded", ErrMalformedKey)
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	key, ok := keyAny.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrMalformedKey)
	}
	return key, nil
}
