package logic

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"

	"fedibot/dal"
	"fedibot/shared"
)

type IKeyStore interface {
	GetPrivKey(user, domain string) (*rsa.PrivateKey, error)
	MakeKeyPair() (pubKey, privKey string, err error)
}

// keyStore hands out local actors' private keys. Keys are read from storage
// once and held in memory for the process lifetime; key material is
// read-only after creation.
type keyStore struct {
	cfg   *shared.Config
	repo  dal.IRepo
	mu    sync.Mutex
	cache map[string]*rsa.PrivateKey
}

func NewKeyStore(cfg *shared.Config, repo dal.IRepo) IKeyStore {
	return &keyStore{
		cfg:   cfg,
		repo:  repo,
		cache: make(map[string]*rsa.PrivateKey),
	}
}

func (ks *keyStore) GetPrivKey(user, domain string) (*rsa.PrivateKey, error) {

	ks.mu.Lock()
	defer ks.mu.Unlock()

	moniker := shared.MakeFullMoniker(domain, user)
	if key, ok := ks.cache[moniker]; ok {
		return key, nil
	}

	privKeyStr, err := ks.repo.GetPrivKey(user, domain)
	if err != nil {
		return nil, err
	}
	if privKeyStr == "" {
		return nil, fmt.Errorf("no private key stored for %s", moniker)
	}

	key, err := ParsePrivKeyPem(privKeyStr)
	if err != nil {
		return nil, err
	}
	ks.cache[moniker] = key
	return key, nil
}

func (ks *keyStore) MakeKeyPair() (pubKey, privKey string, err error) {

	pubKey = ""
	privKey = ""
	err = nil

	var key *rsa.PrivateKey
	key, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	// Public key goes into actor documents; PKIX is what peers expect there
	var pubBytes []byte
	pubBytes, err = x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})

	pubKey = string(pubPEM)
	privKey = string(keyPEM)

	return
}
