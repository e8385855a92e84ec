package customize

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/cloudmailing/cm/config"
)

// Header fields signed when the configuration does not list any. Only fields
// present in the message are signed.
var defaultSignedHeaders = []string{
	"From", "To", "Subject", "Date", "Message-ID", "Reply-To", "Cc",
	"MIME-Version", "Content-Type", "Content-Transfer-Encoding",
	"List-Unsubscribe", "Feedback-ID",
}

var signerCache = struct {
	sync.Mutex
	m map[string]crypto.Signer
}{m: map[string]crypto.Signer{}}

// parseSigner parses a PEM private key, caching the result.
func parseSigner(s string) (crypto.Signer, error) {
	signerCache.Lock()
	defer signerCache.Unlock()
	if k, ok := signerCache.m[s]; ok {
		return k, nil
	}

	b, _ := pem.Decode([]byte(s))
	if b == nil {
		return nil, errors.New("no pem block in private key")
	}
	var k crypto.Signer
	switch b.Type {
	case "RSA PRIVATE KEY":
		rk, err := x509.ParsePKCS1PrivateKey(b.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing pkcs1 private key: %w", err)
		}
		k = rk
	case "PRIVATE KEY":
		pk, err := x509.ParsePKCS8PrivateKey(b.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing pkcs8 private key: %w", err)
		}
		switch x := pk.(type) {
		case *rsa.PrivateKey:
			k = x
		case ed25519.PrivateKey:
			k = x
		default:
			return nil, fmt.Errorf("unsupported private key type %T", pk)
		}
	default:
		return nil, fmt.Errorf("unsupported pem block %q", b.Type)
	}
	signerCache.m[s] = k
	return k, nil
}

// sign adds a DKIM-Signature header to msg.
func sign(msg []byte, c *config.DKIM, present map[string]bool) ([]byte, error) {
	signer, err := parseSigner(c.PrivateKey)
	if err != nil {
		return nil, err
	}

	var headerCanon, bodyCanon dkim.Canonicalization = dkim.CanonicalizationRelaxed, dkim.CanonicalizationSimple
	if c.Canonicalization != "" {
		h, b, _ := strings.Cut(strings.ToLower(c.Canonicalization), "/")
		if b == "" {
			b = "simple"
		}
		headerCanon, bodyCanon = dkim.Canonicalization(h), dkim.Canonicalization(b)
	}

	keys := c.Headers
	if len(keys) == 0 {
		for _, k := range defaultSignedHeaders {
			if present[k] {
				keys = append(keys, k)
			}
		}
	}

	opts := &dkim.SignOptions{
		Domain:                 c.Domain,
		Selector:               c.Selector,
		Signer:                 signer,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: headerCanon,
		BodyCanonicalization:   bodyCanon,
		HeaderKeys:             keys,
	}
	var out bytes.Buffer
	if err := dkim.Sign(&out, bytes.NewReader(msg), opts); err != nil {
		return nil, fmt.Errorf("dkim sign for domain %s: %w", c.Domain, err)
	}
	return out.Bytes(), nil
}
