// Package signing issues and checks HMAC-signed download links for uploads
// kept on local disk, the counterpart of object-store presigned URLs.
package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Signer generates and validates HMAC based signatures over an object key and
// an expiry.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

// Sign returns the hex signature for objectKey valid until expiresUnix.
func (s *Signer) Sign(objectKey string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", objectKey, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate reports whether signature matches objectKey and expires and the
// link has not expired yet.
func (s *Signer) Validate(objectKey, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	if s.now().Unix() > exp {
		return false
	}
	expected := s.Sign(objectKey, exp)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Presigner builds signed links under a base URL such as "/blobs". It has the
// same shape as the object store's PresignRaw.
type Presigner struct {
	signer *Signer
	base   string
}

// NewPresigner returns a presigner producing links under base.
func NewPresigner(signer *Signer, base string) *Presigner {
	return &Presigner{signer: signer, base: base}
}

// PresignRaw returns a link to objectKey valid for ttl.
func (p *Presigner) PresignRaw(_ context.Context, objectKey string, ttl time.Duration) (string, error) {
	expires := p.signer.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("key", objectKey)
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", p.signer.Sign(objectKey, expires))
	return p.base + "?" + q.Encode(), nil
}
