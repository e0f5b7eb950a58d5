package collector

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"regexp"

	"github.com/scottlaird/od-collector/urlmetric"
)

var (
	slugPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)
	hmacPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// NormalizeURL strips what doesn't change the page's identity: the
// priming marker and the fragment.  Query parameters are sorted.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(urlmetric.StripPrimeParam(raw))
	if err != nil {
		return "", err
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		// Encode sorts by key.
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}

// Slug identifies the stored URL Metrics for a page.  It is the MD5
// hex digest of the normalized URL.
func Slug(rawURL string) (string, error) {
	n, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(n))
	return hex.EncodeToString(sum[:]), nil
}

// Signer binds a slug to the URL it was computed for, so a client
// can't store metrics for one page under another page's slug.
type Signer struct {
	Key []byte
}

func (s Signer) Sign(slug, pageURL string) string {
	mac := hmac.New(sha256.New, s.Key)
	mac.Write([]byte(slug))
	mac.Write([]byte{0})
	mac.Write([]byte(pageURL))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is Sign(slug, pageURL).
func (s Signer) Verify(slug, pageURL, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.Key)
	mac.Write([]byte(slug))
	mac.Write([]byte{0})
	mac.Write([]byte(pageURL))
	return hmac.Equal(mac.Sum(nil), want)
}
