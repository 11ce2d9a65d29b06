package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// GenerateSASToken builds a shared access signature for resourceURI signed with the
// base64 encoded key. policyName is empty for device keys.
func GenerateSASToken(resourceURI, key, policyName string, expiry time.Time) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("shared access key is not base64: %w", err)
	}
	encodedURI := url.QueryEscape(strings.ToLower(resourceURI))
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, decoded)
	mac.Write([]byte(encodedURI + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", encodedURI, url.QueryEscape(sig), se)
	if policyName != "" {
		token += "&skn=" + url.QueryEscape(policyName)
	}
	return token, nil
}

// SASToken signs a token for the identity of the connection string.
func (c ConnectionString) SASToken(ttl time.Duration) (string, error) {
	return GenerateSASToken(c.ResourceURI(), c.SharedAccessKey, c.SharedAccessKeyName, time.Now().Add(ttl))
}
