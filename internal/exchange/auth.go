// auth.go implements Polymarket's L2 HMAC-SHA256 request authentication,
// adapted from the teacher's exec/client.go addHeaders/hmacSign functions.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"
)

// Credentials is the L2 API key triplet derived once per wallet.
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// l2Headers builds the POLY_* headers required on every authenticated
// request: address, timestamp, passphrase, and an HMAC-SHA256 signature
// over timestamp+method+path+body, base64 URL-safe encoded.
func l2Headers(creds Credentials, address, method, path string, body []byte) map[string]string {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	headers := map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    creds.APIKey,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": creds.Passphrase,
	}
	if creds.APISecret != "" {
		message := ts + method + path + string(body)
		headers["POLY_SIGNATURE"] = hmacSign(creds.APISecret, message)
	}
	return headers
}

func hmacSign(secret, message string) string {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			key = []byte(secret)
		}
	}
	h := hmac.New(sha256.New, key)
	h.Write([]byte(message))
	return base64.URLEncoding.EncodeToString(h.Sum(nil))
}
