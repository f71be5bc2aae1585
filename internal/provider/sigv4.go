package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SigV4 implements AWS Signature Version 4 for the classic SES API as a pure
// function from (credentials, region, service, request) to a header set, so
// it is testable without any network.
//
// The signed header set is exactly host;x-amz-date.

// SigV4Request describes the HTTP request to be signed.
type SigV4Request struct {
	Method      string
	Host        string
	Path        string // canonical URI, "/" for SES
	Query       string // canonical (sorted, encoded) query string, usually empty
	Payload     []byte
	ContentType string
	Time        time.Time // signing time, truncated to seconds in UTC
}

// SigV4Credentials holds the static signing identity.
type SigV4Credentials struct {
	AccessKey string
	SecretKey string
	Region    string
	Service   string
}

// SignV4 computes the SigV4 Authorization and X-Amz-Date headers for req.
// The returned map contains exactly the headers the caller must set.
func SignV4(creds SigV4Credentials, req SigV4Request) map[string]string {
	t := req.Time.UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := t.Format("20060102")

	payloadHash := hexSHA256(req.Payload)

	// Canonical request: method, URI, query, canonical headers, signed
	// headers, payload hash. Only host and x-amz-date are signed.
	canonicalHeaders := "host:" + strings.ToLower(req.Host) + "\n" +
		"x-amz-date:" + amzDate + "\n"
	signedHeaders := "host;x-amz-date"

	canonicalRequest := strings.Join([]string{
		req.Method,
		req.Path,
		req.Query,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := strings.Join([]string{
		dateStamp, creds.Region, creds.Service, "aws4_request",
	}, "/")

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hexSHA256([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(creds.SecretKey, dateStamp, creds.Region, creds.Service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	authorization := fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		creds.AccessKey, credentialScope, signedHeaders, signature,
	)

	return map[string]string{
		"Authorization": authorization,
		"X-Amz-Date":    amzDate,
	}
}

// deriveSigningKey runs the AWS4 HMAC chain:
// AWS4<secret> → date → region → service → "aws4_request".
func deriveSigningKey(secretKey, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
