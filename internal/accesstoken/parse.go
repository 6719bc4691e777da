package accesstoken

import (
	"crypto/hmac"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// signatureLen is the base64 length of an HMAC-SHA256 digest.
const signatureLen = 44

// timestampHexLen is the width of the issue timestamp. The field is written
// unpadded, which is 8 hex digits for every unix time between 1978 and 2106.
const timestampHexLen = 8

// Token is a decoded access token.
type Token struct {
	AppID         string
	Signature     string
	Salt          uint32
	IssuedAt      uint32
	UID           string
	Message       Message
	PackedMessage string
}

// Parse decodes token issued for appID. The application id has no length
// prefix in the format, so the caller must know it.
func Parse(token, appID string) (Token, error) {
	prefix := Version + appID
	if !strings.HasPrefix(token, prefix) {
		return Token{}, fmt.Errorf("%w: version or app id mismatch", ErrMalformed)
	}
	rest := token[len(prefix):]

	take := func(n int) (string, error) {
		if len(rest) < n {
			return "", fmt.Errorf("%w: truncated", ErrMalformed)
		}
		v := rest[:n]
		rest = rest[n:]
		return v, nil
	}

	t := Token{AppID: appID}
	var err error
	if t.Signature, err = take(signatureLen); err != nil {
		return Token{}, err
	}

	saltHex, err := take(8)
	if err != nil {
		return Token{}, err
	}
	salt, err := strconv.ParseUint(saltHex, 16, 32)
	if err != nil {
		return Token{}, fmt.Errorf("%w: salt: %v", ErrMalformed, err)
	}
	t.Salt = uint32(salt)

	tsHex, err := take(timestampHexLen)
	if err != nil {
		return Token{}, err
	}
	ts, err := strconv.ParseUint(tsHex, 16, 32)
	if err != nil {
		return Token{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	t.IssuedAt = uint32(ts)

	uidLenHex, err := take(4)
	if err != nil {
		return Token{}, err
	}
	uidLen, err := strconv.ParseUint(uidLenHex, 16, 16)
	if err != nil {
		return Token{}, fmt.Errorf("%w: uid length: %v", ErrMalformed, err)
	}
	if t.UID, err = take(int(uidLen)); err != nil {
		return Token{}, err
	}

	t.PackedMessage = rest
	raw, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return Token{}, fmt.Errorf("%w: message: %v", ErrMalformed, err)
	}
	if t.Message, err = UnpackMessage(raw); err != nil {
		return Token{}, err
	}
	if t.Message.Salt != t.Salt || t.Message.Timestamp != t.IssuedAt {
		return Token{}, fmt.Errorf("%w: header and message disagree", ErrMalformed)
	}
	return t, nil
}

// Verify parses token and checks its signature for channelName with appCertificate.
func Verify(token, appID, appCertificate, channelName string) (Token, error) {
	t, err := Parse(token, appID)
	if err != nil {
		return Token{}, err
	}
	want := sign([]byte(appCertificate), appID, channelName, t.UID, t.PackedMessage)
	if !hmac.Equal([]byte(want), []byte(t.Signature)) {
		return Token{}, ErrSignature
	}
	return t, nil
}
