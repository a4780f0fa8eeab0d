package precache

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestVerifyIntegrity(t *testing.T) {
	body := []byte("alert('hi')")
	sum384 := sha512.Sum384(body)
	sri := "sha384-" + base64.StdEncoding.EncodeToString(sum384[:])

	assert.NoError(t, verifyIntegrity("", body))
	assert.NoError(t, verifyIntegrity(sri, body))
	assert.NoError(t, verifyIntegrity("sha256-bogus "+sri, body), "any listed hash may match")
	assert.NoError(t, verifyIntegrity("md5-abc", body), "unknown algorithms pass")
	assert.ErrorIs(t, verifyIntegrity("sha512-bogus", body), ErrIntegrityMismatch)

	assert.NoError(t, verifyIntegrity("sha256:"+sha256Hex(string(body)), body))
	assert.ErrorIs(t, verifyIntegrity("sha256:"+sha256Hex("other"), body), ErrIntegrityMismatch)
	assert.Error(t, verifyIntegrity("sha256:nothex", body))
}
