// Package codec implements the platform wire-security layer: signature
// verification for both platforms and the AES-CBC transport framing WeCom
// wraps around every callback body. Feishu bodies are plaintext JSON and
// only need the signature check.
package codec

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
)

// VerifyFeishuSignature checks the X-Lark-Signature header against the exact
// raw request body: signature = hex(SHA256(timestamp + nonce + encryptKey + body)).
//
// When no encrypt key is configured the check is skipped and the request is
// accepted. That is a deliberate low-security default for simple deployments;
// it is logged on every request so the choice is visible, and the
// verification-token check in the handler still applies.
func VerifyFeishuSignature(timestamp, nonce, encryptKey string, body []byte, signature string) bool {
	if encryptKey == "" {
		slog.Warn("feishu signature verification skipped: no encrypt key configured")
		return true
	}

	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(body)
	want := hex.EncodeToString(h.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}
