package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"

	"botbridge/internal/core/domain"
)

// WeCom pads plaintext to 32-byte blocks even though AES works on 16
const wecomPadBlockSize = 32

// WeComCrypto implements the WeChat Work callback message codec: the sorted
// SHA1 signature plus AES-256-CBC encryption with the platform's
// random(16) || len(4, big-endian) || msg || corpID framing.
type WeComCrypto struct {
	token  string
	aesKey []byte // 32 bytes, base64-decoded from EncodingAESKey + "="
	corpID string
}

// NewWeComCrypto builds a codec from the callback token, the 43-char
// EncodingAESKey, and the corp id appended to every plaintext frame.
func NewWeComCrypto(token, encodingAESKey, corpID string) (*WeComCrypto, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("wecom callback token is required")
	}
	key, err := decodeAESKey(encodingAESKey)
	if err != nil {
		return nil, err
	}
	return &WeComCrypto{
		token:  token,
		aesKey: key,
		corpID: corpID,
	}, nil
}

// decodeAESKey base64-decodes EncodingAESKey + "=" and requires a 32-byte result
func decodeAESKey(encodingAESKey string) ([]byte, error) {
	trimmed := strings.TrimSpace(encodingAESKey)
	if trimmed == "" {
		return nil, fmt.Errorf("empty EncodingAESKey")
	}
	if !strings.HasSuffix(trimmed, "=") {
		trimmed += "="
	}
	key, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode EncodingAESKey: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("EncodingAESKey must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Signature computes SHA1 over token/timestamp/nonce/data sorted
// lexicographically and joined with no separator.
func (c *WeComCrypto) Signature(timestamp, nonce, data string) string {
	parts := []string{c.token, timestamp, nonce, data}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return fmt.Sprintf("%x", sum)
}

// VerifySignature checks an inbound msg_signature. WeCom requires the
// signature on every request: any missing input fails verification.
// Comparison is constant-time.
func (c *WeComCrypto) VerifySignature(signature, timestamp, nonce, data string) bool {
	if signature == "" || timestamp == "" || nonce == "" || data == "" {
		return false
	}
	want := c.Signature(timestamp, nonce, data)
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// Decrypt base64-decodes and AES-256-CBC-decrypts a callback ciphertext,
// strips the PKCS#7 padding and frame, and returns the message bytes plus
// the corp id carried in the frame suffix. The declared length field bounds
// the message; the suffix is returned but never trusted for bounds.
func (c *WeComCrypto) Decrypt(ciphertext string) ([]byte, string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, "", fmt.Errorf("%w: base64 decode: %v", domain.ErrDecrypt, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, "", fmt.Errorf("%w: ciphertext length %d not a block multiple", domain.ErrDecrypt, len(raw))
	}

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrDecrypt, err)
	}

	plain := make([]byte, len(raw))
	iv := c.aesKey[:aes.BlockSize]
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain, wecomPadBlockSize)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrDecrypt, err)
	}

	// random(16) + msgLen(4) is the minimum frame
	if len(plain) < 20 {
		return nil, "", fmt.Errorf("%w: plaintext too short (%d bytes)", domain.ErrDecrypt, len(plain))
	}

	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, "", fmt.Errorf("%w: declared length %d exceeds buffer", domain.ErrDecrypt, msgLen)
	}

	msg := plain[20 : 20+msgLen]
	receiveID := string(plain[20+msgLen:])

	if c.corpID != "" && receiveID != c.corpID {
		return nil, "", fmt.Errorf("%w: receive id mismatch", domain.ErrDecrypt)
	}

	return msg, receiveID, nil
}

// Encrypt frames and AES-256-CBC-encrypts a plaintext message, returning the
// base64 ciphertext. Inverse of Decrypt: Decrypt(Encrypt(m)) == m.
func (c *WeComCrypto) Encrypt(plaintext []byte) (string, error) {
	random16 := make([]byte, 16)
	if _, err := rand.Read(random16); err != nil {
		return "", fmt.Errorf("generate random prefix: %w", err)
	}

	msgLen := make([]byte, 4)
	binary.BigEndian.PutUint32(msgLen, uint32(len(plaintext)))

	frame := make([]byte, 0, 20+len(plaintext)+len(c.corpID))
	frame = append(frame, random16...)
	frame = append(frame, msgLen...)
	frame = append(frame, plaintext...)
	frame = append(frame, []byte(c.corpID)...)

	padded := pkcs7Pad(frame, wecomPadBlockSize)

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return "", fmt.Errorf("new aes cipher: %w", err)
	}

	out := make([]byte, len(padded))
	iv := c.aesKey[:aes.BlockSize]
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// EncryptedEnvelope is the inbound XML body wrapping an encrypted callback
type EncryptedEnvelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	AgentID    string   `xml:"AgentID"`
	Encrypt    string   `xml:"Encrypt"`
}

// ParseEncryptedEnvelope decodes the inbound XML body. encoding/xml strips
// CDATA wrapping on its own.
func ParseEncryptedEnvelope(body []byte) (*EncryptedEnvelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty callback body")
	}
	var env EncryptedEnvelope
	if err := xml.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("parse callback envelope: %w", err)
	}
	env.Encrypt = strings.TrimSpace(env.Encrypt)
	return &env, nil
}

// cdata wraps text content in CDATA markers per the platform convention
type cdata struct {
	Value string `xml:",cdata"`
}

// replyEnvelope is the outbound encrypted+signed XML envelope
type replyEnvelope struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

// EncryptedReply encrypts a plaintext reply and wraps it in the signed XML
// envelope the platform expects. The caller supplies a fresh
// timestamp/nonce pairing.
func (c *WeComCrypto) EncryptedReply(plaintext []byte, timestamp, nonce string) ([]byte, error) {
	encrypted, err := c.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt reply: %w", err)
	}

	env := replyEnvelope{
		Encrypt:      cdata{encrypted},
		MsgSignature: cdata{c.Signature(timestamp, nonce, encrypted)},
		TimeStamp:    timestamp,
		Nonce:        cdata{nonce},
	}

	out, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal reply envelope: %w", err)
	}
	return out, nil
}

// pkcs7Pad pads to a multiple of blockSize; a full block is appended when
// the input is already aligned so the pad value is never zero.
func pkcs7Pad(src []byte, blockSize int) []byte {
	padding := blockSize - len(src)%blockSize
	if padding == 0 {
		padding = blockSize
	}
	return append(src, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

// pkcs7Unpad reads the last byte as the padding length and truncates
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded data length %d", len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", padLen)
	}
	for i := len(data) - padLen; i < len(data); i++ {
		if int(data[i]) != padLen {
			return nil, fmt.Errorf("inconsistent padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
