package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"

	provisionererrors "github.com/kubermatic/kernel-provisioner/pkg/errors"
	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

// aesKeySize is the size, in bytes, of the random per-payload AES key the
// kernel-launcher generates. 16 bytes selects AES-128.
const aesKeySize = 16

// EncryptPayload implements the launcher side of the wire protocol:
// generate a random AES-128 key, encrypt conn as AES-CBC/PKCS7, encrypt the
// AES key under pub with RSA PKCS1 v1.5 (chosen for compatibility with
// launchers written in languages whose crypto libraries don't expose OAEP
// by default), and frame the result as base64(JSON(...)).
//
// This implementation owns both ends of the wire protocol so that the Go
// response manager can be exercised end-to-end in tests without a real
// kernel-launcher process; a production deployment's launchers perform this
// same sequence in whatever language they are written in.
func EncryptPayload(conn wire.ConnectionInfo, pub *rsa.PublicKey) (string, error) {
	aesKey := make([]byte, aesKeySize)
	if _, err := rand.Read(aesKey); err != nil {
		return "", fmt.Errorf("failed to generate AES key: %w", err)
	}

	plaintext, err := json.Marshal(conn)
	if err != nil {
		return "", fmt.Errorf("failed to marshal connection info: %w", err)
	}

	ciphertext, err := aesCBCEncrypt(aesKey, plaintext)
	if err != nil {
		return "", provisionererrors.Wrap(provisionererrors.KindCryptoFailed, "failed to encrypt connection info", err)
	}

	encryptedKey, err := rsa.EncryptPKCS1v15(rand.Reader, pub, aesKey)
	if err != nil {
		return "", provisionererrors.Wrap(provisionererrors.KindCryptoFailed, "failed to wrap AES key", err)
	}

	payload := wire.ResponsePayload{
		Version:  wire.ResponseVersion,
		Key:      base64.StdEncoding.EncodeToString(encryptedKey),
		ConnInfo: base64.StdEncoding.EncodeToString(ciphertext),
	}

	blob, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal response payload: %w", err)
	}

	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptPayload implements the response-manager side: reverse base64/JSON
// framing, unwrap the AES key with the process private key, then decrypt
// and unmarshal conn_info.
func DecryptPayload(blob string, priv *rsa.PrivateKey) (wire.ConnectionInfo, error) {
	var conn wire.ConnectionInfo

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return conn, provisionererrors.Wrap(provisionererrors.KindPayloadMalformed, "invalid base64 framing", err)
	}

	var payload wire.ResponsePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return conn, provisionererrors.Wrap(provisionererrors.KindPayloadMalformed, "invalid JSON envelope", err)
	}

	if payload.Version != wire.ResponseVersion {
		return conn, provisionererrors.New(provisionererrors.KindVersionMismatch,
			fmt.Sprintf("unsupported payload version %d", payload.Version))
	}

	encryptedKey, err := base64.StdEncoding.DecodeString(payload.Key)
	if err != nil {
		return conn, provisionererrors.Wrap(provisionererrors.KindPayloadMalformed, "invalid base64 key field", err)
	}

	aesKey, err := rsa.DecryptPKCS1v15(rand.Reader, priv, encryptedKey)
	if err != nil {
		return conn, provisionererrors.Wrap(provisionererrors.KindCryptoFailed, "failed to unwrap AES key", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(payload.ConnInfo)
	if err != nil {
		return conn, provisionererrors.Wrap(provisionererrors.KindPayloadMalformed, "invalid base64 conn_info field", err)
	}

	plaintext, err := aesCBCDecrypt(aesKey, ciphertext)
	if err != nil {
		return conn, provisionererrors.Wrap(provisionererrors.KindCryptoFailed, "failed to decrypt connection info", err)
	}

	if err := json.Unmarshal(plaintext, &conn); err != nil {
		return conn, provisionererrors.Wrap(provisionererrors.KindPayloadMalformed, "invalid conn_info JSON", err)
	}

	return conn, nil
}

func aesCBCEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())

	iv := make([]byte, block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	// Prepend the IV; the launcher and response manager agree on this
	// framing since the wire protocol has no separate IV field.
	return append(iv, ciphertext...), nil
}

func aesCBCDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	blockSize := block.BlockSize()
	if len(data) < blockSize || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("ciphertext is not a multiple of the block size")
	}

	iv, ciphertext := data[:blockSize], data[blockSize:]
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("invalid PKCS7 padding")
	}
	return data[:len(data)-padLen], nil
}
