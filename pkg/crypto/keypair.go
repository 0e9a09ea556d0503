// Package crypto implements the AES+RSA hybrid payload codec and the
// process-wide keypair it runs on: an RSA-2048 keypair used for payload
// encryption rather than authentication.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
)

// KeyPair is the process-wide asymmetric keypair used to decrypt every
// kernel-launcher response payload. It is created once per host process
// and, under Kubernetes, persisted via keystore_k8s.go so a restarted
// response manager can still decrypt in-flight payloads.
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateKeyPair creates an ephemeral 2048-bit RSA keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate generated private key: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// PublicKeyBase64DER renders the public key as base64 DER, the form
// propagated to kernel-launchers via the --public-key argv placeholder.
func (kp *KeyPair) PublicKeyBase64DER() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(kp.Public)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// PrivateKeyDER renders the private key as PKCS1 DER, used by the
// Kubernetes-secret keystore to persist the keypair across restarts.
func (kp *KeyPair) PrivateKeyDER() []byte {
	return x509.MarshalPKCS1PrivateKey(kp.Private)
}

// KeyPairFromPrivateDER reconstructs a KeyPair from the PKCS1 DER encoding
// produced by PrivateKeyDER.
func KeyPairFromPrivateDER(der []byte) (*KeyPair, error) {
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// ParsePublicKeyBase64DER reverses PublicKeyBase64DER, used on the
// kernel-launcher side to recover the public key passed via argv. Kept here
// for symmetry and for tests that exercise both directions without a real
// launcher process.
func ParsePublicKeyBase64DER(s string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("invalid DER public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaPub, nil
}
