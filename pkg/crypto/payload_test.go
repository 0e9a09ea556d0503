package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kubermatic/kernel-provisioner/pkg/wire"
)

func TestEncryptDecryptPayloadRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	conn := wire.ConnectionInfo{
		KernelID:          "11111111-2222-3333-4444-555555555555",
		IP:                "10.0.0.5",
		ShellPort:         55001,
		IOPubPort:         55002,
		StdinPort:         55003,
		ControlPort:       55004,
		HBPort:            55005,
		SignatureKey:      "super-secret",
		SignatureScheme:   "hmac-sha256",
		CommunicationPort: 55006,
		PID:               4242,
	}

	blob, err := EncryptPayload(conn, kp.Public)
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	got, err := DecryptPayload(blob, kp.Private)
	require.NoError(t, err)
	require.Equal(t, conn, got)
}

func TestDecryptPayloadMalformedBase64(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = DecryptPayload("not-valid-base64!!!", kp.Private)
	require.Error(t, err)
}

func TestDecryptPayloadWrongKey(t *testing.T) {
	kp1, err := GenerateKeyPair()
	require.NoError(t, err)
	kp2, err := GenerateKeyPair()
	require.NoError(t, err)

	blob, err := EncryptPayload(wire.ConnectionInfo{KernelID: "k1"}, kp1.Public)
	require.NoError(t, err)

	_, err = DecryptPayload(blob, kp2.Private)
	require.Error(t, err)
}

func TestPublicKeyBase64DERRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded, err := kp.PublicKeyBase64DER()
	require.NoError(t, err)

	pub, err := ParsePublicKeyBase64DER(encoded)
	require.NoError(t, err)
	require.Equal(t, kp.Public.N, pub.N)
	require.Equal(t, kp.Public.E, pub.E)
}
