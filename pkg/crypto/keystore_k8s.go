package crypto

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// secretName and the two data keys mirror the shape of a machine-ssh-keypair
// secret, reused here to persist the response manager's RSA keypair instead
// of a node SSH key.
const (
	secretName   = "kernel-provisioner-keypair"
	privateKeyIx = "private-key"
	publicKeyIx  = "public-key"
)

// EnsureKeyPairSecret returns the process keypair stored in the
// kube-system Secret "kernel-provisioner-keypair", creating and persisting
// a freshly generated one if it does not exist yet. This lets a response
// manager that restarts under Kubernetes keep decrypting payloads launched
// by the previous process.
func EnsureKeyPairSecret(ctx context.Context, client kubernetes.Interface) (*KeyPair, error) {
	secrets := client.CoreV1().Secrets(metav1.NamespaceSystem)

	secret, err := secrets.Get(ctx, secretName, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("failed to look up keypair secret: %w", err)
		}

		keypair, genErr := GenerateKeyPair()
		if genErr != nil {
			return nil, fmt.Errorf("failed to generate keypair: %w", genErr)
		}

		pub, pubErr := keypair.PublicKeyBase64DER()
		if pubErr != nil {
			return nil, pubErr
		}

		newSecret := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Name: secretName},
			Type:       corev1.SecretTypeOpaque,
			Data: map[string][]byte{
				privateKeyIx: keypair.PrivateKeyDER(),
				publicKeyIx:  []byte(pub),
			},
		}

		if _, createErr := secrets.Create(ctx, newSecret, metav1.CreateOptions{}); createErr != nil {
			return nil, fmt.Errorf("failed to persist keypair secret: %w", createErr)
		}

		return keypair, nil
	}

	return keyPairFromSecret(secret)
}

func keyPairFromSecret(secret *corev1.Secret) (*KeyPair, error) {
	der, ok := secret.Data[privateKeyIx]
	if !ok {
		return nil, fmt.Errorf("keypair secret %q missing %q", secret.Name, privateKeyIx)
	}
	return KeyPairFromPrivateDER(der)
}
