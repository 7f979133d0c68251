package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	hostnameAnnotation = "custom-domains.platform/hostname"
	managedByLabel     = "app.kubernetes.io/managed-by"
	managedByValue     = "custom-domain-reconciler"
)

// ErrCertificateNotFound means no stored certificate exists under the reference.
var ErrCertificateNotFound = errors.New("certificate secret not found")

// SecretStore keeps issued certificate material in kubernetes.io/tls Secrets
// so the edge can mount them. References have the form "<namespace>/<name>".
type SecretStore struct {
	kubeClient kubernetes.Interface
	namespace  string
}

// NewKubernetesClient builds a clientset from kubeconfig, or the in-cluster config when empty
func NewKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if kubeconfig == "" {
		restCfg, err = rest.InClusterConfig()
	} else {
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	kubeClient, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	return kubeClient, nil
}

// NewSecretStore creates a certificate store in namespace
func NewSecretStore(kubeClient kubernetes.Interface, namespace string) *SecretStore {
	return &SecretStore{kubeClient: kubeClient, namespace: namespace}
}

// RefFor returns the reference a hostname's certificate is stored under
func (s *SecretStore) RefFor(hostname string) string {
	return s.namespace + "/" + generateResourceName(hostname, "tls")
}

// Save creates or replaces the TLS secret for the certificate and returns its reference
func (s *SecretStore) Save(ctx context.Context, cert *IssuedCertificate) (string, error) {
	name := generateResourceName(cert.Hostname, "tls")
	secrets := s.kubeClient.CoreV1().Secrets(s.namespace)

	data := map[string][]byte{
		corev1.TLSCertKey:       cert.Certificate,
		corev1.TLSPrivateKeyKey: cert.PrivateKey,
	}
	if len(cert.IssuerCertificate) > 0 {
		data["ca.crt"] = cert.IssuerCertificate
	}

	existing, err := secrets.Get(ctx, name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		secret := &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:        name,
				Namespace:   s.namespace,
				Labels:      map[string]string{managedByLabel: managedByValue},
				Annotations: map[string]string{hostnameAnnotation: cert.Hostname},
			},
			Type: corev1.SecretTypeTLS,
			Data: data,
		}
		if _, err := secrets.Create(ctx, secret, metav1.CreateOptions{}); err != nil {
			return "", fmt.Errorf("failed to create secret: %w", err)
		}
		log.Info().Str("secret", name).Str("hostname", cert.Hostname).Msg("Certificate secret created")
	case err != nil:
		return "", fmt.Errorf("failed to get secret: %w", err)
	default:
		existing.Data = data
		if existing.Annotations == nil {
			existing.Annotations = map[string]string{}
		}
		existing.Annotations[hostnameAnnotation] = cert.Hostname
		if _, err := secrets.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
			return "", fmt.Errorf("failed to update secret: %w", err)
		}
		log.Info().Str("secret", name).Str("hostname", cert.Hostname).Msg("Certificate secret updated")
	}

	return s.namespace + "/" + name, nil
}

// Load returns the PEM certificate stored under ref
func (s *SecretStore) Load(ctx context.Context, ref string) ([]byte, error) {
	namespace, name, ok := strings.Cut(ref, "/")
	if !ok || namespace == "" || name == "" {
		return nil, fmt.Errorf("%w: malformed reference %q", ErrCertificateNotFound, ref)
	}

	secret, err := s.kubeClient.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, ErrCertificateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}

	certPEM := secret.Data[corev1.TLSCertKey]
	if len(certPEM) == 0 {
		return nil, ErrCertificateNotFound
	}
	return certPEM, nil
}

// generateResourceName generates a K8s-safe resource name from a hostname.
// Hostnames are already valid DNS-1123 subdomains, so dots are kept.
func generateResourceName(hostname, suffix string) string {
	name := strings.ToLower(hostname) + "-" + suffix
	if len(name) > 253 {
		name = strings.TrimLeft(name[len(name)-253:], ".-")
	}
	return name
}
