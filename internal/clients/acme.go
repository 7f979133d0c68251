package clients

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"custom-domain-reconciler/internal/config"

	"github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/rs/zerolog/log"
)

// IssuedCertificate is the PEM material returned by the CA.
type IssuedCertificate struct {
	Hostname          string
	CertURL           string
	Certificate       []byte
	PrivateKey        []byte
	IssuerCertificate []byte
}

// ACMEClient obtains certificates over HTTP-01. The hostname already CNAMEs
// to the platform, so the challenge is answered by the platform edge.
type ACMEClient struct {
	cfg             *config.ACMEConfig
	clientFactory   clientFactory
	accountKeyMaker func() (crypto.PrivateKey, error)

	mu     sync.Mutex
	client acmeClient

	// issuing holds one slot. lego's HTTP-01 server binds a single listener
	// per challenge, so orders run one at a time.
	issuing chan struct{}
}

type clientFactory func(*lego.Config) (acmeClient, error)

type acmeClient interface {
	Register(options registration.RegisterOptions) (*registration.Resource, error)
	SetHTTP01Provider(provider challenge.Provider) error
	Obtain(request certificate.ObtainRequest) (*certificate.Resource, error)
}

// NewACMEClient creates a new ACME client; the account is registered lazily on first use
func NewACMEClient(cfg *config.ACMEConfig) *ACMEClient {
	return &ACMEClient{
		cfg:           cfg,
		clientFactory: defaultClientFactory,
		issuing:       make(chan struct{}, 1),
		accountKeyMaker: func() (crypto.PrivateKey, error) {
			return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		},
	}
}

// Obtain issues a certificate for hostname. lego does not take a context, so
// the call runs in the background and ctx only bounds how long we wait for it.
// Calls queue behind any order already in progress.
func (a *ACMEClient) Obtain(ctx context.Context, hostname string) (*IssuedCertificate, error) {
	client, err := a.acquireClient()
	if err != nil {
		return nil, err
	}

	select {
	case a.issuing <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	type outcome struct {
		res *certificate.Resource
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() { <-a.issuing }()
		res, err := client.Obtain(certificate.ObtainRequest{
			Domains: []string{hostname},
			Bundle:  true,
		})
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		log.Warn().Str("hostname", hostname).Msg("ACME issuance still running after deadline")
		return nil, ctx.Err()
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("obtain certificate: %w", out.err)
		}
		if out.res == nil || len(out.res.Certificate) == 0 || len(out.res.PrivateKey) == 0 {
			return nil, errors.New("empty certificate payload received from ACME server")
		}
		return &IssuedCertificate{
			Hostname:          hostname,
			CertURL:           out.res.CertURL,
			Certificate:       out.res.Certificate,
			PrivateKey:        out.res.PrivateKey,
			IssuerCertificate: out.res.IssuerCertificate,
		}, nil
	}
}

func (a *ACMEClient) acquireClient() (acmeClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return a.client, nil
	}

	accountKey, err := a.accountKeyMaker()
	if err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}

	user := &accountUser{
		email: strings.TrimSpace(a.cfg.Email),
		key:   accountKey,
	}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = a.cfg.DirectoryURL
	legoCfg.Certificate.KeyType = keyTypeFor(a.cfg.KeyType)

	client, err := a.clientFactory(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("create acme client: %w", err)
	}

	host, port, err := net.SplitHostPort(a.cfg.HTTP01Address)
	if err != nil {
		return nil, fmt.Errorf("invalid http-01 address %q: %w", a.cfg.HTTP01Address, err)
	}
	if port == "" {
		port = "80"
	}
	if err := client.SetHTTP01Provider(http01.NewProviderServer(host, port)); err != nil {
		return nil, fmt.Errorf("configure http-01 provider: %w", err)
	}

	reg, err := client.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("register account: %w", err)
	}
	user.registration = reg

	log.Info().Str("directory", a.cfg.DirectoryURL).Msg("ACME account registered")
	a.client = client
	return client, nil
}

// IsACMERejection reports whether err is a definitive refusal by the CA
// (bad identifier, failed authorization, CAA) rather than a transient failure.
func IsACMERejection(err error) bool {
	var problem *acme.ProblemDetails
	if errors.As(err, &problem) {
		return problem.HTTPStatus >= 400 && problem.HTTPStatus < 500 && problem.HTTPStatus != 429
	}
	msg := err.Error()
	for _, kind := range []string{"rejectedIdentifier", "unauthorized", "caa", "malformed", "incorrectResponse"} {
		if strings.Contains(msg, "urn:ietf:params:acme:error:"+kind) {
			return true
		}
	}
	return false
}

// ParseLeaf returns the leaf certificate of a PEM bundle
func ParseLeaf(pemBundle []byte) (*x509.Certificate, error) {
	return certcrypto.ParsePEMCertificate(pemBundle)
}

func keyTypeFor(value string) certcrypto.KeyType {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "P384", "EC384":
		return certcrypto.EC384
	case "RSA2048", "2048":
		return certcrypto.RSA2048
	case "RSA4096", "4096":
		return certcrypto.RSA4096
	default:
		return certcrypto.EC256
	}
}

func defaultClientFactory(cfg *lego.Config) (acmeClient, error) {
	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	return &legoClientAdapter{client: client}, nil
}

type legoClientAdapter struct {
	client *lego.Client
}

func (l *legoClientAdapter) Register(options registration.RegisterOptions) (*registration.Resource, error) {
	return l.client.Registration.Register(options)
}

func (l *legoClientAdapter) SetHTTP01Provider(provider challenge.Provider) error {
	return l.client.Challenge.SetHTTP01Provider(provider)
}

func (l *legoClientAdapter) Obtain(request certificate.ObtainRequest) (*certificate.Resource, error) {
	return l.client.Certificate.Obtain(request)
}

type accountUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *accountUser) GetEmail() string {
	return u.email
}

func (u *accountUser) GetRegistration() *registration.Resource {
	return u.registration
}

func (u *accountUser) GetPrivateKey() crypto.PrivateKey {
	return u.key
}
