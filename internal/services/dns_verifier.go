package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"custom-domain-reconciler/internal/clients"
	"custom-domain-reconciler/internal/metrics"
	"custom-domain-reconciler/internal/models"

	"github.com/rs/zerolog/log"
)

// Resolver looks up the values of one record type, trying its resolvers in order
type Resolver interface {
	Resolve(ctx context.Context, name, recordType string) ([]string, error)
}

// DNSVerifier interprets DNS challenge lookups. It never moves a domain to a
// terminal state itself; only Matched leads to a transition.
type DNSVerifier struct {
	resolver Resolver
	now      func() time.Time
}

// NewDNSVerifier creates a new DNS verifier
func NewDNSVerifier(resolver Resolver) *DNSVerifier {
	return &DNSVerifier{resolver: resolver, now: time.Now}
}

// CheckOutcome contains the result of one DNS check
type CheckOutcome struct {
	Result    models.CheckResult
	Found     []string
	Expected  string
	Message   string
	CheckedAt time.Time
}

// Check queries the domain's challenge record. Lookup failures of any kind,
// including NXDOMAIN, are Inconclusive: the owner may still be propagating.
func (v *DNSVerifier) Check(ctx context.Context, domain *models.CustomDomain) *CheckOutcome {
	out := &CheckOutcome{
		Expected:  domain.VerificationRecordValue,
		CheckedAt: v.now().UTC(),
	}
	recordType := domain.VerificationMethod.RecordType()

	values, err := v.resolver.Resolve(ctx, domain.VerificationRecordName, recordType)
	switch {
	case errors.Is(err, clients.ErrNameNotFound):
		out.Result = models.CheckInconclusive
		out.Message = fmt.Sprintf("%s record not found for %s. Please add: %s %s %s",
			recordType, domain.VerificationRecordName, domain.VerificationRecordName, recordType, domain.VerificationRecordValue)
	case err != nil:
		log.Warn().Err(err).Str("hostname", domain.Hostname).Str("record", domain.VerificationRecordName).Msg("DNS lookup failed")
		out.Result = models.CheckInconclusive
		out.Message = "DNS lookup failed. Will retry."
	case len(values) == 0:
		out.Result = models.CheckInconclusive
		out.Message = fmt.Sprintf("No %s record published at %s yet", recordType, domain.VerificationRecordName)
	default:
		out.Found = values
		v.compare(domain, out)
	}

	metrics.DNSChecksTotal.WithLabelValues(string(domain.VerificationMethod), string(out.Result)).Inc()
	log.Debug().
		Str("domain_id", domain.ID.String()).
		Str("hostname", domain.Hostname).
		Str("result", string(out.Result)).
		Strs("found", out.Found).
		Msg("DNS check completed")

	return out
}

func (v *DNSVerifier) compare(domain *models.CustomDomain, out *CheckOutcome) {
	if domain.VerificationMethod == models.VerificationMethodTXT {
		for _, value := range out.Found {
			if value == domain.VerificationRecordValue {
				out.Result = models.CheckMatched
				out.Message = "TXT record verified"
				return
			}
		}
		out.Result = models.CheckMismatched
		out.Message = fmt.Sprintf("TXT record found at %s but no value equals %s",
			domain.VerificationRecordName, domain.VerificationRecordValue)
		return
	}

	expected := canonicalName(domain.VerificationRecordValue)
	for _, value := range out.Found {
		if canonicalName(value) == expected {
			out.Result = models.CheckMatched
			out.Message = fmt.Sprintf("CNAME verified. %s correctly points to %s", domain.VerificationRecordName, expected)
			return
		}
	}
	out.Result = models.CheckMismatched
	out.Message = fmt.Sprintf("CNAME record found at %s but points to %s instead of %s",
		domain.VerificationRecordName, canonicalName(out.Found[0]), expected)
}

func canonicalName(name string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
}
