package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNameNotFound is an authoritative NXDOMAIN.
	ErrNameNotFound = errors.New("dns name not found")
	// ErrAllResolversFailed means every configured resolver timed out or failed.
	ErrAllResolversFailed = errors.New("all dns resolvers failed")
)

// DNSResolver queries an explicit, ordered list of recursive resolvers.
// The first server is the primary; the rest are only consulted when the
// previous one times out or answers with a server-side failure.
type DNSResolver struct {
	servers []string
	timeout time.Duration
	udp     *dns.Client
	tcp     *dns.Client
}

// NewDNSResolver creates a resolver for servers given as host:port
func NewDNSResolver(servers []string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, ":") {
			s += ":53"
		}
		normalized = append(normalized, s)
	}
	return &DNSResolver{
		servers: normalized,
		timeout: timeout,
		udp:     &dns.Client{Net: "udp", Timeout: timeout},
		tcp:     &dns.Client{Net: "tcp", Timeout: timeout},
	}
}

// Servers returns the resolver list in query order
func (r *DNSResolver) Servers() []string {
	return r.servers
}

// Resolve returns the record values of recordType ("CNAME" or "TXT") at name.
// CNAME targets are returned without the trailing dot; the strings of a TXT
// record are concatenated. A NOERROR answer without matching records yields an
// empty slice and no error.
func (r *DNSResolver) Resolve(ctx context.Context, name, recordType string) ([]string, error) {
	qtype, ok := dns.StringToType[strings.ToUpper(recordType)]
	if !ok || (qtype != dns.TypeCNAME && qtype != dns.TypeTXT) {
		return nil, fmt.Errorf("unsupported record type %q", recordType)
	}
	if len(r.servers) == 0 {
		return nil, ErrAllResolversFailed
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	var errs []error
	for _, server := range r.servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := r.exchange(ctx, msg, server)
		if err != nil {
			log.Debug().Err(err).Str("server", server).Str("name", name).Msg("DNS query failed, trying next resolver")
			errs = append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			return extractValues(resp.Answer, qtype), nil
		case dns.RcodeNameError:
			return nil, ErrNameNotFound
		default:
			errs = append(errs, fmt.Errorf("%s: %s", server, dns.RcodeToString[resp.Rcode]))
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrAllResolversFailed, errors.Join(errs...))
}

func (r *DNSResolver) exchange(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
	queryCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, _, err := r.udp.ExchangeContext(queryCtx, msg, server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		resp, _, err = r.tcp.ExchangeContext(queryCtx, msg, server)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func extractValues(answer []dns.RR, qtype uint16) []string {
	values := []string{}
	for _, rr := range answer {
		switch record := rr.(type) {
		case *dns.CNAME:
			if qtype == dns.TypeCNAME {
				values = append(values, strings.TrimSuffix(record.Target, "."))
			}
		case *dns.TXT:
			if qtype == dns.TypeTXT {
				values = append(values, strings.Join(record.Txt, ""))
			}
		}
	}
	return values
}
