package services

import (
	"context"
	"errors"
	"testing"

	"custom-domain-reconciler/internal/clients"
	"custom-domain-reconciler/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestDNSVerifier_Check(t *testing.T) {
	cnameDomain := &models.CustomDomain{
		Hostname:                "shop.example.org",
		VerificationMethod:      models.VerificationMethodCNAME,
		VerificationRecordName:  "shop.example.org",
		VerificationRecordValue: testTarget,
	}
	txtDomain := &models.CustomDomain{
		Hostname:                "shop.example.org",
		VerificationMethod:      models.VerificationMethodTXT,
		VerificationRecordName:  "_platform-challenge.shop.example.org",
		VerificationRecordValue: "platform-verification=abc123",
	}

	tests := []struct {
		name   string
		domain *models.CustomDomain
		values []string
		err    error
		want   models.CheckResult
	}{
		{name: "cname matches", domain: cnameDomain, values: []string{testTarget}, want: models.CheckMatched},
		{name: "cname matches with trailing dot and case", domain: cnameDomain, values: []string{"APP.Platform.test."}, want: models.CheckMatched},
		{name: "cname points elsewhere", domain: cnameDomain, values: []string{"other.host.test"}, want: models.CheckMismatched},
		{name: "cname missing", domain: cnameDomain, values: []string{}, want: models.CheckInconclusive},
		{name: "nxdomain", domain: cnameDomain, err: clients.ErrNameNotFound, want: models.CheckInconclusive},
		{name: "resolvers down", domain: cnameDomain, err: clients.ErrAllResolversFailed, want: models.CheckInconclusive},
		{name: "txt matches among others", domain: txtDomain, values: []string{"v=spf1 -all", "platform-verification=abc123"}, want: models.CheckMatched},
		{name: "txt wrong token", domain: txtDomain, values: []string{"platform-verification=zzz"}, want: models.CheckMismatched},
		{name: "txt value is case sensitive", domain: txtDomain, values: []string{"PLATFORM-VERIFICATION=ABC123"}, want: models.CheckMismatched},
		{name: "txt lookup error", domain: txtDomain, err: errors.New("i/o timeout"), want: models.CheckInconclusive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := newFakeResolver()
			resolver.set(tt.domain.VerificationRecordName, tt.domain.VerificationMethod.RecordType(), tt.values, tt.err)

			out := NewDNSVerifier(resolver).Check(context.Background(), tt.domain)

			assert.Equal(t, tt.want, out.Result)
			assert.Equal(t, tt.domain.VerificationRecordValue, out.Expected)
			assert.NotEmpty(t, out.Message)
			assert.False(t, out.CheckedAt.IsZero())
		})
	}
}
