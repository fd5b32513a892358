package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Domain metrics live in a standalone package to avoid import cycles
// between the service packages and the HTTP layer.

var (
	OAuthGrants = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_grants_total",
		Help: "Token grants issued, by grant type",
	}, []string{"grant_type"})

	TokenVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "token_verifications_total",
		Help: "Inter-service token verifications, by result",
	}, []string{"result"}) // result: valid|invalid

	AuthzDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_decisions_total",
		Help: "Authorization decisions, by outcome and reason",
	}, []string{"outcome", "reason"})

	TrustScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trust_score",
		Help:    "Composite trust scores computed per access evaluation",
		Buckets: prometheus.LinearBuckets(0, 10, 11),
	})

	MFAAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mfa_attempts_total",
		Help: "MFA verification attempts, by method and result",
	}, []string{"method", "result"})

	IdentityResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "identity_resolutions_total",
		Help: "Identity document resolutions, by outcome",
	}, []string{"outcome"}) // outcome: hit|miss|error
)

// Register registers the domain metrics on the given registry (or default if nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		OAuthGrants,
		TokenVerifications,
		AuthzDecisions,
		TrustScore,
		MFAAttempts,
		IdentityResolutions,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
