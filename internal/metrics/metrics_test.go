package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorsUseServiceNamespace(t *testing.T) {
	DecisionsTotal.WithLabelValues("generateProduct", "allowed").Inc()
	RenewalRunsTotal.WithLabelValues("ok").Inc()

	if got := testutil.ToFloat64(DecisionsTotal.WithLabelValues("generateProduct", "allowed")); got < 1 {
		t.Fatalf("decisions_total = %v, want >= 1", got)
	}
	if n := testutil.CollectAndCount(RenewalRunsTotal, "storefront_entitlements_renewal_runs_total"); n < 1 {
		t.Fatalf("renewal_runs_total series = %d, want >= 1", n)
	}
}
