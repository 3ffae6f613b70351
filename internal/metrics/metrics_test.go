package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterDefaultIdempotent(t *testing.T) {
	RegisterDefault()
	RegisterDefault()

	before := testutil.ToFloat64(Ingest.WithLabelValues("accepted"))
	Ingest.WithLabelValues("accepted").Inc()
	if got := testutil.ToFloat64(Ingest.WithLabelValues("accepted")); got != before+1 {
		t.Fatalf("ingest counter = %v, want %v", got, before+1)
	}
	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "fleettrack_ingest_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("fleettrack_ingest_total not registered")
	}
}
