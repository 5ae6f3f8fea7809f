package pipeline

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"cubered/internal/metrics"
	"cubered/internal/register"
)

func fitFailures(t *testing.T, reg *prometheus.Registry, method string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "cubered_fit_failures_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == method {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestFitFailuresOnlyCountPSFFits(t *testing.T) {
	// two frames over four windows: one lost a window, one lost all of them
	recs := []register.Record{{Index: 0, Windows: 3}, {Index: 1, Windows: 0}}

	cases := []struct {
		method register.Method
		want   float64
	}{
		{register.MethodPeak, 0},
		{register.MethodCOM, 0},
		{register.MethodDFT, 0},
		{register.MethodMoffat, 5},
		{register.MethodGaussian, 5},
		{register.MethodAiry, 5},
	}
	for _, tc := range cases {
		t.Run(string(tc.method), func(t *testing.T) {
			reg := prometheus.NewRegistry()
			m, err := metrics.NewPipelineMetrics(reg)
			if err != nil {
				t.Fatal(err)
			}
			recordFitFailures(m, tc.method, recs, 4)
			if got := fitFailures(t, reg, string(tc.method)); got != tc.want {
				t.Fatalf("fit failures for %s = %v, want %v", tc.method, got, tc.want)
			}
		})
	}
}

func TestFitFailuresNilMetrics(t *testing.T) {
	recordFitFailures(nil, register.MethodMoffat, []register.Record{{Windows: 0}}, 2)
}
