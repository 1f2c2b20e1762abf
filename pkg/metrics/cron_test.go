package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCronJobMetricsObserveRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCronJobMetrics(reg)
	finished := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	m.ObserveRun("booking-expiry-sweep", 250*time.Millisecond, finished, nil)
	m.ObserveRun("booking-expiry-sweep", time.Second, finished.Add(time.Minute), errors.New("db down"))
	m.ObserveRun("", time.Millisecond, finished, nil)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	for result, want := range map[string]float64{ResultSuccess: 1, ResultFailure: 1} {
		got, err := fetchCounterWithLabels(mfs, "bookings_cron_job_runs_total", map[string]string{"job": "booking-expiry-sweep", "result": result})
		if err != nil {
			t.Fatalf("fetch %s: %v", result, err)
		}
		if got != want {
			t.Fatalf("expected %s=%v, got %v", result, want, got)
		}
	}

	if got, err := fetchHistogramSum(mfs, "bookings_cron_job_duration_seconds", "job", "booking-expiry-sweep"); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got != 1.25 {
		t.Fatalf("expected duration sum 1.25, got %f", got)
	}

	gauge := findMetricFamily(mfs, "bookings_cron_job_last_success_timestamp_seconds")
	if gauge == nil {
		t.Fatal("last success gauge not exported")
	}
	for _, metric := range gauge.GetMetric() {
		if matchesLabel(metric.GetLabel(), "job", "booking-expiry-sweep") && metric.GetGauge().GetValue() != float64(finished.Unix()) {
			t.Fatalf("failed run must not move last success, got %v", metric.GetGauge().GetValue())
		}
	}

	if _, err := fetchCounterValue(mfs, "bookings_cron_job_runs_total", "job", "unknown"); err != nil {
		t.Fatalf("blank job name should be labelled unknown: %v", err)
	}
}

func TestCronJobMetricsNilSafe(t *testing.T) {
	var m *CronJobMetrics
	m.ObserveRun("x", time.Second, time.Now(), nil)

	if NewCronJobMetrics(nil) != nil {
		t.Fatal("expected nil metrics without a registerer")
	}
}

func fetchCounterValue(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing label %s=%s", name, label, value)
}

func fetchHistogramSum(mfs []*dto.MetricFamily, name, label, value string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabel(metric.GetLabel(), label, value) {
			return metric.GetHistogram().GetSampleSum(), nil
		}
	}
	return 0, fmt.Errorf("histogram %q missing label %s=%s", name, label, value)
}

func findMetricFamily(mfs []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}

func matchesLabels(labels []*dto.LabelPair, want map[string]string) bool {
	for name, value := range want {
		if !matchesLabel(labels, name, value) {
			return false
		}
	}
	return true
}

func fetchCounterWithLabels(mfs []*dto.MetricFamily, name string, want map[string]string) (float64, error) {
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		if matchesLabels(metric.GetLabel(), want) {
			return metric.GetCounter().GetValue(), nil
		}
	}
	return 0, fmt.Errorf("metric %q missing labels %v", name, want)
}
