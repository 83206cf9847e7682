package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"syncq/internal/job"
)

func scrape(t *testing.T, r *Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestQueueCounters(t *testing.T) {
	t.Parallel()

	r := New()
	r.Submitted(job.FileUpload)
	r.Submitted(job.FileUpload)
	r.Retried(job.FileUpload)
	r.Failed(job.MetadataUpload)
	r.Depth(job.FileUpload, 4, 1)
	r.Purged()

	out := scrape(t, r)
	for _, want := range []string{
		`syncq_jobs_total{outcome="submitted",type="file_upload"} 2`,
		`syncq_jobs_total{outcome="retried",type="file_upload"} 1`,
		`syncq_jobs_total{outcome="failed",type="metadata_upload"} 1`,
		`syncq_queue_pending{type="file_upload"} 4`,
		`syncq_queue_running{type="file_upload"} 1`,
		`syncq_logout_purges_total 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestHandlerExposesGaugesAndRuntime(t *testing.T) {
	t.Parallel()

	r := New()
	r.SetNetworkClass(2)
	r.RegisterGaugeFunc("eventbus_dropped", "Dropped bus deliveries.", func() float64 { return 7 })

	out := scrape(t, r)
	for _, want := range []string{"syncq_network_class 2", "syncq_eventbus_dropped 7", "go_goroutines"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in /metrics output", want)
		}
	}
}
