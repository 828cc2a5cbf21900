package resize

import metrics "github.com/docker/go-metrics"

var (
	metricsNS = metrics.NewNamespace("resizer", "worker", nil)

	stepDuration = metricsNS.NewLabeledTimer("step", "The number of seconds it takes to run each render pipeline step", "step")

	jobsCompleted = metricsNS.NewCounter("jobs_completed", "The number of render jobs completed successfully")
	jobsFailed    = metricsNS.NewCounter("jobs_failed", "The number of render jobs that failed terminally")
	jobsStalled   = metricsNS.NewCounter("jobs_stalled", "The number of render jobs re-dispatched after a lock expiry")
	jobsRequeued  = metricsNS.NewCounter("jobs_requeued", "The number of failed records admitted for another render cycle")

	rendersInFlight = metricsNS.NewGauge("renders_in_flight", "The number of renders currently executing", metrics.Total)
)

func init() {
	for _, s := range []string{"connect", "load", "mark-processing", "download", "render", "upload", "mark-ready"} {
		stepDuration.WithValues(s).Update(0)
	}
	metrics.Register(metricsNS)
}
