package daemon

import "github.com/docker/go-metrics"

var (
	resolveActions   metrics.LabeledTimer
	resolveOutcomes  metrics.LabeledCounter
	deleteActions    metrics.LabeledTimer
	healthChecks     metrics.Counter
	healthChecksFail metrics.Counter
)

func init() {
	ns := metrics.NewNamespace("resizer", "daemon", nil)
	resolveActions = ns.NewLabeledTimer("resolve", "The number of seconds it takes to resolve a variant request", "outcome")
	resolveOutcomes = ns.NewLabeledCounter("resolve_outcomes", "The number of resolve requests per outcome", "outcome")
	for _, o := range []string{
		outcomeReady,
		outcomeProcessing,
		outcomeAdmitted,
		outcomeOriginal,
	} {
		resolveActions.WithValues(o).Update(0)
		resolveOutcomes.WithValues(o).Inc(0)
	}
	deleteActions = ns.NewLabeledTimer("delete", "The number of seconds it takes to delete an image and its variants", "outcome")
	healthChecks = ns.NewCounter("health_checks", "The total number of backend health checks")
	healthChecksFail = ns.NewCounter("health_checks_failed", "The total number of failed backend health checks")
	metrics.Register(ns)
}
