package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmarket_playbook_transitions_total",
			Help: "Playbook lifecycle transitions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	purchasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmarket_purchases_total",
			Help: "Purchase ledger writes by pricing model and resulting status",
		},
		[]string{"pricing_model", "status"},
	)

	deploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmarket_deployments_total",
			Help: "Playbook deployments by outcome",
		},
		[]string{"outcome"},
	)

	deploymentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentmarket_deployment_duration_seconds",
			Help:    "Wall time of a playbook deployment including smoke tests",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	entitiesCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmarket_entities_created_total",
			Help: "Workspace entities materialized by deployments",
		},
		[]string{"kind"},
	)

	smokeTestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmarket_smoke_tests_total",
			Help: "Post-deploy smoke test cases by result",
		},
		[]string{"result"},
	)

	uninstallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmarket_uninstalls_total",
			Help: "Installation teardowns by trigger",
		},
		[]string{"trigger"},
	)

	reviewsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentmarket_reviews_total",
			Help: "Review writes by operation",
		},
		[]string{"op"},
	)

	hubClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentmarket_hub_clients",
			Help: "Connected event stream clients",
		},
	)
)

func RecordTransition(action string, ok bool) {
	transitionsTotal.WithLabelValues(action, outcome(ok)).Inc()
}

func RecordPurchase(pricingModel, status string) {
	purchasesTotal.WithLabelValues(pricingModel, status).Inc()
}

// RecordDeployment counts a deploy by result: success, failed, rejected
// (precondition failure before any mutation) or abandoned (a stale claim
// recovered later).
func RecordDeployment(result string, duration time.Duration) {
	deploymentsTotal.WithLabelValues(result).Inc()
	deploymentDuration.WithLabelValues(result).Observe(duration.Seconds())
}

func RecordEntityCreated(kind string) {
	entitiesCreatedTotal.WithLabelValues(kind).Inc()
}

func RecordSmokeTest(passed bool) {
	result := "passed"
	if !passed {
		result = "failed"
	}
	smokeTestsTotal.WithLabelValues(result).Inc()
}

func RecordUninstall(trigger string) {
	uninstallsTotal.WithLabelValues(trigger).Inc()
}

func RecordReview(op string) {
	reviewsTotal.WithLabelValues(op).Inc()
}

func SetHubClients(n int) {
	hubClients.Set(float64(n))
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
