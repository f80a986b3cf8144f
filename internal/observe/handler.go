package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler serves the metrics collected by the Prometheus exporter
// installed by [InitProvider].
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
