// Package metrics exports chronos operational metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	mc, _ := metrics.NewPrometheusCollector(reg, "chronos")
//	db, _ := chronos.Open(cfg, chronos.WithMetricsCollector(mc))
//	http.Handle("/metrics", metrics.Handler(reg))
package metrics
