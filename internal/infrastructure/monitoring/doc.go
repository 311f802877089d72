/*
Package monitoring provides metrics collection for the orchestrator.

# Overview

This package implements Prometheus-based metrics for the reactor, its
registries and the embedder API. Every Metrics value registers on its own
registry, so tests and multiple orchestrators never collide on the default
registerer.

# Features

- Per-kind message counts, durations and stale drops
- Navigation outcomes and traversals
- Pipeline counts by state, tabs, contexts and event loops
- Crashes, hangs and launch failures
- Timer fires by disposition (delivered, held, stale)
- Document fetch outcomes
- Embedder API and WebSocket metrics

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, msg.Kind())
	// ... handle message ...
	timer.Stop()
*/
package monitoring
