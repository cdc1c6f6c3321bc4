// Package instrumentation provides OpenTelemetry instrumentation for portal-auth.
//
// Metrics and traces are created from a single Instrumentation value that is passed
// to the stores, the session manager, the authenticator and the HTTP handler. When
// disabled, no-op providers are used and every recording call is free.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		ServiceName:     "portald",
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	http.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// Authentication:
//   - portal.login.attempts{result} - success, invalid_credentials, locked_out, throttled, error
//   - portal.login.lockouts - sources that crossed the failure threshold
//
// Sessions:
//   - portal.session.created
//   - portal.session.verifications{result} - valid, missing, ip_mismatch, error
//   - portal.session.destroyed{reason} - logout, ip_mismatch
//   - portal.session.hijack_detected
//
// Files and records:
//   - portal.file_token.issued
//   - portal.file_token.consumed{result}
//   - portal.authorization.denied{reason, capability}
//   - portal.record.decrypt_failures{path}
//
// Storage:
//   - portal.storage.operations.total{operation, result}
//   - portal.storage.operation.duration{operation}
//   - portal.storage.sessions.count, portal.storage.file_tokens.count,
//     portal.storage.attempt_counters.count
//
// # Privacy
//
// Client IPs are only attached to spans when Config.LogClientIPs is set.
// Tokens of any kind are never recorded.
package instrumentation
