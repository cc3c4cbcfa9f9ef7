// Package metrics exposes the service's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CertificatesIssued counts peer certificates issued since startup.
	CertificatesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peerca",
		Name:      "certificates_issued_total",
		Help:      "Peer certificates issued since startup",
	})

	// RegistrationsReceived counts registration requests accepted into the
	// state machine.
	RegistrationsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peerca",
		Name:      "registrations_received_total",
		Help:      "Certificate registrations accepted since startup",
	})

	// NotificationsSent counts outbound emails handed to the SMTP transport.
	NotificationsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peerca",
		Name:      "notifications_sent_total",
		Help:      "Notification emails delivered since startup",
	})

	// NotificationsQueued counts sends recorded in the undelivered queue.
	NotificationsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peerca",
		Name:      "notifications_queued_total",
		Help:      "Notification emails queued for retry after a transport failure",
	})

	// ProcessingErrors counts protocol-level failures by typed error code.
	ProcessingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "peerca",
		Name:      "processing_errors_total",
		Help:      "Protocol requests answered with an error, by code",
	}, []string{"code"})

	// OpenConnections tracks currently active protocol connections.
	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerca",
		Name:      "open_connections",
		Help:      "Currently active protocol connections",
	})
)
