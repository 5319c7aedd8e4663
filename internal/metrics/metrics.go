// Package metrics holds the Prometheus collectors for the account server.
// Collectors register with the default registry on package init.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "maqalati"

// LoginsTotal counts login attempts.
// Label result: success, invalid, locked, inactive, throttled.
var LoginsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "logins_total",
		Help:      "Login attempts by result.",
	},
	[]string{"result"},
)

// LockoutsTotal counts accounts locked after too many failed logins.
var LockoutsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "account_lockouts_total",
		Help:      "Accounts locked after reaching the failed login limit.",
	},
)

// RegistrationsTotal counts successful sign-ups.
var RegistrationsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registrations_total",
		Help:      "Accounts created through registration.",
	},
)

// SessionInvalidationsTotal counts sessions destroyed by validation.
// Label reason: timeout, ip_mismatch.
var SessionInvalidationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_invalidations_total",
		Help:      "Sessions destroyed on validation, by reason.",
	},
	[]string{"reason"},
)

// RememberLoginsTotal counts re-authentications from the remember-me cookie.
// Label result: success, rejected.
var RememberLoginsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remember_logins_total",
		Help:      "Silent logins from the remember-me cookie, by result.",
	},
	[]string{"result"},
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
