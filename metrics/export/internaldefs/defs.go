package internaldefs

import (
	portalauth "github.com/MrEthical07/portalauth"
)

// CounterDef names one exported counter.
type CounterDef struct {
	ID   portalauth.MetricID
	Name string
	Help string
}

// HistogramDef names one exported histogram.
type HistogramDef struct {
	ID   portalauth.MetricID
	Name string
	Help string
}

// CounterDefs lists every counter in exposition order.
var CounterDefs = []CounterDef{
	{ID: portalauth.MetricResolveSuccess, Name: "portalauth_resolve_success_total", Help: "Resolutions that published a signed-in user."},
	{ID: portalauth.MetricResolveEmpty, Name: "portalauth_resolve_empty_total", Help: "Resolutions that found no provider session."},
	{ID: portalauth.MetricResolveFailure, Name: "portalauth_resolve_failure_total", Help: "Resolutions that failed and cleared the user."},
	{ID: portalauth.MetricResolveSuperseded, Name: "portalauth_resolve_superseded_total", Help: "Resolutions discarded because a newer one had already committed."},
	{ID: portalauth.MetricResolveAbandoned, Name: "portalauth_resolve_abandoned_total", Help: "Resolutions abandoned without publishing."},
	{ID: portalauth.MetricRefreshTick, Name: "portalauth_refresh_tick_total", Help: "Periodic refresh ticks."},
	{ID: portalauth.MetricSessionEvent, Name: "portalauth_session_event_total", Help: "Provider session-change events received."},
	{ID: portalauth.MetricSignInSuccess, Name: "portalauth_sign_in_success_total", Help: "Successful sign-ins."},
	{ID: portalauth.MetricSignInFailure, Name: "portalauth_sign_in_failure_total", Help: "Failed sign-ins."},
	{ID: portalauth.MetricSignOut, Name: "portalauth_sign_out_total", Help: "Sign-outs."},
	{ID: portalauth.MetricSignOutPartial, Name: "portalauth_sign_out_partial_total", Help: "Sign-outs whose provider call failed after local state was cleared."},
	{ID: portalauth.MetricRoleOverride, Name: "portalauth_role_override_total", Help: "Administrator role overrides applied."},
	{ID: portalauth.MetricRoleCorrectionFailure, Name: "portalauth_role_correction_failure_total", Help: "Failed persistent role corrections."},
	{ID: portalauth.MetricGuardAuthorized, Name: "portalauth_guard_authorized_total", Help: "Guard checks that authorized the route."},
	{ID: portalauth.MetricGuardForbidden, Name: "portalauth_guard_forbidden_total", Help: "Guard checks that denied the route."},
	{ID: portalauth.MetricGuardUnauthenticated, Name: "portalauth_guard_unauthenticated_total", Help: "Guard checks without a signed-in user."},
	{ID: portalauth.MetricGuardPending, Name: "portalauth_guard_pending_total", Help: "Guard checks answered while resolution was in flight."},
}

// HistogramDefs lists every histogram.
var HistogramDefs = []HistogramDef{
	{ID: portalauth.MetricResolveLatency, Name: "portalauth_resolve_latency_seconds", Help: "Provider and profile lookup latency per resolution."},
}

// AuditDroppedName is the counter for audit events dropped under backpressure.
const AuditDroppedName = "portalauth_audit_dropped_total"

// HistogramBounds are the Prometheus le labels of the latency buckets.
var HistogramBounds = [8]string{"0.005", "0.01", "0.025", "0.05", "0.1", "0.25", "0.5", "+Inf"}

// HistogramBoundSuffix is HistogramBounds in a form usable inside instrument names.
var HistogramBoundSuffix = [8]string{"0_005", "0_01", "0_025", "0_05", "0_1", "0_25", "0_5", "inf"}

// Cumulative pads or truncates raw to eight buckets and returns running totals.
func Cumulative(raw []uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := range out {
		if i < len(raw) {
			running += raw[i]
		}
		out[i] = running
	}
	return out
}
