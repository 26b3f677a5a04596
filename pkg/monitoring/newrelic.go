package monitoring

import (
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
)

// Config holds New Relic configuration
type Config struct {
	LicenseKey string
	AppName    string
	Enabled    bool
}

// NewRelicApp wraps the New Relic application
type NewRelicApp struct {
	*newrelic.Application
	enabled bool
}

// New creates a New Relic application, or a disabled shell without a key
func New(cfg Config) (*NewRelicApp, error) {
	if !cfg.Enabled || cfg.LicenseKey == "" {
		return &NewRelicApp{nil, false}, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigAppLogForwardingEnabled(true),
		newrelic.ConfigDistributedTracerEnabled(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create New Relic application: %w", err)
	}

	return &NewRelicApp{app, true}, nil
}

// IsEnabled returns whether New Relic is enabled
func (nr *NewRelicApp) IsEnabled() bool {
	return nr.enabled
}

// RecordCustomEvent records a custom event
func (nr *NewRelicApp) RecordCustomEvent(eventType string, params map[string]interface{}) {
	if !nr.enabled || nr.Application == nil {
		return
	}
	nr.Application.RecordCustomEvent(eventType, params)
}

// RecordCustomMetric records a custom metric
func (nr *NewRelicApp) RecordCustomMetric(name string, value float64) {
	if !nr.enabled || nr.Application == nil {
		return
	}
	nr.Application.RecordCustomMetric(name, value)
}

// Shutdown gracefully shuts down the New Relic application
func (nr *NewRelicApp) Shutdown(timeout time.Duration) {
	if !nr.enabled || nr.Application == nil {
		return
	}
	nr.Application.Shutdown(timeout)
}

// Dispatch-specific helpers

// RecordOrderAccepted records a successful claim
func (nr *NewRelicApp) RecordOrderAccepted(orderID, driverID string) {
	nr.RecordCustomEvent("OrderAccepted", map[string]interface{}{
		"order_id":  orderID,
		"driver_id": driverID,
		"timestamp": time.Now().Unix(),
	})
}

// RecordClaimConflict records a claim lost to a concurrent winner
func (nr *NewRelicApp) RecordClaimConflict(orderID string) {
	nr.RecordCustomEvent("ClaimConflict", map[string]interface{}{
		"order_id":  orderID,
		"timestamp": time.Now().Unix(),
	})
}

// RecordOrdersExpired records a sweep outcome
func (nr *NewRelicApp) RecordOrdersExpired(count int) {
	nr.RecordCustomMetric("custom/dispatch/orders_expired", float64(count))
}
