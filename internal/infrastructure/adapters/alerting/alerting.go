// Package alerting delivers operator alerts: unmapped gateway statuses,
// transactions escalated to manual review and failed intent application.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

// Alerter sends one alert
type Alerter interface {
	Alert(ctx context.Context, alert entities.OperatorAlert) error
}

// LogAlerter writes alerts to the structured log
type LogAlerter struct {
	logger *zap.Logger
}

// NewLogAlerter creates a log alerter
func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert implements Alerter
func (a *LogAlerter) Alert(_ context.Context, alert entities.OperatorAlert) error {
	fields := []zap.Field{
		zap.String("severity", alert.Severity),
		zap.String("transaction_id", alert.TransactionID.String()),
		zap.String("kind", string(alert.Kind)),
		zap.String("detail", alert.Detail),
		zap.Time("raised_at", alert.RaisedAt),
	}
	for _, k := range sortedKeys(alert.Fields) {
		fields = append(fields, zap.Any(k, alert.Fields[k]))
	}

	if alert.Severity == entities.AlertSeverityCritical {
		a.logger.Error("OPERATOR ALERT: "+alert.Title, fields...)
	} else {
		a.logger.Warn("OPERATOR ALERT: "+alert.Title, fields...)
	}
	return nil
}

// Multi fans an alert out to every channel and reports every failure
type Multi []Alerter

// Alert implements Alerter
func (m Multi) Alert(ctx context.Context, alert entities.OperatorAlert) error {
	var errs []error
	for _, a := range m {
		if err := a.Alert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func subject(alert entities.OperatorAlert) string {
	return fmt.Sprintf("[PIX][%s] %s", strings.ToUpper(alert.Severity), alert.Title)
}

func textBody(alert entities.OperatorAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", alert.Title)
	fmt.Fprintf(&b, "Transaction: %s (%s)\n", alert.TransactionID, alert.Kind)
	fmt.Fprintf(&b, "Severity: %s\n", alert.Severity)
	fmt.Fprintf(&b, "Raised at: %s\n", alert.RaisedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	if alert.Detail != "" {
		fmt.Fprintf(&b, "\n%s\n", alert.Detail)
	}
	if len(alert.Fields) > 0 {
		b.WriteString("\n")
		for _, k := range sortedKeys(alert.Fields) {
			fmt.Fprintf(&b, "%s: %v\n", k, alert.Fields[k])
		}
	}
	return b.String()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
