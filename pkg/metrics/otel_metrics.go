package metrics

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"consult-service/pkg/tracing"

	runtimeotel "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// HTTP指标
	httpRequestDuration metric.Float64Histogram
	httpRequestsTotal   metric.Int64Counter
	httpRequestErrors   metric.Int64Counter

	// 业务逻辑指标
	businessOperationsTotal   metric.Int64Counter
	businessOperationDuration metric.Float64Histogram
	businessOperationErrors   metric.Int64Counter

	authFailuresTotal     metric.Int64Counter
	permissionDeniedTotal metric.Int64Counter

	// 清扫指标
	sweepRunsTotal          metric.Int64Counter
	sweepDuration           metric.Float64Histogram
	invitationsExpiredTotal metric.Int64Counter
	refundsTotal            metric.Int64Counter
	refundedTokensTotal     metric.Int64Counter

	notificationDeliveriesTotal metric.Int64Counter
	auditEventsTotal            metric.Int64Counter
)

const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
)

// InitOTelMetrics 初始化OpenTelemetry指标
func InitOTelMetrics() error {
	meter := tracing.GetMeter()

	var err error

	httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create http duration metric: %w", err)
	}

	httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("create http requests metric: %w", err)
	}

	httpRequestErrors, err = meter.Int64Counter(
		"http_request_errors_total",
		metric.WithDescription("Total number of HTTP request errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("create http errors metric: %w", err)
	}

	businessOperationsTotal, err = meter.Int64Counter(
		"business_operations_total",
		metric.WithDescription("Total number of business operations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("create business operations metric: %w", err)
	}

	businessOperationDuration, err = meter.Float64Histogram(
		"business_operation_duration_seconds",
		metric.WithDescription("Business operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create business duration metric: %w", err)
	}

	businessOperationErrors, err = meter.Int64Counter(
		"business_operation_errors_total",
		metric.WithDescription("Total number of business operation errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("create business errors metric: %w", err)
	}

	authFailuresTotal, err = meter.Int64Counter(
		"auth_failures_total",
		metric.WithDescription("Total number of authentication failures"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("create auth failures metric: %w", err)
	}

	permissionDeniedTotal, err = meter.Int64Counter(
		"permission_denied_total",
		metric.WithDescription("Total number of permission denied errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("create permission denied metric: %w", err)
	}

	sweepRunsTotal, err = meter.Int64Counter(
		"sweep_runs_total",
		metric.WithDescription("Total number of expiry and refund sweeps by trigger and status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("create sweep runs metric: %w", err)
	}

	sweepDuration, err = meter.Float64Histogram(
		"sweep_duration_seconds",
		metric.WithDescription("Sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create sweep duration metric: %w", err)
	}

	invitationsExpiredTotal, err = meter.Int64Counter(
		"invitations_expired_total",
		metric.WithDescription("Total number of consultant invitations processed by the expiry step"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("create invitations expired metric: %w", err)
	}

	refundsTotal, err = meter.Int64Counter(
		"refunds_total",
		metric.WithDescription("Total number of submission refunds by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("create refunds metric: %w", err)
	}

	refundedTokensTotal, err = meter.Int64Counter(
		"refunded_tokens_total",
		metric.WithDescription("Total number of tokens credited back by refunds"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("create refunded tokens metric: %w", err)
	}

	notificationDeliveriesTotal, err = meter.Int64Counter(
		"notification_deliveries_total",
		metric.WithDescription("Total number of notification deliveries by channel and result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("create notification deliveries metric: %w", err)
	}

	auditEventsTotal, err = meter.Int64Counter(
		"audit_events_total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("create audit events metric: %w", err)
	}

	// 启用 Go runtime 指标导出
	_ = runtimeotel.Start(runtimeotel.WithMinimumReadMemStatsInterval(10 * time.Second))
	return nil
}

func requestID(ctx context.Context) string {
	if v := ctx.Value("request_id"); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// RecordHTTPRequest 记录HTTP请求指标
func RecordHTTPRequest(ctx context.Context, method, endpoint, status string, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http_method", method),
		attribute.String("http_endpoint", endpoint),
		attribute.String("http_status", status),
	}

	httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if code, err := strconv.Atoi(status); err == nil && code >= 400 {
		httpRequestErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordBusinessOperation 记录业务操作指标
func RecordBusinessOperation(ctx context.Context, operation string, success bool, duration time.Duration, errorType string) {
	if businessOperationsTotal == nil {
		return
	}
	status := ResultSuccess
	if !success {
		status = ResultFailed
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status", status),
		attribute.String("error_type", errorType),
	}

	businessOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	businessOperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("operation", operation)))

	if !success && errorType != "" {
		businessOperationErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func RecordAuthFailure(ctx context.Context, authType, reason, clientIP string) {
	if authFailuresTotal == nil {
		return
	}
	authFailuresTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("auth_type", authType),
		attribute.String("reason", reason),
		attribute.String("client_ip", clientIP),
	))
}

func RecordPermissionDenied(ctx context.Context, resource, userID, reason string) {
	if permissionDeniedTotal == nil {
		return
	}
	permissionDeniedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("user_id", userID),
		attribute.String("reason", reason),
	))
}

// RecordSweep 记录一次清扫
func RecordSweep(ctx context.Context, trigger, status string, duration time.Duration) {
	if sweepRunsTotal == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("trigger", trigger),
		attribute.String("status", status),
	}
	sweepRunsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	sweepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("trigger", trigger)))
}

func RecordInvitationExpiry(ctx context.Context, result string) {
	if invitationsExpiredTotal == nil {
		return
	}
	invitationsExpiredTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRefund 记录退款结果，成功时累计退回代币
func RecordRefund(ctx context.Context, result string, tokens int64) {
	if refundsTotal == nil {
		return
	}
	refundsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if result == ResultSuccess && tokens > 0 {
		refundedTokensTotal.Add(ctx, tokens)
	}
}

func RecordNotificationDelivery(ctx context.Context, channel, notificationType, result string) {
	if notificationDeliveriesTotal == nil {
		return
	}
	notificationDeliveriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("type", notificationType),
		attribute.String("result", result),
	))
}

// RecordAuditEvent 记录审计事件计数
func RecordAuditEvent(ctx context.Context, action, subjectType, status string) {
	if auditEventsTotal == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("action", action),
		attribute.String("subject_type", subjectType),
		attribute.String("status", status),
	}
	if reqID := requestID(ctx); reqID != "" {
		attrs = append(attrs, attribute.String("request_id", reqID))
	}
	auditEventsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}
