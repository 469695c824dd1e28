// Package metrics は Prometheus のレジストリとアプリケーション固有のカウンターをまとめます。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fueled_forward_auth"

// Metrics はこのサービスのカウンター群です。nil のままでも各メソッドは安全に呼べます。
type Metrics struct {
	registry        *prometheus.Registry
	gatewayRequests *prometheus.CounterVec
	emailDeliveries *prometheus.CounterVec
	formSubmissions *prometheus.CounterVec
}

// New は専用レジストリを作成し、Go ランタイムとプロセスのメトリクスも登録します。
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		gatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Total number of /api/auth requests forwarded to the auth engine by method and status code",
			},
			[]string{"code", "method"},
		),
		emailDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "email_deliveries_total",
				Help:      "Total number of email delivery attempts by kind and result",
			},
			[]string{"kind", "result"},
		),
		formSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "form_submissions_total",
				Help:      "Total number of form submissions by form and result",
			},
			[]string{"form", "result"},
		),
	}

	registry.MustRegister(m.gatewayRequests)
	registry.MustRegister(m.emailDeliveries)
	registry.MustRegister(m.formSubmissions)
	return m
}

// Registry はテストや追加登録用にレジストリを返します。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics 用のハンドラーを返します。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentGateway はゲートウェイのハンドラーをリクエスト数の計測で包みます。
func (m *Metrics) InstrumentGateway(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return promhttp.InstrumentHandlerCounter(m.gatewayRequests, next)
}

// ObserveDelivery はメール送信結果を記録します。
func (m *Metrics) ObserveDelivery(kind, result string) {
	if m == nil {
		return
	}
	m.emailDeliveries.WithLabelValues(kind, result).Inc()
}

// ObserveForm はフォーム送信の結果を記録します。
func (m *Metrics) ObserveForm(form, result string) {
	if m == nil {
		return
	}
	m.formSubmissions.WithLabelValues(form, result).Inc()
}
