package httpserver

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/acceltop-web/internal/sampler"
)

const metricsNamespace = "acceltop"

type deviceMetricsCollector struct {
	sampler *sampler.Manager
	metrics []deviceMetric
}

type deviceMetric struct {
	desc    *prometheus.Desc
	extract func(sample sampler.Sample) (float64, bool)
}

func fromUint32(p *uint32) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return float64(*p), true
}

func fromUint64(p *uint64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return float64(*p), true
}

func fromFloat64(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

func newDeviceMetricsCollector(samplerManager *sampler.Manager) prometheus.Collector {
	if samplerManager == nil {
		return nil
	}

	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "device", name),
			help,
			[]string{"device_id", "vendor"},
			nil,
		)
	}

	collector := &deviceMetricsCollector{sampler: samplerManager}
	collector.metrics = []deviceMetric{
		{
			desc:    desc("utilization_percent", "Current compute engine utilization percentage."),
			extract: func(s sampler.Sample) (float64, bool) { return fromUint32(s.Metrics.GPUUtilPct) },
		},
		{
			desc:    desc("memory_utilization_percent", "Current device memory utilization percentage."),
			extract: func(s sampler.Sample) (float64, bool) { return fromUint32(s.Metrics.MemUtilPct) },
		},
		{
			desc:    desc("encoder_utilization_percent", "Current video encoder utilization percentage."),
			extract: func(s sampler.Sample) (float64, bool) { return fromUint32(s.Metrics.EncoderPct) },
		},
		{
			desc:    desc("decoder_utilization_percent", "Current video decoder utilization percentage."),
			extract: func(s sampler.Sample) (float64, bool) { return fromUint32(s.Metrics.DecoderPct) },
		},
		{
			desc:    desc("clock_mhz", "Current graphics or SM clock in MHz."),
			extract: func(s sampler.Sample) (float64, bool) { return fromUint32(s.Metrics.GPUClockMHz) },
		},
		{
			desc:    desc("memory_clock_mhz", "Current memory clock in MHz."),
			extract: func(s sampler.Sample) (float64, bool) { return fromUint32(s.Metrics.MemClockMHz) },
		},
		{
			desc:    desc("temperature_celsius", "Current device temperature in Celsius."),
			extract: func(s sampler.Sample) (float64, bool) { return fromUint32(s.Metrics.TempC) },
		},
		{
			desc:    desc("fan_speed_percent", "Current fan speed percentage."),
			extract: func(s sampler.Sample) (float64, bool) { return fromUint32(s.Metrics.FanSpeedPct) },
		},
		{
			desc:    desc("power_watts", "Current power draw in Watts."),
			extract: func(s sampler.Sample) (float64, bool) { return fromFloat64(s.Metrics.PowerW) },
		},
		{
			desc:    desc("power_limit_watts", "Enforced power limit in Watts."),
			extract: func(s sampler.Sample) (float64, bool) { return fromFloat64(s.Metrics.PowerMaxW) },
		},
		{
			desc:    desc("memory_used_bytes", "Current device memory usage in bytes."),
			extract: func(s sampler.Sample) (float64, bool) { return fromUint64(s.Metrics.MemUsedBytes) },
		},
		{
			desc:    desc("memory_total_bytes", "Total device memory capacity in bytes."),
			extract: func(s sampler.Sample) (float64, bool) { return fromUint64(s.Metrics.MemTotalBytes) },
		},
		{
			desc:    desc("pcie_rx_kilobytes_per_second", "PCIe receive throughput in KB/s."),
			extract: func(s sampler.Sample) (float64, bool) { return fromUint32(s.Metrics.PCIeRxKBps) },
		},
		{
			desc:    desc("pcie_tx_kilobytes_per_second", "PCIe transmit throughput in KB/s."),
			extract: func(s sampler.Sample) (float64, bool) { return fromUint32(s.Metrics.PCIeTxKBps) },
		},
		{
			desc: desc("processes", "Number of processes reported on the device."),
			extract: func(s sampler.Sample) (float64, bool) {
				return float64(len(s.Processes)), true
			},
		},
		{
			desc: desc("sample_timestamp_seconds", "Unix timestamp of the latest device sample."),
			extract: func(s sampler.Sample) (float64, bool) {
				if s.Timestamp.IsZero() {
					return 0, false
				}
				return float64(s.Timestamp.Unix()), true
			},
		},
		{
			desc: desc("sample_age_seconds", "Seconds elapsed since the latest device sample was collected."),
			extract: func(s sampler.Sample) (float64, bool) {
				if s.Timestamp.IsZero() {
					return 0, false
				}
				return max(time.Since(s.Timestamp).Seconds(), 0), true
			},
		},
	}

	return collector
}

func (c *deviceMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *deviceMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, info := range c.sampler.Devices() {
		sample, ok := c.sampler.Latest(info.ID)
		if !ok {
			continue
		}
		for _, metric := range c.metrics {
			value, ok := metric.extract(sample)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value, info.ID, info.Vendor)
		}
	}
}

type backendMetricsCollector struct {
	sampler *sampler.Manager
	up      *prometheus.Desc
	devices *prometheus.Desc
}

func newBackendMetricsCollector(samplerManager *sampler.Manager) prometheus.Collector {
	if samplerManager == nil {
		return nil
	}
	return &backendMetricsCollector{
		sampler: samplerManager,
		up: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "backend", "up"),
			"Whether the vendor backend initialised successfully.",
			[]string{"vendor"},
			nil,
		),
		devices: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "backend", "devices"),
			"Number of devices enumerated by the vendor backend.",
			[]string{"vendor"},
			nil,
		),
	}
}

func (c *backendMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.devices
}

func (c *backendMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, status := range c.sampler.Backends() {
		up := 0.0
		if status.Active {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, up, status.Name)
		ch <- prometheus.MustNewConstMetric(c.devices, prometheus.GaugeValue, float64(status.Devices), status.Name)
	}
}

func (s *Server) prometheusCollectors() []prometheus.Collector {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
	}

	if c := newDeviceMetricsCollector(s.sampler); c != nil {
		collectors = append(collectors, c)
	}
	if c := newBackendMetricsCollector(s.sampler); c != nil {
		collectors = append(collectors, c)
	}
	return collectors
}

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	for _, collector := range s.prometheusCollectors() {
		registry.MustRegister(collector)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
