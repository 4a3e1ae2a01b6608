// Package metrics defines the observability boundary of the gateway core. The core only ever talks to the Counters
// interface; the Prometheus implementation lives here so the hot path has no registry dependency.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Resume outcome labels.
const (
	ResumeOK   = "ok"
	ResumeFail = "fail"
	ResumeGap  = "buffer_gap"
)

// Counters receives gateway events. Implementations must be safe for concurrent use and must never block.
type Counters interface {
	ConnectionOpened()
	ConnectionClosed()
	FrameIn(op int)
	FrameOut(op int)
	RateLimited(op int)
	Resume(result string)
	BusMessage(scope string)
	BusDropped()
}

// Nop discards all counter updates.
type Nop struct{}

func (Nop) ConnectionOpened()  {}
func (Nop) ConnectionClosed()  {}
func (Nop) FrameIn(int)        {}
func (Nop) FrameOut(int)       {}
func (Nop) RateLimited(int)    {}
func (Nop) Resume(string)      {}
func (Nop) BusMessage(string)  {}
func (Nop) BusDropped()        {}

// Prometheus implements Counters with prometheus collectors.
type Prometheus struct {
	connections prometheus.Gauge
	framesIn    *prometheus.CounterVec
	framesOut   *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	resumes     *prometheus.CounterVec
	busMessages *prometheus.CounterVec
	busDropped  prometheus.Counter
}

// NewPrometheus creates the gateway collectors and registers them with the given registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Currently open WebSocket connections.",
		}),
		framesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_frames_in_total",
			Help: "Inbound frames by opcode.",
		}, []string{"op"}),
		framesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_frames_out_total",
			Help: "Outbound frames by opcode.",
		}, []string{"op"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Frames rejected by the per-opcode rate limiter.",
		}, []string{"op"}),
		resumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_resume_total",
			Help: "Resume attempts by outcome.",
		}, []string{"result"}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_bus_messages_total",
			Help: "Cross-process bus messages received, by channel scope.",
		}, []string{"scope"}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bus_dropped_total",
			Help: "Malformed bus messages dropped before dispatch.",
		}),
	}
	reg.MustRegister(p.connections, p.framesIn, p.framesOut, p.rateLimited, p.resumes, p.busMessages, p.busDropped)
	return p
}

func (p *Prometheus) ConnectionOpened() { p.connections.Inc() }
func (p *Prometheus) ConnectionClosed() { p.connections.Dec() }

func (p *Prometheus) FrameIn(op int) {
	p.framesIn.WithLabelValues(strconv.Itoa(op)).Inc()
}

func (p *Prometheus) FrameOut(op int) {
	p.framesOut.WithLabelValues(strconv.Itoa(op)).Inc()
}

func (p *Prometheus) RateLimited(op int) {
	p.rateLimited.WithLabelValues(strconv.Itoa(op)).Inc()
}

func (p *Prometheus) Resume(result string) {
	p.resumes.WithLabelValues(result).Inc()
}

func (p *Prometheus) BusMessage(scope string) {
	p.busMessages.WithLabelValues(scope).Inc()
}

func (p *Prometheus) BusDropped() { p.busDropped.Inc() }
