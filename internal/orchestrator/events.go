package orchestrator

import "time"

type EventKind string

const (
	EventPhase     EventKind = "phase"
	EventProgress  EventKind = "progress"
	EventMetric    EventKind = "metric"
	EventComplete  EventKind = "complete"
	EventError     EventKind = "error"
	EventCancelled EventKind = "cancelled"
)

type Phase string

const (
	PhaseLatency     Phase = "latency"
	PhaseGateway     Phase = "gateway"
	PhaseDownload    Phase = "download"
	PhaseUpload      Phase = "upload"
	PhaseCalculating Phase = "calculating"
)

// Metric names carried by metric events.
const (
	MetricDownload     = "download"
	MetricUpload       = "upload"
	MetricPing         = "ping"
	MetricJitter       = "jitter"
	MetricGatewayPing  = "gateway_ping"
	MetricLocalLatency = "local_latency"
	MetricGrade        = "grade"
)

// Event is one item of a test's progress stream. Exactly one complete,
// error or cancelled event ends every stream.
type Event struct {
	Kind    EventKind `json:"type"`
	Phase   Phase     `json:"phase,omitempty"`
	Message string    `json:"message,omitempty"`
	Percent int       `json:"percent,omitempty"`
	Name    string    `json:"name,omitempty"`
	Value   any       `json:"value,omitempty"`
	Result  *Result   `json:"result,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"timestamp"`
}

func (e Event) Terminal() bool {
	switch e.Kind {
	case EventComplete, EventError, EventCancelled:
		return true
	}
	return false
}

// Result is one completed measurement. Fields that could not be measured
// are nil.
type Result struct {
	ID             string    `json:"id"`
	DeviceID       string    `json:"device_id,omitempty"`
	Target         string    `json:"target"`
	Timestamp      time.Time `json:"timestamp"`
	DownloadMbps   *float64  `json:"download"`
	UploadMbps     *float64  `json:"upload"`
	PingMs         *float64  `json:"ping"`
	JitterMs       *float64  `json:"jitter"`
	PacketLoss     *float64  `json:"packet_loss"`
	PingDownloadMs *float64  `json:"ping_download"`
	PingUploadMs   *float64  `json:"ping_upload"`
	GatewayPingMs  *float64  `json:"gateway_ping"`
	LocalLatencyMs *float64  `json:"local_latency"`
	Grade          string    `json:"grade"`
	Errors         []string  `json:"errors,omitempty"`
}
