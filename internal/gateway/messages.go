package gateway

import (
	"time"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
	"github.com/nerrad567/knxlink/internal/connection"
	"github.com/nerrad567/knxlink/internal/groupcomm"
)

// CommandMessage is a group write requested over MQTT.
// Topic: {prefix}/command/knx/{ga}
//
// The value is either typed (Value, encoded through DPT or the datapoint
// bound to the address) or textual (Raw, optionally with Bits).
type CommandMessage struct {
	// ID correlates the command with its ack. Generated when empty.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	knx.ValueInput

	// Priority is system, alarm, high or low. Empty uses the default.
	Priority string `json:"priority,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`
}

// AckStatus is the outcome of a command.
type AckStatus string

const (
	// AckAccepted means the transport took the write.
	AckAccepted AckStatus = "accepted"

	// AckFailed means the write was rejected or could not be sent.
	AckFailed AckStatus = "failed"

	// AckTimeout means the write did not complete in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage answers a CommandMessage.
// Topic: {prefix}/ack/knx/{ga}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewAckMessage creates a successful ack for cmd.
func NewAckMessage(cmd CommandMessage, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		Status:    AckAccepted,
		Protocol:  protocol,
		Address:   address,
	}
}

// NewAckError creates a failed ack for cmd. Timeouts get their own status.
func NewAckError(cmd CommandMessage, address string, err error) AckMessage {
	ack := NewAckMessage(cmd, address)
	code := knx.ErrorCode(err)
	ack.Status = AckFailed
	if code == knx.CodeTimeout {
		ack.Status = AckTimeout
	}
	ack.Error = &AckError{Code: code, Message: err.Error()}
	return ack
}

// EventMessage mirrors one group event.
// Topic: {prefix}/event/knx/{ga}
type EventMessage struct {
	Timestamp time.Time     `json:"timestamp"`
	Address   string        `json:"address"`
	Source    string        `json:"source"`
	Kind      knx.EventKind `json:"kind"`
	Epoch     uint64        `json:"epoch"`
	Value     knx.Presented `json:"value"`
}

// StateMessage carries the last known value of a group address.
// Topic: {prefix}/state/knx/{ga}
// QoS: configured, Retained: Yes
type StateMessage struct {
	Timestamp time.Time     `json:"timestamp"`
	Protocol  string        `json:"protocol"`
	Address   string        `json:"address"`
	Source    string        `json:"source"`
	State     knx.Presented `json:"state"`
}

// HealthStatus represents the operational status of the gateway.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"

	// HealthOffline is what the broker publishes from the LWT.
	HealthOffline HealthStatus = "offline"

	HealthStarting HealthStatus = "starting"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage reports operational status.
// Topic: {prefix}/health/knx
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Service       string             `json:"service"`
	Timestamp     time.Time          `json:"timestamp"`
	Status        HealthStatus       `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Connection    *connection.Status `json:"connection,omitempty"`
	Statistics    *groupcomm.Stats   `json:"statistics,omitempty"`
	Datapoints    int                `json:"datapoints"`
	Reason        string             `json:"reason,omitempty"`
}

// Request actions.
const (
	ActionRead      = "read"
	ActionReadMany  = "read_many"
	ActionWriteMany = "write_many"
)

// RequestMessage asks for a request/response operation.
// Topic: {prefix}/request/knx/{request_id}
type RequestMessage struct {
	// RequestID correlates the response. Defaults to the topic's last
	// segment.
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`

	// Address is the target of ActionRead.
	Address string `json:"address,omitempty"`

	// Addresses are the targets of ActionReadMany.
	Addresses []string `json:"addresses,omitempty"`

	// Writes are the items of ActionWriteMany.
	Writes []WriteItem `json:"writes,omitempty"`

	// TimeoutMS bounds each read. Zero uses the service default.
	TimeoutMS int `json:"timeout_ms,omitempty"`

	Priority string `json:"priority,omitempty"`

	// DPT overrides the datapoint type used to present read values.
	DPT string `json:"dpt,omitempty"`
}

// WriteItem is one write of ActionWriteMany.
type WriteItem struct {
	Address string `json:"address"`
	knx.ValueInput
}

// ResponseMessage answers a RequestMessage.
// Topic: {prefix}/response/knx/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	Timestamp time.Time      `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
}

// ResponseError contains error details for failed requests.
type ResponseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ItemResult is the per-address outcome inside read_many and write_many
// responses.
type ItemResult struct {
	Address string         `json:"address"`
	Value   *knx.Presented `json:"value,omitempty"`
	Error   *ResponseError `json:"error,omitempty"`
}

func newResponse(id string, data map[string]any) ResponseMessage {
	return ResponseMessage{
		RequestID: id,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Data:      data,
	}
}

func newErrorResponse(id string, err error) ResponseMessage {
	return ResponseMessage{
		RequestID: id,
		Timestamp: time.Now().UTC(),
		Error:     responseError(err),
	}
}

func responseError(err error) *ResponseError {
	return &ResponseError{Code: knx.ErrorCode(err), Message: err.Error()}
}
