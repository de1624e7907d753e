package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/knxlink/internal/bridges/knx"
	"github.com/nerrad567/knxlink/internal/connection"
	"github.com/nerrad567/knxlink/internal/eventbus"
	"github.com/nerrad567/knxlink/internal/groupcomm"
	"github.com/nerrad567/knxlink/internal/infrastructure/mqtt"
)

const (
	protocol = mqtt.Protocol

	// defaultCommandTimeout bounds one command's Write.
	defaultCommandTimeout = 5 * time.Second

	// defaultRequestTimeout bounds a whole request, bulk ones included.
	defaultRequestTimeout = 30 * time.Second
)

// MQTTClient is the subset of the MQTT client the gateway needs.
// Satisfied by *mqtt.Client.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// GroupService is the group communication API the gateway drives.
// Satisfied by *groupcomm.Service.
type GroupService interface {
	Write(ctx context.Context, ga knx.GroupAddress, value knx.GroupValue, opts ...groupcomm.Option) error
	ReadOne(ctx context.Context, ga knx.GroupAddress, opts ...groupcomm.Option) (knx.GroupValue, error)
	ReadMany(ctx context.Context, gas []knx.GroupAddress, opts ...groupcomm.Option) (map[knx.GroupAddress]groupcomm.ReadResult, error)
	WriteMany(ctx context.Context, reqs []groupcomm.WriteRequest, opts ...groupcomm.Option) ([]groupcomm.WriteResult, error)
	SubscribeEvents(name string, fn func(knx.GroupEvent)) (*eventbus.Subscription, error)
	SubscribeState(name string, fn func(connection.StateChange)) (*eventbus.Subscription, error)
	Stats() groupcomm.Stats
}

// StatusSource reports the bus connection status. Satisfied by
// *connection.Manager.
type StatusSource interface {
	Status() connection.Status
}

var (
	_ MQTTClient   = (*mqtt.Client)(nil)
	_ GroupService = (*groupcomm.Service)(nil)
	_ StatusSource = (*connection.Manager)(nil)
)

// Options configures a Gateway.
type Options struct {
	MQTT       MQTTClient
	Service    GroupService
	Connection StatusSource
	Datapoints *knx.DatapointMap
	Topics     mqtt.Topics

	// QoS for acks, responses, events and state. Health always uses 1.
	QoS byte

	ServiceID      string
	Version        string
	HealthInterval time.Duration
	CommandTimeout time.Duration
	RequestTimeout time.Duration

	Logger knx.Logger
}

// Gateway bridges MQTT and the group communication service:
//   - command topics become group writes, answered on the ack topic
//   - request topics become reads and bulk operations, answered on the
//     response topic
//   - every group event is mirrored on the event topic, and values are
//     published retained on the state topic when they change
//
// Thread Safety: All methods are safe for concurrent use.
type Gateway struct {
	mqtt       MQTTClient
	svc        GroupService
	datapoints *knx.DatapointMap
	topics     mqtt.Topics
	qos        byte
	health     *HealthReporter

	commandTimeout time.Duration
	requestTimeout time.Duration

	// lastState suppresses unchanged retained state publishes.
	lastState   map[knx.GroupAddress]knx.GroupValue
	lastStateMu sync.Mutex

	subs []*eventbus.Subscription

	// Shutdown coordination
	mu        sync.Mutex
	stopped   bool
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	logger   knx.Logger
	loggerMu sync.RWMutex
}

// New creates a gateway. Call Start to begin operation.
func New(opts Options) (*Gateway, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Service == nil {
		return nil, fmt.Errorf("group service is required")
	}
	if opts.Datapoints == nil {
		opts.Datapoints = knx.NewDatapointMap(nil)
	}
	if opts.Topics.Prefix == "" {
		opts.Topics = mqtt.NewTopics("")
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		mqtt:           opts.MQTT,
		svc:            opts.Service,
		datapoints:     opts.Datapoints,
		topics:         opts.Topics,
		qos:            opts.QoS,
		commandTimeout: opts.CommandTimeout,
		requestTimeout: opts.RequestTimeout,
		lastState:      make(map[knx.GroupAddress]knx.GroupValue),
		ctx:            ctx,
		ctxCancel:      cancel,
		logger:         opts.Logger,
	}

	g.health = NewHealthReporter(HealthReporterConfig{
		ServiceID:  opts.ServiceID,
		Version:    opts.Version,
		Interval:   opts.HealthInterval,
		Topic:      opts.Topics.Health(),
		Publisher:  opts.MQTT,
		Connection: opts.Connection,
		Stats:      opts.Service,
		Datapoints: opts.Datapoints.Len(),
	})
	if opts.Logger != nil {
		g.health.SetLogger(opts.Logger)
	}
	return g, nil
}

// Start subscribes to the bus and to the command and request topics, and
// starts health reporting.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.health.PublishStarting(); err != nil {
		g.logError("failed to publish starting status", err)
	}

	events, err := g.svc.SubscribeEvents("gateway", g.handleGroupEvent)
	if err != nil {
		return fmt.Errorf("subscribe to group events: %w", err)
	}
	states, err := g.svc.SubscribeState("gateway", g.handleStateChange)
	if err != nil {
		events.Unsubscribe()
		return fmt.Errorf("subscribe to state changes: %w", err)
	}
	g.mu.Lock()
	g.subs = append(g.subs, events, states)
	g.mu.Unlock()

	for _, topic := range []string{g.topics.AllCommands(), g.topics.AllRequests()} {
		if err := g.mqtt.Subscribe(topic, 1, g.handleMQTTMessage); err != nil {
			return fmt.Errorf("subscribe to %s: %w", topic, err)
		}
		g.logInfo("subscribed", "topic", topic)
	}

	g.health.Start(ctx)

	g.logInfo("gateway started", "prefix", g.topics.Prefix, "datapoints", g.datapoints.Len())
	return nil
}

// Stop aborts in-flight commands, waits for their handlers and publishes
// a final "stopping" health status. Safe to call more than once.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.stopped = true
		subs := g.subs
		g.subs = nil
		g.mu.Unlock()

		for _, sub := range subs {
			sub.Unsubscribe()
		}
		if g.mqtt.IsConnected() {
			for _, topic := range []string{g.topics.AllCommands(), g.topics.AllRequests()} {
				if err := g.mqtt.Unsubscribe(topic); err != nil {
					g.logDebug("unsubscribe failed", "topic", topic, "error", err)
				}
			}
		}

		g.ctxCancel()
		g.wg.Wait()
		g.health.Stop()

		g.logInfo("gateway stopped")
	})
}

// Health returns the health reporter.
func (g *Gateway) Health() *HealthReporter {
	return g.health
}

// SetLogger sets the logger for the gateway and its health reporter.
func (g *Gateway) SetLogger(logger knx.Logger) {
	g.loggerMu.Lock()
	g.logger = logger
	g.loggerMu.Unlock()

	g.health.SetLogger(logger)
}

// handleMQTTMessage routes command and request messages. Each one is
// handled on its own goroutine so a slow read does not hold up the
// client's delivery.
func (g *Gateway) handleMQTTMessage(topic string, payload []byte) error {
	category, last, ok := g.topics.Split(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %q", topic)
	}

	switch category {
	case "command":
		g.spawn(func() { g.handleCommand(last, payload) })
	case "request":
		g.spawn(func() { g.handleRequest(last, payload) })
	default:
		return fmt.Errorf("unknown message type %q", category)
	}
	return nil
}

func (g *Gateway) spawn(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// handleCommand executes one group write and publishes its ack.
func (g *Gateway) handleCommand(address string, payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		g.logError("failed to parse command", err)
		g.publishAck(NewAckError(cmd, address, fmt.Errorf("%w: %w", knx.ErrInvalidGroupValue, err)), address)
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	ga, err := knx.ParseGroupAddressFromURL(address)
	if err != nil {
		g.publishAck(NewAckError(cmd, address, err), address)
		return
	}
	// acks always use the canonical address form
	address = ga.String()

	g.logDebug("received command", "command_id", cmd.ID, "ga", address)

	value, err := g.datapoints.Encode(ga, cmd.ValueInput)
	if err != nil {
		g.publishAck(NewAckError(cmd, address, err), address)
		return
	}
	opts, err := callOptions(cmd.Priority, 0)
	if err != nil {
		g.publishAck(NewAckError(cmd, address, err), address)
		return
	}

	ctx, cancel := context.WithTimeout(g.ctx, g.commandTimeout)
	defer cancel()

	if err := g.svc.Write(ctx, ga, value, opts...); err != nil {
		g.logError("command failed", fmt.Errorf("ga=%s: %w", address, err))
		g.publishAck(NewAckError(cmd, address, err), address)
		return
	}
	g.publishAck(NewAckMessage(cmd, address), address)
}

func (g *Gateway) publishAck(ack AckMessage, address string) {
	payload, err := json.Marshal(ack)
	if err != nil {
		g.logError("failed to marshal ack", err)
		return
	}
	topic := g.topics.Ack(topicAddress(address))
	if err := g.mqtt.Publish(topic, payload, g.qos, false); err != nil {
		g.logError("failed to publish ack", err)
	}
}

// handleRequest processes a request message and publishes its response.
func (g *Gateway) handleRequest(id string, payload []byte) {
	var req RequestMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		g.logError("failed to parse request", err)
		g.publishResponse(newErrorResponse(id, fmt.Errorf("%w: %w", knx.ErrInvalidGroupValue, err)))
		return
	}
	if req.RequestID == "" {
		req.RequestID = id
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	g.logDebug("received request", "request_id", req.RequestID, "action", req.Action)

	ctx, cancel := context.WithTimeout(g.ctx, g.requestTimeout)
	defer cancel()

	var resp ResponseMessage
	switch req.Action {
	case ActionRead:
		resp = g.handleRead(ctx, req)
	case ActionReadMany:
		resp = g.handleReadMany(ctx, req)
	case ActionWriteMany:
		resp = g.handleWriteMany(ctx, req)
	default:
		resp = ResponseMessage{
			RequestID: req.RequestID,
			Timestamp: time.Now().UTC(),
			Error: &ResponseError{
				Code:    knx.CodeInvalidCommand,
				Message: fmt.Sprintf("unknown action: %s", req.Action),
			},
		}
	}
	g.publishResponse(resp)
}

func (g *Gateway) handleRead(ctx context.Context, req RequestMessage) ResponseMessage {
	ga, err := knx.ParseGroupAddress(req.Address)
	if err != nil {
		return newErrorResponse(req.RequestID, err)
	}
	opts, err := callOptions(req.Priority, req.TimeoutMS)
	if err != nil {
		return newErrorResponse(req.RequestID, err)
	}

	v, err := g.svc.ReadOne(ctx, ga, opts...)
	if err != nil {
		return newErrorResponse(req.RequestID, err)
	}
	return newResponse(req.RequestID, map[string]any{
		"address": ga.String(),
		"value":   g.datapoints.Present(ga, v, req.DPT),
	})
}

func (g *Gateway) handleReadMany(ctx context.Context, req RequestMessage) ResponseMessage {
	if len(req.Addresses) == 0 {
		return newErrorResponse(req.RequestID, fmt.Errorf("%w: addresses is required", knx.ErrInvalidGroupAddress))
	}
	gas := make([]knx.GroupAddress, 0, len(req.Addresses))
	for _, s := range req.Addresses {
		ga, err := knx.ParseGroupAddress(s)
		if err != nil {
			return newErrorResponse(req.RequestID, err)
		}
		gas = append(gas, ga)
	}
	opts, err := callOptions(req.Priority, req.TimeoutMS)
	if err != nil {
		return newErrorResponse(req.RequestID, err)
	}

	results, err := g.svc.ReadMany(ctx, gas, opts...)
	if err != nil && results == nil {
		return newErrorResponse(req.RequestID, err)
	}

	items := make([]ItemResult, 0, len(gas))
	seen := make(map[knx.GroupAddress]bool, len(gas))
	for _, ga := range gas {
		if seen[ga] {
			continue
		}
		seen[ga] = true
		item := ItemResult{Address: ga.String()}
		r, ok := results[ga]
		switch {
		case !ok:
			item.Error = responseError(err)
		case r.Err != nil:
			item.Error = responseError(r.Err)
		default:
			p := g.datapoints.Present(ga, r.Value, req.DPT)
			item.Value = &p
		}
		items = append(items, item)
	}

	resp := newResponse(req.RequestID, map[string]any{"results": items})
	if err != nil {
		resp.Success = false
		resp.Error = responseError(err)
	}
	return resp
}

func (g *Gateway) handleWriteMany(ctx context.Context, req RequestMessage) ResponseMessage {
	if len(req.Writes) == 0 {
		return newErrorResponse(req.RequestID, fmt.Errorf("%w: writes is required", knx.ErrInvalidGroupValue))
	}
	reqs := make([]groupcomm.WriteRequest, 0, len(req.Writes))
	for i, w := range req.Writes {
		ga, err := knx.ParseGroupAddress(w.Address)
		if err != nil {
			return newErrorResponse(req.RequestID, fmt.Errorf("writes[%d]: %w", i, err))
		}
		v, err := g.datapoints.Encode(ga, w.ValueInput)
		if err != nil {
			return newErrorResponse(req.RequestID, fmt.Errorf("writes[%d]: %w", i, err))
		}
		reqs = append(reqs, groupcomm.WriteRequest{Address: ga, Value: v})
	}
	opts, err := callOptions(req.Priority, 0)
	if err != nil {
		return newErrorResponse(req.RequestID, err)
	}

	results, err := g.svc.WriteMany(ctx, reqs, opts...)
	items := make([]ItemResult, len(reqs))
	for i, r := range reqs {
		items[i] = ItemResult{Address: r.Address.String()}
		switch {
		case i < len(results) && results[i].Err != nil:
			items[i].Error = responseError(results[i].Err)
		case i >= len(results):
			items[i].Error = responseError(err)
		}
	}

	resp := newResponse(req.RequestID, map[string]any{"results": items})
	if err != nil {
		resp.Success = false
		resp.Error = responseError(err)
	}
	return resp
}

func (g *Gateway) publishResponse(resp ResponseMessage) {
	payload, err := json.Marshal(resp)
	if err != nil {
		g.logError("failed to marshal response", err)
		return
	}
	if err := g.mqtt.Publish(g.topics.Response(resp.RequestID), payload, g.qos, false); err != nil {
		g.logError("failed to publish response", err)
	}
}

// handleGroupEvent mirrors a bus event and updates the retained state.
func (g *Gateway) handleGroupEvent(ev knx.GroupEvent) {
	address := ev.Destination.String()
	encoded := ev.Destination.URLEncode()

	var presented knx.Presented
	if ev.Kind.CarriesValue() {
		presented = g.datapoints.Present(ev.Destination, ev.Value, "")
	}

	msg := EventMessage{
		Timestamp: ev.Timestamp.UTC(),
		Address:   address,
		Source:    ev.Source,
		Kind:      ev.Kind,
		Epoch:     ev.Epoch,
		Value:     presented,
	}
	if payload, err := json.Marshal(msg); err != nil {
		g.logError("failed to marshal event", err)
	} else if err := g.mqtt.Publish(g.topics.Event(encoded), payload, g.qos, false); err != nil {
		g.logDebug("event publish skipped", "ga", address, "reason", err.Error())
	}

	if !ev.Kind.CarriesValue() || g.stateUnchanged(ev.Destination, ev.Value) {
		return
	}

	state := StateMessage{
		Timestamp: ev.Timestamp.UTC(),
		Protocol:  protocol,
		Address:   address,
		Source:    ev.Source,
		State:     presented,
	}
	payload, err := json.Marshal(state)
	if err != nil {
		g.logError("failed to marshal state", err)
		return
	}
	if err := g.mqtt.Publish(g.topics.State(encoded), payload, g.qos, true); err != nil {
		g.logError("failed to publish state", err)
		g.forgetState(ev.Destination)
	}
}

// stateUnchanged reports whether v matches the last published state of
// ga and records v otherwise.
func (g *Gateway) stateUnchanged(ga knx.GroupAddress, v knx.GroupValue) bool {
	g.lastStateMu.Lock()
	defer g.lastStateMu.Unlock()

	if last, ok := g.lastState[ga]; ok && last.Equal(v) {
		return true
	}
	g.lastState[ga] = v
	return false
}

func (g *Gateway) forgetState(ga knx.GroupAddress) {
	g.lastStateMu.Lock()
	delete(g.lastState, ga)
	g.lastStateMu.Unlock()
}

// handleStateChange republishes health on every connection transition.
func (g *Gateway) handleStateChange(c connection.StateChange) {
	g.logDebug("bus state changed", "from", c.From.String(), "to", c.To.String(), "epoch", c.Epoch)
	if err := g.health.PublishNow(); err != nil {
		g.logDebug("health publish skipped", "reason", err.Error())
	}
}

// callOptions builds groupcomm options from request fields.
func callOptions(priority string, timeoutMS int) ([]groupcomm.Option, error) {
	var opts []groupcomm.Option
	if priority != "" {
		p, err := knx.ParsePriority(priority)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", knx.ErrInvalidGroupValue, err)
		}
		opts = append(opts, groupcomm.WithPriority(p))
	}
	if timeoutMS < 0 {
		return nil, fmt.Errorf("%w: timeout_ms must not be negative", knx.ErrOutOfRange)
	}
	if timeoutMS > 0 {
		opts = append(opts, groupcomm.WithTimeout(time.Duration(timeoutMS)*time.Millisecond))
	}
	return opts, nil
}

// topicAddress URL-encodes a canonical group address for a topic segment.
// Unparseable input is passed through as received.
func topicAddress(address string) string {
	ga, err := knx.ParseGroupAddress(address)
	if err != nil {
		return address
	}
	return ga.URLEncode()
}

func (g *Gateway) logInfo(msg string, keysAndValues ...any) {
	g.loggerMu.RLock()
	logger := g.logger
	g.loggerMu.RUnlock()

	if logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (g *Gateway) logError(msg string, err error) {
	g.loggerMu.RLock()
	logger := g.logger
	g.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (g *Gateway) logDebug(msg string, keysAndValues ...any) {
	g.loggerMu.RLock()
	logger := g.logger
	g.loggerMu.RUnlock()

	if logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
