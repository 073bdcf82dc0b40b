// Package iothub connects a device to Azure IoT Hub over MQTT: device to
// cloud telemetry and device twin desired/reported properties.
package iothub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/vibrationmon/internal/errors"
	"codeberg.org/mutker/vibrationmon/internal/logger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultTokenTTL   = time.Hour
	defaultKeepAlive  = 60 * time.Second
	disconnectQuiesce = 250

	qosAtMostOnce  = 0
	qosAtLeastOnce = 1
)

type Option func(*options)

type options struct {
	timeout   time.Duration
	tokenTTL  time.Duration
	broker    string
	tlsConfig *tls.Config
	log       logger.Logger
	now       func() time.Time
}

// WithTimeout bounds twin requests and telemetry publishes whose context
// carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithTokenTTL sets the validity of SAS tokens generated at (re)connect.
func WithTokenTTL(d time.Duration) Option {
	return func(o *options) {
		o.tokenTTL = d
	}
}

// WithBroker overrides the broker URL derived from the host name.
func WithBroker(url string) Option {
	return func(o *options) {
		o.broker = url
	}
}

func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// Client is a device connection to IoT Hub.
type Client struct {
	cs   ConnectionString
	mqtt mqtt.Client
	opts options

	subscribed atomic.Bool

	mu      sync.Mutex
	pending map[string]chan twinResponse

	handlerMu sync.RWMutex
	handler   func(map[string]string)

	queueMu sync.Mutex
	queue   []map[string]string
	signal  chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New prepares a client for the device in cs. Call Connect to go online.
func New(cs ConnectionString, opts ...Option) *Client {
	c := newClient(cs, nil, opts...)

	mo := mqtt.NewClientOptions().
		AddBroker(c.opts.broker).
		SetClientID(cs.DeviceID).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetKeepAlive(defaultKeepAlive).
		SetConnectTimeout(c.opts.timeout).
		SetOrderMatters(true).
		SetTLSConfig(c.opts.tlsConfig).
		SetCredentialsProvider(func() (string, string) {
			return cs.Username(), cs.SASToken(c.opts.now().Add(c.opts.tokenTTL))
		}).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.opts.log.Warn().Err(err).Msg("Connection to IoT Hub lost")
		})

	c.mqtt = mqtt.NewClient(mo)

	return c
}

func newClient(cs ConnectionString, mc mqtt.Client, opts ...Option) *Client {
	o := options{
		timeout:   defaultTimeout,
		tokenTTL:  defaultTokenTTL,
		broker:    "ssl://" + cs.HostName + ":8883",
		tlsConfig: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: cs.HostName},
		log:       logger.New("iothub"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		cs:      cs,
		mqtt:    mc,
		opts:    o,
		pending: make(map[string]chan twinResponse),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	go c.dispatch()

	return c
}

// Connect opens the MQTT session and subscribes to the twin topics.
func (c *Client) Connect(ctx context.Context) error {
	errFactory := errors.New()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := waitToken(ctx, c.mqtt.Connect()); err != nil {
		return errFactory.Wrap(errors.ErrConnectFailed, err)
	}

	if err := c.subscribe(ctx); err != nil {
		return errFactory.Wrap(errors.ErrConnectFailed, err)
	}

	c.opts.log.Info().
		Str("host", c.cs.HostName).
		Str("device_id", c.cs.DeviceID).
		Msg("Connected to IoT Hub")

	return nil
}

// onConnect restores twin subscriptions after an automatic reconnect.
func (c *Client) onConnect(_ mqtt.Client) {
	if !c.subscribed.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.timeout)
	defer cancel()

	if err := c.subscribe(ctx); err != nil {
		c.opts.log.Error().Err(err).Msg("Failed to restore twin subscriptions")
		return
	}
	c.opts.log.Info().Msg("Reconnected to IoT Hub")
}

func (c *Client) subscribe(ctx context.Context) error {
	filters := map[string]byte{
		twinResponseFilter: qosAtMostOnce,
		twinDesiredFilter:  qosAtMostOnce,
	}
	if err := waitToken(ctx, c.mqtt.SubscribeMultiple(filters, c.route)); err != nil {
		return err
	}
	c.subscribed.Store(true)

	return nil
}

// Close stops notification dispatch and disconnects.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mqtt.Disconnect(disconnectQuiesce)
	})

	return nil
}

// SendTelemetry publishes one device-to-cloud message with at-least-once delivery.
func (c *Client) SendTelemetry(ctx context.Context, payload []byte) error {
	errFactory := errors.New()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := waitToken(ctx, c.mqtt.Publish(telemetryTopic(c.cs.DeviceID), qosAtLeastOnce, false, payload)); err != nil {
		return errFactory.Wrap(errors.ErrSendTelemetry, err)
	}

	return nil
}

// DesiredConfig fetches the full twin and returns its desired properties.
func (c *Client) DesiredConfig(ctx context.Context) (map[string]string, error) {
	resp, err := c.request(ctx, twinGetTopic, nil)
	if err != nil {
		return nil, err
	}

	return decodeTwin(resp.body)
}

// ReportConfig patches the reported properties of the twin.
func (c *Client) ReportConfig(ctx context.Context, props map[string]any) error {
	body, err := json.Marshal(props)
	if err != nil {
		return errors.New().Wrap(errors.ErrInvalidArgument, err)
	}

	resp, err := c.request(ctx, twinReportedTopic, body)
	if err != nil {
		return err
	}

	c.opts.log.Debug().
		RawJSON("reported", body).
		Str("version", resp.version).
		Msg("Reported properties updated")

	return nil
}

// OnDesiredConfigChanged registers fn for desired property patches. Patches
// are delivered in arrival order on a single goroutine, so fn may itself
// call back into the client.
func (c *Client) OnDesiredConfigChanged(fn func(map[string]string)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	c.handler = fn
}

func (c *Client) request(ctx context.Context, base string, body []byte) (twinResponse, error) {
	errFactory := errors.New()

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	rid := uuid.NewString()
	ch := make(chan twinResponse, 1)

	c.mu.Lock()
	c.pending[rid] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, rid)
		c.mu.Unlock()
	}()

	if body == nil {
		body = []byte{}
	}

	if err := waitToken(ctx, c.mqtt.Publish(requestTopic(base, rid), qosAtMostOnce, false, body)); err != nil {
		return twinResponse{}, errFactory.Wrap(errors.ErrTwinRequest, err)
	}

	select {
	case resp := <-ch:
		if resp.status >= 300 {
			return resp, errFactory.WithData(errors.ErrTwinStatus, struct {
				Topic  string
				Status int
			}{
				Topic:  base,
				Status: resp.status,
			})
		}
		return resp, nil
	case <-ctx.Done():
		return twinResponse{}, errFactory.Wrap(errors.ErrTwinRequest, errFactory.Wrap(errors.ErrTimeout, ctx.Err()))
	}
}

// route is the single message handler for all twin subscriptions.
func (c *Client) route(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()

	switch {
	case strings.HasPrefix(topic, twinResponsePrefix):
		status, rid, version, err := parseResponseTopic(topic)
		if err != nil {
			c.opts.log.Warn().Err(err).Msg("Ignoring twin response")
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[rid]
		c.mu.Unlock()

		if !ok {
			c.opts.log.Debug().Str("rid", rid).Msg("Twin response for unknown request")
			return
		}

		select {
		case ch <- twinResponse{status: status, version: version, body: msg.Payload()}:
		default:
			c.opts.log.Debug().Str("rid", rid).Msg("Duplicate twin response")
		}

	case strings.HasPrefix(topic, twinDesiredPrefix):
		patch, err := decodePatch(msg.Payload())
		if err != nil {
			c.opts.log.Warn().Err(err).Msg("Ignoring malformed desired properties patch")
			return
		}

		c.queueMu.Lock()
		c.queue = append(c.queue, patch)
		c.queueMu.Unlock()

		select {
		case c.signal <- struct{}{}:
		default:
		}

	default:
		c.opts.log.Debug().Str("topic", topic).Msg("Ignoring message on unexpected topic")
	}
}

// dispatch hands queued patches to the registered handler, keeping the
// MQTT router free while the handler runs.
func (c *Client) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case <-c.signal:
		}

		for {
			c.queueMu.Lock()
			if len(c.queue) == 0 {
				c.queueMu.Unlock()
				break
			}
			patch := c.queue[0]
			c.queue = c.queue[1:]
			c.queueMu.Unlock()

			c.handlerMu.RLock()
			fn := c.handler
			c.handlerMu.RUnlock()

			if fn == nil {
				c.opts.log.Debug().Msg("Desired properties patch without handler")
				continue
			}
			fn(patch)
		}
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.opts.timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, c.opts.timeout)
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return errors.New().Wrap(errors.ErrTimeout, ctx.Err())
	}
}
