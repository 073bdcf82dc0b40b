package iothub

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	mqtt.Message

	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

type publication struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeMQTT stands in for the broker side of IoT Hub. respond, when set, is
// called for each publish and may deliver messages back to the client.
type fakeMQTT struct {
	mqtt.Client

	mu           sync.Mutex
	published    []publication
	filters      map[string]byte
	handler      mqtt.MessageHandler
	connectErr   error
	publishErr   error
	blockPublish bool
	disconnected bool
	respond      func(f *fakeMQTT, topic string, payload []byte)
}

func (f *fakeMQTT) Connect() mqtt.Token {
	return newToken(f.connectErr)
}

func (f *fakeMQTT) Disconnect(uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeMQTT) SubscribeMultiple(filters map[string]byte, cb mqtt.MessageHandler) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = filters
	f.handler = cb
	return newToken(nil)
}

func (f *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	b, _ := payload.([]byte)

	f.mu.Lock()
	f.published = append(f.published, publication{topic: topic, qos: qos, payload: b})
	respond := f.respond
	block := f.blockPublish
	err := f.publishErr
	f.mu.Unlock()

	if block {
		return pendingToken()
	}

	if respond != nil {
		go respond(f, topic, b)
	}

	return newToken(err)
}

func (f *fakeMQTT) deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()

	h(f, &fakeMessage{topic: topic, payload: payload})
}

func (f *fakeMQTT) publications() []publication {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]publication, len(f.published))
	copy(out, f.published)
	return out
}
