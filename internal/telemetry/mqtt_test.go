package telemetry

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/ProxGo/internal/hw/button"
	"github.com/cjeanneret/ProxGo/internal/logic/proxy"
	"github.com/cjeanneret/ProxGo/internal/logic/runloop"
)

// ---------- fakes ----------

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient embeds the interface so only the methods used here need bodies.
type fakeClient struct {
	mqtt.Client
	mu           sync.Mutex
	msgs         []published
	err          error
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	}
	c.mu.Lock()
	c.msgs = append(c.msgs, published{topic, qos, retained, b})
	c.mu.Unlock()
	return newToken(c.err)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) last(t *testing.T) published {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.msgs)
	return c.msgs[len(c.msgs)-1]
}

func snapshot() runloop.Snapshot {
	return runloop.Snapshot{
		Status: proxy.Status{State: "moving", Position: 0.5, MaxPosition: 400, Speed: 500, Calibrated: true},
	}
}

// ---------- Publisher ----------

func TestPublisher_StatusJSON(t *testing.T) {
	c := &fakeClient{}
	p, err := New(c, Config{Topic: "lab/proxy/", QoS: 1})
	require.NoError(t, err)

	p.PublishStatus(snapshot())
	msg := c.last(t)
	assert.Equal(t, "lab/proxy/status", msg.topic)
	assert.True(t, msg.retained)
	assert.Equal(t, byte(1), msg.qos)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, "moving", got["state"])
	assert.Equal(t, 0.5, got["position"])
	assert.Equal(t, float64(400), got["max_position"])
	assert.Contains(t, got, "session")
}

func TestPublisher_StatusCBOR(t *testing.T) {
	c := &fakeClient{}
	p, err := New(c, Config{Format: "CBOR"})
	require.NoError(t, err)

	p.PublishStatus(snapshot())
	msg := c.last(t)
	assert.Equal(t, "proxgo/status", msg.topic)

	var got map[string]interface{}
	require.NoError(t, cbor.Unmarshal(msg.payload, &got))
	assert.Equal(t, "moving", got["state"])
	assert.Equal(t, true, got["calibrated"])
}

func TestPublisher_Button(t *testing.T) {
	c := &fakeClient{}
	p, err := New(c, Config{})
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	p.PublishButton(button.Released, 0.25)
	msg := c.last(t)
	assert.Equal(t, "proxgo/button", msg.topic)
	assert.False(t, msg.retained)

	var got ButtonMessage
	require.NoError(t, json.Unmarshal(msg.payload, &got))
	assert.Equal(t, ButtonMessage{
		Event:    "released",
		Code:     8,
		Position: 0.25,
		At:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, got)
}

func TestPublisher_ErrorsDoNotPropagate(t *testing.T) {
	c := &fakeClient{err: errors.New("broker gone")}
	p, err := New(c, Config{})
	require.NoError(t, err)

	assert.NotPanics(t, func() { p.PublishStatus(snapshot()) })
}

func TestPublisher_Close(t *testing.T) {
	c := &fakeClient{}
	p, err := New(c, Config{Topic: "x"})
	require.NoError(t, err)

	p.Close()
	msg := c.last(t)
	assert.Equal(t, "x/online", msg.topic)
	assert.Equal(t, "false", string(msg.payload))
	assert.True(t, msg.retained)
	assert.True(t, c.disconnected)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(&fakeClient{}, Config{Format: "xml"})
	assert.Error(t, err)
	_, err = New(&fakeClient{}, Config{QoS: 3})
	assert.Error(t, err)
}

func TestConnect_RequiresBroker(t *testing.T) {
	_, err := Connect(Config{})
	assert.Error(t, err)
}

// ---------- Options ----------

func TestClientID(t *testing.T) {
	assert.Equal(t, "bench", ClientID("bench"))

	a, b := ClientID(""), ClientID("")
	assert.True(t, strings.HasPrefix(a, "proxgo-"))
	assert.Len(t, a, len("proxgo-")+8)
	assert.NotEqual(t, a, b)
}

func TestOptions(t *testing.T) {
	opts := Options(Config{Broker: "tcp://broker:1883", ClientID: "px", Topic: "lab"})
	r := mqtt.NewClient(opts).OptionsReader()

	require.Len(t, r.Servers(), 1)
	assert.Equal(t, "broker:1883", r.Servers()[0].Host)
	assert.Equal(t, "px", r.ClientID())
	assert.True(t, r.AutoReconnect())
	assert.True(t, r.WillEnabled())
	assert.Equal(t, "lab/online", r.WillTopic())
}
