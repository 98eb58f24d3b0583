package locationjoin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/backtrack/changes"
	"github.com/c360/backtrack/errors"
	"github.com/c360/backtrack/health"
	"github.com/c360/backtrack/metric"
	"github.com/c360/backtrack/natsclient"
	"github.com/c360/backtrack/testutil"
)

// fakeMsg records how it was acknowledged. Unused jetstream.Msg methods panic.
type fakeMsg struct {
	jetstream.Msg
	data []byte

	mu    sync.Mutex
	acked int
	naked int
	termd int
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return "backtrack.measurements" }

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked++
	return nil
}

func (m *fakeMsg) Nak() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked++
	return nil
}

func (m *fakeMsg) NakWithDelay(time.Duration) error { return m.Nak() }

func (m *fakeMsg) Term() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.termd++
	return nil
}

func (m *fakeMsg) counts() (acked, naked, termd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked, m.naked, m.termd
}

type fakeConsumer struct {
	mu      sync.Mutex
	cfg     natsclient.ConsumerConfig
	handler natsclient.MessageHandler
	ctx     context.Context
	err     error
}

func (f *fakeConsumer) Consume(ctx context.Context, cfg natsclient.ConsumerConfig, handler natsclient.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cfg, f.handler, f.ctx = cfg, handler, ctx
	return nil
}

func (f *fakeConsumer) deliver(msg jetstream.Msg) {
	f.mu.Lock()
	handler, ctx := f.handler, f.ctx
	f.mu.Unlock()
	handler(ctx, msg)
}

func testComponentConfig() ComponentConfig {
	return ComponentConfig{
		Consumer:  natsclient.ConsumerConfig{Stream: "MEASUREMENTS", Durable: "locationjoin", FilterSubject: "backtrack.measurements"},
		Workers:   2,
		QueueSize: 8,
	}
}

func batchMsg(t *testing.T, records ...changes.Notification) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(testutil.Batch(records...))
	require.NoError(t, err)
	return &fakeMsg{data: data}
}

func startComponent(t *testing.T) (*Component, *fakeConsumer, *health.Monitor) {
	t.Helper()
	j, _ := newFixture(t)
	consumer := &fakeConsumer{}
	monitor := health.NewMonitor()

	c, err := NewComponent("", j, consumer, testComponentConfig(), Dependencies{
		Monitor:  monitor,
		Registry: metric.NewMetricsRegistry(),
	})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(time.Second) })
	return c, consumer, monitor
}

func TestNewComponent_Validation(t *testing.T) {
	j, _ := newFixture(t)

	_, err := NewComponent("x", nil, &fakeConsumer{}, testComponentConfig(), Dependencies{})
	assert.True(t, errors.IsInvalid(err))

	cfg := testComponentConfig()
	cfg.Consumer.Durable = ""
	_, err = NewComponent("x", j, &fakeConsumer{}, cfg, Dependencies{})
	assert.True(t, errors.IsInvalid(err))
}

func TestComponent_AcksJoinedBatch(t *testing.T) {
	c, consumer, monitor := startComponent(t)
	assert.Equal(t, "locationjoin", c.Name())
	assert.Equal(t, "MEASUREMENTS", consumer.cfg.Stream)

	msg := batchMsg(t, testutil.Created("ev-1", testutil.Measurement("D1", "E1", 1000)))
	consumer.deliver(msg)

	assert.Eventually(t, func() bool {
		acked, _, _ := msg.counts()
		return acked == 1
	}, time.Second, 5*time.Millisecond)

	status, ok := monitor.Get("locationjoin")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, int64(1), c.Stats().Records)
}

func TestComponent_AcksPermanentFailures(t *testing.T) {
	_, consumer, _ := startComponent(t)

	msg := batchMsg(t, testutil.Created("ev-1", testutil.Measurement("D9", "E1", 1000)))
	consumer.deliver(msg)

	assert.Eventually(t, func() bool {
		acked, naked, _ := msg.counts()
		return acked == 1 && naked == 0
	}, time.Second, 5*time.Millisecond)
}

func TestComponent_TermsUndecodableBatch(t *testing.T) {
	c, consumer, _ := startComponent(t)

	msg := &fakeMsg{data: []byte("{not json")}
	consumer.deliver(msg)

	assert.Eventually(t, func() bool {
		_, _, termd := msg.counts()
		return termd == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return c.Stats().Discarded == 1 }, time.Second, 5*time.Millisecond)
}

func TestComponent_MalformedRecordDoesNotDropSiblings(t *testing.T) {
	j, store := newFixture(t)
	consumer := &fakeConsumer{}
	c, err := NewComponent("join", j, consumer, testComponentConfig(), Dependencies{})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Stop(time.Second) }()

	good, err := json.Marshal(testutil.Created("ev-ok", testutil.Measurement("D1", "E1", 1000)))
	require.NoError(t, err)
	payload := `{"Records": [` + string(good) + `,
	  {"eventID": "ev-bad", "eventName": "INSERT", "dynamodb": {"NewImage": {"Epc": {"SS": ["x"]}}}}]}`

	msg := &fakeMsg{data: []byte(payload)}
	consumer.deliver(msg)

	assert.Eventually(t, func() bool {
		acked, naked, termd := msg.counts()
		return acked == 1 && naked == 0 && termd == 0
	}, time.Second, 5*time.Millisecond)

	item, err := store.Location(context.Background(), "D1", "E1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), item.Timestamp)
	assert.Zero(t, c.Stats().Discarded)
	assert.Equal(t, int64(2), c.Stats().Records)
}

func TestComponent_NaksTransientFailures(t *testing.T) {
	j, store := newFixture(t)
	store.SaveErr = stderrors.New("throttled")
	consumer := &fakeConsumer{}
	monitor := health.NewMonitor()

	c, err := NewComponent("join", j, consumer, testComponentConfig(), Dependencies{Monitor: monitor})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Stop(time.Second) }()

	msg := batchMsg(t,
		testutil.Created("ev-1", testutil.Measurement("D1", "E1", 1000)),
		testutil.Created("ev-2", testutil.Measurement("D9", "E2", 1000)),
	)
	consumer.deliver(msg)

	assert.Eventually(t, func() bool {
		acked, naked, _ := msg.counts()
		return acked == 0 && naked == 1
	}, time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		status, ok := monitor.Get("join")
		return ok && status.IsDegraded()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), c.Stats().Redelivered)
}

func TestComponent_Lifecycle(t *testing.T) {
	j, _ := newFixture(t)
	monitor := health.NewMonitor()

	failing := &fakeConsumer{err: stderrors.New("connection refused")}
	c, err := NewComponent("join", j, failing, testComponentConfig(), Dependencies{Monitor: monitor})
	require.NoError(t, err)
	err = c.Start(context.Background())
	assert.True(t, errors.IsTransient(err))
	status, ok := monitor.Get("join")
	require.True(t, ok)
	assert.True(t, status.IsUnhealthy())

	c, err = NewComponent("join", j, &fakeConsumer{}, testComponentConfig(), Dependencies{Monitor: monitor})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, errors.IsFatal(c.Start(context.Background())))

	require.NoError(t, c.Stop(time.Second))
	require.NoError(t, c.Stop(time.Second))
	_, ok = monitor.Get("join")
	assert.False(t, ok)
}
