package sqlqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/transport"
	"github.com/drblury/busflow/transport/transporttest"
)

func newQueue(t *testing.T, options string) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	tr, err := Build(context.Background(), transporttest.Definition(t, "jobs", "sqlite://"+path+"?poll=5ms"+options), watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr.Publisher.(*Queue)
}

func receive(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-messages:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestRegister(t *testing.T) {
	reg := transporttest.SwapRegistry(t)
	Register()

	for _, scheme := range []string{"sqlite", "postgres", "postgresql", "mysql"} {
		assert.True(t, reg.Has(scheme), scheme)
	}
	caps := transport.GetCapabilities("postgres")
	assert.Equal(t, "sql", caps.Name)
	assert.Equal(t, transport.SQLCapabilities, Capabilities())
}

func TestConfigFromDSN(t *testing.T) {
	def := transporttest.Definition(t, "jobs", "postgres://u:p@db/app?table=jobs&poll=1s&lock_timeout=2m&redeliver_delay=5s&max_open_conns=4")
	cfg := ConfigFromDSN(def.DSN)

	assert.Equal(t, Config{
		Table:          "jobs",
		PollInterval:   time.Second,
		LockTimeout:    2 * time.Minute,
		RedeliverDelay: 5 * time.Second,
		MaxOpenConns:   4,
	}, cfg)

	defaults := Config{RedeliverDelay: -1}.withDefaults()
	assert.Equal(t, DefaultTable, defaults.Table)
	assert.Equal(t, DefaultPollInterval, defaults.PollInterval)
	assert.Equal(t, DefaultLockTimeout, defaults.LockTimeout)
	assert.Zero(t, defaults.RedeliverDelay)
}

func TestDialectSources(t *testing.T) {
	t.Run("postgres keeps driver options only", func(t *testing.T) {
		def := transporttest.Definition(t, "jobs", "postgres://u:p@db:5432/app?sslmode=disable&table=jobs")
		d, err := dialectFor(def.DSN.Scheme)
		require.NoError(t, err)

		src, err := d.source(def.DSN)
		require.NoError(t, err)
		assert.Equal(t, "postgres://u:p@db:5432/app?sslmode=disable", src)
	})

	t.Run("mysql uses the driver format", func(t *testing.T) {
		def := transporttest.Definition(t, "jobs", "mysql://u:p@db:3306/app?charset=utf8mb4&poll=1s")
		d, err := dialectFor(def.DSN.Scheme)
		require.NoError(t, err)

		src, err := d.source(def.DSN)
		require.NoError(t, err)
		assert.Contains(t, src, "u:p@tcp(db:3306)/app?")
		assert.Contains(t, src, "charset=utf8mb4")
		assert.NotContains(t, src, "poll")
	})

	t.Run("sqlite needs a file", func(t *testing.T) {
		d, err := dialectFor("sqlite")
		require.NoError(t, err)

		_, err = d.source(transporttest.Definition(t, "jobs", "sqlite://").DSN)
		assert.Error(t, err)

		src, err := d.source(transporttest.Definition(t, "jobs", "sqlite:///tmp/q.db").DSN)
		require.NoError(t, err)
		assert.Equal(t, "file:/tmp/q.db?_journal_mode=WAL&_busy_timeout=5000", src)
	})

	t.Run("unknown scheme", func(t *testing.T) {
		_, err := dialectFor("oracle")
		assert.Error(t, err)
	})
}

func TestDollarPlaceholders(t *testing.T) {
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2", dollarPlaceholders("UPDATE t SET a = ? WHERE id = ?"))
	assert.Equal(t, "SELECT 1", dollarPlaceholders("SELECT 1"))
}

func TestNew_RejectsInvalidTable(t *testing.T) {
	def := transporttest.Definition(t, "jobs", "sqlite://"+filepath.Join(t.TempDir(), "q.db")+"?table=jobs;drop")
	_, err := Build(context.Background(), def, nil)
	assert.ErrorContains(t, err, "invalid table name")
}

func TestPublishSubscribeAck(t *testing.T) {
	q := newQueue(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := message.NewMessage("id-1", []byte(`{"id":1}`))
	msg.Metadata.Set("busflow_type", "orders.Placed")
	require.NoError(t, q.Publish("orders", msg))
	require.NoError(t, q.Publish("other", message.NewMessage("id-2", []byte("{}"))))

	count, err := q.GetPendingCount("orders")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	messages, err := q.Subscribe(ctx, "orders")
	require.NoError(t, err)

	got := receive(t, messages)
	assert.Equal(t, "id-1", got.UUID)
	assert.Equal(t, `{"id":1}`, string(got.Payload))
	assert.Equal(t, "orders.Placed", got.Metadata.Get("busflow_type"))
	got.Ack()

	assert.Eventually(t, func() bool {
		count, err := q.GetPendingCount("orders")
		return err == nil && count == 0
	}, time.Second, 5*time.Millisecond)

	count, err = q.GetPendingCount("other")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestNackRedelivers(t *testing.T) {
	q := newQueue(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish("orders", message.NewMessage("id-1", []byte("{}"))))
	messages, err := q.Subscribe(ctx, "orders")
	require.NoError(t, err)

	first := receive(t, messages)
	first.Nack()

	second := receive(t, messages)
	assert.Equal(t, "id-1", second.UUID)
	second.Ack()

	assert.Eventually(t, func() bool {
		count, err := q.GetPendingCount("orders")
		return err == nil && count == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDelayedMessagesWait(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	Now = func() time.Time { return now }
	t.Cleanup(func() { Now = time.Now })

	q := newQueue(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delayed := message.NewMessage("late", []byte("{}"))
	delayed.Metadata.Set(metadata.KeyDelay, "1m")
	require.NoError(t, q.Publish("orders", delayed, message.NewMessage("now", []byte("{}"))))

	messages, err := q.Subscribe(ctx, "orders")
	require.NoError(t, err)

	got := receive(t, messages)
	assert.Equal(t, "now", got.UUID)
	got.Ack()

	select {
	case msg := <-messages:
		t.Fatalf("delayed message delivered early: %s", msg.UUID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseStopsSubscriptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	tr, err := Build(context.Background(), transporttest.Definition(t, "jobs", "sqlite://"+path+"?poll=5ms"), nil)
	require.NoError(t, err)

	messages, err := tr.Subscriber.Subscribe(context.Background(), "orders")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	_, ok := <-messages
	assert.False(t, ok)

	assert.ErrorIs(t, tr.Publisher.Publish("orders", message.NewMessage("id", nil)), transport.ErrPublisherClosed)
	_, err = tr.Subscriber.Subscribe(context.Background(), "orders")
	assert.Error(t, err)
}
