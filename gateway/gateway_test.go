package gateway

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bmizerany/assert"
	"github.com/gin-gonic/gin"

	"github.com/sooomo/udplog"
	"github.com/sooomo/udplog/config"
	udpnet "github.com/sooomo/udplog/net"
	"github.com/sooomo/udplog/queue"
	"github.com/sooomo/udplog/stats"
)

var fixedClock = udplog.ClockFunc(func() time.Time {
	return time.Unix(0x657b462b, 0)
})

type recordingPublisher struct {
	mu      sync.Mutex
	records []*queue.PacketRecord
}

func (p *recordingPublisher) PublishRecord(ctx context.Context, r *queue.PacketRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, r)
	return nil
}

func (p *recordingPublisher) all() []*queue.PacketRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*queue.PacketRecord(nil), p.records...)
}

func startGateway(t *testing.T, opts Options) (*Gateway, *net.UDPConn) {
	t.Helper()
	opts.Addr = "127.0.0.1:0"
	opts.Clock = fixedClock
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 50 * time.Millisecond
	}
	g, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- g.Serve(context.Background()) }()
	t.Cleanup(func() {
		g.Close()
		if err := <-errc; err != nil {
			t.Errorf("serve: %v", err)
		}
	})

	client, err := net.DialUDP("udp", nil, g.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })
	return g, client
}

func readReply(t *testing.T, c *net.UDPConn, timeout time.Duration) (string, error) {
	t.Helper()
	buf := make([]byte, 4096)
	c.SetReadDeadline(time.Now().Add(timeout))
	n, err := c.Read(buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func TestGatewayEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	backend := httptest.NewServer(udpnet.NewRouter(udpnet.RouterOptions{Clock: fixedClock}))
	defer backend.Close()

	opts := OptionsFromConfig(configFor(backend.URL + "/payload?p="))
	pub := &recordingPublisher{}
	opts.Publisher = pub
	_, client := startGateway(t, opts)

	_, err := client.Write([]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77})
	assert.Equal(t, nil, err)
	reply, err := readReply(t, client, 2*time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, "08657b462b", reply)

	r, err := udplog.ParseReply(reply)
	assert.Equal(t, nil, err)
	assert.Equal(t, byte(8), r.Count)

	waitFor(t, func() bool { return len(pub.all()) == 1 })
	rec := pub.all()[0]
	assert.Equal(t, int64(1), rec.ConnId)
	assert.Equal(t, "0011223344556677", rec.Payload)
	assert.Equal(t, "08657b462b", rec.Reply)
	assert.Equal(t, "", rec.Error)
	assert.Equal(t, client.LocalAddr().String(), rec.Source)
}

func TestGatewayBatch(t *testing.T) {
	fwd := ForwarderFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		time.Sleep(20 * time.Millisecond)
		return []byte(udplog.EncodeReply(len(payload), fixedClock.Now())), nil
	})
	rec := stats.NewMemoryStatsRecorder()
	_, client := startGateway(t, Options{Forwarder: fwd, MaxBatch: 10, Stats: rec})

	for i := 1; i <= 3; i++ {
		client.Write(make([]byte, i))
	}
	var replies []string
	for i := 0; i < 3; i++ {
		reply, err := readReply(t, client, 2*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		replies = append(replies, reply)
	}
	sort.Strings(replies)
	assert.Equal(t, []string{"01657b462b", "02657b462b", "03657b462b"}, replies)
	assert.Equal(t, int64(3), rec.CounterValue("gateway.forward.success"))
	assert.Equal(t, int64(3), rec.CounterValue("gateway.packet.received"))
}

func TestGatewayTruncatesDatagram(t *testing.T) {
	got := make(chan []byte, 1)
	fwd := ForwarderFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		got <- payload
		return []byte("0123456789"), nil
	})
	_, client := startGateway(t, Options{Forwarder: fwd, RxBufLen: 4, TxBufLen: 6})

	client.Write([]byte("abcdefgh"))
	reply, err := readReply(t, client, 2*time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, "012345", reply)
	assert.Equal(t, "abcd", string(<-got))
}

func TestGatewayFallbackReply(t *testing.T) {
	fwd := ForwarderFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("backend down")
	})
	pub := &recordingPublisher{}
	rec := stats.NewMemoryStatsRecorder()
	_, client := startGateway(t, Options{Forwarder: fwd, FallbackReply: true, Publisher: pub, Stats: rec})

	client.Write([]byte{1, 2})
	reply, err := readReply(t, client, 2*time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, "FF657B462B", reply)
	assert.Equal(t, int64(1), rec.CounterValue("gateway.forward.failure"))

	waitFor(t, func() bool { return len(pub.all()) == 1 })
	assert.Equal(t, "backend down", pub.all()[0].Error)
}

func TestGatewayNoFallbackReply(t *testing.T) {
	fwd := ForwarderFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("backend down")
	})
	_, client := startGateway(t, Options{Forwarder: fwd})

	client.Write([]byte{1})
	_, err := readReply(t, client, 200*time.Millisecond)
	var ne net.Error
	assert.T(t, errors.As(err, &ne) && ne.Timeout(), err)
}

func TestGatewayEmptyAndLimited(t *testing.T) {
	fwd := ForwarderFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte("ok"), nil
	})
	rec := stats.NewMemoryStatsRecorder()
	_, client := startGateway(t, Options{Forwarder: fwd, Stats: rec, RateLimit: 0.001, RateBurst: 1})

	client.Write([]byte{})
	client.Write([]byte{1})
	client.Write([]byte{2})

	reply, err := readReply(t, client, 2*time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, "ok", reply)
	waitFor(t, func() bool {
		return rec.CounterValue("gateway.packet.empty") == 1 && rec.CounterValue("gateway.packet.limited") == 1
	})
	assert.Equal(t, int64(1), rec.CounterValue("gateway.forward.success"))
}

func TestGatewayServeCanceled(t *testing.T) {
	g, err := New(Options{Addr: "127.0.0.1:0", Forwarder: ForwarderFunc(nil), IdleTimeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- g.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.T(t, errors.Is(err, context.Canceled), err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop on cancel")
	}
	assert.Equal(t, ErrGatewayClosed, g.Serve(context.Background()))
}

func TestGatewayServeCanceledWhileReading(t *testing.T) {
	for i := 0; i < 20; i++ {
		g, err := New(Options{Addr: "127.0.0.1:0", Forwarder: ForwarderFunc(nil), IdleTimeout: time.Minute})
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- g.Serve(ctx) }()
		time.Sleep(time.Duration(i) * 100 * time.Microsecond)
		cancel()

		select {
		case err := <-errc:
			assert.T(t, errors.Is(err, context.Canceled), err)
		case <-time.After(time.Second):
			t.Fatalf("serve did not stop on cancel after %v", time.Duration(i)*100*time.Microsecond)
		}
		g.Close()
	}
}

func TestGatewayCloseWaitsForBatch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	fwd := ForwarderFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		close(started)
		<-release
		return []byte(udplog.EncodeReply(len(payload), fixedClock.Now())), nil
	})
	g, client := startGateway(t, Options{Forwarder: fwd})

	client.Write([]byte{1, 2, 3})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("datagram not forwarded")
	}

	closed := make(chan error, 1)
	go func() { closed <- g.Close() }()
	select {
	case <-closed:
		t.Fatal("close returned while the batch was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-closed:
		assert.Equal(t, nil, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not return")
	}
	reply, err := readReply(t, client, time.Second)
	assert.Equal(t, nil, err)
	assert.Equal(t, "03657b462b", reply)
}

func TestGatewayReadErrorKeepsBatch(t *testing.T) {
	got := make(chan []byte, 1)
	fwd := ForwarderFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		got <- payload
		return []byte("ok"), nil
	})
	pub := &recordingPublisher{}
	rec := stats.NewMemoryStatsRecorder()
	g, err := New(Options{
		Addr:      "127.0.0.1:0",
		Forwarder: fwd,
		Publisher: pub,
		Stats:     rec,
		Clock:     fixedClock,
		DrainWait: 2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	errc := make(chan error, 1)
	go func() { errc <- g.Serve(context.Background()) }()

	client, err := net.DialUDP("udp", nil, g.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	client.Write([]byte{0xca, 0xfe})
	waitFor(t, func() bool { return rec.CounterValue("gateway.packet.received") == 1 })

	// the batch is still draining; break the socket under it
	g.conn.Close()

	select {
	case err := <-errc:
		assert.NotEqual(t, nil, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return on read error")
	}
	select {
	case p := <-got:
		assert.Equal(t, []byte{0xca, 0xfe}, p)
	default:
		t.Fatal("partial batch was not forwarded")
	}
	assert.Equal(t, 1, len(pub.all()))
	assert.Equal(t, "cafe", pub.all()[0].Payload)
	assert.Equal(t, int64(1), rec.CounterValue("gateway.forward.success"))
}

func TestGatewayClose(t *testing.T) {
	_, err := New(Options{})
	assert.Equal(t, ErrNoForwarder, err)

	g, err := New(Options{Addr: "127.0.0.1:0", Forwarder: ForwarderFunc(nil)})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, nil, g.Close())
	assert.Equal(t, ErrGatewayClosed, g.Close())
	assert.Equal(t, ErrGatewayClosed, g.Serve(context.Background()))
}

func TestFallbackReply(t *testing.T) {
	assert.Equal(t, "FF00000001", string(FallbackReply(time.Unix(1, 0))))
	assert.Equal(t, "FF657B462B", string(FallbackReply(fixedClock.Now())))
}

func configFor(script string) config.GatewayConfig {
	cfg := config.Default().Gateway
	cfg.Script = script
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
