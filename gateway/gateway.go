// Package gateway relays UDP datagrams to the payload endpoint.
//
// Each wakeup reads up to MaxBatch queued datagrams, forwards them to the
// backend concurrently, waits for the whole batch and then sends every
// reply back to the datagram's source.
package gateway

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/op/go-logging"
	"github.com/panjf2000/ants/v2"

	"github.com/sooomo/udplog"
	"github.com/sooomo/udplog/config"
	"github.com/sooomo/udplog/id"
	"github.com/sooomo/udplog/queue"
	"github.com/sooomo/udplog/stats"
)

var log = logging.MustGetLogger("gateway")

// drainWait bounds the wait for further datagrams once a batch has started.
const drainWait = time.Millisecond

var (
	ErrGatewayClosed = errors.New("gateway closed")
	ErrNoForwarder   = errors.New("gateway needs a forwarder")
)

// Publisher receives one record per forwarded datagram.
type Publisher interface {
	PublishRecord(ctx context.Context, r *queue.PacketRecord) error
}

type Options struct {
	Addr           string
	MaxBatch       int
	RxBufLen       int
	TxBufLen       int
	IdleTimeout    time.Duration
	ForwardTimeout time.Duration
	PoolSize       int
	RateLimit      float64
	RateBurst      int
	// FallbackReply answers failed forwards with FallbackReply(now).
	FallbackReply bool
	// DrainWait bounds the wait for further datagrams once a batch has
	// started.
	DrainWait time.Duration

	Forwarder Forwarder
	Ids       id.Sequence
	Publisher Publisher
	Stats     stats.StatsRecorder
	Clock     udplog.Clock
}

// OptionsFromConfig maps cfg to Options with an HTTPForwarder on cfg.Script.
func OptionsFromConfig(cfg config.GatewayConfig) Options {
	return Options{
		Addr:           cfg.Addr,
		MaxBatch:       cfg.MaxBatch,
		RxBufLen:       cfg.RxBufLen,
		TxBufLen:       cfg.TxBufLen,
		IdleTimeout:    cfg.IdleTimeout,
		ForwardTimeout: cfg.ForwardTimeout,
		PoolSize:       cfg.PoolSize,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
		FallbackReply:  cfg.FallbackReply,
		Forwarder: &HTTPForwarder{
			Script:   cfg.Script,
			MaxReply: cfg.TxBufLen,
			Client: &http.Client{
				Transport: &http.Transport{
					Proxy:               http.ProxyFromEnvironment,
					MaxIdleConnsPerHost: cfg.MaxBatch,
					IdleConnTimeout:     90 * time.Second,
				},
			},
		},
	}
}

// FallbackReply is the minimum reply: "FF" followed by the UTC unix seconds
// as 8 upper case hex digits.
func FallbackReply(now time.Time) []byte {
	return []byte(fmt.Sprintf("FF%08X", uint32(now.Unix())))
}

// datagram is one received packet and, after forwarding, its reply.
type datagram struct {
	connId     int64
	source     *net.UDPAddr
	payload    []byte
	receivedAt time.Time
	reply      []byte
	err        error
	duration   time.Duration
}

type Gateway struct {
	conn    *net.UDPConn
	pool    *ants.Pool
	limiter *udplog.KeyedLimiter
	opts    Options
	rxBuf   []byte

	closed  atomic.Bool
	serving atomic.Bool
	done    chan struct{}
}

// New binds the UDP socket and starts the worker pool. Zero option values
// take the defaults of config.Default.
func New(opts Options) (*Gateway, error) {
	if opts.Forwarder == nil {
		return nil, ErrNoForwarder
	}
	def := config.Default().Gateway
	if opts.Addr == "" {
		opts.Addr = def.Addr
	}
	if opts.MaxBatch < 1 {
		opts.MaxBatch = def.MaxBatch
	}
	if opts.RxBufLen < 1 {
		opts.RxBufLen = def.RxBufLen
	}
	if opts.TxBufLen < 1 {
		opts.TxBufLen = def.TxBufLen
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = def.ForwardTimeout
	}
	if opts.PoolSize < 1 {
		opts.PoolSize = def.PoolSize
	}
	if opts.DrainWait <= 0 {
		opts.DrainWait = drainWait
	}
	if opts.Ids == nil {
		opts.Ids = id.NewLocalId(0)
	}
	if opts.Stats == nil {
		opts.Stats = &stats.DebugStatsRecorder{}
	}
	if opts.Clock == nil {
		opts.Clock = udplog.SystemClock
	}

	addr, err := net.ResolveUDPAddr("udp", opts.Addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(opts.PoolSize)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Gateway{
		conn:    conn,
		pool:    pool,
		limiter: udplog.NewKeyedLimiter(opts.RateLimit, opts.RateBurst),
		opts:    opts,
		rxBuf:   make([]byte, opts.RxBufLen),
		done:    make(chan struct{}),
	}, nil
}

func (g *Gateway) Addr() net.Addr { return g.conn.LocalAddr() }

// Serve runs the receive loop until ctx is done or Close is called. It
// returns nil after Close and ctx.Err() after cancellation. The socket and
// the pool are released when it returns.
func (g *Gateway) Serve(ctx context.Context) error {
	if g.closed.Load() || !g.serving.CompareAndSwap(false, true) {
		return ErrGatewayClosed
	}
	defer close(g.done)
	defer g.conn.Close()
	defer g.pool.Release()

	stop := context.AfterFunc(ctx, g.wake)
	defer stop()

	log.Infof("listening on %s", g.conn.LocalAddr())
	wait := 0
	for {
		if g.closed.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := g.readBatch(ctx)
		if len(batch) > 0 {
			log.Debugf("received %d packets", len(batch))
			g.opts.Stats.Gauge("gateway.batch.size", int64(len(batch)))
			g.process(ctx, batch)
		}
		if err != nil {
			if g.closed.Load() {
				return nil
			}
			return err
		}
		if len(batch) == 0 {
			log.Debugf("wait(%d)", wait)
			wait++
		}
	}
}

// Close stops Serve and waits until the batch in flight is forwarded and
// answered. Serve then releases the socket and the pool.
func (g *Gateway) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return ErrGatewayClosed
	}
	if g.serving.Load() {
		g.wake()
		<-g.done
		return nil
	}
	g.pool.Release()
	return g.conn.Close()
}

// wake interrupts a blocked read.
func (g *Gateway) wake() {
	g.conn.SetReadDeadline(time.Now())
}

func (g *Gateway) stopping(ctx context.Context) bool {
	return ctx.Err() != nil || g.closed.Load()
}

// readBatch blocks up to IdleTimeout for the first datagram, then takes
// whatever else is already queued, up to MaxBatch. An idle timeout returns
// an empty batch. On a read error the datagrams read so far are returned
// along with it.
func (g *Gateway) readBatch(ctx context.Context) ([]*datagram, error) {
	batch := make([]*datagram, 0, g.opts.MaxBatch)
	deadline := time.Now().Add(g.opts.IdleTimeout)
	for len(batch) < g.opts.MaxBatch && !g.stopping(ctx) {
		if err := g.conn.SetReadDeadline(deadline); err != nil {
			return batch, err
		}
		// A wake between the loop check and SetReadDeadline was overwritten.
		if g.stopping(ctx) {
			break
		}
		n, src, err := g.conn.ReadFromUDP(g.rxBuf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return batch, nil
			}
			return batch, err
		}
		deadline = time.Now().Add(g.opts.DrainWait)

		g.opts.Stats.Increment("gateway.packet.received")
		if n == 0 {
			g.opts.Stats.Increment("gateway.packet.empty")
			continue
		}
		if !g.limiter.Allow(src.IP.String()) {
			log.Debugf("rate limited %s", src)
			g.opts.Stats.Increment("gateway.packet.limited")
			continue
		}

		connId, err := g.opts.Ids.Next(ctx)
		if err != nil {
			log.Warningf("connection id: %v", err)
			connId = -1
		}
		payload := make([]byte, n)
		copy(payload, g.rxBuf[:n])
		batch = append(batch, &datagram{
			connId:     connId,
			source:     src,
			payload:    payload,
			receivedAt: g.opts.Clock.Now(),
		})
	}
	return batch, nil
}

func (g *Gateway) process(ctx context.Context, batch []*datagram) {
	var wg sync.WaitGroup
	for _, d := range batch {
		wg.Add(1)
		err := g.pool.Submit(func() {
			defer wg.Done()
			g.forward(ctx, d)
		})
		if err != nil {
			wg.Done()
			d.err = err
			g.opts.Stats.Increment("gateway.forward.failure")
		}
	}
	wg.Wait()

	for _, d := range batch {
		g.reply(d)
		g.publish(ctx, d)
	}
}

func (g *Gateway) forward(ctx context.Context, d *datagram) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.ForwardTimeout)
	defer cancel()

	begin := time.Now()
	reply, err := g.opts.Forwarder.Forward(ctx, d.payload)
	end := time.Now()
	d.duration = end.Sub(begin)
	g.opts.Stats.DurationTimer("gateway.forward.duration", begin, end)
	if err != nil {
		d.err = err
		g.opts.Stats.Increment("gateway.forward.failure")
		log.Warningf("forward [%d] from %s: %v", d.connId, d.source, err)
		return
	}
	if len(reply) > g.opts.TxBufLen {
		reply = reply[:g.opts.TxBufLen]
	}
	d.reply = reply
	g.opts.Stats.Increment("gateway.forward.success")
	log.Debugf("reply [%d]: '%s'", d.connId, reply)
}

func (g *Gateway) reply(d *datagram) {
	out := d.reply
	if d.err != nil {
		if !g.opts.FallbackReply {
			return
		}
		out = FallbackReply(g.opts.Clock.Now())
	}
	if len(out) == 0 {
		return
	}
	if _, err := g.conn.WriteToUDP(out, d.source); err != nil {
		g.opts.Stats.Increment("gateway.reply.failure")
		log.Errorf("reply [%d] to %s: %v", d.connId, d.source, err)
	}
}

func (g *Gateway) publish(ctx context.Context, d *datagram) {
	if g.opts.Publisher == nil {
		return
	}
	rec := &queue.PacketRecord{
		ConnId:     d.connId,
		Source:     d.source.String(),
		Payload:    hex.EncodeToString(d.payload),
		Reply:      string(d.reply),
		ReceivedAt: d.receivedAt.UnixMilli(),
		DurationMs: d.duration.Milliseconds(),
	}
	if d.err != nil {
		rec.Error = d.err.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := g.opts.Publisher.PublishRecord(ctx, rec); err != nil {
		log.Warningf("publish [%d]: %v", d.connId, err)
	}
}
