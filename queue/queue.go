// Package queue publishes forwarded packet records to a redis stream and
// consumes them back.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/op/go-logging"
	"github.com/redis/go-redis/v9"
	"github.com/shamaton/msgpack/v2"
)

var log = logging.MustGetLogger("queue")

// RecordField is the stream entry field holding the msgpack record.
const RecordField = "record"

var (
	ErrNoClient  = errors.New("queue client not initialized")
	ErrNoRecord  = errors.New("stream entry has no record field")
	ErrBadRecord = errors.New("stream record is not binary")
)

var client *redis.Client

func Client() *redis.Client {
	return client
}

func Init(c *redis.Client) {
	client = c
}

// PacketRecord describes one datagram that went through the gateway.
type PacketRecord struct {
	ConnId     int64  `msgpack:"conn_id"`
	Source     string `msgpack:"source"`
	Payload    string `msgpack:"payload"`
	Reply      string `msgpack:"reply"`
	Error      string `msgpack:"error"`
	ReceivedAt int64  `msgpack:"received_at"`
	DurationMs int64  `msgpack:"duration_ms"`
}

func (r *PacketRecord) Received() time.Time {
	return time.UnixMilli(r.ReceivedAt)
}

func EncodeRecord(r *PacketRecord) ([]byte, error) {
	return msgpack.Marshal(r)
}

// DecodeRecord reads the record field of a stream entry.
func DecodeRecord(values map[string]any) (*PacketRecord, error) {
	v, ok := values[RecordField]
	if !ok {
		return nil, ErrNoRecord
	}
	var data []byte
	switch b := v.(type) {
	case string:
		data = []byte(b)
	case []byte:
		data = b
	default:
		return nil, fmt.Errorf("%w: %T", ErrBadRecord, v)
	}
	r := &PacketRecord{}
	if err := msgpack.Unmarshal(data, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Publish appends body to topic, trimming the stream to about maxLen entries.
func Publish(ctx context.Context, topic string, body map[string]any, maxLen int64) error {
	if client == nil {
		return ErrNoClient
	}
	res := client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		MaxLen: maxLen,
		Approx: true,
		ID:     "*",
		Values: body,
	})
	return res.Err()
}

// StreamPublisher publishes packet records to one stream.
type StreamPublisher struct {
	Stream string
	MaxLen int64
}

func (p *StreamPublisher) PublishRecord(ctx context.Context, r *PacketRecord) error {
	data, err := EncodeRecord(r)
	if err != nil {
		return err
	}
	return Publish(ctx, p.Stream, map[string]any{RecordField: data}, p.MaxLen)
}

// id lets the handler tell whether the message was already consumed.
type ConsumeMsgHandler func(id string, msg *map[string]any) error

// Consume starts a background consumer. New messages are read first, then
// the pending ones of this consumer, so each message is handled at least
// once. The returned error only covers group creation.
func Consume(ctx context.Context, topic, group, consumer string, batchSize int, handler ConsumeMsgHandler) error {
	if client == nil {
		return ErrNoClient
	}
	// "0" makes a new group start from the head of the stream
	err := client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	go func() {
		for ctx.Err() == nil {
			if err := consume(ctx, topic, group, consumer, ">", batchSize, handler); err != nil {
				break
			}
			if err := consume(ctx, topic, group, consumer, "0", batchSize, handler); err != nil {
				break
			}
		}
		log.Debugf("consumer %s/%s on %s stopped", group, consumer, topic)
	}()
	return nil
}

func consume(ctx context.Context, topic, group, consumer, id string, batchSize int, h ConsumeMsgHandler) error {
	result, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, id},
		Count:    int64(batchSize),
		Block:    time.Second,
		NoAck:    false,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		if ctx.Err() == nil {
			log.Errorf("read %s: %v", topic, err)
		}
		return err
	}
	for _, msg := range result[0].Messages {
		if err := h(msg.ID, &msg.Values); err != nil {
			log.Warningf("handle %s %s: %v", topic, msg.ID, err)
			continue
		}
		if err := client.XAck(ctx, topic, group, msg.ID).Err(); err != nil {
			return err
		}
	}
	return nil
}

// ConsumeRecords is Consume with the record decoded. Entries that do not
// decode are acknowledged and skipped.
func ConsumeRecords(ctx context.Context, topic, group, consumer string, batchSize int, handler func(id string, r *PacketRecord) error) error {
	return Consume(ctx, topic, group, consumer, batchSize, func(id string, msg *map[string]any) error {
		r, err := DecodeRecord(*msg)
		if err != nil {
			log.Warningf("skip %s %s: %v", topic, id, err)
			return nil
		}
		return handler(id, r)
	})
}
