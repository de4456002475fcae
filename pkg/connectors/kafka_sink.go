package connectors

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/go-faster/jx"
	"github.com/twmb/franz-go/pkg/kgo"

	helpers "github.com/sandboxws/isotope/lakemerge/pkg/arrow/helpers"
	"github.com/sandboxws/isotope/lakemerge/pkg/operator"
)

// KafkaSinkConfig configures the change export of merged rows.
type KafkaSinkConfig struct {
	Topic   string   `mapstructure:"topic"`
	Brokers []string `mapstructure:"brokers"`
	// KeyBy lists the columns encoded into the record key, usually the primary key.
	KeyBy []string `mapstructure:"key_by"`
}

// KafkaSink produces each merged row as a JSON record keyed by its primary key.
type KafkaSink struct {
	cfg    KafkaSinkConfig
	client *kgo.Client
	ctx    context.Context
	logger *slog.Logger

	mu      sync.Mutex
	prodErr error
	keyIdx  []int
	enc     jx.Encoder
	keyEnc  jx.Encoder
}

// NewKafkaSink creates a Kafka sink connector.
func NewKafkaSink(cfg KafkaSinkConfig) *KafkaSink {
	return &KafkaSink{cfg: cfg}
}

func (k *KafkaSink) Open(ctx *operator.Context) error {
	if k.cfg.Topic == "" || len(k.cfg.Brokers) == 0 {
		return fmt.Errorf("kafka sink: topic and brokers are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(k.cfg.Brokers...),
		kgo.DefaultProduceTopic(k.cfg.Topic),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return fmt.Errorf("kafka sink: create client: %w", err)
	}
	k.client = client
	k.ctx = ctx.Ctx
	k.logger = ctx.Logger
	return nil
}

func (k *KafkaSink) WriteBatch(batch arrow.Record) error {
	if k.keyIdx == nil && len(k.cfg.KeyBy) > 0 {
		idx, err := helpers.FieldIndices(batch.Schema(), k.cfg.KeyBy)
		if err != nil {
			return fmt.Errorf("kafka sink: key: %w", err)
		}
		k.keyIdx = idx
	}

	for row := 0; row < int(batch.NumRows()); row++ {
		k.enc.Reset()
		encodeRow(&k.enc, batch, row)
		rec := &kgo.Record{Value: append([]byte(nil), k.enc.Bytes()...)}

		if len(k.keyIdx) > 0 {
			k.keyEnc.Reset()
			encodeColumns(&k.keyEnc, batch, row, k.keyIdx)
			rec.Key = append([]byte(nil), k.keyEnc.Bytes()...)
		}

		k.client.Produce(k.ctx, rec, k.onProduced)
	}

	// Flush to ensure delivery.
	if err := k.client.Flush(k.ctx); err != nil {
		return fmt.Errorf("kafka sink: flush: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.prodErr != nil {
		return fmt.Errorf("kafka sink: produce: %w", k.prodErr)
	}
	return nil
}

func (k *KafkaSink) onProduced(r *kgo.Record, err error) {
	if err == nil {
		return
	}
	k.mu.Lock()
	if k.prodErr == nil {
		k.prodErr = err
	}
	k.mu.Unlock()
	k.logger.Warn("kafka produce failed", "topic", r.Topic, "error", err)
}

func (k *KafkaSink) Close() error {
	if k.client != nil {
		k.client.Close()
	}
	return nil
}

// encodeRow writes row as a JSON object keyed by column name.
func encodeRow(e *jx.Encoder, batch arrow.Record, row int) {
	all := make([]int, batch.NumCols())
	for i := range all {
		all[i] = i
	}
	encodeColumns(e, batch, row, all)
}

func encodeColumns(e *jx.Encoder, batch arrow.Record, row int, cols []int) {
	schema := batch.Schema()
	e.ObjStart()
	for _, col := range cols {
		e.FieldStart(schema.Field(col).Name)
		encodeValue(e, batch.Column(col), row)
	}
	e.ObjEnd()
}

func encodeValue(e *jx.Encoder, arr arrow.Array, row int) {
	if arr.IsNull(row) {
		e.Null()
		return
	}
	switch a := arr.(type) {
	case *array.Int64:
		e.Int64(a.Value(row))
	case *array.Int32:
		e.Int32(a.Value(row))
	case *array.Int16:
		e.Int64(int64(a.Value(row)))
	case *array.Int8:
		e.Int64(int64(a.Value(row)))
	case *array.Uint64:
		e.UInt64(a.Value(row))
	case *array.Uint32:
		e.UInt64(uint64(a.Value(row)))
	case *array.Float64:
		e.Float64(a.Value(row))
	case *array.Float32:
		e.Float32(a.Value(row))
	case *array.Boolean:
		e.Bool(a.Value(row))
	case *array.String:
		e.Str(a.Value(row))
	case *array.LargeString:
		e.Str(a.Value(row))
	default:
		e.Str(strings.Trim(arr.ValueStr(row), `"`))
	}
}
