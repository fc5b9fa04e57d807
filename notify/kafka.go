package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/celer-network/txservice/store/models"
	"github.com/celer-network/txservice/telemetry"
	"github.com/celer-network/txservice/txmanager"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultTopicPrefix = "txservice-results"

// messageWriter is the subset of *kafka.Writer used by KafkaNotifier.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers     []string
	TopicPrefix string
}

// KafkaNotifier publishes terminal results to one topic per chain, keyed by
// transaction id so that every result of a transaction lands in one partition.
type KafkaNotifier struct {
	writer messageWriter
	prefix string
	tracer trace.Tracer
}

var _ txmanager.ResultNotifier = (*KafkaNotifier)(nil)

func NewKafkaNotifier(cfg KafkaConfig) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaNotifier(writer, cfg.TopicPrefix), nil
}

func newKafkaNotifier(writer messageWriter, prefix string) *KafkaNotifier {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultTopicPrefix
	}
	return &KafkaNotifier{
		writer: writer,
		prefix: prefix,
		tracer: otel.Tracer("github.com/celer-network/txservice/notify"),
	}
}

// ResultMessage is the JSON payload of a published result.
type ResultMessage struct {
	ID            string `json:"id"`
	ChainID       uint64 `json:"chainId"`
	From          string `json:"from"`
	To            string `json:"to"`
	Nonce         uint64 `json:"nonce"`
	GasPrice      string `json:"gasPrice,omitempty"`
	Hash          string `json:"hash"`
	State         string `json:"state"`
	Confirmations uint64 `json:"confirmations"`
	BlockNumber   uint64 `json:"blockNumber,omitempty"`
	GapFill       bool   `json:"gapFill,omitempty"`
	Error         string `json:"error,omitempty"`
}

func NewResultMessage(result txmanager.Result) ResultMessage {
	tx := result.Tx
	msg := ResultMessage{
		ID:            tx.ID.String(),
		ChainID:       tx.ChainID,
		From:          tx.From.Hex(),
		To:            tx.To.Hex(),
		Nonce:         tx.Nonce,
		Hash:          tx.Hash.Hex(),
		State:         string(tx.State),
		Confirmations: tx.Confirmations,
		GapFill:       tx.GapFill,
	}
	if tx.GasPrice != nil {
		msg.GasPrice = tx.GasPrice.String()
	}
	if tx.Receipt != nil {
		msg.BlockNumber = tx.Receipt.BlockNumber
	}
	if result.Err != nil {
		msg.Error = result.Err.Error()
	}
	return msg
}

func (n *KafkaNotifier) Notify(ctx context.Context, result txmanager.Result) (err error) {
	if result.Tx == nil {
		return errors.New("result has no transaction")
	}
	ctx, span := n.tracer.Start(ctx, "notify.publish_result",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.Int64("chain.id", int64(result.Tx.ChainID)),
			attribute.String("tx.id", result.Tx.ID.String()),
			attribute.String("tx.state", string(result.Tx.State)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	msg, err := n.message(ctx, result.Tx, NewResultMessage(result))
	if err != nil {
		return err
	}
	return errors.Wrap(n.writer.WriteMessages(ctx, msg), "could not publish result")
}

func (n *KafkaNotifier) message(ctx context.Context, tx *models.Tx, payload ResultMessage) (kafka.Message, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "could not encode result")
	}
	return kafka.Message{
		Topic:   n.topicForChain(tx.ChainID),
		Key:     []byte(tx.ID.String()),
		Value:   value,
		Headers: telemetry.InjectKafkaHeaders(ctx, make([]kafka.Header, 0, 2)),
	}, nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

func (n *KafkaNotifier) topicForChain(chainID uint64) string {
	return fmt.Sprintf("%s-%d", n.prefix, chainID)
}
