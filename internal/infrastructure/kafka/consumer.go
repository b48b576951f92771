package kafka

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	appClaim "github.com/aliasdir/aliasdir/internal/application/claim"
	domainClaim "github.com/aliasdir/aliasdir/internal/domain/claim"
	"github.com/aliasdir/aliasdir/internal/domain/directory"
	"github.com/aliasdir/aliasdir/internal/domain/key"
)

// TriggerMessage is the inbound bus payload: directory notifications,
// scheduler-synthesized triggers and dead-letter replays all share it.
type TriggerMessage struct {
	KeyID         uuid.UUID        `json:"keyId"`
	Trigger       key.Trigger      `json:"trigger"`
	Reason        string           `json:"reason,omitempty"`
	Counterparty  string           `json:"counterpartyIspb,omitempty"`
	Actor         string           `json:"actor,omitempty"`
	RemoteClaimID uuid.UUID        `json:"remoteClaimId,omitempty"`
	ClaimKind     domainClaim.Kind `json:"claimKind,omitempty"`
}

// TriggerService is the slice of the claim controller the consumer drives.
type TriggerService interface {
	Apply(ctx context.Context, keyID uuid.UUID, trg key.Trigger, in appClaim.Input) (*key.Key, error)
	ReceiveClaim(ctx context.Context, keyID, remoteClaimID uuid.UUID, kind domainClaim.Kind, requesterISPB, actor string) (*key.Key, error)
}

// Consumer feeds bus-delivered triggers into the same process controller the
// request path uses.
type Consumer struct {
	client *kgo.Client
	svc    TriggerService
	logger zerolog.Logger
}

// NewConsumer joins the trigger topic in the given consumer group.
func NewConsumer(brokers []string, topic, group string, svc TriggerService, logger zerolog.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumerGroup(group),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		client: client,
		svc:    svc,
		logger: logger.With().Str("service", "trigger-consumer").Logger(),
	}, nil
}

// Run polls until the context is canceled. Records deferred on a retryable
// error are not committed, so the broker re-delivers them; the idempotent
// transition table makes re-delivery safe.
func (c *Consumer) Run(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch error")
		})

		if done := c.collect(ctx, fetches); len(done) > 0 {
			if err := c.client.CommitRecords(ctx, done...); err != nil {
				c.logger.Error().Err(err).Msg("offset commit failed")
			}
		}
	}
}

type topicPartition struct {
	topic     string
	partition int32
}

// collect handles fetched records in order and returns the ones safe to
// commit. A deferred record blocks the rest of its partition for this poll:
// commits are per-partition high-water marks, so acknowledging any later
// offset would silently drop the deferred record.
func (c *Consumer) collect(ctx context.Context, fetches kgo.Fetches) []*kgo.Record {
	var done []*kgo.Record
	deferred := make(map[topicPartition]bool)
	iter := fetches.RecordIter()
	for !iter.Done() {
		record := iter.Next()
		tp := topicPartition{topic: record.Topic, partition: record.Partition}
		if deferred[tp] {
			continue
		}
		if c.handle(ctx, record) {
			done = append(done, record)
		} else {
			deferred[tp] = true
		}
	}
	return done
}

// handle reports whether the record is finished (success or permanently
// unprocessable) and may be committed.
func (c *Consumer) handle(ctx context.Context, record *kgo.Record) bool {
	var msg TriggerMessage
	if err := json.Unmarshal(record.Value, &msg); err != nil {
		c.logger.Error().Err(err).Msg("undecodable trigger message")
		return true
	}
	if msg.Actor == "" {
		msg.Actor = "system:bus"
	}

	var err error
	if msg.Trigger == key.TriggerOpenClaim {
		_, err = c.svc.ReceiveClaim(ctx, msg.KeyID, msg.RemoteClaimID, msg.ClaimKind, msg.Counterparty, msg.Actor)
	} else {
		_, err = c.svc.Apply(ctx, msg.KeyID, msg.Trigger, appClaim.Input{
			Reason:           msg.Reason,
			CounterpartyISPB: msg.Counterparty,
			Actor:            msg.Actor,
		})
	}
	if err == nil {
		return true
	}

	if errors.Is(err, directory.ErrUnavailable) {
		c.logger.Warn().Err(err).
			Str("key_id", msg.KeyID.String()).
			Str("trigger", string(msg.Trigger)).
			Msg("trigger deferred, gateway unavailable")
		return false
	}
	// Invalid-state, not-found and rejections do not heal on re-delivery.
	c.logger.Error().Err(err).
		Str("key_id", msg.KeyID.String()).
		Str("trigger", string(msg.Trigger)).
		Msg("bus trigger rejected")
	return true
}

// Close leaves the group.
func (c *Consumer) Close() {
	c.client.Close()
}
