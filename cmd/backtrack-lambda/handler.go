package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/c360/backtrack/attribute"
	"github.com/c360/backtrack/changes"
	"github.com/c360/backtrack/processor/locationjoin"
)

// Handler joins the records of one DynamoDB stream invocation.
type Handler struct {
	joiner *locationjoin.Joiner
	logger *slog.Logger
}

// NewHandler wraps a joiner.
func NewHandler(joiner *locationjoin.Joiner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{joiner: joiner, logger: logger.With("component", "lambda")}
}

// Handle processes the batch and reports the records that failed transiently so the event source
// retries them. Records that failed permanently, including records whose images could not be
// converted, are logged and dropped; a retry would fail again.
func (h *Handler) Handle(ctx context.Context, event events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	batch, sequences := ToBatch(event)

	result := h.joiner.ProcessBatch(ctx, batch)

	resp := events.DynamoDBEventResponse{BatchItemFailures: []events.DynamoDBBatchItemFailure{}}
	failed := 0
	for i, o := range result.Outcomes {
		if o.Status != locationjoin.StatusFailed {
			continue
		}
		failed++
		if !locationjoin.IsRetryable(o.Err) {
			h.logger.Warn("Dropping record", "event_id", o.EventID, "error", o.Err)
			continue
		}
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
			ItemIdentifier: sequences[i],
		})
	}

	h.logger.Info("Batch processed",
		"records", len(batch.Records),
		"joined", result.Count(locationjoin.StatusJoined),
		"skipped", result.Count(locationjoin.StatusSkipped),
		"failed", failed,
		"retry", len(resp.BatchItemFailures))
	return resp, nil
}

// ToBatch converts a stream event record by record. A record whose images cannot be converted
// keeps its kind and event id and carries the conversion error in DecodeErr. The returned slice
// holds the sequence number of each record in batch order, the identifier the event source
// expects in partial batch failures.
func ToBatch(event events.DynamoDBEvent) (changes.Batch, []string) {
	batch := changes.Batch{Records: make([]changes.Notification, 0, len(event.Records))}
	sequences := make([]string, 0, len(event.Records))

	for i, rec := range event.Records {
		batch.Records = append(batch.Records, toNotification(i, rec))
		sequences = append(sequences, rec.Change.SequenceNumber)
	}
	return batch, sequences
}

func toNotification(i int, rec events.DynamoDBEventRecord) changes.Notification {
	n := changes.Notification{EventID: rec.EventID, Kind: changes.ParseEventKind(rec.EventName)}

	newImage, err := FromImage(rec.Change.NewImage)
	if err != nil {
		n.DecodeErr = fmt.Errorf("record %d (%s) new image: %w", i, rec.EventID, err)
		return n
	}
	oldImage, err := FromImage(rec.Change.OldImage)
	if err != nil {
		n.DecodeErr = fmt.Errorf("record %d (%s) old image: %w", i, rec.EventID, err)
		return n
	}
	n.NewImage, n.OldImage = newImage, oldImage
	return n
}

// FromImage converts a stream image. A nil image stays nil.
func FromImage(image map[string]events.DynamoDBAttributeValue) (attribute.Map, error) {
	if image == nil {
		return nil, nil
	}
	out := make(attribute.Map, len(image))
	for name, v := range image {
		av, err := FromStreamValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		out[name] = av
	}
	return out, nil
}

// FromStreamValue converts one stream attribute. Sets and binary values have no counterpart.
func FromStreamValue(v events.DynamoDBAttributeValue) (attribute.Value, error) {
	switch v.DataType() {
	case events.DataTypeString:
		return attribute.String(v.String()), nil
	case events.DataTypeNumber:
		return attribute.Number(v.Number()), nil
	case events.DataTypeBoolean:
		return attribute.Bool(v.Boolean()), nil
	case events.DataTypeNull:
		return attribute.Null(), nil
	case events.DataTypeList:
		items := v.List()
		out := make([]attribute.Value, len(items))
		for i, item := range items {
			av, err := FromStreamValue(item)
			if err != nil {
				return attribute.Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = av
		}
		return attribute.List(out...), nil
	case events.DataTypeMap:
		m, err := FromImage(v.Map())
		if err != nil {
			return attribute.Value{}, err
		}
		return attribute.MapValue(m), nil
	default:
		return attribute.Value{}, fmt.Errorf("unsupported stream attribute type %d", v.DataType())
	}
}
