package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

const (
	// IngestSubject carries documents submitted for ingestion.
	IngestSubject = "fusegraph.ingest"
	// IngestQueue is the queue group: one worker per message.
	IngestQueue = "fusegraph-ingest-workers"
	// DLQSubject receives messages that exhausted their retries.
	DLQSubject = "fusegraph.ingest.dlq"
	// MaxRetries before a message is parked on the DLQ.
	MaxRetries = 3

	retryHeader = "X-Retry-Count"
)

// DLQMessage is what lands on the DLQ: the original input plus failure info.
type DLQMessage struct {
	Input   DocumentInput `json:"input"`
	Error   string        `json:"error"`
	Retries int           `json:"retries"`
}

// StartConsumer subscribes the pipeline to the ingest subject as part of a
// queue group. Failed messages are republished with an incremented retry
// header; after MaxRetries they go to the DLQ.
func StartConsumer(nc *nats.Conn, p *Pipeline, logger *slog.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nc.QueueSubscribe(IngestSubject, IngestQueue, func(msg *nats.Msg) {
		var in DocumentInput
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			logger.Error("ingest consumer: bad payload", "error", err)
			return
		}

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get(retryHeader); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		res, err := p.Ingest(context.Background(), in)
		if err == nil {
			logger.Info("ingested", "doc_id", res.ID, "chunks", res.Chunks)
			return
		}

		retries++
		logger.Error("ingest failed", "title", in.Title, "retry", retries, "error", err)
		if retries >= MaxRetries {
			payload, _ := json.Marshal(DLQMessage{Input: in, Error: err.Error(), Retries: retries})
			if pubErr := nc.Publish(DLQSubject, payload); pubErr != nil {
				logger.Error("DLQ publish failed", "error", pubErr)
			}
			return
		}

		retry := nats.NewMsg(IngestSubject)
		retry.Data = msg.Data
		retry.Header.Set(retryHeader, fmt.Sprintf("%d", retries))
		if pubErr := nc.PublishMsg(retry); pubErr != nil {
			logger.Error("retry publish failed", "error", pubErr)
		}
	})
}
