package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"driver_verification/internal/model"
)

const (
	SubjectReverify  = "verification.reverify"
	SubjectCompleted = "verification.completed"
	// QueueWorkers load-balances reverification jobs across instances.
	QueueWorkers = "verification-workers"
)

type NATSClient interface {
	PublishReverificationRequest(ctx context.Context, job model.ReverificationJob) error
	SubscribeToReverificationRequests(ctx context.Context, handler func(context.Context, model.ReverificationJob) error) error
	PublishVerificationCompleted(ctx context.Context, result *model.AggregateResult) error
	SubscribeToVerificationCompleted(ctx context.Context, handler func(VerificationCompletedMessage)) error
	Close()
}

// Conn is the part of *nats.Conn the client uses.
type Conn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
	Close()
}

type natsClient struct {
	conn   Conn
	logger *zap.Logger
	now    func() time.Time
}

func NewNATSClient(url string, logger *zap.Logger) (NATSClient, error) {
	conn, err := nats.Connect(url,
		nats.Name("driver-verification"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", url))
	return NewClient(conn, logger), nil
}

// NewClient wraps an established connection.
func NewClient(conn Conn, logger *zap.Logger) NATSClient {
	return &natsClient{
		conn:   conn,
		logger: logger,
		now:    time.Now,
	}
}

type VerificationCompletedMessage struct {
	SubjectID   string                `json:"subject_id"`
	Status      model.AggregateStatus `json:"status"`
	Outcomes    []model.TypeOutcome   `json:"outcomes"`
	CompletedAt time.Time             `json:"completed_at"`
}

func (c *natsClient) PublishReverificationRequest(ctx context.Context, job model.ReverificationJob) error {
	if job.RequestedAt.IsZero() {
		job.RequestedAt = c.now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		c.logger.Error("failed to marshal reverification request", zap.Error(err))
		return fmt.Errorf("failed to marshal reverification request: %w", err)
	}

	if err := c.conn.Publish(SubjectReverify, data); err != nil {
		c.logger.Error("failed to publish reverification request", zap.Error(err), zap.String("record_id", job.RecordID))
		return fmt.Errorf("failed to publish reverification request: %w", err)
	}

	c.logger.Info("reverification request published",
		zap.String("record_id", job.RecordID),
		zap.String("subject_id", job.SubjectID),
		zap.String("type", string(job.Type)))
	return nil
}

// SubscribeToReverificationRequests joins the worker queue group so each
// job is handled by one instance. Handlers run with ctx as their parent.
func (c *natsClient) SubscribeToReverificationRequests(ctx context.Context, handler func(context.Context, model.ReverificationJob) error) error {
	_, err := c.conn.QueueSubscribe(SubjectReverify, QueueWorkers, func(msg *nats.Msg) {
		var job model.ReverificationJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			c.logger.Error("failed to unmarshal reverification request", zap.Error(err))
			return
		}
		if ctx.Err() != nil {
			c.logger.Warn("dropping reverification request after shutdown", zap.String("record_id", job.RecordID))
			return
		}

		if err := handler(ctx, job); err != nil {
			c.logger.Error("reverification request failed",
				zap.Error(err),
				zap.String("record_id", job.RecordID),
				zap.String("subject_id", job.SubjectID))
			return
		}
		c.logger.Info("reverification request processed", zap.String("record_id", job.RecordID))
	})
	if err != nil {
		c.logger.Error("failed to subscribe to reverification requests", zap.Error(err))
		return fmt.Errorf("failed to subscribe to reverification requests: %w", err)
	}

	c.logger.Info("subscribed to reverification requests", zap.String("queue", QueueWorkers))
	return nil
}

func (c *natsClient) PublishVerificationCompleted(ctx context.Context, result *model.AggregateResult) error {
	msg := VerificationCompletedMessage{
		SubjectID:   result.SubjectID,
		Status:      result.Status,
		Outcomes:    result.Outcomes,
		CompletedAt: c.now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal verification completed message", zap.Error(err))
		return fmt.Errorf("failed to marshal verification completed message: %w", err)
	}

	if err := c.conn.Publish(SubjectCompleted, data); err != nil {
		c.logger.Error("failed to publish verification completed", zap.Error(err), zap.String("subject_id", result.SubjectID))
		return fmt.Errorf("failed to publish verification completed: %w", err)
	}

	c.logger.Info("verification completed published",
		zap.String("subject_id", result.SubjectID),
		zap.String("status", string(result.Status)))
	return nil
}

func (c *natsClient) SubscribeToVerificationCompleted(ctx context.Context, handler func(VerificationCompletedMessage)) error {
	_, err := c.conn.Subscribe(SubjectCompleted, func(msg *nats.Msg) {
		var completedMsg VerificationCompletedMessage
		if err := json.Unmarshal(msg.Data, &completedMsg); err != nil {
			c.logger.Error("failed to unmarshal verification completed message", zap.Error(err))
			return
		}

		handler(completedMsg)
		c.logger.Debug("verification completed message processed",
			zap.String("subject_id", completedMsg.SubjectID),
			zap.String("status", string(completedMsg.Status)))
	})
	if err != nil {
		c.logger.Error("failed to subscribe to verification completed", zap.Error(err))
		return fmt.Errorf("failed to subscribe to verification completed: %w", err)
	}

	c.logger.Info("subscribed to verification completed messages")
	return nil
}

func (c *natsClient) Close() {
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.logger.Warn("failed to drain NATS connection", zap.Error(err))
			c.conn.Close()
		}
		c.logger.Info("NATS connection closed")
	}
}
