package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap/zaptest"

	"driver_verification/internal/model"
)

// mockNATSConn stands in for *nats.Conn.
type mockNATSConn struct {
	publishFunc        func(subj string, data []byte) error
	subscribeFunc      func(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	queueSubscribeFunc func(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
	drainFunc          func() error
	closed             bool
}

func (m *mockNATSConn) Publish(subj string, data []byte) error {
	if m.publishFunc != nil {
		return m.publishFunc(subj, data)
	}
	return nil
}

func (m *mockNATSConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if m.subscribeFunc != nil {
		return m.subscribeFunc(subj, cb)
	}
	return &nats.Subscription{}, nil
}

func (m *mockNATSConn) QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if m.queueSubscribeFunc != nil {
		return m.queueSubscribeFunc(subj, queue, cb)
	}
	return &nats.Subscription{}, nil
}

func (m *mockNATSConn) Drain() error {
	if m.drainFunc != nil {
		return m.drainFunc()
	}
	return nil
}

func (m *mockNATSConn) Close() {
	m.closed = true
}

func TestPublishReverificationRequest(t *testing.T) {
	tests := []struct {
		name          string
		job           model.ReverificationJob
		publishError  error
		expectedError string
	}{
		{
			name: "successful_publish",
			job: model.ReverificationJob{
				RecordID:  "rec-1",
				SubjectID: "driver-1",
				Type:      model.VerificationTypeDrivingLicense,
			},
		},
		{
			name:          "publish_error",
			job:           model.ReverificationJob{RecordID: "rec-2"},
			publishError:  errors.New("nats connection failed"),
			expectedError: "failed to publish reverification request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var publishedData []byte
			var publishedSubject string

			mockConn := &mockNATSConn{
				publishFunc: func(subj string, data []byte) error {
					publishedSubject = subj
					publishedData = data
					return tt.publishError
				},
			}

			client := NewClient(mockConn, zaptest.NewLogger(t))
			err := client.PublishReverificationRequest(context.Background(), tt.job)

			if tt.expectedError != "" {
				if err == nil || !strings.Contains(err.Error(), tt.expectedError) {
					t.Errorf("expected error containing '%s', but got %v", tt.expectedError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if publishedSubject != SubjectReverify {
				t.Errorf("expected subject '%s', but got '%s'", SubjectReverify, publishedSubject)
			}

			var msg model.ReverificationJob
			if err := json.Unmarshal(publishedData, &msg); err != nil {
				t.Fatalf("failed to unmarshal published data: %v", err)
			}
			if msg.RecordID != tt.job.RecordID || msg.SubjectID != tt.job.SubjectID || msg.Type != tt.job.Type {
				t.Errorf("unexpected message: %+v", msg)
			}
			if msg.RequestedAt.IsZero() {
				t.Error("expected requested_at to be set")
			}
		})
	}
}

func TestSubscribeToReverificationRequests(t *testing.T) {
	var handler nats.MsgHandler
	mockConn := &mockNATSConn{
		queueSubscribeFunc: func(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error) {
			if subj != SubjectReverify || queue != QueueWorkers {
				t.Errorf("unexpected subscription %s/%s", subj, queue)
			}
			handler = cb
			return &nats.Subscription{}, nil
		},
	}

	var received []model.ReverificationJob
	client := NewClient(mockConn, zaptest.NewLogger(t))
	err := client.SubscribeToReverificationRequests(context.Background(), func(_ context.Context, job model.ReverificationJob) error {
		received = append(received, job)
		if job.RecordID == "fails" {
			return errors.New("workflow failed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, _ := json.Marshal(model.ReverificationJob{RecordID: "rec-1", SubjectID: "driver-1", Type: model.VerificationTypeReferee})
	handler(&nats.Msg{Data: data})
	data, _ = json.Marshal(model.ReverificationJob{RecordID: "fails"})
	handler(&nats.Msg{Data: data})
	handler(&nats.Msg{Data: []byte("invalid json")})

	if len(received) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(received))
	}
	if received[0].Type != model.VerificationTypeReferee {
		t.Errorf("unexpected job: %+v", received[0])
	}
}

func TestSubscribeToReverificationRequestsAfterShutdown(t *testing.T) {
	var handler nats.MsgHandler
	mockConn := &mockNATSConn{
		queueSubscribeFunc: func(_, _ string, cb nats.MsgHandler) (*nats.Subscription, error) {
			handler = cb
			return &nats.Subscription{}, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	called := false
	client := NewClient(mockConn, zaptest.NewLogger(t))
	if err := client.SubscribeToReverificationRequests(ctx, func(context.Context, model.ReverificationJob) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancel()
	data, _ := json.Marshal(model.ReverificationJob{RecordID: "rec-1"})
	handler(&nats.Msg{Data: data})
	if called {
		t.Error("handler must not run after the context is done")
	}
}

func TestPublishVerificationCompleted(t *testing.T) {
	var publishedSubject string
	var publishedData []byte
	mockConn := &mockNATSConn{
		publishFunc: func(subj string, data []byte) error {
			publishedSubject = subj
			publishedData = data
			return nil
		},
	}

	client := NewClient(mockConn, zaptest.NewLogger(t))
	err := client.PublishVerificationCompleted(context.Background(), &model.AggregateResult{
		SubjectID: "driver-1",
		Status:    model.AggregateRejected,
		Outcomes: []model.TypeOutcome{
			{Type: model.VerificationTypeIdentityNumber, Status: model.StatusApproved, RecordID: "a"},
			{Type: model.VerificationTypeBankAccount, Status: model.StatusRejected, RecordID: "b"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if publishedSubject != SubjectCompleted {
		t.Errorf("expected subject '%s', got '%s'", SubjectCompleted, publishedSubject)
	}

	var msg VerificationCompletedMessage
	if err := json.Unmarshal(publishedData, &msg); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if msg.Status != model.AggregateRejected || len(msg.Outcomes) != 2 || time.Since(msg.CompletedAt) > time.Minute {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestSubscribeToVerificationCompleted(t *testing.T) {
	tests := []struct {
		name           string
		subscribeError error
		messageData    []byte
		expectedError  string
		expectedCalled bool
	}{
		{
			name:           "successful_subscription",
			messageData:    []byte(`{"subject_id":"driver-1","status":"approved","outcomes":[]}`),
			expectedCalled: true,
		},
		{
			name:           "subscription_error",
			subscribeError: errors.New("subscription failed"),
			expectedError:  "failed to subscribe to verification completed",
		},
		{
			name:        "invalid_json_message",
			messageData: []byte(`invalid json`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var handler nats.MsgHandler
			mockConn := &mockNATSConn{
				subscribeFunc: func(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
					if subj != SubjectCompleted {
						t.Errorf("unexpected subject %s", subj)
					}
					handler = cb
					return &nats.Subscription{}, tt.subscribeError
				},
			}

			var received *VerificationCompletedMessage
			client := NewClient(mockConn, zaptest.NewLogger(t))
			err := client.SubscribeToVerificationCompleted(context.Background(), func(msg VerificationCompletedMessage) {
				received = &msg
			})

			if tt.expectedError != "" {
				if err == nil || !strings.Contains(err.Error(), tt.expectedError) {
					t.Errorf("expected error containing '%s', but got %v", tt.expectedError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			handler(&nats.Msg{Data: tt.messageData})
			if (received != nil) != tt.expectedCalled {
				t.Errorf("expected handler called=%v", tt.expectedCalled)
			}
			if received != nil && (received.SubjectID != "driver-1" || received.Status != model.AggregateApproved) {
				t.Errorf("unexpected message: %+v", received)
			}
		})
	}
}

func TestClose(t *testing.T) {
	ok := &mockNATSConn{}
	NewClient(ok, zaptest.NewLogger(t)).Close()
	if ok.closed {
		t.Error("drained connection should not be closed directly")
	}

	failing := &mockNATSConn{drainFunc: func() error { return errors.New("drain failed") }}
	NewClient(failing, zaptest.NewLogger(t)).Close()
	if !failing.closed {
		t.Error("expected Close after failed drain")
	}
}
