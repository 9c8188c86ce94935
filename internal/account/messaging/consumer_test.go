package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/account/domain"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/config"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/events"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/outbox"
)

// fakeBalance records UpdateBalance calls and returns a configured error.
type fakeBalance struct {
	err   error
	calls []balanceCall
}

type balanceCall struct {
	accountID   uuid.UUID
	operationID uuid.UUID
	amount      decimal.Decimal
}

func (f *fakeBalance) UpdateBalance(ctx context.Context, accountID, operationID uuid.UUID, amount decimal.Decimal, onApplied func(txCtx context.Context) error) error {
	f.calls = append(f.calls, balanceCall{accountID: accountID, operationID: operationID, amount: amount})
	if f.err != nil {
		return f.err
	}
	if onApplied != nil {
		return onApplied(ctx)
	}
	return nil
}

// fakeOutboxStore collects saved outbox events.
type fakeOutboxStore struct {
	saved []*outbox.Event
}

func (s *fakeOutboxStore) Save(ctx context.Context, event *outbox.Event) error {
	s.saved = append(s.saved, event)
	return nil
}

func (s *fakeOutboxStore) Exists(ctx context.Context, aggregateID uuid.UUID, eventType string) (bool, error) {
	for _, ev := range s.saved {
		if ev.AggregateID == aggregateID && ev.EventType == eventType {
			return true, nil
		}
	}
	return false, nil
}

func testTopics() config.Topics {
	return config.Topics{
		TransactionCreated:        "transaction.created",
		TransactionSuccessCreated: "transaction.success.created",
		TransactionBalanceFailure: "transaction.balance.failure",
		TransactionCancelled:      "transaction.cancelled",
		TransactionCompensate:     "transaction.compensate",
		TransactionCompensateFail: "transaction.compensate.failure",
		TransactionCompensateDiff: "transaction.compensate.diff",
	}
}

func newTestHandler(balance *fakeBalance) (*Handler, *fakeOutboxStore) {
	store := &fakeOutboxStore{}
	handler := NewHandler(balance, outbox.NewWriter(store), testTopics(), zerolog.Nop())
	return handler, store
}

func createdBody(t *testing.T, txID, accountID uuid.UUID, amount string) []byte {
	t.Helper()
	body, err := json.Marshal(events.TransactionCreated{
		EventID:       uuid.New(),
		TransactionID: txID,
		OperationID:   txID,
		AccountID:     accountID,
		Amount:        amount,
		Type:          "INCOME",
		Timestamp:     time.Now().UTC(),
	})
	require.NoError(t, err)
	return body
}

func TestHandle_CreatedSuccessEmitsReply(t *testing.T) {
	balance := &fakeBalance{}
	handler, store := newTestHandler(balance)
	txID, accountID := uuid.New(), uuid.New()

	err := handler.Handle(context.Background(), events.TypeTransactionCreated, createdBody(t, txID, accountID, "100.00"))
	require.NoError(t, err)

	require.Len(t, balance.calls, 1)
	assert.Equal(t, accountID, balance.calls[0].accountID)
	assert.Equal(t, txID, balance.calls[0].operationID)
	assert.True(t, balance.calls[0].amount.Equal(decimal.RequireFromString("100.00")))

	require.Len(t, store.saved, 1)
	assert.Equal(t, events.TypeTransactionSuccessCreated, store.saved[0].EventType)
	assert.Equal(t, txID, store.saved[0].AggregateID)
}

func TestHandle_CreatedTerminalFailureEmitsFailureEvent(t *testing.T) {
	balance := &fakeBalance{err: domain.ErrInsufficientBalance}
	handler, store := newTestHandler(balance)
	txID := uuid.New()

	err := handler.Handle(context.Background(), events.TypeTransactionCreated, createdBody(t, txID, uuid.New(), "-100.00"))
	require.NoError(t, err, "terminal business failure must be acked, not requeued")

	require.Len(t, store.saved, 1)
	assert.Equal(t, events.TypeTransactionBalanceFailure, store.saved[0].EventType)

	var payload events.BalanceFailed
	require.NoError(t, json.Unmarshal(store.saved[0].Payload, &payload))
	assert.Equal(t, txID, payload.TransactionID)
	assert.Contains(t, payload.Reason, "insufficient balance")
}

func TestHandle_CreatedRetryExhaustionEmitsFailureEvent(t *testing.T) {
	balance := &fakeBalance{err: domain.ErrRetryExhausted}
	handler, store := newTestHandler(balance)

	err := handler.Handle(context.Background(), events.TypeTransactionCreated, createdBody(t, uuid.New(), uuid.New(), "10.00"))
	require.NoError(t, err)

	require.Len(t, store.saved, 1)
	assert.Equal(t, events.TypeTransactionBalanceFailure, store.saved[0].EventType)
}

func TestHandle_CreatedInfrastructureErrorPropagates(t *testing.T) {
	balance := &fakeBalance{err: errors.New("connection reset")}
	handler, store := newTestHandler(balance)

	err := handler.Handle(context.Background(), events.TypeTransactionCreated, createdBody(t, uuid.New(), uuid.New(), "10.00"))
	require.Error(t, err, "infrastructure errors must requeue the delivery")
	assert.Empty(t, store.saved, "no failure event for retryable errors")
}

func TestHandle_CompensateAppliesReverseAmount(t *testing.T) {
	balance := &fakeBalance{}
	handler, store := newTestHandler(balance)
	txID, opID, accountID := uuid.New(), uuid.New(), uuid.New()

	body, err := json.Marshal(events.Compensate{
		EventID:       uuid.New(),
		TransactionID: txID,
		OperationID:   opID,
		AccountID:     accountID,
		Amount:        "-100.00",
		Timestamp:     time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, handler.Handle(context.Background(), events.TypeTransactionCompensate, body))

	require.Len(t, balance.calls, 1)
	assert.Equal(t, opID, balance.calls[0].operationID, "compensation dedups on its own operation id")
	assert.True(t, balance.calls[0].amount.Equal(decimal.RequireFromString("-100.00")))
	assert.Empty(t, store.saved, "successful compensation emits no reply")
}

func TestHandle_CompensateTerminalFailureEmitsFailureEvent(t *testing.T) {
	balance := &fakeBalance{err: domain.ErrAccountInactive}
	handler, store := newTestHandler(balance)

	body, _ := json.Marshal(events.Compensate{
		EventID:       uuid.New(),
		TransactionID: uuid.New(),
		OperationID:   uuid.New(),
		AccountID:     uuid.New(),
		Amount:        "-10.00",
	})

	require.NoError(t, handler.Handle(context.Background(), events.TypeTransactionCancelled, body))

	require.Len(t, store.saved, 1)
	assert.Equal(t, events.TypeTransactionCompensateFail, store.saved[0].EventType)
}

func TestHandle_MalformedPayloadIsBadMessage(t *testing.T) {
	handler, _ := newTestHandler(&fakeBalance{})

	err := handler.Handle(context.Background(), events.TypeTransactionCreated, []byte("{not json"))
	require.ErrorIs(t, err, errBadMessage)

	// An unparseable amount is just as unprocessable.
	body, _ := json.Marshal(events.TransactionCreated{
		EventID:       uuid.New(),
		TransactionID: uuid.New(),
		AccountID:     uuid.New(),
		Amount:        "ten",
	})
	err = handler.Handle(context.Background(), events.TypeTransactionCreated, body)
	require.ErrorIs(t, err, errBadMessage)
}

func TestHandle_UnknownEventTypeIgnored(t *testing.T) {
	balance := &fakeBalance{}
	handler, store := newTestHandler(balance)

	err := handler.Handle(context.Background(), "SomethingElse", []byte("{}"))
	require.NoError(t, err)
	assert.Empty(t, balance.calls)
	assert.Empty(t, store.saved)
}
