package domain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/config"
	"github.com/spbu-ds-practicum-2025/finance-tracker/internal/events"
)

// memRepo is an in-memory TransactionRepository with snapshot-based
// rollback: WithTransaction copies the state before running fn and restores
// it when fn fails.
type memRepo struct {
	mu           sync.Mutex
	transactions map[uuid.UUID]*Transaction
}

func newMemRepo() *memRepo {
	return &memRepo{transactions: make(map[uuid.UUID]*Transaction)}
}

func (m *memRepo) snapshot() map[uuid.UUID]*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make(map[uuid.UUID]*Transaction, len(m.transactions))
	for id, transaction := range m.transactions {
		cloned := *transaction
		copied[id] = &cloned
	}
	return copied
}

func (m *memRepo) restore(state map[uuid.UUID]*Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transactions = state
}

func (m *memRepo) Create(ctx context.Context, transaction *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cloned := *transaction
	m.transactions[transaction.ID] = &cloned
	return nil
}

func (m *memRepo) GetByID(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	transaction, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cloned := *transaction
	return &cloned, nil
}

func (m *memRepo) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for _, transaction := range m.transactions {
		if transaction.OwnerID == ownerID {
			cloned := *transaction
			out = append(out, &cloned)
		}
	}
	return out, nil
}

func (m *memRepo) Update(ctx context.Context, transaction *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[transaction.ID]; !ok {
		return ErrTransactionNotFound
	}
	cloned := *transaction
	m.transactions[transaction.ID] = &cloned
	return nil
}

func (m *memRepo) SetStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	transaction, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if transaction.Status != from {
		return ErrStaleTransition
	}
	transaction.Status = to
	return nil
}

func (m *memRepo) ForceStatus(ctx context.Context, id uuid.UUID, to TransactionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	transaction, ok := m.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	transaction.Status = to
	return nil
}

func (m *memRepo) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[id]; !ok {
		return ErrTransactionNotFound
	}
	delete(m.transactions, id)
	return nil
}

func (m *memRepo) ClearCategory(ctx context.Context, categoryID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected int64
	for _, transaction := range m.transactions {
		if transaction.CategoryID != nil && *transaction.CategoryID == categoryID {
			transaction.CategoryID = nil
			affected++
		}
	}
	return affected, nil
}

func (m *memRepo) ReassignCategory(ctx context.Context, from, to uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var affected int64
	for _, transaction := range m.transactions {
		if transaction.CategoryID != nil && *transaction.CategoryID == from {
			reassigned := to
			transaction.CategoryID = &reassigned
			affected++
		}
	}
	return affected, nil
}

func (m *memRepo) WithTransaction(ctx context.Context, fn func(txCtx context.Context) error) error {
	state := m.snapshot()
	if err := fn(ctx); err != nil {
		m.restore(state)
		return err
	}
	return nil
}

type savedEvent struct {
	aggregateType string
	aggregateID   uuid.UUID
	topic         string
	eventType     string
	payload       any
}

type fakeWriter struct {
	saved []savedEvent
	err   error
}

func (f *fakeWriter) SaveEvent(ctx context.Context, aggregateType string, aggregateID uuid.UUID, topic, eventType string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, savedEvent{aggregateType, aggregateID, topic, eventType, payload})
	return nil
}

func (f *fakeWriter) SaveEventOnce(ctx context.Context, aggregateType string, aggregateID uuid.UUID, topic, eventType string, payload any) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, event := range f.saved {
		if event.aggregateID == aggregateID && event.eventType == eventType {
			return false, nil
		}
	}
	f.saved = append(f.saved, savedEvent{aggregateType, aggregateID, topic, eventType, payload})
	return true, nil
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
		CategoryChange:            "category.change",
		CategoryDelete:            "category.delete",
	}
}

func newTestService(t *testing.T) (*TransactionService, *memRepo, *fakeWriter) {
	t.Helper()
	repo := newMemRepo()
	writer := &fakeWriter{}
	svc := NewTransactionService(repo, repo, writer, testTopics(), zerolog.Nop())
	return svc, repo, writer
}

func seedTransaction(t *testing.T, repo *memRepo, status TransactionStatus, txType TransactionType, amount string) *Transaction {
	t.Helper()
	transaction, err := NewTransaction(uuid.New(), uuid.New(), nil, decimal.RequireFromString(amount), txType, "groceries", []string{"food"})
	require.NoError(t, err)
	transaction.Status = status
	require.NoError(t, repo.Create(context.Background(), transaction))
	return transaction
}

func TestCreate_EnqueuesBalanceRequest(t *testing.T) {
	svc, repo, writer := newTestService(t)
	ctx := context.Background()

	transaction, err := svc.Create(ctx, uuid.New(), uuid.New(), nil, decimal.RequireFromString("250.00"), TypeExpense, "rent", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, transaction.Status)

	stored, err := repo.GetByID(ctx, transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	require.Len(t, writer.saved, 1)
	event := writer.saved[0]
	assert.Equal(t, events.TypeTransactionCreated, event.eventType)
	assert.Equal(t, "transaction.created", event.topic)
	assert.Equal(t, transaction.ID, event.aggregateID)

	payload := event.payload.(events.TransactionCreated)
	assert.Equal(t, transaction.ID, payload.TransactionID)
	assert.Equal(t, transaction.ID, payload.OperationID, "initial operation id must equal the transaction id")
	assert.Equal(t, "-250.00", payload.Amount, "expense must debit the account")
}

func TestCreate_IncomeIsCredit(t *testing.T) {
	svc, _, writer := newTestService(t)

	_, err := svc.Create(context.Background(), uuid.New(), uuid.New(), nil, decimal.RequireFromString("99.90"), TypeIncome, "salary", nil)
	require.NoError(t, err)

	payload := writer.saved[0].payload.(events.TransactionCreated)
	assert.Equal(t, "99.90", payload.Amount)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		owner   uuid.UUID
		account uuid.UUID
		amount  string
		txType  TransactionType
	}{
		{"missing owner", uuid.Nil, uuid.New(), "10.00", TypeExpense},
		{"missing account", uuid.New(), uuid.Nil, "10.00", TypeExpense},
		{"zero amount", uuid.New(), uuid.New(), "0", TypeExpense},
		{"negative amount", uuid.New(), uuid.New(), "-5.00", TypeExpense},
		{"unknown type", uuid.New(), uuid.New(), "10.00", TransactionType("TRANSFER")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.owner, tt.account, nil, decimal.RequireFromString(tt.amount), tt.txType, "", nil)
			assert.ErrorIs(t, err, ErrInvalidTransaction)
		})
	}
}

func TestCreate_WriterFailureRollsBack(t *testing.T) {
	svc, repo, writer := newTestService(t)
	writer.err = fmt.Errorf("outbox insert failed")

	_, err := svc.Create(context.Background(), uuid.New(), uuid.New(), nil, decimal.RequireFromString("10.00"), TypeIncome, "", nil)
	require.Error(t, err)
	assert.Empty(t, repo.snapshot(), "transaction row must not survive a failed outbox write")
}

func TestCancel_Pending(t *testing.T) {
	svc, repo, writer := newTestService(t)
	transaction := seedTransaction(t, repo, StatusPending, TypeExpense, "40.00")

	cancelled, err := svc.Cancel(context.Background(), transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Empty(t, writer.saved, "pending cancel has no balance effect to reverse")
}

func TestCancel_CompletedEmitsReversal(t *testing.T) {
	svc, repo, writer := newTestService(t)
	transaction := seedTransaction(t, repo, StatusCompleted, TypeExpense, "40.00")

	cancelled, err := svc.Cancel(context.Background(), transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	require.Len(t, writer.saved, 1)
	event := writer.saved[0]
	assert.Equal(t, events.TypeTransactionCancelled, event.eventType)
	assert.Equal(t, "transaction.cancelled", event.topic)

	payload := event.payload.(events.Compensate)
	assert.Equal(t, "40.00", payload.Amount, "cancelling an expense credits the amount back")
	assert.NotEqual(t, transaction.ID, payload.OperationID, "compensation needs its own dedup key")
	assert.NotEqual(t, uuid.Nil, payload.OperationID)
}

func TestCancel_TerminalStatesRejected(t *testing.T) {
	svc, repo, _ := newTestService(t)

	for _, status := range []TransactionStatus{StatusFailed, StatusCancelled} {
		transaction := seedTransaction(t, repo, status, TypeIncome, "10.00")
		_, err := svc.Cancel(context.Background(), transaction.ID)
		assert.ErrorIs(t, err, ErrStatusConflict, "status %s", status)
	}
}

func TestDelete_PendingIsDirect(t *testing.T) {
	svc, repo, writer := newTestService(t)
	transaction := seedTransaction(t, repo, StatusPending, TypeExpense, "15.00")

	require.NoError(t, svc.Delete(context.Background(), transaction.ID))

	_, err := repo.GetByID(context.Background(), transaction.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	assert.Empty(t, writer.saved)
}

func TestDelete_CompletedCompensatesOnce(t *testing.T) {
	svc, repo, writer := newTestService(t)
	transaction := seedTransaction(t, repo, StatusCompleted, TypeIncome, "75.00")

	require.NoError(t, svc.Delete(context.Background(), transaction.ID))

	_, err := repo.GetByID(context.Background(), transaction.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)

	require.Len(t, writer.saved, 1)
	payload := writer.saved[0].payload.(events.Compensate)
	assert.Equal(t, "-75.00", payload.Amount, "deleting an income debits the amount back")
	assert.Equal(t, events.TypeTransactionCompensate, writer.saved[0].eventType)
}

func TestDelete_CompensationAlreadyEnqueued(t *testing.T) {
	svc, repo, writer := newTestService(t)
	transaction := seedTransaction(t, repo, StatusCompleted, TypeIncome, "75.00")

	// A previous delete attempt recorded the compensation but crashed
	// before committing the row delete was observed by the caller.
	_, err := writer.SaveEventOnce(context.Background(), events.AggregateTransaction, transaction.ID,
		"transaction.compensate", events.TypeTransactionCompensate, events.Compensate{})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), transaction.ID))
	assert.Len(t, writer.saved, 1, "the compensation must not be enqueued twice")

	_, err = repo.GetByID(context.Background(), transaction.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestAmendAmount_ComputesDelta(t *testing.T) {
	svc, repo, writer := newTestService(t)
	// Expense of 100: the account was debited 100. Amending to 80 must
	// credit 20 back.
	transaction := seedTransaction(t, repo, StatusCompleted, TypeExpense, "100.00")

	amended, err := svc.AmendAmount(context.Background(), transaction.ID, decimal.RequireFromString("80.00"))
	require.NoError(t, err)
	assert.True(t, amended.Amount.Equal(decimal.RequireFromString("80.00")))

	stored, err := repo.GetByID(context.Background(), transaction.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(decimal.RequireFromString("80.00")))

	require.Len(t, writer.saved, 1)
	event := writer.saved[0]
	assert.Equal(t, events.TypeTransactionCompensateDiff, event.eventType)
	payload := event.payload.(events.Compensate)
	assert.Equal(t, "20.00", payload.Amount)
	assert.NotEqual(t, transaction.ID, payload.OperationID)
}

func TestAmendAmount_IncomeIncreaseCreditsDelta(t *testing.T) {
	svc, repo, writer := newTestService(t)
	// Income of 100 already credited. Amending to 150 must credit exactly
	// the 50 delta, not the full new amount.
	transaction := seedTransaction(t, repo, StatusCompleted, TypeIncome, "100.00")

	_, err := svc.AmendAmount(context.Background(), transaction.ID, decimal.RequireFromString("150.00"))
	require.NoError(t, err)

	payload := writer.saved[0].payload.(events.Compensate)
	assert.Equal(t, "50.00", payload.Amount)
}

func TestAmendAmount_IncreaseDebitsMore(t *testing.T) {
	svc, repo, writer := newTestService(t)
	transaction := seedTransaction(t, repo, StatusCompleted, TypeExpense, "100.00")

	_, err := svc.AmendAmount(context.Background(), transaction.ID, decimal.RequireFromString("130.00"))
	require.NoError(t, err)

	payload := writer.saved[0].payload.(events.Compensate)
	assert.Equal(t, "-30.00", payload.Amount)
}

func TestAmendAmount_SameAmountIsNoOp(t *testing.T) {
	svc, repo, writer := newTestService(t)
	transaction := seedTransaction(t, repo, StatusCompleted, TypeExpense, "100.00")

	_, err := svc.AmendAmount(context.Background(), transaction.ID, decimal.RequireFromString("100.00"))
	require.NoError(t, err)
	assert.Empty(t, writer.saved)
}

func TestAmendAmount_OnlyWhileCompleted(t *testing.T) {
	svc, repo, _ := newTestService(t)

	for _, status := range []TransactionStatus{StatusPending, StatusFailed, StatusCancelled} {
		transaction := seedTransaction(t, repo, status, TypeExpense, "50.00")
		_, err := svc.AmendAmount(context.Background(), transaction.ID, decimal.RequireFromString("60.00"))
		assert.ErrorIs(t, err, ErrStatusConflict, "status %s", status)
	}
}

func TestAmendAmount_RejectsNonPositive(t *testing.T) {
	svc, repo, _ := newTestService(t)
	transaction := seedTransaction(t, repo, StatusCompleted, TypeExpense, "50.00")

	_, err := svc.AmendAmount(context.Background(), transaction.ID, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidTransaction)
}

func TestApplyPatch_PlainFields(t *testing.T) {
	svc, repo, writer := newTestService(t)
	transaction := seedTransaction(t, repo, StatusCompleted, TypeExpense, "50.00")

	newCategory := uuid.New()
	description := "utilities"
	tags := []string{"home", "monthly"}
	patched, err := svc.ApplyPatch(context.Background(), transaction.ID, Patch{
		CategoryID:  &newCategory,
		Description: &description,
		Tags:        &tags,
	})
	require.NoError(t, err)
	require.NotNil(t, patched.CategoryID)
	assert.Equal(t, newCategory, *patched.CategoryID)
	assert.Equal(t, "utilities", patched.Description)
	assert.Equal(t, tags, patched.Tags)
	assert.Empty(t, writer.saved, "plain field updates have no balance effect")
}

func TestApplyPatch_AmountGoesThroughAmend(t *testing.T) {
	svc, repo, writer := newTestService(t)
	transaction := seedTransaction(t, repo, StatusCompleted, TypeExpense, "50.00")

	amount := decimal.RequireFromString("45.00")
	patched, err := svc.ApplyPatch(context.Background(), transaction.ID, Patch{Amount: &amount})
	require.NoError(t, err)
	assert.True(t, patched.Amount.Equal(amount))

	require.Len(t, writer.saved, 1)
	assert.Equal(t, events.TypeTransactionCompensateDiff, writer.saved[0].eventType)
}

func TestApplyPatch_AmountRejectedWhilePending(t *testing.T) {
	svc, repo, _ := newTestService(t)
	transaction := seedTransaction(t, repo, StatusPending, TypeExpense, "50.00")

	amount := decimal.RequireFromString("45.00")
	_, err := svc.ApplyPatch(context.Background(), transaction.ID, Patch{Amount: &amount})
	assert.ErrorIs(t, err, ErrStatusConflict)
}

func TestApplyPatch_ClearCategory(t *testing.T) {
	svc, repo, _ := newTestService(t)
	category := uuid.New()
	transaction := seedTransaction(t, repo, StatusCompleted, TypeExpense, "50.00")
	transaction.CategoryID = &category
	require.NoError(t, repo.Update(context.Background(), transaction))

	patched, err := svc.ApplyPatch(context.Background(), transaction.ID, Patch{ClearCat: true})
	require.NoError(t, err)
	assert.Nil(t, patched.CategoryID)
}

func TestCategoryEvents(t *testing.T) {
	svc, repo, _ := newTestService(t)
	ctx := context.Background()
	category := uuid.New()

	first := seedTransaction(t, repo, StatusCompleted, TypeExpense, "10.00")
	first.CategoryID = &category
	require.NoError(t, repo.Update(ctx, first))
	second := seedTransaction(t, repo, StatusCompleted, TypeExpense, "20.00")
	second.CategoryID = &category
	require.NoError(t, repo.Update(ctx, second))

	replacement := uuid.New()
	require.NoError(t, svc.ReassignCategory(ctx, category, replacement))
	stored, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.CategoryID)
	assert.Equal(t, replacement, *stored.CategoryID)

	require.NoError(t, svc.ClearCategory(ctx, replacement))
	stored, err = repo.GetByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.CategoryID)

	// Redelivery of the delete event is a no-op.
	require.NoError(t, svc.ClearCategory(ctx, replacement))
}

func TestCoordinator_BalanceApplied(t *testing.T) {
	repo := newMemRepo()
	coordinator := NewCoordinator(repo, zerolog.Nop())
	transaction := seedTransaction(t, repo, StatusPending, TypeExpense, "10.00")

	require.NoError(t, coordinator.OnBalanceApplied(context.Background(), transaction.ID))

	stored, err := repo.GetByID(context.Background(), transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)

	// Redelivery after completion is swallowed.
	require.NoError(t, coordinator.OnBalanceApplied(context.Background(), transaction.ID))
}

func TestCoordinator_BalanceFailed(t *testing.T) {
	repo := newMemRepo()
	coordinator := NewCoordinator(repo, zerolog.Nop())
	transaction := seedTransaction(t, repo, StatusPending, TypeExpense, "10.00")

	require.NoError(t, coordinator.OnBalanceFailed(context.Background(), transaction.ID, "insufficient balance"))

	stored, err := repo.GetByID(context.Background(), transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
}

func TestCoordinator_StaleReplyKeepsTerminalState(t *testing.T) {
	repo := newMemRepo()
	coordinator := NewCoordinator(repo, zerolog.Nop())
	transaction := seedTransaction(t, repo, StatusCancelled, TypeExpense, "10.00")

	require.NoError(t, coordinator.OnBalanceApplied(context.Background(), transaction.ID))
	require.NoError(t, coordinator.OnBalanceFailed(context.Background(), transaction.ID, "late"))

	stored, err := repo.GetByID(context.Background(), transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, stored.Status, "a settled transaction must not be reopened by late replies")
}

func TestCoordinator_ReplyForUnknownTransaction(t *testing.T) {
	repo := newMemRepo()
	coordinator := NewCoordinator(repo, zerolog.Nop())

	require.NoError(t, coordinator.OnBalanceApplied(context.Background(), uuid.New()))
	require.NoError(t, coordinator.OnBalanceFailed(context.Background(), uuid.New(), "gone"))
}

func TestCoordinator_CompensateFailed(t *testing.T) {
	repo := newMemRepo()
	coordinator := NewCoordinator(repo, zerolog.Nop())
	transaction := seedTransaction(t, repo, StatusCancelled, TypeExpense, "10.00")

	require.NoError(t, coordinator.OnCompensateFailed(context.Background(), transaction.ID, uuid.New(), "account inactive"))

	stored, err := repo.GetByID(context.Background(), transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)

	// Delete path: the row is already gone, only the log remains.
	require.NoError(t, coordinator.OnCompensateFailed(context.Background(), uuid.New(), uuid.New(), "account inactive"))
}

func TestCoordinator_RepositoryErrorPropagates(t *testing.T) {
	repo := &failingRepo{memRepo: newMemRepo()}
	coordinator := NewCoordinator(repo, zerolog.Nop())

	err := coordinator.OnBalanceApplied(context.Background(), uuid.New())
	assert.Error(t, err)
	assert.True(t, errors.Is(err, errStoreDown))
}

var errStoreDown = errors.New("store unavailable")

type failingRepo struct {
	*memRepo
}

func (f *failingRepo) SetStatus(ctx context.Context, id uuid.UUID, from, to TransactionStatus) error {
	return errStoreDown
}
