package services_test

import (
	"context"
	"sync"
	"testing"

	"wolfshop/internal/models"
	"wolfshop/internal/repositories"
	"wolfshop/internal/services"
	"wolfshop/pkg/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockGateway is a mock implementation of services.PaymentGateway.
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CreateSession(ctx context.Context, params payment.SessionParams) (string, string, error) {
	args := m.Called(ctx, params)
	return args.String(0), args.String(1), args.Error(2)
}

// MockPublisher is a mock implementation of services.EventPublisher.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(routingKey string, body []byte) error {
	args := m.Called(routingKey, body)
	return args.Error(0)
}

type orderFixture struct {
	service     *services.OrderService
	orderRepo   *repositories.MockOrderRepository
	productRepo *repositories.MockProductRepository
	ledger      *repositories.MockInventoryLedger
	gateway     *MockGateway
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()

	productRepo := repositories.NewMockProductRepository()
	orderRepo := repositories.NewMockOrderRepository()
	ledger := repositories.NewMockInventoryLedger()
	gateway := new(MockGateway)

	products := []models.Product{
		{ID: "prod-a", Name: "Laptop", Price: 1200.00, Stock: 10},
		{ID: "prod-b", Name: "Keyboard", Price: 75.00, Stock: 5},
	}
	for i := range products {
		require.NoError(t, productRepo.Create(&products[i]))
		ledger.SetStock(products[i].ID, products[i].Stock)
	}

	service := services.NewOrderService(orderRepo, productRepo, ledger, gateway, nil,
		"http://localhost/success", "http://localhost/cancel")
	return &orderFixture{
		service:     service,
		orderRepo:   orderRepo,
		productRepo: productRepo,
		ledger:      ledger,
		gateway:     gateway,
	}
}

var buyer = services.Identity{UserID: "user-1", Username: "buyer@example.com", Role: models.RoleUser}

func successEvent(id, sessionRef string) *payment.Event {
	ev := &payment.Event{ID: id, Type: payment.EventCheckoutCompleted}
	ev.Data.Object.ID = sessionRef
	return ev
}

func failureEvent(id, sessionRef string) *payment.Event {
	ev := &payment.Event{ID: id, Type: payment.EventPaymentFailed}
	ev.Data.Object.ID = sessionRef
	return ev
}

func TestCreateOrderSnapshotsPrices(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.service.CreateOrder(buyer, services.CreateOrderRequest{
		Items:   []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 2}},
		Address: "1 Main St",
	})
	require.NoError(t, err)
	assert.Equal(t, 2400.00, order.Total)
	assert.Equal(t, order.Total, order.ComputedTotal())

	// A later catalog price change must not touch the recorded total.
	product, _ := f.productRepo.GetByID("prod-a")
	product.Price = 9999.00
	require.NoError(t, f.productRepo.Update(product))

	stored, err := f.orderRepo.GetByID(order.ID)
	require.NoError(t, err)
	assert.Equal(t, 2400.00, stored.Total)
	assert.Equal(t, 1200.00, stored.Items[0].Price)
	assert.Equal(t, stored.Total, stored.ComputedTotal())
}

func TestCreateOrderAllOrNothing(t *testing.T) {
	f := newOrderFixture(t)

	// prod-b has only 5 in stock, so the whole cart must fail and
	// prod-a's reservation must be rolled back.
	_, err := f.service.CreateOrder(buyer, services.CreateOrderRequest{
		Items: []services.OrderItemRequest{
			{ProductID: "prod-a", Quantity: 2},
			{ProductID: "prod-b", Quantity: 1000},
		},
		Address: "1 Main St",
	})
	assert.ErrorIs(t, err, repositories.ErrInsufficientStock)

	available, _ := f.ledger.Available("prod-a")
	assert.Equal(t, 10, available, "prod-a reservation must be fully rolled back")
	available, _ = f.ledger.Available("prod-b")
	assert.Equal(t, 5, available)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newOrderFixture(t)

	cases := []struct {
		name string
		req  services.CreateOrderRequest
	}{
		{"no items", services.CreateOrderRequest{Address: "1 Main St"}},
		{"no address", services.CreateOrderRequest{
			Items: []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 1}},
		}},
		{"zero quantity", services.CreateOrderRequest{
			Items:   []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 0}},
			Address: "1 Main St",
		}},
		{"negative quantity", services.CreateOrderRequest{
			Items:   []services.OrderItemRequest{{ProductID: "prod-a", Quantity: -1}},
			Address: "1 Main St",
		}},
		{"unknown payment method", services.CreateOrderRequest{
			Items:         []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 1}},
			Address:       "1 Main St",
			PaymentMethod: "barter",
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.CreateOrder(buyer, tc.req)
			assert.ErrorIs(t, err, services.ErrValidation)
		})
	}

	// Validation failures must not leave reservations behind.
	available, _ := f.ledger.Available("prod-a")
	assert.Equal(t, 10, available)
}

func TestCreateOrderMergesDuplicateLines(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.service.CreateOrder(buyer, services.CreateOrderRequest{
		Items: []services.OrderItemRequest{
			{ProductID: "prod-a", Quantity: 1},
			{ProductID: "prod-a", Quantity: 2},
		},
		Address: "1 Main St",
	})
	require.NoError(t, err)
	require.Len(t, order.Items, 1)
	assert.Equal(t, 3, order.Items[0].Quantity)

	available, _ := f.ledger.Available("prod-a")
	assert.Equal(t, 7, available)
}

func TestCreateOrderCashOnDelivery(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.service.CreateOrder(buyer, services.CreateOrderRequest{
		Items:         []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 1}},
		Address:       "1 Main St",
		PaymentMethod: models.PaymentMethodCashOnDelivery,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.NotNil(t, order.PaidAt)
}

func TestCheckoutSessionStoresRef(t *testing.T) {
	f := newOrderFixture(t)
	f.gateway.On("CreateSession", mock.Anything, mock.Anything).
		Return("sess-123", "https://pay.example/sess-123", nil).Once()

	result, err := f.service.CreateCheckoutSession(context.Background(), buyer, services.CreateOrderRequest{
		Items:   []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 1}},
		Address: "1 Main St",
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-123", result.SessionRef)
	assert.Equal(t, "https://pay.example/sess-123", result.RedirectURL)

	stored, err := f.orderRepo.GetBySessionRef("sess-123")
	require.NoError(t, err)
	assert.Equal(t, result.Order.ID, stored.ID)
	assert.Equal(t, models.PaymentStatusPending, stored.PaymentStatus)
	f.gateway.AssertExpectations(t)
}

func TestCheckoutGatewayFailureKeepsReservation(t *testing.T) {
	f := newOrderFixture(t)
	f.gateway.On("CreateSession", mock.Anything, mock.Anything).
		Return("", "", payment.ErrGatewayUnavailable).Once()

	result, err := f.service.CreateCheckoutSession(context.Background(), buyer, services.CreateOrderRequest{
		Items:   []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 2}},
		Address: "1 Main St",
	})
	require.ErrorIs(t, err, payment.ErrGatewayUnavailable)
	require.NotNil(t, result)
	require.NotNil(t, result.Order)

	// The reservation stays: the order is valid pending a retry.
	available, _ := f.ledger.Available("prod-a")
	assert.Equal(t, 8, available)

	stored, getErr := f.orderRepo.GetByID(result.Order.ID)
	require.NoError(t, getErr)
	assert.Nil(t, stored.SessionID)

	// Retry succeeds and stores the ref.
	f.gateway.On("CreateSession", mock.Anything, mock.Anything).
		Return("sess-retry", "https://pay.example/sess-retry", nil).Once()
	retried, err := f.service.StartPayment(context.Background(), buyer, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-retry", retried.SessionRef)

	// A further attempt is refused: the ref is set at most once.
	_, err = f.service.StartPayment(context.Background(), buyer, result.Order.ID)
	assert.ErrorIs(t, err, services.ErrSessionExists)
	f.gateway.AssertExpectations(t)
}

func TestApplyPaymentEventSuccess(t *testing.T) {
	f := newOrderFixture(t)
	f.gateway.On("CreateSession", mock.Anything, mock.Anything).
		Return("sess-123", "https://pay.example/sess-123", nil).Once()

	result, err := f.service.CreateCheckoutSession(context.Background(), buyer, services.CreateOrderRequest{
		Items:   []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 1}},
		Address: "1 Main St",
	})
	require.NoError(t, err)

	require.NoError(t, f.service.ApplyPaymentEvent(successEvent("evt-1", "sess-123")))

	order, err := f.orderRepo.GetByID(result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
	require.NotNil(t, order.PaidAt)
	firstPaidAt := *order.PaidAt

	// Replay of the same event is a no-op: paidAt untouched, status
	// unchanged, no error.
	require.NoError(t, f.service.ApplyPaymentEvent(successEvent("evt-1", "sess-123")))
	order, _ = f.orderRepo.GetByID(result.Order.ID)
	assert.Equal(t, firstPaidAt, *order.PaidAt)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)

	// Paid order keeps its stock reserved.
	available, _ := f.ledger.Available("prod-a")
	assert.Equal(t, 9, available)
}

func TestApplyPaymentEventConcurrentDuplicates(t *testing.T) {
	f := newOrderFixture(t)
	f.gateway.On("CreateSession", mock.Anything, mock.Anything).
		Return("sess-123", "https://pay.example/sess-123", nil).Once()

	_, err := f.service.CreateCheckoutSession(context.Background(), buyer, services.CreateOrderRequest{
		Items:   []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 1}},
		Address: "1 Main St",
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.service.ApplyPaymentEvent(successEvent("evt-1", "sess-123")))
		}()
	}
	wg.Wait()

	order, err := f.orderRepo.GetBySessionRef("sess-123")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, order.PaymentStatus)
	assert.Equal(t, models.OrderStatusProcessing, order.Status)
}

func TestApplyPaymentEventFailureReleasesStock(t *testing.T) {
	f := newOrderFixture(t)
	f.gateway.On("CreateSession", mock.Anything, mock.Anything).
		Return("sess-123", "https://pay.example/sess-123", nil).Once()

	result, err := f.service.CreateCheckoutSession(context.Background(), buyer, services.CreateOrderRequest{
		Items:   []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 3}},
		Address: "1 Main St",
	})
	require.NoError(t, err)

	available, _ := f.ledger.Available("prod-a")
	require.Equal(t, 7, available)

	require.NoError(t, f.service.ApplyPaymentEvent(failureEvent("evt-1", "sess-123")))

	order, err := f.orderRepo.GetByID(result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, order.PaymentStatus)
	assert.Nil(t, order.PaidAt)

	available, _ = f.ledger.Available("prod-a")
	assert.Equal(t, 10, available, "failed payment must return the held stock")

	// Replayed failure must not double-credit.
	require.NoError(t, f.service.ApplyPaymentEvent(failureEvent("evt-1", "sess-123")))
	available, _ = f.ledger.Available("prod-a")
	assert.Equal(t, 10, available)
}

func TestApplyPaymentEventUnknownSession(t *testing.T) {
	f := newOrderFixture(t)

	// Unknown session references are swallowed, not errored, so the
	// provider stops redelivering.
	assert.NoError(t, f.service.ApplyPaymentEvent(successEvent("evt-1", "sess-nope")))
	assert.NoError(t, f.service.ApplyPaymentEvent(&payment.Event{ID: "evt-2", Type: payment.EventCheckoutCompleted}))
}

func TestGetOrderAuthorization(t *testing.T) {
	f := newOrderFixture(t)

	order, err := f.service.CreateOrder(buyer, services.CreateOrderRequest{
		Items:   []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 1}},
		Address: "1 Main St",
	})
	require.NoError(t, err)

	// Owner may read it.
	_, err = f.service.GetOrder(buyer, order.ID)
	assert.NoError(t, err)

	// A different user may not.
	stranger := services.Identity{UserID: "user-2", Role: models.RoleUser}
	_, err = f.service.GetOrder(stranger, order.ID)
	assert.ErrorIs(t, err, services.ErrForbidden)

	// An admin may.
	admin := services.Identity{UserID: "admin-1", Role: models.RoleAdmin}
	_, err = f.service.GetOrder(admin, order.ID)
	assert.NoError(t, err)

	// Listing everything is admin only.
	_, err = f.service.GetAllOrders(stranger)
	assert.ErrorIs(t, err, services.ErrForbidden)
	orders, err := f.service.GetAllOrders(admin)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestDeleteOrderBlockedWhenPaid(t *testing.T) {
	f := newOrderFixture(t)
	admin := services.Identity{UserID: "admin-1", Role: models.RoleAdmin}

	order, err := f.service.CreateOrder(buyer, services.CreateOrderRequest{
		Items:         []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 1}},
		Address:       "1 Main St",
		PaymentMethod: models.PaymentMethodCashOnDelivery,
	})
	require.NoError(t, err)

	err = f.service.DeleteOrder(admin, order.ID)
	assert.ErrorIs(t, err, services.ErrOrderPaid)

	// Non-admins cannot delete at all.
	err = f.service.DeleteOrder(buyer, order.ID)
	assert.ErrorIs(t, err, services.ErrForbidden)
}

func TestDeleteUnpaidOrderReleasesStock(t *testing.T) {
	f := newOrderFixture(t)
	admin := services.Identity{UserID: "admin-1", Role: models.RoleAdmin}

	order, err := f.service.CreateOrder(buyer, services.CreateOrderRequest{
		Items:   []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 4}},
		Address: "1 Main St",
	})
	require.NoError(t, err)
	available, _ := f.ledger.Available("prod-a")
	require.Equal(t, 6, available)

	require.NoError(t, f.service.DeleteOrder(admin, order.ID))
	available, _ = f.ledger.Available("prod-a")
	assert.Equal(t, 10, available)

	_, err = f.orderRepo.GetByID(order.ID)
	assert.ErrorIs(t, err, repositories.ErrOrderNotFound)
}

func TestUpdateOrderAdminOverrides(t *testing.T) {
	f := newOrderFixture(t)
	admin := services.Identity{UserID: "admin-1", Role: models.RoleAdmin}

	order, err := f.service.CreateOrder(buyer, services.CreateOrderRequest{
		Items:   []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 2}},
		Address: "1 Main St",
	})
	require.NoError(t, err)

	// Non-admin is refused.
	_, err = f.service.UpdateOrder(buyer, order.ID, services.UpdateOrderRequest{Status: models.OrderStatusShipped})
	assert.ErrorIs(t, err, services.ErrForbidden)

	// Unknown enum values are rejected.
	_, err = f.service.UpdateOrder(admin, order.ID, services.UpdateOrderRequest{Status: "Teleported"})
	assert.ErrorIs(t, err, services.ErrValidation)
	_, err = f.service.UpdateOrder(admin, order.ID, services.UpdateOrderRequest{PaymentStatus: "Maybe"})
	assert.ErrorIs(t, err, services.ErrValidation)

	// Cancelling an unpaid order returns its stock.
	_, err = f.service.UpdateOrder(admin, order.ID, services.UpdateOrderRequest{Status: models.OrderStatusCancelled})
	require.NoError(t, err)
	available, _ := f.ledger.Available("prod-a")
	assert.Equal(t, 10, available)

	// Cancelling again must not double-credit.
	_, err = f.service.UpdateOrder(admin, order.ID, services.UpdateOrderRequest{Status: models.OrderStatusCancelled})
	require.NoError(t, err)
	available, _ = f.ledger.Available("prod-a")
	assert.Equal(t, 10, available)
}

func TestUpdateOrderOverrideToPaidStampsPaidAt(t *testing.T) {
	f := newOrderFixture(t)
	admin := services.Identity{UserID: "admin-1", Role: models.RoleAdmin}

	order, err := f.service.CreateOrder(buyer, services.CreateOrderRequest{
		Items:   []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 1}},
		Address: "1 Main St",
	})
	require.NoError(t, err)
	require.Nil(t, order.PaidAt)

	updated, err := f.service.UpdateOrder(admin, order.ID, services.UpdateOrderRequest{PaymentStatus: models.PaymentStatusPaid})
	require.NoError(t, err)
	require.NotNil(t, updated.PaidAt)

	stored, err := f.orderRepo.GetByID(order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PaidAt)
	firstPaidAt := *stored.PaidAt

	// A later override never rewrites the original timestamp.
	_, err = f.service.UpdateOrder(admin, order.ID, services.UpdateOrderRequest{Status: models.OrderStatusShipped})
	require.NoError(t, err)
	stored, err = f.orderRepo.GetByID(order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PaidAt)
	assert.True(t, stored.PaidAt.Equal(firstPaidAt))
}

func TestUpdateOrderPaidInventoryNeverReopened(t *testing.T) {
	f := newOrderFixture(t)
	admin := services.Identity{UserID: "admin-1", Role: models.RoleAdmin}

	order, err := f.service.CreateOrder(buyer, services.CreateOrderRequest{
		Items:         []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 2}},
		Address:       "1 Main St",
		PaymentMethod: models.PaymentMethodCashOnDelivery,
	})
	require.NoError(t, err)
	available, _ := f.ledger.Available("prod-a")
	require.Equal(t, 8, available)

	// Refunding a paid order must not re-credit its inventory.
	_, err = f.service.UpdateOrder(admin, order.ID, services.UpdateOrderRequest{PaymentStatus: models.PaymentStatusRefunded})
	require.NoError(t, err)
	available, _ = f.ledger.Available("prod-a")
	assert.Equal(t, 8, available)
}

func TestOrderEventsPublished(t *testing.T) {
	productRepo := repositories.NewMockProductRepository()
	orderRepo := repositories.NewMockOrderRepository()
	ledger := repositories.NewMockInventoryLedger()
	publisher := new(MockPublisher)

	product := models.Product{ID: "prod-a", Name: "Laptop", Price: 1200.00, Stock: 10}
	require.NoError(t, productRepo.Create(&product))
	ledger.SetStock(product.ID, product.Stock)

	publisher.On("Publish", "order.created", mock.Anything).Return(nil).Once()

	service := services.NewOrderService(orderRepo, productRepo, ledger, nil, publisher,
		"http://localhost/success", "http://localhost/cancel")
	_, err := service.CreateOrder(buyer, services.CreateOrderRequest{
		Items:   []services.OrderItemRequest{{ProductID: "prod-a", Quantity: 1}},
		Address: "1 Main St",
	})
	require.NoError(t, err)
	publisher.AssertExpectations(t)
}
