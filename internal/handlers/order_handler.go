package handlers

import (
	"errors"
	"log"
	"wolfshop/internal/middleware"
	"wolfshop/internal/repositories"
	"wolfshop/internal/services"
	"wolfshop/pkg/payment"

	"github.com/gofiber/fiber/v2"
)

// WebhookVerifier authenticates raw webhook deliveries. The payment
// client satisfies it.
type WebhookVerifier interface {
	VerifyWebhook(payload []byte, sigHeader string) (*payment.Event, error)
}

// OrderHandler handles HTTP requests for orders, including the payment
// provider's webhook.
type OrderHandler struct {
	service  *services.OrderService
	verifier WebhookVerifier
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(service *services.OrderService, verifier WebhookVerifier) *OrderHandler {
	return &OrderHandler{
		service:  service,
		verifier: verifier,
	}
}

// RegisterRoutes registers the order routes with the Fiber app. The
// webhook route carries no session auth: its trust comes from signature
// verification alone.
func (h *OrderHandler) RegisterRoutes(router fiber.Router, auth fiber.Handler, admin fiber.Handler) {
	orderRoutes := router.Group("/orders")
	orderRoutes.Post("/webhook", h.HandleWebhook)
	orderRoutes.Post("/checkout-session", auth, h.HandleCreateCheckoutSession)
	orderRoutes.Post("/", auth, h.HandleCreateOrder)
	orderRoutes.Post("/:id/payment-session", auth, h.HandleStartPayment)
	orderRoutes.Get("/mine", auth, h.HandleGetMyOrders)
	orderRoutes.Get("/", auth, admin, h.HandleGetAllOrders)
	orderRoutes.Get("/:id", auth, h.HandleGetOrderByID)
	orderRoutes.Put("/:id", auth, admin, h.HandleUpdateOrder)
	orderRoutes.Delete("/:id", auth, admin, h.HandleDeleteOrder)
}

// HandleCreateCheckoutSession creates a pending order and a payment
// session for it, returning the provider redirect URL.
func (h *OrderHandler) HandleCreateCheckoutSession(c *fiber.Ctx) error {
	identity, ok := middleware.IdentityFromCtx(c)
	if !ok {
		return unauthorized(c)
	}

	var req services.CreateOrderRequest
	if err := c.BodyParser(&req); err != nil {
		log.Printf("Error parsing checkout request body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}

	result, err := h.service.CreateCheckoutSession(c.Context(), identity, req)
	if err != nil {
		if errors.Is(err, payment.ErrGatewayUnavailable) && result != nil {
			// The order and its reservation survive a transient gateway
			// failure; the client retries session creation against it.
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"message":  "Payment provider unavailable, retry payment for this order",
				"order_id": result.Order.ID,
			})
		}
		return h.orderError(c, "Could not create checkout session", err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"session_ref":  result.SessionRef,
		"redirect_url": result.RedirectURL,
		"order":        result.Order,
	})
}

// HandleWebhook receives payment provider notifications. Anything with a
// bad signature is rejected before interpretation; once the payload is
// authenticated the response is 200 even for no-op events, so the
// provider does not redeliver.
func (h *OrderHandler) HandleWebhook(c *fiber.Ctx) error {
	if h.verifier == nil {
		log.Println("Webhook received but no payment provider is configured")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"message": "Payment provider not configured",
		})
	}

	event, err := h.verifier.VerifyWebhook(c.Body(), c.Get(payment.SignatureHeader))
	if err != nil {
		log.Printf("Webhook rejected: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Webhook verification failed",
		})
	}

	if err := h.service.ApplyPaymentEvent(event); err != nil {
		log.Printf("Error applying payment event %s: %v", event.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"message": "Could not process event",
		})
	}

	return c.JSON(fiber.Map{"received": true})
}

// HandleCreateOrder creates an order on the cash-on-delivery path, where
// payment is settled out of band.
func (h *OrderHandler) HandleCreateOrder(c *fiber.Ctx) error {
	identity, ok := middleware.IdentityFromCtx(c)
	if !ok {
		return unauthorized(c)
	}

	var req services.CreateOrderRequest
	if err := c.BodyParser(&req); err != nil {
		log.Printf("Error parsing order request body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}

	createdOrder, err := h.service.CreateOrder(identity, req)
	if err != nil {
		return h.orderError(c, "Could not create order", err)
	}
	return c.Status(fiber.StatusCreated).JSON(createdOrder)
}

// HandleStartPayment retries payment session creation for a pending
// order that has no session yet.
func (h *OrderHandler) HandleStartPayment(c *fiber.Ctx) error {
	identity, ok := middleware.IdentityFromCtx(c)
	if !ok {
		return unauthorized(c)
	}

	result, err := h.service.StartPayment(c.Context(), identity, c.Params("id"))
	if err != nil {
		return h.orderError(c, "Could not start payment", err)
	}
	return c.JSON(fiber.Map{
		"session_ref":  result.SessionRef,
		"redirect_url": result.RedirectURL,
	})
}

// HandleGetMyOrders returns the caller's orders, newest first.
func (h *OrderHandler) HandleGetMyOrders(c *fiber.Ctx) error {
	identity, ok := middleware.IdentityFromCtx(c)
	if !ok {
		return unauthorized(c)
	}

	orders, err := h.service.GetMyOrders(identity)
	if err != nil {
		return h.orderError(c, "Could not retrieve orders", err)
	}
	return c.JSON(fiber.Map{"count": len(orders), "orders": orders})
}

// HandleGetAllOrders returns every order. Admin only.
func (h *OrderHandler) HandleGetAllOrders(c *fiber.Ctx) error {
	identity, ok := middleware.IdentityFromCtx(c)
	if !ok {
		return unauthorized(c)
	}

	orders, err := h.service.GetAllOrders(identity)
	if err != nil {
		return h.orderError(c, "Could not retrieve orders", err)
	}
	return c.JSON(fiber.Map{"count": len(orders), "orders": orders})
}

// HandleGetOrderByID retrieves a single order, owner or admin only.
func (h *OrderHandler) HandleGetOrderByID(c *fiber.Ctx) error {
	identity, ok := middleware.IdentityFromCtx(c)
	if !ok {
		return unauthorized(c)
	}

	order, err := h.service.GetOrder(identity, c.Params("id"))
	if err != nil {
		return h.orderError(c, "Could not retrieve order", err)
	}
	return c.JSON(order)
}

// HandleUpdateOrder applies an administrative status override.
func (h *OrderHandler) HandleUpdateOrder(c *fiber.Ctx) error {
	identity, ok := middleware.IdentityFromCtx(c)
	if !ok {
		return unauthorized(c)
	}

	var req services.UpdateOrderRequest
	if err := c.BodyParser(&req); err != nil {
		log.Printf("Error parsing order update body: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": "Invalid request body",
			"error":   err.Error(),
		})
	}

	order, err := h.service.UpdateOrder(identity, c.Params("id"), req)
	if err != nil {
		return h.orderError(c, "Could not update order", err)
	}
	return c.JSON(fiber.Map{"message": "Order updated", "order": order})
}

// HandleDeleteOrder removes an order. Refused once paid.
func (h *OrderHandler) HandleDeleteOrder(c *fiber.Ctx) error {
	identity, ok := middleware.IdentityFromCtx(c)
	if !ok {
		return unauthorized(c)
	}

	orderID := c.Params("id")
	if err := h.service.DeleteOrder(identity, orderID); err != nil {
		return h.orderError(c, "Could not delete order", err)
	}
	return c.JSON(fiber.Map{"message": "Order deleted"})
}

// orderError maps service errors to HTTP responses. Business failures
// surface their message; anything unexpected is logged and returned as a
// generic failure.
func (h *OrderHandler) orderError(c *fiber.Ctx, message string, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation),
		errors.Is(err, repositories.ErrInsufficientStock):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"message": message,
			"error":   err.Error(),
		})
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"message": "Not authorized",
		})
	case repositories.IsNotFound(err):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"message": message,
			"error":   err.Error(),
		})
	case errors.Is(err, services.ErrOrderPaid),
		errors.Is(err, services.ErrSessionExists),
		errors.Is(err, services.ErrNotPayable):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"message": message,
			"error":   err.Error(),
		})
	case errors.Is(err, payment.ErrGatewayUnavailable):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"message": "Payment provider unavailable, please retry",
		})
	default:
		log.Printf("%s: %v", message, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"message": message,
		})
	}
}

func unauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"message": "Authentication required",
	})
}
