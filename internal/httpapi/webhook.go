package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/payments"
)

const (
	maxWebhookBodyBytes = int64(65536)

	stripeSignatureHeader = "Stripe-Signature"

	eventCheckoutSessionCompleted = "checkout.session.completed"
	eventPaymentIntentSucceeded   = "payment_intent.succeeded"

	metadataUserIDKey = "user_id"
)

// handleStripeWebhook verifies the gateway signature, maps the event to a
// payment notification, and runs it through the processor. Duplicates and
// recorded failures answer 200 so the gateway stops retrying; only malformed
// or unverifiable payloads answer 400.
func (server *Server) handleStripeWebhook(ctx *gin.Context) {
	ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}

	event, err := webhook.ConstructEvent(payload, ctx.GetHeader(stripeSignatureHeader), server.cfg.StripeWebhookSecret)
	if err != nil {
		server.logger.Warn("webhook signature verification failed", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "signature verification failed"))
		return
	}

	notification, recognized, err := server.notificationFromEvent(ctx, event)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "malformed event payload"))
		return
	}
	if !recognized {
		server.logger.Info("webhook event ignored", zap.String("event_type", string(event.Type)))
		ctx.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	result, err := server.intake.Process(ctx.Request.Context(), notification)
	if err != nil {
		server.logger.Error("webhook processing failed",
			zap.String("event_id", notification.EventID), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("processing_error", "event processing failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":  string(result.Outcome),
		"credits": result.CreditsGranted,
	})
}

// notificationFromEvent maps the supported gateway event types onto the
// processor's notification shape. checkout.session.completed additionally
// stores the customer-to-user link for later customer-only events.
func (server *Server) notificationFromEvent(ctx *gin.Context, event stripe.Event) (payments.Notification, bool, error) {
	switch string(event.Type) {
	case eventCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return payments.Notification{}, false, err
		}
		notification := payments.Notification{
			EventID:          event.ID,
			EventType:        string(event.Type),
			AmountMinorUnits: session.AmountTotal,
			Currency:         string(session.Currency),
			PayerReference:   payerReference(session.ClientReferenceID, session.Metadata),
			SessionReference: session.ID,
		}
		if session.Customer != nil {
			notification.CustomerReference = session.Customer.ID
		}
		server.linkCustomer(ctx, notification)
		return notification, true, nil
	case eventPaymentIntentSucceeded:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return payments.Notification{}, false, err
		}
		notification := payments.Notification{
			EventID:          event.ID,
			EventType:        string(event.Type),
			AmountMinorUnits: intent.Amount,
			Currency:         string(intent.Currency),
			PayerReference:   payerReference("", intent.Metadata),
		}
		if intent.Customer != nil {
			notification.CustomerReference = intent.Customer.ID
		}
		return notification, true, nil
	}
	return payments.Notification{}, false, nil
}

func (server *Server) linkCustomer(ctx *gin.Context, notification payments.Notification) {
	if notification.CustomerReference == "" || notification.PayerReference == "" {
		return
	}
	userID, err := credits.NewUserID(notification.PayerReference)
	if err != nil {
		return
	}
	if err := server.intake.LinkCustomer(ctx.Request.Context(), notification.CustomerReference, userID); err != nil {
		server.logger.Error("customer link failed",
			zap.String("customer", notification.CustomerReference),
			zap.String("user_id", userID.String()),
			zap.Error(err))
	}
}

func payerReference(clientReference string, metadata map[string]string) string {
	if clientReference != "" {
		return clientReference
	}
	return metadata[metadataUserIDKey]
}
