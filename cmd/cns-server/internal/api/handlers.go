// Package api provides HTTP handlers for the CNS server REST API.
package api

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/coregx/cns"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	publishers          []*cns.Publisher
	topicManager        *cns.TopicManager
	subscriptionManager *cns.SubscriptionManager
	monitor             *cns.BadEndpointMonitor
	logger              cns.Logger
	validate            *validator.Validate

	deadLetters    *cns.DeadLetterQueue
	redriveTargets []cns.WorkQueue
	redriveNext    atomic.Uint32
}

// Redrive limits for POST /api/v1/dead-letters/redrive.
const (
	DefaultRedriveLimit = 100
	MaxRedriveLimit     = 1000
)

// NewHandler creates a new API handler. Publishes are spread over
// publishers by topic ARN so one topic always lands on the same shard.
func NewHandler(
	publishers []*cns.Publisher,
	topicManager *cns.TopicManager,
	subscriptionManager *cns.SubscriptionManager,
	monitor *cns.BadEndpointMonitor,
	logger cns.Logger,
) (*Handler, error) {
	if len(publishers) == 0 || topicManager == nil || subscriptionManager == nil || monitor == nil || logger == nil {
		return nil, cns.ErrInvalidConfiguration
	}
	return &Handler{
		publishers:          publishers,
		topicManager:        topicManager,
		subscriptionManager: subscriptionManager,
		monitor:             monitor,
		logger:              logger,
		validate:            validator.New(),
	}, nil
}

// EnableDeadLetterRedrive exposes the dead-letter redrive route. Redriven
// jobs are spread over targets in turn.
func (h *Handler) EnableDeadLetterRedrive(dlq *cns.DeadLetterQueue, targets []cns.WorkQueue) error {
	if dlq == nil || len(targets) == 0 {
		return cns.ErrInvalidConfiguration
	}
	h.deadLetters = dlq
	h.redriveTargets = targets
	return nil
}

// Routes returns the API router with middlewares applied to every route.
func (h *Handler) Routes(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middlewares...)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.HandleHealth)
		r.Post("/publish", h.HandlePublish)
		r.Post("/subscribe", h.HandleSubscribe)

		r.Route("/topics", func(r chi.Router) {
			r.Post("/", h.HandleCreateTopic)
			r.Get("/", h.HandleListTopics)
			r.Route("/{arn}", func(r chi.Router) {
				r.Delete("/", h.HandleDeleteTopic)
				r.Put("/delivery-policy", h.HandleSetTopicDeliveryPolicy)
				r.Get("/subscriptions", h.HandleListSubscriptions)
			})
		})

		r.Route("/subscriptions/{arn}", func(r chi.Router) {
			r.Get("/", h.HandleGetSubscription)
			r.Delete("/", h.HandleUnsubscribe)
			r.Post("/confirm", h.HandleConfirmSubscription)
			r.Put("/attributes", h.HandleSetSubscriptionAttributes)
			r.Get("/effective-delivery-policy", h.HandleGetEffectiveDeliveryPolicy)
		})

		r.Get("/endpoints/errors", h.HandleEndpointErrors)

		if h.deadLetters != nil {
			r.Post("/dead-letters/redrive", h.HandleRedriveDeadLetters)
		}
	})
	return r
}

// CreateTopicRequest represents a topic creation request.
type CreateTopicRequest struct {
	UserID string `json:"userId" validate:"required"`
	Name   string `json:"name" validate:"required,max=256"`
}

// DeliveryPolicyRequest carries a delivery policy document.
type DeliveryPolicyRequest struct {
	DeliveryPolicy string `json:"deliveryPolicy"`
}

// ConfirmRequest carries a confirmation token.
type ConfirmRequest struct {
	Token string `json:"token" validate:"required"`
}

// ListSubscriptionsResponse is one page of subscriptions.
type ListSubscriptionsResponse struct {
	Subscriptions interface{} `json:"subscriptions"`
	NextToken     string      `json:"nextToken,omitempty"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HandlePublish handles POST /api/v1/publish
func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req cns.PublishRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.publisherFor(req.TopicArn).Publish(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err, "Failed to publish message")
		return
	}
	h.respondSuccess(w, http.StatusCreated, result, "Message published successfully")
}

// HandleSubscribe handles POST /api/v1/subscribe
func (h *Handler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req cns.SubscribeRequest
	if !h.decode(w, r, &req) {
		return
	}

	subscription, err := h.subscriptionManager.Subscribe(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, err, "Failed to create subscription")
		return
	}
	h.respondSuccess(w, http.StatusCreated, subscription, "Subscription created successfully")
}

// HandleCreateTopic handles POST /api/v1/topics
func (h *Handler) HandleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req CreateTopicRequest
	if !h.decode(w, r, &req) {
		return
	}

	topic, err := h.topicManager.CreateTopic(r.Context(), req.UserID, req.Name)
	if err != nil {
		h.respondServiceError(w, err, "Failed to create topic")
		return
	}
	h.respondSuccess(w, http.StatusCreated, topic, "")
}

// HandleListTopics handles GET /api/v1/topics
func (h *Handler) HandleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := h.topicManager.ListTopics(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		h.respondServiceError(w, err, "Failed to list topics")
		return
	}
	h.respondSuccess(w, http.StatusOK, topics, "")
}

// HandleDeleteTopic handles DELETE /api/v1/topics/{arn}
func (h *Handler) HandleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := h.topicManager.DeleteTopic(r.Context(), chi.URLParam(r, "arn")); err != nil {
		h.respondServiceError(w, err, "Failed to delete topic")
		return
	}
	h.respondSuccess(w, http.StatusOK, nil, "Topic deleted")
}

// HandleSetTopicDeliveryPolicy handles PUT /api/v1/topics/{arn}/delivery-policy
func (h *Handler) HandleSetTopicDeliveryPolicy(w http.ResponseWriter, r *http.Request) {
	var req DeliveryPolicyRequest
	if !h.decode(w, r, &req) {
		return
	}

	topic, err := h.topicManager.SetTopicDeliveryPolicy(r.Context(), chi.URLParam(r, "arn"), req.DeliveryPolicy)
	if err != nil {
		h.respondServiceError(w, err, "Failed to set delivery policy")
		return
	}
	h.respondSuccess(w, http.StatusOK, topic, "")
}

// HandleListSubscriptions handles GET /api/v1/topics/{arn}/subscriptions
func (h *Handler) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, next, err := h.subscriptionManager.ListSubscriptions(r.Context(), chi.URLParam(r, "arn"), r.URL.Query().Get("nextToken"))
	if err != nil {
		h.respondServiceError(w, err, "Failed to list subscriptions")
		return
	}
	h.respondSuccess(w, http.StatusOK, ListSubscriptionsResponse{Subscriptions: subs, NextToken: next}, "")
}

// HandleGetSubscription handles GET /api/v1/subscriptions/{arn}
func (h *Handler) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	subscription, err := h.subscriptionManager.GetSubscription(r.Context(), chi.URLParam(r, "arn"))
	if err != nil {
		h.respondServiceError(w, err, "Failed to load subscription")
		return
	}
	h.respondSuccess(w, http.StatusOK, subscription, "")
}

// HandleUnsubscribe handles DELETE /api/v1/subscriptions/{arn}
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if err := h.subscriptionManager.Unsubscribe(r.Context(), chi.URLParam(r, "arn")); err != nil {
		h.respondServiceError(w, err, "Failed to unsubscribe")
		return
	}
	h.respondSuccess(w, http.StatusOK, nil, "Unsubscribed successfully")
}

// HandleConfirmSubscription handles POST /api/v1/subscriptions/{arn}/confirm
func (h *Handler) HandleConfirmSubscription(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	subscription, err := h.subscriptionManager.ConfirmSubscription(r.Context(), chi.URLParam(r, "arn"), req.Token)
	if err != nil {
		h.respondServiceError(w, err, "Failed to confirm subscription")
		return
	}
	h.respondSuccess(w, http.StatusOK, subscription, "Subscription confirmed")
}

// HandleSetSubscriptionAttributes handles PUT /api/v1/subscriptions/{arn}/attributes
func (h *Handler) HandleSetSubscriptionAttributes(w http.ResponseWriter, r *http.Request) {
	var req cns.SubscriptionAttributes
	if !h.decode(w, r, &req) {
		return
	}

	subscription, err := h.subscriptionManager.SetSubscriptionAttributes(r.Context(), chi.URLParam(r, "arn"), req)
	if err != nil {
		h.respondServiceError(w, err, "Failed to set subscription attributes")
		return
	}
	h.respondSuccess(w, http.StatusOK, subscription, "")
}

// HandleGetEffectiveDeliveryPolicy handles GET /api/v1/subscriptions/{arn}/effective-delivery-policy
func (h *Handler) HandleGetEffectiveDeliveryPolicy(w http.ResponseWriter, r *http.Request) {
	eff, err := h.subscriptionManager.GetEffectiveDeliveryPolicy(r.Context(), chi.URLParam(r, "arn"))
	if err != nil {
		h.respondServiceError(w, err, "Failed to resolve delivery policy")
		return
	}
	h.respondSuccess(w, http.StatusOK, eff, "")
}

// HandleEndpointErrors handles GET /api/v1/endpoints/errors
func (h *Handler) HandleEndpointErrors(w http.ResponseWriter, _ *http.Request) {
	h.respondSuccess(w, http.StatusOK, h.monitor.ErrorRateByEndpoint(), "")
}

// RedriveResponse reports how many dead letters were moved.
type RedriveResponse struct {
	Redriven int `json:"redriven"`
}

// HandleRedriveDeadLetters handles POST /api/v1/dead-letters/redrive?limit=N
func (h *Handler) HandleRedriveDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := DefaultRedriveLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxRedriveLimit {
			h.respondError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(MaxRedriveLimit), cns.ErrCodeValidation)
			return
		}
		limit = n
	}

	i := h.redriveNext.Add(1) - 1
	target := h.redriveTargets[int(i%uint32(len(h.redriveTargets)))]

	moved, err := h.deadLetters.Redrive(r.Context(), target, limit)
	if err != nil {
		h.logger.Warnf("Redrive stopped after %d letters", moved)
		h.respondServiceError(w, err, "Failed to redrive dead letters")
		return
	}
	h.respondSuccess(w, http.StatusOK, RedriveResponse{Redriven: moved}, "")
}

// HandleHealth handles GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	h.respondSuccess(w, http.StatusOK, health, "")
}

func (h *Handler) publisherFor(topicArn string) *cns.Publisher {
	if len(h.publishers) == 1 {
		return h.publishers[0]
	}
	f := fnv.New32a()
	_, _ = f.Write([]byte(topicArn))
	return h.publishers[int(f.Sum32()%uint32(len(h.publishers)))]
}

// decode reads and validates a JSON body. It writes the error response and
// returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), cns.ErrCodeValidation)
		return false
	}
	return true
}

// respondServiceError maps a service error to a status code.
func (h *Handler) respondServiceError(w http.ResponseWriter, err error, message string) {
	code := cns.ErrCodeDatabase
	var cnsErr *cns.Error
	if errors.As(err, &cnsErr) {
		code = cnsErr.Code
	}

	switch {
	case errors.Is(err, cns.ErrNoData):
		h.respondError(w, http.StatusNotFound, err.Error(), cns.ErrCodeNoData)
	case cns.IsValidation(err):
		h.respondError(w, http.StatusBadRequest, err.Error(), code)
	default:
		h.logger.Errorf("%s: %v", message, err)
		h.respondError(w, http.StatusInternalServerError, message, code)
	}
}

// respondError sends an error response.
func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   message,
		Code:    code,
		Message: message,
	})
}

// respondSuccess sends a success response.
func (h *Handler) respondSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(SuccessResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}
