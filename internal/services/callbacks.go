package services

import (
	"fmt"
	"log"

	"TronPayWatch/internal/models"
)

type Event string

const (
	EventPaymentReceived Event = "payment_received"
	EventOrderTimeout    Event = "order_timeout"
	EventOrderCancelled  Event = "order_cancelled"
)

func (e Event) Valid() bool {
	switch e {
	case EventPaymentReceived, EventOrderTimeout, EventOrderCancelled:
		return true
	}
	return false
}

// Handler receives an edge-triggered notification with a snapshot of the
// order taken after the transition committed. It may run on any goroutine.
type Handler func(orderID string, order *models.Order) error

// RegisterCallback installs h for event and returns the handler it replaced.
func (s *PaymentService) RegisterCallback(event Event, h Handler) (Handler, error) {
	if !event.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	prev := s.callbacks[event]
	if h == nil {
		delete(s.callbacks, event)
	} else {
		s.callbacks[event] = h
	}
	return prev, nil
}

// UnregisterCallback removes and returns the handler for event.
func (s *PaymentService) UnregisterCallback(event Event) Handler {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	prev := s.callbacks[event]
	delete(s.callbacks, event)
	return prev
}

func eventFor(status models.OrderStatus) (Event, bool) {
	switch status {
	case models.OrderPaid:
		return EventPaymentReceived, true
	case models.OrderTimeout:
		return EventOrderTimeout, true
	case models.OrderCancelled:
		return EventOrderCancelled, true
	}
	return "", false
}

func (s *PaymentService) onSettled(order *models.Order) {
	if event, ok := eventFor(order.Status); ok {
		s.fire(event, order)
	}
}

// fire runs the handler for event, if any. Errors and panics are logged and
// never reach the caller.
func (s *PaymentService) fire(event Event, order *models.Order) {
	s.cbMu.RLock()
	h := s.callbacks[event]
	s.cbMu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("callback %s order %s panicked: %v", event, order.OrderID, r)
		}
	}()
	if err := h(order.OrderID, order); err != nil {
		log.Printf("callback %s order %s failed: %v", event, order.OrderID, err)
	}
}
