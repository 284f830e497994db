package websocket

import (
	"time"

	"reconciler/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeEvent - новая запись журнала сверки
	// Отправляется после коммита транзакции, в которой событие записано
	MessageTypeEvent MessageType = "event"

	// MessageTypeAlert - изменение состояния алерта риск-контроля
	// Отправляется при открытии, эскалации и закрытии алерта
	MessageTypeAlert MessageType = "alert"

	// MessageTypeNotification - уведомление пользователю или операторам
	MessageTypeNotification MessageType = "notification"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventMessage - запись журнала сверки
type EventMessage struct {
	BaseMessage
	Data *models.ReconciliationEvent `json:"data"`
}

// AlertMessage - состояние алерта
type AlertMessage struct {
	BaseMessage
	Data *models.GuardAlert `json:"data"`
}

// NotificationMessage - уведомление
type NotificationMessage struct {
	BaseMessage
	Data *models.Notification `json:"data"`
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().UTC()}
}

// NewEventMessage создаёт сообщение о событии
func NewEventMessage(e *models.ReconciliationEvent) *EventMessage {
	return &EventMessage{BaseMessage: newBase(MessageTypeEvent), Data: e}
}

// NewAlertMessage создаёт сообщение об алерте
func NewAlertMessage(a *models.GuardAlert) *AlertMessage {
	return &AlertMessage{BaseMessage: newBase(MessageTypeAlert), Data: a}
}

// NewNotificationMessage создаёт сообщение с уведомлением
func NewNotificationMessage(n *models.Notification) *NotificationMessage {
	return &NotificationMessage{BaseMessage: newBase(MessageTypeNotification), Data: n}
}
