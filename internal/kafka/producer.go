package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"ms-inventory/internal/models"
)

// Producer streams reservation lifecycle events. One writer serves all
// topics; the topic is set per message.
type Producer struct {
	Writer *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.LeastBytes{},
	}
	return &Producer{Writer: writer}
}

func (p *Producer) publish(topic, key string, payload any) error {
	msgBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	fmt.Printf("Publishing to Kafka [%s]: %s\n", topic, string(msgBytes))

	return p.Writer.WriteMessages(context.Background(),
		kafka.Message{
			Topic: topic,
			Key:   []byte(key),
			Value: msgBytes,
		},
	)
}

// PublishReservationCreated streams the allocation event to Kafka
func (p *Producer) PublishReservationCreated(r models.Reservation) error {
	return p.publish(TopicReservationCreated, r.ID, r)
}

// PublishReservationConfirmed streams the payment confirmation event to Kafka
func (p *Producer) PublishReservationConfirmed(r models.Reservation) error {
	return p.publish(TopicReservationConfirmed, r.ID, r)
}

// PublishReservationCancelled streams the cancellation event to Kafka
func (p *Producer) PublishReservationCancelled(r models.Reservation) error {
	return p.publish(TopicReservationCancelled, r.ID, r)
}

// PublishReservationExpired streams the sweeper release event to Kafka
func (p *Producer) PublishReservationExpired(r models.Reservation) error {
	return p.publish(TopicReservationExpired, r.ID, r)
}

// WaitlistOfferEvent is the payload the notification service mails out.
type WaitlistOfferEvent struct {
	SubscriptionID string `json:"subscription_id"`
	EventID        string `json:"event_id"`
	Email          string `json:"email"`
	ReservationID  string `json:"reservation_id"`
	OfferExpiry    string `json:"offer_expiry"`
}

// PublishWaitlistOffer streams a waiting-list seat offer to Kafka
func (p *Producer) PublishWaitlistOffer(sub models.WaitingSubscription, r models.Reservation) error {
	return p.publish(TopicWaitlistOffer, sub.ID, WaitlistOfferEvent{
		SubscriptionID: sub.ID,
		EventID:        sub.EventID,
		Email:          sub.Email,
		ReservationID:  r.ID,
		OfferExpiry:    r.ValidityDeadline.Format("2006-01-02T15:04:05Z07:00"),
	})
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
