package consume

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Delivery is one inbound message. The body is opaque to the intake
// layer; the tag identifies the message for acknowledgment and is only
// meaningful to the owning binding.
type Delivery struct {
	Exchange    string
	RoutingKey  string
	Body        []byte
	Tag         uint64
	Redelivered bool

	acker amqp.Acknowledger
}

func fromAMQP(d amqp.Delivery) Delivery {
	return Delivery{
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Body:        d.Body,
		Tag:         d.DeliveryTag,
		Redelivered: d.Redelivered,
		acker:       d.Acknowledger,
	}
}

// ack settles the delivery positively.
func (d Delivery) ack() error {
	if d.acker == nil {
		return ErrNotSettleable
	}
	return d.acker.Ack(d.Tag, false)
}

// nack settles the delivery negatively, optionally requeueing it.
func (d Delivery) nack(requeue bool) error {
	if d.acker == nil {
		return ErrNotSettleable
	}
	return d.acker.Nack(d.Tag, false, requeue)
}
