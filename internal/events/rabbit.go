package events

import (
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Rabbit struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewRabbit(url string) (*Rabbit, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	r := &Rabbit{conn: conn, ch: ch}
	for _, q := range []string{QOrderCreated, QOrderConfirmed, QOrderCancelled, QStockLow} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

func (r *Rabbit) PublishJSON(queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.ch.Publish("", queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (r *Rabbit) Close() {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
}
