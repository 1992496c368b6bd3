// ABOUTME: Bus, Subscription, and Delivery types for workload-change notifications.
// ABOUTME: Keeps the router independent of the concrete broker.

package bus

// Delivery is one notification as handed to a handler. Ack and Nak are
// nil-safe so fakes can omit them.
type Delivery struct {
	Data       []byte
	Attributes map[string]string

	ack func() error
	nak func() error
}

// NewDelivery builds a Delivery with explicit ack/nak callbacks. Used by
// broker implementations and test fakes.
func NewDelivery(data []byte, attrs map[string]string, ack, nak func() error) *Delivery {
	return &Delivery{Data: data, Attributes: attrs, ack: ack, nak: nak}
}

// Ack marks the delivery as fully handled.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nak signals the delivery was not handled and may be redelivered.
func (d *Delivery) Nak() error {
	if d.nak == nil {
		return nil
	}
	return d.nak()
}

// Handler processes one delivery. It must Ack or Nak before returning.
type Handler func(d *Delivery)

// Subscription is a live subject subscription.
type Subscription interface {
	// Drain stops new deliveries and waits for in-flight handlers.
	Drain() error
}

// Bus is a notification broker connection.
type Bus interface {
	// Subscribe joins the named queue group on a subject. Every delivery on
	// the subject reaches exactly one member of the group.
	Subscribe(subject, queue string, h Handler) (Subscription, error)

	Close() error
}
