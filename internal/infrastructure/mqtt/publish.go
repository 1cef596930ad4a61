package mqtt

import "fmt"

// maxPayloadSize bounds a single message (1MB).
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker's acknowledgment.
//
// Retained messages are for state topics (status, state); commands,
// responses and output are never retained.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if !ValidTopicName(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.client.Publish(topic, qos, retained, payload), defaultPublishTimeout, ErrPublishFailed)
}
