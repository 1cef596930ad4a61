package mqtt

import (
	"fmt"
	"sort"
)

// Subscribe registers handler for a topic filter, which may use + and #.
// The filter is tracked and resubscribed after a reconnect; a failed
// subscribe leaves nothing tracked.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	switch {
	case !ValidFilter(filter):
		return fmt.Errorf("%w: %q", ErrInvalidTopic, filter)
	case qos > maxQoS:
		return ErrInvalidQoS
	case handler == nil:
		return fmt.Errorf("%w: handler cannot be nil", ErrSubscribeFailed)
	case !c.IsConnected():
		return ErrNotConnected
	}

	c.track(filter, subscription{qos: qos, handler: handler})
	if err := await(c.client.Subscribe(filter, qos, c.wrapHandler(handler)), defaultPublishTimeout, ErrSubscribeFailed); err != nil {
		c.untrack(filter)
		return err
	}
	return nil
}

// Unsubscribe drops a filter registered with Subscribe.
func (c *Client) Unsubscribe(filter string) error {
	if !ValidFilter(filter) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, filter)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.untrack(filter)
	return await(c.client.Unsubscribe(filter), defaultPublishTimeout, ErrUnsubscribeFailed)
}

// Subscriptions returns the tracked filters in order.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for filter := range c.subscriptions {
		out = append(out, filter)
	}
	sort.Strings(out)
	return out
}

func (c *Client) track(filter string, sub subscription) {
	c.subMu.Lock()
	c.subscriptions[filter] = sub
	c.subMu.Unlock()
}

func (c *Client) untrack(filter string) {
	c.subMu.Lock()
	delete(c.subscriptions, filter)
	c.subMu.Unlock()
}
