// Package mqtt connects the supervisor to a broker for the control bridge.
//
// The Client reconnects on its own and resubscribes every tracked filter
// afterwards. Its last will marks <prefix>/status offline when the process
// dies without a clean Close. Topic names and filters are checked before
// they reach the broker, so a request ID carrying a wildcard cannot turn a
// response into a broadcast.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.AllCommands(), client.QoS(), func(topic string, payload []byte) error {
//		name, _ := topics.CommandName(topic)
//		return handle(name, payload)
//	})
//
// Anyone allowed to publish on <prefix>/command/# can start, stop and kill
// the daemon and run shell commands. Use TLS and broker ACLs outside local
// development.
package mqtt
