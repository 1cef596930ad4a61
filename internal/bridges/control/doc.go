// Package control bridges the supervisor's caller API to MQTT.
//
// Topics (prefix defaults to "stsupervisor"):
//
//	<prefix>/command/start        {"request_id": "...", "env": {...}}
//	<prefix>/command/stop         {"request_id": "..."}
//	<prefix>/command/kill         {"request_id": "..."}
//	<prefix>/command/shell        {"request_id": "...", "command": "ps -A"}
//	<prefix>/response/<id>        ResponseMessage
//	<prefix>/state                StateMessage (retained)
//	<prefix>/runs                 history.Run summary per finished run
//	<prefix>/output               OutputMessage per daemon line (optional)
//
// The online/offline status topic and its last will are owned by the MQTT
// client.
package control
