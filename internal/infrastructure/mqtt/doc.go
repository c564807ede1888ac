// Package mqtt is the bridge's broker connection.
//
// Consumers talk to the batteries only through the broker:
//
//	Consumers <-> MQTT Broker <-> Venus Bridge <-> UDP <-> Venus E batteries
//
// The client announces the bridge on {prefix}/system/status, keeps
// subscriptions across reconnects, and recovers from panics in message
// handlers. Topic names are built with Topics so every component agrees on
// the layout:
//
//	{prefix}/state/{device}/{endpoint}   retained snapshot slices
//	{prefix}/event/{device}              update_failed events
//	{prefix}/command/{device}            inbound commands
//	{prefix}/ack/{device}                command acknowledgements
//	{prefix}/request/{id}                inbound requests
//	{prefix}/response/{id}               request responses
//	{prefix}/health                      retained bridge health
//	{prefix}/discovery                   discovery results
//	{prefix}/system/status               online/offline, also the will
//
// Enable TLS (mqtt.broker.tls) for any broker not on the local host.
package mqtt
