// Package mqtt publishes mailbridge's runtime status to an MQTT broker as
// retained messages, so dashboards and home automation can see which
// mailboxes are connected and when mail was last delivered.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes a birth message ("online") to the availability topic and a
// full snapshot of every account; afterwards it follows the in-process
// event bus and republishes only what changed. A will message flips the
// availability topic to "offline" on unexpected disconnects.
//
// Topics, under the configured prefix:
//
//	{prefix}/availability              online | offline
//	{prefix}/version                   build version
//	{prefix}/deliveries_today          {"delivered":N,"failed":N}
//	{prefix}/account/{n}/state         disconnected | connecting | ready | error
//	{prefix}/account/{n}/watermark     highest handled sequence number
//	{prefix}/account/{n}/last_delivery {"seq":N,"chat_id":"...","ts":"..."}
package mqtt
