// Package mqtt wraps paho.mqtt.golang for the bridge.
//
// It owns the broker connection, publishes the bridge availability topic
// (with a Last Will so the broker marks the bridge offline on a crash), and
// restores subscriptions after automatic reconnects. Message handlers run
// with panic recovery.
package mqtt
