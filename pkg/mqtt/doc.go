// Package mqtt connects to the telemetry broker. It feeds every message on
// the configured topics into a bounded channel for the relay and publishes
// messages back to the broker.
//
// The paho client reconnects on its own and restores subscriptions, so a
// broker outage only shows up as a gap in the readings and a log line.
package mqtt
