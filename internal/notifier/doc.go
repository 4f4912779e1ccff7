// Package notifier delivers operator notifications: stock alerts, checkout
// outcomes and safety events.
//
// Notifications go through a bounded queue drained by a small worker pool.
// Each send is rate limited and retried with jittered exponential backoff.
// Repeats of the same key inside the dedup window are dropped, so a product
// flapping in and out of stock does not flood the chat.
//
// # Senders
//
// Delivery is delegated to transport.Sender implementations, one per
// channel. The log sender is always present; Telegram is added when
// configured.
//
// # Relay
//
// Relay subscribes to the event bus and turns domain events into
// notifications for every configured target.
package notifier
