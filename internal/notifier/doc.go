// Package notifier sends short operator messages about forecast runs.
//
// Messages go through a bounded queue drained by a small worker pool. Each
// send waits on a token-bucket limiter, is retried with jittered backoff and
// is suppressed when an identical message was sent within the dedup window.
//
// # Transport
//
// Delivery is delegated to a Sender. TelegramSender posts to a chat (and
// optionally a forum thread) through the Telegram Bot API.
//
// # Forwarding
//
// Forward subscribes to the event bus and turns coordinator events into
// notifications.
package notifier
