// Package storage persists stockwatch settings (monitored products, check
// interval, purchase counters, monitoring flag) as string key-value pairs,
// and keeps an audit trail of checkout attempts.
package storage
