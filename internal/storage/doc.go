package storage

// Package storage is the durable message store behind the relay:
// user records, canonical messages, the delivery-identity mapping,
// pin state, toggles and the moderation audit log.
//
// Drivers:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-lifetime store, used by tests
