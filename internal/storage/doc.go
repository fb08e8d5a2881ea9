// Package storage persists conversation records.
//
// It owns nothing about the engine's scheduling decisions; it only loads and
// saves followup.Record values. Two drivers: "memory" for tests and local
// development, "sqlite" for real deployments.
package storage
