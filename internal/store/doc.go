// Package store persists configured lights (config entries) and the last
// known state of each light in a SQLite database.
//
// A config entry is created by the discovery flow and is unique per
// (domain, unique id). The unique id of a Surplife light is its BLE address.
// Schema changes ship as embedded SQL migrations applied on Open.
package store
