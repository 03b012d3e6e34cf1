// Package db provides the embedded database schema and seed catalog.
package db

import _ "embed"

// Schema contains the DDL for the products and cart_state tables and the
// change-notification trigger. Every statement is idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string

// SeedProducts is the default catalog in the JSON format read by
// catalog.Read.
//
//go:embed seed/products.json
var SeedProducts []byte
