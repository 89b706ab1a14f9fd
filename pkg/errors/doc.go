// Package errors provides standardized error definitions for the pool.
// All caller-facing error kinds are centralized here so consumers can match
// them with errors.Is regardless of which layer produced them.
package errors
