// Copyright (C) 2025 CivicStack
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import "time"

// Status is the terminal outcome of one pipeline call. Every call resolves
// to exactly one Status; there are no other exits.
type Status string

const (
	// StatusSuccess means all five steps completed and a reply was produced.
	StatusSuccess Status = "success"

	// StatusError covers any adapter or internal failure other than the
	// deadline. The user sees a fixed apology; diagnostics go to
	// Result.ErrorMessage.
	StatusError Status = "error"

	// StatusToxicDetected means the toxicity gate blocked the query. This is
	// a deliberate block, not a failure.
	StatusToxicDetected Status = "toxic_detected"

	// StatusTimeout means the step sequence did not complete inside the
	// configured deadline.
	StatusTimeout Status = "timeout"
)

// User-facing fixed responses for non-success outcomes. Adapter error text is
// never shown to the end user verbatim.
const (
	timeoutResponse = "Sorry, your request took too long to process. Please try again later."
	errorResponse   = "An internal error occurred. Please try again."
)

// Result is the value object returned for every pipeline call.
//
// # Description
//
// Result is not retained beyond the call that produced it; metrics are
// derived from it by the orchestrator. ContextUsed holds the provenance
// identifiers of the retrieved material that informed the reply, and is
// empty for non-success outcomes.
type Result struct {
	Status         Status            `json:"status"`
	Response       string            `json:"response"`
	ContextUsed    []string          `json:"context_used"`
	ProcessingTime time.Duration     `json:"processing_time"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}
