package metrics

import (
	"sort"
	"strings"
)

// ErrorKind classifies a failed or anomalous probe outcome.
type ErrorKind string

const (
	KindConnection      ErrorKind = "connection_error"
	KindSend            ErrorKind = "send_error"
	KindTimeout         ErrorKind = "timeout"
	KindDuplicate       ErrorKind = "duplicate_response"
	KindUnauthorized    ErrorKind = "unauthorized_control"
	KindPlanValidation  ErrorKind = "plan_validation"
	KindDiscarded       ErrorKind = "discarded"
	KindUnknownResponse ErrorKind = "unknown_response"
)

var friendlyKinds = map[ErrorKind]string{
	KindConnection:      "Connection error",
	KindSend:            "Send error",
	KindTimeout:         "Response timeout",
	KindDuplicate:       "Duplicate response",
	KindUnauthorized:    "Unauthorized control",
	KindPlanValidation:  "Plan validation error",
	KindDiscarded:       "Discarded at shutdown",
	KindUnknownResponse: "Unknown correlation id",
}

// FriendlyName returns a human-friendly label for an error kind.
func FriendlyName(kind ErrorKind) string {
	if label, ok := friendlyKinds[kind]; ok {
		return label
	}
	cleaned := strings.TrimSpace(string(kind))
	if cleaned == "" {
		return "Unknown error"
	}
	words := strings.Split(cleaned, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		if i == 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// ErrorBucket is one row of the error histogram.
type ErrorBucket struct {
	Kind  ErrorKind `json:"kind"`
	Label string    `json:"label"`
	Count int64     `json:"count"`
}

// SortErrorBuckets flattens an error histogram into rows sorted by descending
// count, then by kind for stability.
func SortErrorBuckets(hist map[ErrorKind]int64) []ErrorBucket {
	if len(hist) == 0 {
		return nil
	}
	rows := make([]ErrorBucket, 0, len(hist))
	for kind, count := range hist {
		rows = append(rows, ErrorBucket{Kind: kind, Label: FriendlyName(kind), Count: count})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count == rows[j].Count {
			return rows[i].Kind < rows[j].Kind
		}
		return rows[i].Count > rows[j].Count
	})
	return rows
}
