package protocol

import "github.com/trikhub/trikhub/pkg/trik"

// InvokeParams asks a worker to run one action.
type InvokeParams struct {
	TrikPath string               `json:"trikPath"`
	TrikID   string               `json:"trikId"`
	Action   string               `json:"action"`
	Input    any                  `json:"input"`
	Session  *trik.SessionContext `json:"session,omitempty"`
	// Config carries only the secrets the manifest declared.
	Config map[string]string `json:"config,omitempty"`
	// ClarificationAnswers is set when resuming after a clarification round.
	ClarificationAnswers map[string]any `json:"clarificationAnswers,omitempty"`
	// TimeoutMs is the effective execution budget the worker should enforce
	// on its side as well.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// InvokeResult is the worker's answer to an invoke. It mirrors trik.Output.
type InvokeResult = trik.Output

// HealthResult reports worker liveness.
type HealthResult struct {
	Status  string  `json:"status"`
	Runtime string  `json:"runtime,omitempty"`
	Version string  `json:"version,omitempty"`
	Uptime  float64 `json:"uptime,omitempty"`
}

// HealthStatusOK is the status a live worker reports.
const HealthStatusOK = "ok"

// ShutdownParams requests a graceful worker exit.
type ShutdownParams struct {
	GracePeriodMs int64 `json:"gracePeriodMs,omitempty"`
}

// Storage request payloads (worker to gateway).

type StorageGetParams struct {
	Key string `json:"key"`
}

type StorageSetParams struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	// TTL is milliseconds until expiry; nil or 0 stores without expiry.
	TTL *int64 `json:"ttl,omitempty"`
}

type StorageDeleteParams struct {
	Key string `json:"key"`
}

type StorageListParams struct {
	Prefix string `json:"prefix,omitempty"`
}

type StorageGetManyParams struct {
	Keys []string `json:"keys"`
}

type StorageSetManyParams struct {
	Entries map[string]any `json:"entries"`
}

// Storage response payloads (gateway to worker).

type StorageValueResult struct {
	Value any `json:"value"`
}

type StorageSuccessResult struct {
	Success bool `json:"success"`
}

type StorageDeletedResult struct {
	Deleted bool `json:"deleted"`
}

type StorageKeysResult struct {
	Keys []string `json:"keys"`
}

type StorageValuesResult struct {
	Values map[string]any `json:"values"`
}
