package protocol

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Gateway error codes.
const (
	CodeTrikNotFound           = 1001
	CodeActionNotFound         = 1002
	CodeExecutionTimeout       = 1003
	CodeSchemaValidationFailed = 1004
	CodeWorkerNotReady         = 1005
	CodeStorageError           = 1006
)
