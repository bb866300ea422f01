package protocol

// RPC method name constants for the worker channel.

// Gateway to worker.
const (
	MethodInvoke   = "invoke"
	MethodHealth   = "health"
	MethodShutdown = "shutdown"
)

// Worker to gateway. Storage calls are only valid while an invoke is
// outstanding and always operate on the invoking trik's namespace.
const (
	MethodStorageGet     = "storage.get"
	MethodStorageSet     = "storage.set"
	MethodStorageDelete  = "storage.delete"
	MethodStorageList    = "storage.list"
	MethodStorageGetMany = "storage.getMany"
	MethodStorageSetMany = "storage.setMany"
)

// StorageMethodPrefix identifies worker-originated storage requests.
const StorageMethodPrefix = "storage."
