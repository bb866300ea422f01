package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/trikhub/trikhub/internal/storage"
	"github.com/trikhub/trikhub/internal/tracing"
	"github.com/trikhub/trikhub/pkg/protocol"
	"github.com/trikhub/trikhub/pkg/trik"
)

// dispatchStorage proxies one worker-originated storage.* request onto the
// per-invoke storage handle. Quota breaches and bad keys come back as
// STORAGE_ERROR with the cause in the message; malformed params are
// INVALID_PARAMS.
func dispatchStorage(ctx context.Context, store trik.StorageContext, req *protocol.Request) *protocol.Response {
	ctx, span := tracing.StartStorage(ctx, req.Method)
	defer span.End()

	resp := dispatchStorageMethod(ctx, store, req)
	if resp.Error != nil {
		tracing.RecordError(span, errors.New(resp.Error.Message))
	}
	return resp
}

func dispatchStorageMethod(ctx context.Context, store trik.StorageContext, req *protocol.Request) *protocol.Response {
	switch req.Method {
	case protocol.MethodStorageGet:
		var p protocol.StorageGetParams
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		value, err := store.Get(ctx, p.Key)
		if err != nil {
			return storageError(req.ID, err)
		}
		return mustResponse(req.ID, protocol.StorageValueResult{Value: value})

	case protocol.MethodStorageSet:
		var p protocol.StorageSetParams
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		var ttl int64
		if p.TTL != nil {
			ttl = *p.TTL
		}
		if err := store.Set(ctx, p.Key, p.Value, ttl); err != nil {
			return storageError(req.ID, err)
		}
		return mustResponse(req.ID, protocol.StorageSuccessResult{Success: true})

	case protocol.MethodStorageDelete:
		var p protocol.StorageDeleteParams
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		deleted, err := store.Delete(ctx, p.Key)
		if err != nil {
			return storageError(req.ID, err)
		}
		return mustResponse(req.ID, protocol.StorageDeletedResult{Deleted: deleted})

	case protocol.MethodStorageList:
		var p protocol.StorageListParams
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		keys, err := store.List(ctx, p.Prefix)
		if err != nil {
			return storageError(req.ID, err)
		}
		if keys == nil {
			keys = []string{}
		}
		return mustResponse(req.ID, protocol.StorageKeysResult{Keys: keys})

	case protocol.MethodStorageGetMany:
		var p protocol.StorageGetManyParams
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		values, err := store.GetMany(ctx, p.Keys)
		if err != nil {
			return storageError(req.ID, err)
		}
		if values == nil {
			values = map[string]any{}
		}
		return mustResponse(req.ID, protocol.StorageValuesResult{Values: values})

	case protocol.MethodStorageSetMany:
		var p protocol.StorageSetManyParams
		if err := decodeParams(req.Params, &p); err != nil {
			return invalidParams(req.ID, err)
		}
		if err := store.SetMany(ctx, p.Entries); err != nil {
			return storageError(req.ID, err)
		}
		return mustResponse(req.ID, protocol.StorageSuccessResult{Success: true})

	default:
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("unknown storage method %q", req.Method), nil)
	}
}

func invalidParams(id string, err error) *protocol.Response {
	return protocol.NewErrorResponse(id, protocol.CodeInvalidParams, err.Error(), nil)
}

func storageError(id string, err error) *protocol.Response {
	var quota *storage.QuotaError
	if errors.As(err, &quota) {
		return protocol.NewErrorResponse(id, protocol.CodeStorageError, quota.Error(), map[string]any{
			"trikId":  quota.TrikID,
			"current": quota.Current,
			"adding":  quota.Adding,
			"max":     quota.Max,
		})
	}
	return protocol.NewErrorResponse(id, protocol.CodeStorageError, err.Error(), nil)
}

func mustResponse(id string, result any) *protocol.Response {
	resp, err := protocol.NewResponse(id, result)
	if err != nil {
		return protocol.NewErrorResponse(id, protocol.CodeInternalError, err.Error(), nil)
	}
	return resp
}
