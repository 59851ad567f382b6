package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
	"workflow-bundles/go-backend/internal/domains/bundle/ports"
	"workflow-bundles/go-backend/internal/domains/rpckit"
)

const (
	maxBundleListLimit  = 1000
	maxBundleListOffset = 1_000_000
)

// Stable codes for the bundle error taxonomy.
const (
	CodeNotFound         = -32004
	CodeDuplicateKey     = -32009
	CodeCorruptArchive   = -32010
	CodeDeploymentFailed = -32011
	CodeValidation       = -32012
	CodeTransition       = -32013
	CodeVersionConflict  = -32015
	CodeStorageConflict  = -32016
)

// Per-method codes for errors outside the taxonomy.
const (
	codeCreateFailed   = -32100
	codeImportFailed   = -32101
	codeDeployFailed   = -32102
	codeValidateFailed = -32103
	codeArchiveFailed  = -32104
	codeDeleteFailed   = -32105
	codeGetFailed      = -32106
	codeListFailed     = -32107
	codeDownloadFailed = -32108
)

// Methods lists every method Dispatch serves.
var Methods = []string{
	"bundle.create",
	"bundle.import",
	"bundle.validate",
	"bundle.deploy",
	"bundle.archive",
	"bundle.delete",
	"bundle.get",
	"bundle.get_by_key",
	"bundle.list",
	"bundle.download",
}

type Service interface {
	Create(ctx context.Context, req model.CreateRequest) (model.Bundle, error)
	Import(ctx context.Context, data []byte) (model.Bundle, error)
	Validate(ctx context.Context, id string) (model.ValidationReport, error)
	Deploy(ctx context.Context, id, deploymentName string) (model.DeploymentResult, error)
	Archive(ctx context.Context, id string) (model.Bundle, error)
	Delete(ctx context.Context, id string) error
	Download(ctx context.Context, id string) (model.ArchiveDownload, error)
	Get(ctx context.Context, id string) (model.Bundle, error)
	GetByKey(ctx context.Context, key string) (model.Bundle, error)
	List(ctx context.Context, filter ports.ListFilter) ([]model.Summary, error)
}

func Dispatch(ctx context.Context, service Service, method string, rawParams json.RawMessage) (any, *rpckit.Error, bool) {
	switch method {
	case "bundle.create":
		req, err := decodeCreateParams(rawParams)
		if err != nil {
			return nil, rpckit.InvalidParams(), true
		}
		result, err := service.Create(ctx, req)
		return resultOrError(result, err, codeCreateFailed)
	case "bundle.import":
		data, err := decodeArchiveParam(rawParams)
		if err != nil {
			return nil, rpckit.InvalidParams(), true
		}
		result, err := service.Import(ctx, data)
		return resultOrError(result, err, codeImportFailed)
	case "bundle.validate":
		result, rpcErr := callWithID(rawParams, codeValidateFailed, func(id string) (any, error) {
			return service.Validate(ctx, id)
		})
		return result, rpcErr, true
	case "bundle.deploy":
		id, name, err := decodeDeployParams(rawParams)
		if err != nil {
			return nil, rpckit.InvalidParams(), true
		}
		result, err := service.Deploy(ctx, id, name)
		return resultOrError(result, err, codeDeployFailed)
	case "bundle.archive":
		result, rpcErr := callWithID(rawParams, codeArchiveFailed, func(id string) (any, error) {
			return service.Archive(ctx, id)
		})
		return result, rpcErr, true
	case "bundle.delete":
		result, rpcErr := callWithID(rawParams, codeDeleteFailed, func(id string) (any, error) {
			if err := service.Delete(ctx, id); err != nil {
				return nil, err
			}
			return map[string]bool{"deleted": true}, nil
		})
		return result, rpcErr, true
	case "bundle.get":
		result, rpcErr := callWithID(rawParams, codeGetFailed, func(id string) (any, error) {
			return service.Get(ctx, id)
		})
		return result, rpcErr, true
	case "bundle.get_by_key":
		result, rpcErr := callWithID(rawParams, codeGetFailed, func(key string) (any, error) {
			return service.GetByKey(ctx, key)
		})
		return result, rpcErr, true
	case "bundle.list":
		filter, err := decodeListParams(rawParams)
		if err != nil {
			return nil, rpckit.InvalidParams(), true
		}
		result, err := service.List(ctx, filter)
		return resultOrError(result, err, codeListFailed)
	case "bundle.download":
		result, rpcErr := callWithID(rawParams, codeDownloadFailed, func(id string) (any, error) {
			return service.Download(ctx, id)
		})
		return result, rpcErr, true
	default:
		return nil, nil, false
	}
}

func resultOrError(result any, err error, fallbackCode int) (any, *rpckit.Error, bool) {
	if err != nil {
		return nil, MapError(err, fallbackCode), true
	}
	return result, nil, true
}

func callWithID(rawParams json.RawMessage, fallbackCode int, call func(string) (any, error)) (any, *rpckit.Error) {
	id, err := decodeSingleStringParam(rawParams)
	if err != nil {
		return nil, rpckit.InvalidParams()
	}
	result, err := call(id)
	if err != nil {
		return nil, MapError(err, fallbackCode)
	}
	return result, nil
}

// MapError translates the bundle error taxonomy into stable codes. A failed
// deployment carries its partial result as error data; a validation failure
// carries its issues.
func MapError(err error, fallbackCode int) *rpckit.Error {
	var (
		failed     *model.DeploymentFailedError
		validation *model.ValidationError
		duplicate  *model.DuplicateKeyError
		corrupt    *model.CorruptArchiveError
		conflict   *model.VersionConflictError
	)
	switch {
	case errors.As(err, &failed):
		return rpckit.ServiceErrorWithData(CodeDeploymentFailed, err, failed.Result)
	case errors.As(err, &validation):
		return rpckit.ServiceErrorWithData(CodeValidation, err, validation.Issues)
	case errors.As(err, &duplicate):
		return rpckit.ServiceError(CodeDuplicateKey, err)
	case errors.As(err, &corrupt):
		return rpckit.ServiceErrorWithData(CodeCorruptArchive, err, map[string]string{"code": string(corrupt.Code)})
	case errors.As(err, &conflict):
		return rpckit.ServiceError(CodeVersionConflict, err)
	case errors.Is(err, model.ErrInvalidStatusTransition):
		return rpckit.ServiceError(CodeTransition, err)
	case errors.Is(err, model.ErrStorageConflict):
		return rpckit.ServiceError(CodeStorageConflict, err)
	case errors.Is(err, model.ErrNotFound):
		return rpckit.ServiceError(CodeNotFound, err)
	case errors.Is(err, model.ErrInvalidBundleKey),
		errors.Is(err, model.ErrInvalidBundleName),
		errors.Is(err, model.ErrInvalidBundleVersion):
		return &rpckit.Error{Code: -32602, Message: err.Error()}
	default:
		return rpckit.ServiceError(fallbackCode, err)
	}
}

func decodeSingleStringParam(raw json.RawMessage) (string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 1 && strings.TrimSpace(arr[0]) != "" {
		return strings.TrimSpace(arr[0]), nil
	}
	return "", errors.New("invalid params")
}

func decodeCreateParams(raw json.RawMessage) (model.CreateRequest, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) != 1 {
		return model.CreateRequest{}, errors.New("invalid params")
	}
	var req model.CreateRequest
	dec := json.NewDecoder(strings.NewReader(string(arr[0])))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return model.CreateRequest{}, errors.New("invalid params")
	}
	return req, nil
}

func decodeArchiveParam(raw json.RawMessage) ([]byte, error) {
	encoded, err := decodeSingleStringParam(raw)
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(data) == 0 {
		return nil, errors.New("invalid params")
	}
	return data, nil
}

func decodeDeployParams(raw json.RawMessage) (string, string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 1 || len(arr) > 2 {
		return "", "", errors.New("invalid params")
	}
	id := strings.TrimSpace(arr[0])
	if id == "" {
		return "", "", errors.New("invalid params")
	}
	name := ""
	if len(arr) == 2 {
		name = strings.TrimSpace(arr[1])
	}
	return id, name, nil
}

type listParams struct {
	Status   string `json:"status"`
	Category string `json:"category"`
	Limit    any    `json:"limit"`
	Offset   any    `json:"offset"`
}

func decodeListParams(raw json.RawMessage) (ports.ListFilter, error) {
	if len(strings.TrimSpace(string(raw))) == 0 || strings.TrimSpace(string(raw)) == "null" {
		return ports.ListFilter{}, nil
	}
	var arr []listParams
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) > 1 {
		return ports.ListFilter{}, errors.New("invalid params")
	}
	if len(arr) == 0 {
		return ports.ListFilter{}, nil
	}
	p := arr[0]
	var filter ports.ListFilter
	if strings.TrimSpace(p.Status) != "" {
		status, err := model.ParseStatus(p.Status)
		if err != nil {
			return ports.ListFilter{}, err
		}
		filter.Status = status
	}
	filter.Category = strings.TrimSpace(p.Category)
	var err error
	if p.Limit != nil {
		if filter.Limit, err = decodeStrictNonNegativeInt(p.Limit); err != nil || filter.Limit > maxBundleListLimit {
			return ports.ListFilter{}, errors.New("invalid params")
		}
	}
	if p.Offset != nil {
		if filter.Offset, err = decodeStrictNonNegativeInt(p.Offset); err != nil || filter.Offset > maxBundleListOffset {
			return ports.ListFilter{}, errors.New("invalid params")
		}
	}
	return filter, nil
}

func decodeStrictNonNegativeInt(raw any) (int, error) {
	v, ok := raw.(float64)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("invalid params")
	}
	if v < 0 || math.Trunc(v) != v {
		return 0, errors.New("invalid params")
	}
	return int(v), nil
}
