package rpc

import (
	"slices"

	bundlerpc "workflow-bundles/go-backend/internal/domains/bundle/adapters/rpc"
)

const (
	rpcAPICurrentVersion      = 1
	rpcAPIMinSupportedVersion = 1
)

// Requests without api_version are served at the current version.
func validateRPCAPIVersion(v *int) *rpcError {
	if v == nil {
		return nil
	}
	if *v < rpcAPIMinSupportedVersion {
		return &rpcError{
			Code:    -32081,
			Message: "rpc api version is deprecated and no longer supported",
		}
	}
	if *v > rpcAPICurrentVersion {
		return &rpcError{
			Code:    -32080,
			Message: "rpc api version is not supported by this server",
			Data:    map[string]int{"current_version": rpcAPICurrentVersion},
		}
	}
	return nil
}

func rpcVersionInfo() map[string]any {
	methods := slices.Clone(bundlerpc.Methods)
	methods = append(methods, "health_check", "rpc.version")
	slices.Sort(methods)
	return map[string]any{
		"current_version":       rpcAPICurrentVersion,
		"min_supported_version": rpcAPIMinSupportedVersion,
		"methods":               methods,
	}
}
