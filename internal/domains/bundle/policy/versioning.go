package policy

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"workflow-bundles/go-backend/internal/domains/bundle/model"
)

// CheckVersionReuse decides whether a key held only by archived bundles may
// be reused with the requested version.
//
// When the requested version and every archived version parse as semver, the
// request must be strictly greater than the highest archived version. Otherwise
// the request must differ from every archived version string.
func CheckVersionReuse(key, requested string, previous []model.Bundle) error {
	requested = strings.TrimSpace(requested)
	archived := make([]string, 0, len(previous))
	for _, b := range previous {
		if b.Key == key && b.Status == model.StatusArchived {
			archived = append(archived, strings.TrimSpace(b.Version))
		}
	}
	if len(archived) == 0 {
		return nil
	}

	want, err := semver.NewVersion(requested)
	if err == nil {
		var latest *semver.Version
		latestRaw := ""
		allSemver := true
		for _, raw := range archived {
			v, perr := semver.NewVersion(raw)
			if perr != nil {
				allSemver = false
				break
			}
			if latest == nil || v.GreaterThan(latest) {
				latest = v
				latestRaw = raw
			}
		}
		if allSemver {
			if !want.GreaterThan(latest) {
				return &model.VersionConflictError{
					Key:     key,
					Version: requested,
					Latest:  latestRaw,
					Reason:  "version must be greater than the latest archived version",
				}
			}
			return nil
		}
	}

	for _, raw := range archived {
		if raw == requested {
			return &model.VersionConflictError{
				Key:     key,
				Version: requested,
				Latest:  raw,
				Reason:  "version was already used by an archived bundle",
			}
		}
	}
	return nil
}
