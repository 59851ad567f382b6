package daemon

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const (
	storageKeyFile       = "storage.key"
	deploymentEnv        = "BUNDLE_ENV"
	storageKeyWrappedEnv = "BUNDLE_STORAGE_KEY_WRAPPED"
)

var (
	ErrStorageSecretRequired  = errors.New("storage secret is required to open existing bundle data")
	ErrInsecureStorageKeyMode = errors.New("insecure storage key mode is forbidden in production")
)

// StorageSecret resolves the secret that seals the bundle index and archives:
// the configured value, else dataDir/storage.key, else a freshly generated key
// written to that file.
func StorageSecret(configured, dataDir string) (string, error) {
	if secret := strings.TrimSpace(configured); secret != "" {
		return secret, nil
	}
	keyPath := filepath.Join(dataDir, storageKeyFile)
	existing, err := os.ReadFile(keyPath)
	if err == nil {
		if secret := strings.TrimSpace(string(existing)); secret != "" {
			if policyErr := enforceStorageKeyPolicy("file"); policyErr != nil {
				return "", policyErr
			}
			return secret, nil
		}
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	if policyErr := enforceStorageKeyPolicy("auto-generate"); policyErr != nil {
		return "", policyErr
	}
	if hasPersistentData(dataDir) {
		return "", fmt.Errorf("%w: set BUNDLE_STORAGE_SECRET or restore %s", ErrStorageSecretRequired, keyPath)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := base64.RawStdEncoding.EncodeToString(buf)
	if err := WriteStorageKey(dataDir, secret); err != nil {
		return "", err
	}
	return secret, nil
}

func WriteStorageKey(dataDir, secret string) error {
	if policyErr := enforceStorageKeyPolicy("write-file"); policyErr != nil {
		return policyErr
	}
	keyPath := filepath.Join(dataDir, storageKeyFile)
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(keyPath, []byte(secret), 0o600)
}

func hasPersistentData(dataDir string) bool {
	info, err := os.Stat(filepath.Join(dataDir, "index.json"))
	return err == nil && !info.IsDir() && info.Size() > 0
}

func enforceStorageKeyPolicy(source string) error {
	if !isProductionEnv() {
		return nil
	}
	if source == "auto-generate" {
		return fmt.Errorf(
			"%w: production requires BUNDLE_STORAGE_SECRET; raw %s generation is disabled",
			ErrInsecureStorageKeyMode,
			storageKeyFile,
		)
	}
	wrapped, _ := parseBoolEnv(storageKeyWrappedEnv)
	if wrapped {
		return nil
	}
	return fmt.Errorf(
		"%w: raw %s is forbidden in production; set BUNDLE_STORAGE_SECRET or %s=true",
		ErrInsecureStorageKeyMode,
		storageKeyFile,
		storageKeyWrappedEnv,
	)
}

func isProductionEnv() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(deploymentEnv))) {
	case "prod", "production":
		return true
	default:
		return false
	}
}

func parseBoolEnv(name string) (bool, bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
