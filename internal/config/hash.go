package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest written next to the root config file.
const ChecksumFile = ".checksums"

var (
	// ErrChecksumMismatch reports a config file that no longer matches the manifest.
	ErrChecksumMismatch = errors.New("config checksum mismatch")
	// ErrNoChecksums reports a missing manifest.
	ErrNoChecksums = errors.New("checksums file not found (run 'overseer config lock')")
)

// ChecksumManifest is the on-disk .checksums document. Hashes are keyed by
// slash-separated paths relative to the manifest's directory.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// HashUpdateFileResult captures checksum generation outcome for one file.
type HashUpdateFileResult struct {
	Filename string
	Path     string
	Hash     string
}

// HashUpdateReport captures checksum generation details for a config tree.
type HashUpdateReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []HashUpdateFileResult
}

// IntegrityResult collects the outcome of verifying a config tree.
type IntegrityResult struct {
	Passed   bool
	Warnings []string
	Errors   []string
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("%w for %s: expected %s, got %s",
			ErrChecksumMismatch, filepath.Base(filePath), expectedHash, actualHash)
	}

	return nil
}

// WriteChecksums hashes the config at configPath and every file it includes
// and writes the manifest next to the root file. When dryRun is true the
// report is computed but nothing is written.
func WriteChecksums(configPath string, dryRun bool) (*HashUpdateReport, error) {
	rootPath, err := ResolvePath(configPath)
	if err != nil {
		return nil, err
	}
	files, err := DiscoverFiles(rootPath)
	if err != nil {
		return nil, err
	}

	configDir := filepath.Dir(rootPath)
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	report := &HashUpdateReport{
		ConfigDir:    configDir,
		ChecksumPath: filepath.Join(configDir, ChecksumFile),
		Files:        make([]HashUpdateFileResult, 0, len(files)),
	}

	for _, path := range files {
		key, err := manifestKey(configDir, path)
		if err != nil {
			return nil, err
		}
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", key, err)
		}
		manifest.Hashes[key] = hash
		report.Files = append(report.Files, HashUpdateFileResult{Filename: key, Path: path, Hash: hash})
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}

	// Write with restrictive permissions (contains expected hashes)
	if err := os.WriteFile(report.ChecksumPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true

	return report, nil
}

// LoadChecksums reads the manifest from configDir.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoChecksums
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}

	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}

	return &manifest, nil
}

// VerifyChecksums checks files against the manifest next to rootPath. A
// missing manifest passes with a warning; a missing or mismatched hash fails.
func VerifyChecksums(rootPath string, files []string) (*IntegrityResult, error) {
	result := &IntegrityResult{Passed: true}
	configDir := filepath.Dir(rootPath)

	manifest, err := LoadChecksums(configDir)
	if errors.Is(err, ErrNoChecksums) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("no %s manifest in %s; run 'overseer config lock' to enable integrity verification", ChecksumFile, configDir))
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(files))
	for _, path := range files {
		key, err := manifestKey(configDir, path)
		if err != nil {
			return nil, err
		}
		seen[key] = true

		expected, ok := manifest.Hashes[key]
		if !ok {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("file %s has no hash in %s", key, ChecksumFile))
			continue
		}
		actual, err := ComputeBlake3Hash(path)
		if err != nil {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("failed to hash %s: %v", key, err))
			continue
		}
		if actual != expected {
			result.Passed = false
			result.Errors = append(result.Errors, fmt.Sprintf("hash mismatch for %s (expected %s, got %s)", key, expected, actual))
		}
	}

	stale := make([]string, 0)
	for key := range manifest.Hashes {
		if !seen[key] {
			stale = append(stale, key)
		}
	}
	sort.Strings(stale)
	for _, key := range stale {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s lists %s, which is no longer part of the config", ChecksumFile, key))
	}

	return result, nil
}

func manifestKey(configDir, path string) (string, error) {
	rel, err := filepath.Rel(configDir, path)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s: %w", path, err)
	}
	return filepath.ToSlash(rel), nil
}
