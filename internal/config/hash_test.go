package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBlake3Hash(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.yaml", "hello")

	hash, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	other := writeFile(t, dir, "b.yaml", "hello")
	same, err := ComputeBlake3Hash(other)
	require.NoError(t, err)
	assert.Equal(t, hash, same, "hash depends only on content")

	changed := writeFile(t, dir, "c.yaml", "hello!")
	diff, err := ComputeBlake3Hash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, hash, diff)

	require.NoError(t, VerifyFileHash(path, hash))
	err = VerifyFileHash(path, strings.Repeat("0", 64))
	assert.True(t, errors.Is(err, ErrChecksumMismatch))

	_, err = ComputeBlake3Hash(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestWriteChecksums_DryRun(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "config.yaml", "include: [sub/workers.yaml]\n")
	writeFile(t, dir, "sub/workers.yaml", "workers: {}\n")

	report, err := WriteChecksums(root, true)
	require.NoError(t, err)
	assert.False(t, report.Written)
	require.Len(t, report.Files, 2)
	assert.Equal(t, "config.yaml", report.Files[0].Filename)
	assert.Equal(t, "sub/workers.yaml", report.Files[1].Filename)

	_, err = os.Stat(filepath.Join(dir, ChecksumFile))
	assert.True(t, os.IsNotExist(err), ".checksums should not be written in dry-run mode")
}

func TestWriteChecksums_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	root := writeFile(t, dir, "config.yaml", "service:\n  name: x\n")

	report, err := WriteChecksums(dir, false)
	require.NoError(t, err)
	assert.True(t, report.Written)

	info, err := os.Stat(report.ChecksumPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	manifest, err := LoadChecksums(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, manifest.Version)
	assert.Len(t, manifest.Hashes, 1)

	result, err := VerifyChecksums(root, []string{root})
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Empty(t, result.Errors)
}

func TestVerifyChecksums(t *testing.T) {
	t.Run("missing manifest warns", func(t *testing.T) {
		dir := t.TempDir()
		root := writeFile(t, dir, "config.yaml", "{}\n")

		result, err := VerifyChecksums(root, []string{root})
		require.NoError(t, err)
		assert.True(t, result.Passed)
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0], "overseer config lock")
	})

	t.Run("unlisted file fails", func(t *testing.T) {
		dir := t.TempDir()
		root := writeFile(t, dir, "config.yaml", "{}\n")
		_, err := WriteChecksums(root, false)
		require.NoError(t, err)
		extra := writeFile(t, dir, "extra.yaml", "{}\n")

		result, err := VerifyChecksums(root, []string{root, extra})
		require.NoError(t, err)
		assert.False(t, result.Passed)
		assert.Contains(t, result.Errors[0], "extra.yaml has no hash")
	})

	t.Run("stale entry warns", func(t *testing.T) {
		dir := t.TempDir()
		root := writeFile(t, dir, "config.yaml", "include: [old.yaml]\n")
		writeFile(t, dir, "old.yaml", "{}\n")
		_, err := WriteChecksums(root, false)
		require.NoError(t, err)

		result, err := VerifyChecksums(root, []string{root})
		require.NoError(t, err)
		assert.True(t, result.Passed)
		require.Len(t, result.Warnings, 1)
		assert.Contains(t, result.Warnings[0], "old.yaml")
	})

	t.Run("unsupported version", func(t *testing.T) {
		dir := t.TempDir()
		root := writeFile(t, dir, "config.yaml", "{}\n")
		writeFile(t, dir, ChecksumFile, "version: 2\nhashes: {}\n")

		_, err := VerifyChecksums(root, []string{root})
		assert.ErrorContains(t, err, "unsupported checksums version")
	})
}
