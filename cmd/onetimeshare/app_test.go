package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/onetimeshare/internal/blob"
	"github.com/italolelis/onetimeshare/internal/config"
)

func TestOpenDatabase(t *testing.T) {
	cfg := &config.Config{DBDriver: config.DriverSQLite, DBDSN: filepath.Join(t.TempDir(), "data", "app.db")}

	db, repo, err := openDatabase(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, repo.Ping(context.Background()))

	_, _, err = openDatabase(context.Background(), &config.Config{DBDriver: "mysql"})
	assert.Error(t, err)
}

func TestOpenBlobStore(t *testing.T) {
	b, err := openBlobStore(context.Background(), &config.Config{StorageBackend: config.BackendFS, StorageRoot: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &blob.FileSystem{}, b)

	_, err = openBlobStore(context.Background(), &config.Config{StorageBackend: "ftp"})
	assert.Error(t, err)
}

func TestIssueCommandRequiresOwner(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"issue", "file.txt"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner")
}
