package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synctree/synctree/internal/config"
	"github.com/synctree/synctree/internal/node"
)

func TestBuildWiresLocalRootAndStartsCacheManager(t *testing.T) {
	cacheDir := t.TempDir()
	syncDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(syncDir, "hello.txt"), []byte("hi"), 0o644))

	cfg := config.DefaultConfig()
	cfg.CacheDir = cacheDir
	cfg.Roots = []config.DeviceRoot{{DeviceUID: 1, Kind: "local", RootPath: syncDir}}

	holder := config.NewHolder(cfg, filepath.Join(cacheDir, "config.json"))

	sys, err := Build(context.Background(), holder, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sys.Close(context.Background()) })

	require.Contains(t, sys.Cache.Devices(), node.DeviceUID(1))

	abs, ok := sys.Cache.AbsLocalPath(1, "hello.txt")
	require.True(t, ok)
	require.Equal(t, filepath.Join(syncDir, "hello.txt"), abs)
}

func TestBuildSkipsRemoteRootWithNoConfiguredClient(t *testing.T) {
	cacheDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.CacheDir = cacheDir
	cfg.Roots = []config.DeviceRoot{{DeviceUID: 2, Kind: "remote", CloudID: "root"}}

	holder := config.NewHolder(cfg, filepath.Join(cacheDir, "config.json"))

	sys, err := Build(context.Background(), holder, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sys.Close(context.Background()) })

	require.NotContains(t, sys.Cache.Devices(), node.DeviceUID(2))
}

func TestBuildRejectsUnknownRootKind(t *testing.T) {
	cacheDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.CacheDir = cacheDir
	cfg.Roots = []config.DeviceRoot{{DeviceUID: 3, Kind: "bogus"}}

	holder := config.NewHolder(cfg, filepath.Join(cacheDir, "config.json"))

	_, err := Build(context.Background(), holder, nil, nil, nil)
	require.Error(t, err)
}
