package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default().Timeouts, cfg.Timeouts)
	require.Empty(t, cfg.Pages)
}

func TestLoad_DecodesPageRegistryAndTimeouts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refactorctl.yaml")
	yaml := `
timeouts:
  dev_server_ready: 30s
  build: 2m
  visual_judge: 5m
max_build_retries: 5
pages:
  src/pages/Home.tsx:
    url_path: /
    file_path: src/pages/Home.tsx
    auth_type: public
    live_session:
      session_name: live-home
      base_url: https://example.com/
      environment: live
      auth_type: public
    dev_session:
      session_name: dev-home
      base_url: http://localhost:3000/
      environment: dev
      auth_type: public
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.MaxBuildRetries)
	require.Len(t, cfg.Pages, 1)

	entry := cfg.Pages["src/pages/Home.tsx"]
	require.Equal(t, "/", entry.URLPath)
	require.Equal(t, "dev-home", entry.DevSession.SessionName)
}

func TestRegistry_ConvertsToValidatorRegistry(t *testing.T) {
	cfg := Default()
	cfg.Pages["a.tsx"] = PageEntry{
		URLPath:  "/a",
		FilePath: "a.tsx",
		AuthType: "host",
		LiveSession: Session{
			SessionName: "live-a", BaseURL: "https://example.com/a", Environment: "live", AuthType: "host",
		},
	}

	reg := cfg.Registry()
	require.Len(t, reg, 1)
	require.Equal(t, "/a", reg["a.tsx"].URLPath)
	require.Equal(t, "live-a", reg["a.tsx"].LiveSession.SessionName)
}
