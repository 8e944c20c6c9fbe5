package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadRequiresOnlySigningSecretAndOracleURL(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "signing-secret")
	t.Setenv("GEMA_ORACLE_URL", "http://oracle.test")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "signing-secret", cfg.JWTSecret)
	require.Equal(t, "http://oracle.test", cfg.OracleURL)
	require.Equal(t, 5*time.Minute, cfg.OracleTimeout)
	require.Equal(t, 30*time.Minute, cfg.ProcessingStaleAfter)
}

func TestLoadFailsWithoutSigningSecret(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "")
	t.Setenv("GEMA_ORACLE_URL", "http://oracle.test")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadFailsWithoutOracleURL(t *testing.T) {
	t.Setenv("GEMA_JWT_SECRET", "signing-secret")
	t.Setenv("GEMA_ORACLE_URL", "")

	_, err := Load()
	require.Error(t, err)
}

func TestConfigHTTPAddress(t *testing.T) {
	require.Equal(t, ":8080", Config{AppPort: "8080"}.HTTPAddress())
	require.Equal(t, ":9090", Config{AppPort: ":9090"}.HTTPAddress())
}
