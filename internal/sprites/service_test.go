package sprites

import (
	"context"
	"testing"
	"time"

	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/secrets"
)

// fakeSecretStore implements secrets.SecretStore with a single env-keyed
// value, enough to exercise Service.token's success and failure paths.
type fakeSecretStore struct {
	secrets.SecretStore
	envValues map[string]string
}

func (f *fakeSecretStore) RevealByEnvKey(_ context.Context, envKey string) (string, error) {
	return f.envValues[envKey], nil
}

func newTestService(t *testing.T, token string) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("build test logger: %v", err)
	}
	return NewService(&fakeSecretStore{envValues: map[string]string{TokenEnvKey: token}}, log)
}

func TestServiceStatus_NoToken(t *testing.T) {
	svc := newTestService(t, "")
	status := svc.Status(context.Background())
	if status.TokenConfigured {
		t.Fatal("expected TokenConfigured=false when no token is stored")
	}
	if status.Connected {
		t.Fatal("expected Connected=false when no token is stored")
	}
}

func TestUptimeSince(t *testing.T) {
	cases := []struct {
		name      string
		createdAt string
		wantZero  bool
	}{
		{"invalid timestamp", "not-a-time", true},
		{"empty timestamp", "", true},
		{"recent timestamp", time.Now().Add(-90 * time.Second).Format(time.RFC3339), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := uptimeSince(tc.createdAt)
			if tc.wantZero && got != 0 {
				t.Fatalf("uptimeSince(%q) = %d, want 0", tc.createdAt, got)
			}
			if !tc.wantZero && got <= 0 {
				t.Fatalf("uptimeSince(%q) = %d, want > 0", tc.createdAt, got)
			}
		})
	}
}

func TestTestConnection_NoToken(t *testing.T) {
	svc := newTestService(t, "")
	result := svc.TestConnection(context.Background())
	if result.Success {
		t.Fatal("expected TestConnection to fail with no token configured")
	}
	if len(result.Steps) != 1 || result.Steps[0].Success {
		t.Fatalf("expected exactly one failed step (token lookup), got %+v", result.Steps)
	}
}
