//go:build integration

package firestore

import (
	"context"
	"testing"

	pconfig "github.com/greenbasket/api/internal/platform/config"
	pfirestore "github.com/greenbasket/api/internal/platform/firestore"
	"github.com/greenbasket/api/internal/platform/firestore/emulatortest"
)

// newEmulatorProvider returns a provider bound to a per-test project so repositories under test
// never see each other's documents.
func newEmulatorProvider(t *testing.T, projectID string) *pfirestore.Provider {
	t.Helper()
	provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
		ProjectID:    projectID,
		EmulatorHost: emulatortest.Endpoint(t),
	})
	t.Cleanup(func() { _ = provider.Close(context.Background()) })
	return provider
}
