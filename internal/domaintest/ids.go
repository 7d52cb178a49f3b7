package domaintest

import (
	"testing"

	"github.com/Amund211/asyncrefresh/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func NewUUID(t *testing.T) string {
	t.Helper()

	id, err := uuid.NewRandom()
	require.NoError(t, err)
	return id.String()
}

// NewNodeRef returns a random node ref in workspace://SpacesStore
func NewNodeRef(t *testing.T) domain.NodeRef {
	t.Helper()

	return domain.NodeRef{
		StoreProtocol: "workspace",
		StoreID:       "SpacesStore",
		ID:            NewUUID(t),
	}
}
