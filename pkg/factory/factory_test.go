package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tartarus-sandbox/tartarus/pkg/domain"
)

func TestIndexWorkspaceNameIsDeterministic(t *testing.T) {
	require.Equal(t, "idx-5", indexWorkspaceName(5))
	require.NotEqual(t, indexWorkspaceName(1), indexWorkspaceName(2))
}

// TestInitializeRejectsPoolSizeAboveMaxIndex guards the invariant that
// the netns pool (whose slot index doubles as the instance index, see
// create()) never hands out more live namespaces than the configured
// instance-index range can hold. The check must fire before any
// prerequisite or pool syscall runs, so this test needs no real host
// resources.
func TestInitializeRejectsPoolSizeAboveMaxIndex(t *testing.T) {
	f := New(domain.FirecrackerConfig{PoolSize: 3, MaxIndex: 2}, nil, nil)
	err := f.Initialize(context.Background())
	require.Error(t, err)
}
