package noparallel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marmos91/nbdserve/pkg/backend"
)

type modelNext struct {
	backend.BasePlugin
	model backend.ThreadModel
}

func (n *modelNext) Reopen(context.Context, bool, string, bool) (backend.Handle, error) {
	return backend.NoHandle, nil
}

func (n *modelNext) ThreadModel() backend.ThreadModel { return n.model }

// ============================================================================
// ThreadModel capping
// ============================================================================

func TestThreadModel_CapsWhenLayerBelowIsLooser(t *testing.T) {
	t.Parallel()

	n := &modelNext{model: backend.ThreadModelParallel}
	b := New(backend.ThreadModelSerializeRequests).Bind(n).(*bound)

	assert.Equal(t, backend.ThreadModelSerializeRequests, b.ThreadModel())
}

func TestThreadModel_KeepsStricterModelFromBelow(t *testing.T) {
	t.Parallel()

	n := &modelNext{model: backend.ThreadModelSerializeConnections}
	b := New(backend.ThreadModelSerializeRequests).Bind(n).(*bound)

	assert.Equal(t, backend.ThreadModelSerializeConnections, b.ThreadModel())
}

func TestName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "noparallel", New(backend.ThreadModelSerializeRequests).Name())
}
