package capability

import (
	"sync"
	"testing"
	"time"

	"github.com/harun/parley/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Model{ID: "b-model", Provider: "demo"})
	reg.Register(Model{ID: "a-model", Provider: "demo", Capabilities: Capabilities{ContextLimit: 1000}})

	m, err := reg.Get("a-model")
	require.NoError(t, err)
	assert.Equal(t, 1000, m.Capabilities.ContextLimit)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, errs.ErrModelNotFound)

	models := reg.List()
	require.Len(t, models, 2)
	assert.Equal(t, "a-model", models[0].ID)
}

func TestRegistry_ReRegisterKeepsStats(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Model{ID: "m"})
	reg.RecordCall("m", 10*time.Millisecond, true)

	reg.Register(Model{ID: "m", Capabilities: Capabilities{SupportsImages: true}})

	stats, err := reg.Stats("m")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Calls)

	caps, err := reg.Capabilities("m")
	require.NoError(t, err)
	assert.True(t, caps.SupportsImages)
}

func TestRegistry_ConcurrentRecordCall(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Model{ID: "m"})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg.RecordCall("m", 20*time.Millisecond, i%2 == 0)
		}(i)
	}
	wg.Wait()

	stats, err := reg.Stats("m")
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.Calls)
	assert.Equal(t, int64(50), stats.Successes)
	assert.Equal(t, 20*time.Millisecond, stats.AverageLatency)
	assert.InDelta(t, 0.5, stats.SuccessRate(), 0.0001)
}

func TestRegistry_RecordCallUnknownModel(t *testing.T) {
	reg := NewRegistry()
	reg.RecordCall("ghost", time.Second, true)

	_, err := reg.Stats("ghost")
	assert.Error(t, err)
}

func TestRegistries_AreIndependent(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	a.Register(Model{ID: "m"})

	_, err := b.Get("m")
	assert.True(t, errs.IsNotFound(err))
}

func TestCapabilities_AcceptsImage(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		ct   string
		want bool
	}{
		{"no vision", Capabilities{}, "image/png", false},
		{"any image", Capabilities{SupportsImages: true}, "image/webp", true},
		{"listed", Capabilities{SupportsImages: true, SupportedImageTypes: []string{"image/png"}}, "image/png", true},
		{"case insensitive", Capabilities{SupportsImages: true, SupportedImageTypes: []string{"image/png"}}, "IMAGE/PNG", true},
		{"unlisted", Capabilities{SupportsImages: true, SupportedImageTypes: []string{"image/png"}}, "image/gif", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.AcceptsImage(tt.ct))
		})
	}
}

func TestPricing_Cost(t *testing.T) {
	p := Pricing{InputPerMTok: 3, OutputPerMTok: 15}
	assert.InDelta(t, 0.018, p.Cost(1000, 1000), 1e-9)
}
