package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterPrefillCreatesSlotPerRank(t *testing.T) {
	top := NewTopology()
	top.RegisterPrefill(PrefillWorker{URL: "http://p0", BootstrapPort: 10000, DPSize: 3})

	snaps := top.Prefills()
	require.Len(t, snaps, 1)
	assert.Equal(t, "http://p0", snaps[0].Worker.URL)
	assert.Len(t, snaps[0].Slots, 3)
	for _, s := range snaps[0].Slots {
		assert.EqualValues(t, 0, s.Outstanding())
	}
}

func TestRegistrationIsAppendOnlyAndDuplicatesAllowed(t *testing.T) {
	top := NewTopology()
	top.RegisterPrefill(PrefillWorker{URL: "http://p0", DPSize: 1})
	top.RegisterPrefill(PrefillWorker{URL: "http://p0", DPSize: 1})

	assert.Len(t, top.Prefills(), 2)
}

func TestDecodeRegistration(t *testing.T) {
	top := NewTopology()
	top.RegisterDecode(DecodeWorker{URL: "http://d0", DPSize: 2})

	snaps := top.Decodes()
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0].Slots, 2)
}

func TestSnapshotsAreIndependentOfFutureRegistrations(t *testing.T) {
	top := NewTopology()
	top.RegisterPrefill(PrefillWorker{URL: "http://p0", DPSize: 1})
	snaps := top.Prefills()

	top.RegisterPrefill(PrefillWorker{URL: "http://p1", DPSize: 1})

	assert.Len(t, snaps, 1, "snapshot taken before second registration should not observe it")
	assert.Len(t, top.Prefills(), 2)
}
