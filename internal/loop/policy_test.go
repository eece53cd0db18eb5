package loop

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopbot/internal/domain"
)

var referencePolicy = Policy{TargetLTVBps: 7500, MaxIterations: 3}

func TestDecideTargetCheckedBeforeCap(t *testing.T) {
	for it := uint64(0); it <= 6; it++ {
		for ltv := int64(0); ltv <= 10000; ltv += 250 {
			d := referencePolicy.Decide(it, ltv)
			if ltv >= referencePolicy.TargetLTVBps {
				require.False(t, d.Continue)
				require.Equal(t, domain.StopTargetReached, d.Reason, "it=%d ltv=%d", it, ltv)
				continue
			}
			if it >= referencePolicy.MaxIterations {
				require.Equal(t, Decision{Reason: domain.StopIterationCap}, d, "it=%d ltv=%d", it, ltv)
				continue
			}
			require.Equal(t, Decision{Continue: true}, d)
		}
	}
}

func TestDecideTargetReachedOnFirstIteration(t *testing.T) {
	d := referencePolicy.Decide(1, 7600)
	require.Equal(t, Decision{Reason: domain.StopTargetReached}, d)
}

func TestDecideIterationCapBelowTarget(t *testing.T) {
	require.True(t, referencePolicy.Decide(1, 3000).Continue)
	require.True(t, referencePolicy.Decide(2, 5000).Continue)
	require.Equal(t, domain.StopIterationCap, referencePolicy.Decide(3, 6000).Reason)
}

func TestDecideBoundary(t *testing.T) {
	require.Equal(t, domain.StopTargetReached, referencePolicy.Decide(1, 7500).Reason)
	require.True(t, referencePolicy.Decide(1, 7499).Continue)
}
