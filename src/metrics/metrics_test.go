package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveCacheLookupCountsHitsAndMisses(t *testing.T) {
	before := testutil.ToFloat64(cacheHits)
	ObserveCacheLookup(true, time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(cacheHits))

	before = testutil.ToFloat64(cacheMisses)
	ObserveCacheLookup(false, time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(cacheMisses))
}

func TestObserveStageDurationRecordsHistogram(t *testing.T) {
	before := testutil.CollectAndCount(stageDuration)
	ObserveStageDuration("compile", 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(stageDuration), before)
}
