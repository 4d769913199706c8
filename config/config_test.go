package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadArbiterDefaults(t *testing.T) {
	ctx := context.Background()
	var c Arbiter
	l := envconfig.MapLookuper(map[string]string{})
	require.NoError(t, envconfig.ProcessWith(ctx, &c, l))
	assert.Equal(t, 256, c.MaxNodes)
	assert.Equal(t, 8, c.BatchSize)
	assert.Equal(t, 64, c.NumBins)
}

func TestLoadShaperRequiresArbiterAddr(t *testing.T) {
	ctx := context.Background()
	var c Shaper
	l := envconfig.MapLookuper(map[string]string{})
	err := envconfig.ProcessWith(ctx, &c, l)
	assert.Error(t, err)
}

func TestLoadShaperDefaults(t *testing.T) {
	ctx := context.Background()
	var c Shaper
	l := envconfig.MapLookuper(map[string]string{
		"FASTPASS_ARBITER_ADDR": "10.0.0.1:9001",
	})
	require.NoError(t, envconfig.ProcessWith(ctx, &c, l))
	assert.Equal(t, 15, c.MaxAReqEntries)
	assert.Equal(t, 16, c.SyntheticTrafficNodes)
	assert.Equal(t, 2*time.Microsecond+500*time.Nanosecond, c.TimeslotDuration)
}
