package toml_test

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	itoml "github.com/microsoft/service-fabric-sub010/toml"
	"github.com/stretchr/testify/require"
)

func TestSize_UnmarshalText(t *testing.T) {
	var s itoml.Size
	for _, test := range []struct {
		str  string
		want uint64
	}{
		{"1", 1},
		{"10", 10},
		{"1k", 1 << 10},
		{"100K", 100 << 10},
		{"1m", 1 << 20},
		{"50M", 50 << 20},
		{"1g", 1 << 30},
		{"10G", 10 << 30},
		{fmt.Sprint(uint64(math.MaxUint64) - 1), math.MaxUint64 - 1},
	} {
		require.NoError(t, s.UnmarshalText([]byte(test.str)), test.str)
		require.Equal(t, itoml.Size(test.want), s, test.str)
	}

	for _, str := range []string{
		fmt.Sprintf("%dk", uint64(math.MaxUint64-1)),
		"10000000000000000000g",
		"abcdef",
		"1KB",
		"√m",
		"a1",
		"",
	} {
		require.Error(t, s.UnmarshalText([]byte(str)), str)
	}
}

func TestSize_MarshalText(t *testing.T) {
	for _, test := range []struct {
		size itoml.Size
		want string
	}{
		{0, "0"},
		{1000, "1000"},
		{4 << 10, "4k"},
		{50 << 20, "50m"},
		{2 << 30, "2g"},
	} {
		b, err := test.size.MarshalText()
		require.NoError(t, err)
		require.Equal(t, test.want, string(b))

		var got itoml.Size
		require.NoError(t, got.UnmarshalText(b))
		require.Equal(t, test.size, got)
	}
}

func TestConfigParse(t *testing.T) {
	var c struct {
		Interval itoml.Duration `toml:"interval"`
		Empty    itoml.Duration `toml:"empty"`
		Limit    itoml.Size     `toml:"limit"`
	}
	c.Empty = itoml.Duration(time.Second)
	_, err := toml.Decode(`
interval = "10m"
empty = ""
limit = "64m"
`, &c)
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, time.Duration(c.Interval))
	require.Equal(t, time.Second, time.Duration(c.Empty), "empty value keeps the default")
	require.Equal(t, itoml.Size(64<<20), c.Limit)
	require.Equal(t, "10m0s", c.Interval.String())
}
