package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(list []string, key string) (string, bool) {
	for k, v := range Parse(list) {
		if k == key {
			return v, true
		}
	}
	return "", false
}

func TestMergeOrder(t *testing.T) {
	t.Setenv("PROVOICE_ENV_TEST", "os")
	e := FromList([]string{"PROVOICE_ENV_TEST=global", "MODEL_DIR=/models"})
	out := e.Merge([]string{"PROVOICE_ENV_TEST=engine", "MODEL=${MODEL_DIR}/base.bin"})

	v, ok := lookup(out, "PROVOICE_ENV_TEST")
	require.True(t, ok)
	assert.Equal(t, "engine", v)
	v, _ = lookup(out, "MODEL")
	assert.Equal(t, "/models/base.bin", v)
}

func TestMergeKeepsOSAndSorts(t *testing.T) {
	t.Setenv("PROVOICE_ENV_BASE", "kept")
	out := New().Merge(nil)
	v, ok := lookup(out, "PROVOICE_ENV_BASE")
	require.True(t, ok)
	assert.Equal(t, "kept", v)
	assert.IsNonDecreasing(t, keys(out))
}

func keys(list []string) []string {
	out := make([]string, 0, len(list))
	for _, kv := range list {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out = append(out, kv[:i])
				break
			}
		}
	}
	return out
}

func TestParseSkipsMalformed(t *testing.T) {
	m := Parse([]string{"A=1", "=bad", "noequals", "B=x=y"})
	assert.Equal(t, Var{"A": "1", "B": "x=y"}, m)
}

func TestSetUnset(t *testing.T) {
	e := &Env{}
	e.Set("A", "1")
	e.Unset("A")
	e.Unset("missing")
	assert.Empty(t, e.Var)
}
