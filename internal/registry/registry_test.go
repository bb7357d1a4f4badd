package registry

import (
	"context"
	"errors"
	"testing"

	"steward/pkg/extension"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, *extension.Call) (any, error) { return nil, nil }

func TestRegister_Defaults(t *testing.T) {
	r := New()

	d, err := r.Register("shop", extension.Command{Name: "shop.brie", Handler: noop})
	require.NoError(t, err)

	assert.Equal(t, "shop", d.Extension)
	assert.Equal(t, extension.DefaultPermission, d.Permission)
	assert.Equal(t, extension.Inline, d.Mode)
	assert.Equal(t, 1, r.Len())
}

func TestRegister_Invalid(t *testing.T) {
	tests := []struct {
		name        string
		cmd         extension.Command
		errContains string
	}{
		{"empty name", extension.Command{Handler: noop}, "cannot be empty"},
		{"whitespace", extension.Command{Name: "shop brie", Handler: noop}, "whitespace"},
		{"empty segment", extension.Command{Name: "shop..brie", Handler: noop}, "empty segment"},
		{"trailing dot", extension.Command{Name: "shop.", Handler: noop}, "empty segment"},
		{"no handler", extension.Command{Name: "shop.brie"}, "no handler"},
		{"bad mode", extension.Command{Name: "shop.brie", Handler: noop, Mode: extension.Mode(9)}, "invalid mode(9)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Register("shop", tt.cmd)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := New()
	_, err := r.Register("base", extension.Command{Name: "status", Handler: noop})
	require.NoError(t, err)

	_, err = r.Register("shop", extension.Command{Name: "status", Handler: noop, Mode: extension.Worker})
	require.Error(t, err)

	var dup *DuplicateCommandError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "status", dup.Name)
	assert.Equal(t, "shop", dup.Extension)
	assert.Equal(t, "base", dup.Existing)

	// The original registration is untouched
	d, err := r.Resolve("status")
	require.NoError(t, err)
	assert.Equal(t, "base", d.Extension)
}

func TestResolve_Unknown(t *testing.T) {
	_, err := New().Resolve("nope")

	var unknown *UnknownCommandError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "nope", unknown.Name)
	assert.Equal(t, `unknown command "nope"`, err.Error())
}

func TestList(t *testing.T) {
	r := New()
	r.Register("shop", extension.Command{Name: "shop.stilton", Handler: noop})
	r.Register("base", extension.Command{Name: "sleep", Handler: noop, Hidden: true, Mode: extension.Worker})
	r.Register("shop", extension.Command{Name: "shop.brie", Handler: noop, Permission: "shop.read"})

	visible := r.List(false)
	require.Len(t, visible, 2)
	assert.Equal(t, "shop.brie", visible[0].Name)
	assert.Equal(t, "shop.stilton", visible[1].Name)

	all := r.List(true)
	require.Len(t, all, 3)
	assert.Equal(t, "sleep", all[2].Name)

	info := all[2].Info()
	assert.Equal(t, "worker", info.Mode)
	assert.True(t, info.Hidden)
	assert.Equal(t, "shop.read", visible[0].Info().Permission)
}
