package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func nopHandler(context.Context, []any) (any, error) { return true, nil }

func TestResolveByNameAndAlias(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry([]Descriptor{
		{Name: "copyDirectory", Aliases: []string{"copyDirectory", "copyDir"}, Params: []ParamType{String, String}, Invoke: nopHandler},
		{Name: "deleteFile", Params: []ParamType{String}, Invoke: nopHandler},
	})
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	byName, err := r.Resolve("copyDirectory")
	require.NoError(t, err)
	byAlias, err := r.Resolve("copyDir")
	require.NoError(t, err)
	require.Same(t, byName, byAlias)
	require.Equal(t, []string{"copyDir"}, byName.Aliases)
}

func TestResolveIsCaseSensitive(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry([]Descriptor{{Name: "copyFile", Invoke: nopHandler}})
	require.NoError(t, err)

	_, err = r.Resolve("copyfile")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.Resolve("")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterCollisionLeavesRegistryUnchanged(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		d    Descriptor
	}{
		{name: "canonical vs canonical", d: Descriptor{Name: "copyFile", Invoke: nopHandler}},
		{name: "alias vs canonical", d: Descriptor{Name: "duplicate", Aliases: []string{"copyFile"}, Invoke: nopHandler}},
		{name: "canonical vs alias", d: Descriptor{Name: "cp", Invoke: nopHandler}},
		{name: "alias vs alias", d: Descriptor{Name: "other", Aliases: []string{"fresh", "cp"}, Invoke: nopHandler}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, err := NewRegistry([]Descriptor{{Name: "copyFile", Aliases: []string{"cp"}, Invoke: nopHandler}})
			require.NoError(t, err)

			err = r.Register(tt.d)
			require.ErrorIs(t, err, ErrNameCollision)
			require.Equal(t, 1, r.Len())

			for _, n := range tt.d.Names() {
				if n == "copyFile" || n == "cp" {
					continue
				}
				_, err := r.Resolve(n)
				require.ErrorIs(t, err, ErrNotFound, "name %q leaked into registry", n)
			}
		})
	}
}

func TestNewRegistryFailsOnCollisionAcrossGroups(t *testing.T) {
	t.Parallel()
	files := []Descriptor{{Name: "getFileContent", Aliases: []string{"getContent"}, Invoke: nopHandler}}
	other := []Descriptor{{Name: "getContent", Invoke: nopHandler}}

	r, err := NewRegistry(files, other)
	require.Nil(t, r)
	require.True(t, errors.Is(err, ErrNameCollision))
}

func TestRegisterRejectsInvalidDescriptors(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry()
	require.NoError(t, err)

	require.ErrorIs(t, r.Register(Descriptor{Name: "", Invoke: nopHandler}), ErrInvalidDescriptor)
	require.ErrorIs(t, r.Register(Descriptor{Name: "noHandler"}), ErrInvalidDescriptor)
	require.ErrorIs(t, r.Register(Descriptor{Name: "x", Aliases: []string{" y"}, Invoke: nopHandler}), ErrInvalidDescriptor)
	require.Zero(t, r.Len())
}

func TestListIsSortedCopy(t *testing.T) {
	t.Parallel()
	r, err := NewRegistry([]Descriptor{
		{Name: "zeta", Aliases: []string{"z"}, Invoke: nopHandler},
		{Name: "alpha", Invoke: nopHandler},
	})
	require.NoError(t, err)

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "alpha", list[0].Name)
	require.Equal(t, "zeta", list[1].Name)

	list[1].Aliases[0] = "mutated"
	d, err := r.Resolve("z")
	require.NoError(t, err)
	require.Equal(t, []string{"z"}, d.Aliases)
}
