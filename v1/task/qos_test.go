package task

import (
	"testing"

	"github.com/stretchr/testify/require"

	latcherrors "github.com/mirkobrombin/go-latch/v1/errors"
)

const (
	backupTask  Type = "core.asynchronous_backup"
	privacyTask Type = "dataprivacy.process_data_request"
	themesTask  Type = "core.build_installed_themes"
)

// queue builds records with consecutive ids starting at first.
func queue(first int64, types ...Type) []Record {
	out := make([]Record, len(types))
	for i, t := range types {
		out[i] = Record{ID: first + int64(i), Type: t}
	}
	return out
}

func repeat(t Type, n int) []Type {
	out := make([]Type, n)
	for i := range out {
		out[i] = t
	}
	return out
}

func concat(parts ...[]Type) []Type {
	var out []Type
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func ids(records []Record) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

// lopsided is six backups followed by three data requests, ids 1..9.
func lopsided() []Record {
	return queue(1, concat(repeat(backupTask, 6), repeat(privacyTask, 3))...)
}

func TestReorderUniformLopsidedQueue(t *testing.T) {
	full := lopsided()
	cases := []struct {
		name    string
		dropped int
		want    []int64
	}{
		{"full", 0, []int64{1, 7, 2, 8, 3, 9, 4, 5, 6}},
		{"first gone", 1, []int64{7, 2, 8, 3, 9, 4, 5, 6}},
		{"two gone", 2, []int64{3, 7, 4, 8, 5, 9, 6}},
		{"three gone", 3, []int64{7, 4, 8, 5, 9, 6}},
		{"four gone", 4, []int64{5, 7, 6, 8, 9}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ReorderUniform(full[tc.dropped:], 1)
			require.NoError(t, err)
			require.Equal(t, tc.want, ids(got))
		})
	}
}

// privacyLimited gives data requests a limit of one and every other type n.
func privacyLimited(n int) LimitFunc {
	return func(t Type) int {
		if t == privacyTask {
			return 1
		}
		return n
	}
}

func TestReorderPerTypeLimits(t *testing.T) {
	cases := []struct {
		name  string
		n     int
		input []Record
		want  []int64
	}{
		{
			name:  "limit two",
			n:     2,
			input: queue(11, concat(repeat(backupTask, 6), repeat(privacyTask, 3))...),
			want:  []int64{17, 11, 12, 18, 13, 14, 19, 15, 16},
		},
		{
			name:  "limit three",
			n:     3,
			input: queue(21, concat(repeat(backupTask, 6), repeat(privacyTask, 3))...),
			want:  []int64{27, 21, 22, 23, 28, 24, 25, 26, 29},
		},
		{
			name:  "three types",
			n:     2,
			input: queue(31, concat(repeat(backupTask, 6), repeat(privacyTask, 3), repeat(themesTask, 4))...),
			want:  []int64{31, 32, 37, 40, 41, 33, 34, 38, 42, 43, 35, 36, 39},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Reorder(tc.input, privacyLimited(tc.n))
			require.NoError(t, err)
			require.Equal(t, tc.want, ids(got))
		})
	}
}

func TestReorderEmpty(t *testing.T) {
	got, err := ReorderUniform(nil, 1)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReorderSingleTypeUnchanged(t *testing.T) {
	in := queue(1, repeat(backupTask, 7)...)
	for n := 1; n <= 8; n++ {
		got, err := ReorderUniform(in, n)
		require.NoError(t, err)
		require.Equal(t, ids(in), ids(got), "n=%d", n)
	}
}

func TestReorderLargeLimitKeepsGroupedOrder(t *testing.T) {
	in := queue(1, concat(repeat(backupTask, 4), repeat(privacyTask, 3), repeat(themesTask, 2))...)
	for _, n := range []int{4, 5, 100} {
		got, err := ReorderUniform(in, n)
		require.NoError(t, err)
		require.Equal(t, ids(in), ids(got), "n=%d", n)
	}
}

func TestReorderLargeLimitGroupsInterleavedInput(t *testing.T) {
	in := queue(1, backupTask, privacyTask, backupTask)
	got, err := ReorderUniform(in, 3)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3, 2}, ids(got))

	in = queue(1, backupTask, privacyTask, themesTask, privacyTask, backupTask)
	got, err = ReorderUniform(in, 100)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 5, 2, 4, 3}, ids(got))
}

func TestReorderPreservesOrderWithinType(t *testing.T) {
	in := queue(1, backupTask, privacyTask, backupTask, themesTask, backupTask, privacyTask, backupTask, backupTask)
	got, err := ReorderUniform(in, 1)
	require.NoError(t, err)
	require.Len(t, got, len(in))

	last := map[Type]int64{}
	for _, r := range got {
		require.Greater(t, r.ID, last[r.Type], "type %s out of order", r.Type)
		last[r.Type] = r.ID
	}
}

func TestReorderDoesNotModifyInput(t *testing.T) {
	in := lopsided()
	before := ids(in)
	_, err := ReorderUniform(in, 1)
	require.NoError(t, err)
	require.Equal(t, before, ids(in))
}

func TestReorderRejectsMalformedInput(t *testing.T) {
	_, err := ReorderUniform(lopsided(), 0)
	require.ErrorIs(t, err, latcherrors.ErrInvalidLimit)

	_, err = Reorder(lopsided(), func(t Type) int {
		if t == privacyTask {
			return -1
		}
		return 1
	})
	require.ErrorIs(t, err, latcherrors.ErrInvalidLimit)

	_, err = Reorder(lopsided(), nil)
	require.ErrorIs(t, err, latcherrors.ErrInvalidLimit)

	bad := lopsided()
	bad[3].Type = ""
	_, err = ReorderUniform(bad, 1)
	require.ErrorIs(t, err, latcherrors.ErrInvalidTaskType)
}

func TestReorderWithRegistryLimits(t *testing.T) {
	reg, err := NewRegistry(2)
	require.NoError(t, err)
	require.NoError(t, reg.SetLimit(privacyTask, 1))

	got, err := Reorder(queue(11, concat(repeat(backupTask, 6), repeat(privacyTask, 3))...), reg.Limit)
	require.NoError(t, err)
	require.Equal(t, []int64{17, 11, 12, 18, 13, 14, 19, 15, 16}, ids(got))
}
