package kallsyms

import (
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

const sample = `0000000000000000 A fixed_percpu_data
0000000000015000 A espfix_waddr
ffffffff81004570 t x86_pmu_del
ffffffff810046a0 T x86_reserve_hardware
ffffffff81004810 t x86_pmu_event_init
ffffffff81004a20 W x86_weak_hook
ffffffff81004ac0 d some_data
ffffffffa01d1480 t mlx4_get_vf_stats    [mlx4_core]
ffffffffa01f1a90 t mlx4_qp_roce_entropy [mlx4_core]
`

func TestResolve(t *testing.T) {
	r, err := NewResolver(strings.NewReader(sample))
	require.NoError(t, err)
	require.Equal(t, 6, r.Size())
	require.False(t, r.Restricted())

	for _, tc := range []struct {
		addr     uint64
		expected string
		ok       bool
	}{
		{0x0, "", false},
		{0xffffffff8100456f, "", false},
		{0xffffffff81004570, "x86_pmu_del", true},
		{0xffffffff8100469f, "x86_pmu_del", true},
		{0xffffffff810046a0, "x86_reserve_hardware", true},
		{0xffffffff81004ac8, "x86_weak_hook", true},
		{0xffffffffa01f1a90, "mlx4_qp_roce_entropy [mlx4_core]", true},
		{0xffffffffffffffff, "mlx4_qp_roce_entropy [mlx4_core]", true},
	} {
		sym, ok := r.Resolve(tc.addr)
		require.Equal(t, tc.ok, ok, "%#x", tc.addr)
		if ok {
			require.Equal(t, tc.expected, sym.String(), "%#x", tc.addr)
		}
	}
}

func TestUnsorted(t *testing.T) {
	r, err := NewResolver(strings.NewReader(`
ffffffffffffffff t f1
1 t f2
fffffffffffffffb t f3
fffffffffffffff0 t f4
`))
	require.NoError(t, err)

	sym, ok := r.Resolve(0xfffffffffffffff1)
	require.True(t, ok)
	require.Equal(t, "f4", sym.Name)

	sym, ok = r.Resolve(0x2)
	require.True(t, ok)
	require.Equal(t, "f2", sym.Name)
}

func TestRestricted(t *testing.T) {
	r, err := NewResolver(strings.NewReader("0000000000000000 T _text\n0000000000000000 t do_one_initcall\n"))
	require.NoError(t, err)
	require.True(t, r.Restricted())

	empty, err := NewResolver(strings.NewReader(""))
	require.NoError(t, err)
	require.True(t, empty.Restricted())
	_, ok := empty.Resolve(1)
	require.False(t, ok)
}

func TestMalformed(t *testing.T) {
	for _, input := range []string{
		"ffffffff81004570 t",
		"ffffffff81004570 t a b c",
		"zzzz t symbol",
	} {
		_, err := NewResolver(strings.NewReader(input))
		require.Error(t, err, input)
	}

	_, err := NewResolver(iotest.ErrReader(iotest.ErrTimeout))
	require.ErrorIs(t, err, iotest.ErrTimeout)
}
