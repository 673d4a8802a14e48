package atom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2.39.0", "2.39.0"},
		{"1.2", "1.2"},
		{"5.1.0-r3", "5.1.0-r3"},
		{"1.2_rc1", "1.2_rc1"},
		{"3.0_alpha", "3.0_alpha"},
		{"7.3.1_p4-r1", "7.3.1_p4-r1"},
	}

	for _, tt := range tests {
		v, err := ParseVersion(tt.in)
		require.NoError(t, err, "ParseVersion(%q)", tt.in)
		assert.Equal(t, tt.want, v.String())
	}
}

func TestParseVersion_Invalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1.x", "1.2-r", "1.2_weird", "1.2-rX"} {
		_, err := ParseVersion(in)
		assert.Error(t, err, "ParseVersion(%q) should fail", in)
	}
}

func TestVersionCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.0.0", 0},
		{"2.38.0", "2.39.0", -1},
		{"2.39.0", "2.38.0", 1},
		{"1.10", "1.9", 1},
		{"1.0_rc1", "1.0", -1},
		{"1.0_alpha", "1.0_beta", -1},
		{"1.0_rc1", "1.0_rc2", -1},
		{"1.0", "1.0_p1", -1},
		{"1.0", "1.0-r1", -1},
		{"1.0-r2", "1.0-r1", 1},
	}

	for _, tt := range tests {
		a := MustParseVersion(tt.a)
		b := MustParseVersion(tt.b)
		assert.Equal(t, tt.want, a.Compare(b), "Compare(%s, %s)", tt.a, tt.b)
	}
}

func TestVersionSpecMatches(t *testing.T) {
	v := MustParseVersion("2.0.0")
	lo := MustParseVersion("1.5.0")
	hi := MustParseVersion("2.5.0")

	assert.True(t, AnySpec().Matches(v))
	assert.True(t, ExactSpec(v).Matches(v))
	assert.False(t, ExactSpec(lo).Matches(v))

	assert.True(t, VersionSpec{Op: OpGreaterThan, Version: lo}.Matches(v))
	assert.False(t, VersionSpec{Op: OpGreaterThan, Version: v}.Matches(v))
	assert.True(t, VersionSpec{Op: OpGreaterEqual, Version: v}.Matches(v))
	assert.True(t, VersionSpec{Op: OpLessThan, Version: hi}.Matches(v))
	assert.False(t, VersionSpec{Op: OpLessThan, Version: lo}.Matches(v))
	assert.True(t, VersionSpec{Op: OpLessEqual, Version: v}.Matches(v))

	assert.True(t, RangeSpec(&lo, &hi).Matches(v))
	assert.False(t, RangeSpec(&hi, nil).Matches(v))
	assert.False(t, RangeSpec(nil, &lo).Matches(v))
}

// A Range with both bounds nil must behave exactly as Any.
func TestVersionSpec_NilRangeIsAny(t *testing.T) {
	spec := RangeSpec(nil, nil)
	assert.True(t, spec.IsAny())
	for _, s := range []string{"0.1", "1.0_alpha", "999.999-r9"} {
		assert.True(t, spec.Matches(MustParseVersion(s)), "nil range should match %s", s)
	}
}

func TestParsePackageID(t *testing.T) {
	id, err := ParsePackageID("sys-libs/glibc")
	require.NoError(t, err)
	assert.Equal(t, "sys-libs", id.Category)
	assert.Equal(t, "glibc", id.Name)
	assert.Equal(t, "sys-libs/glibc", id.String())

	for _, in := range []string{"", "glibc", "sys-libs/", "/glibc", "a/b:c"} {
		_, err := ParsePackageID(in)
		assert.Error(t, err, "ParsePackageID(%q) should fail", in)
	}
}

func TestPackageIDLess(t *testing.T) {
	a := PackageID{Category: "app-arch", Name: "tar"}
	b := PackageID{Category: "sys-libs", Name: "glibc"}
	c := PackageID{Category: "sys-libs", Name: "zlib"}

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(b))
	assert.False(t, b.Less(b))
}

func TestParseAtom(t *testing.T) {
	tests := []struct {
		in       string
		wantID   string
		wantSpec string
		wantSlot string
	}{
		{"sys-libs/glibc", "sys-libs/glibc", "any", ""},
		{">=sys-libs/glibc-2.38.0", "sys-libs/glibc", ">=2.38.0", ""},
		{"=dev-lang/python-3.12.1:3.12", "dev-lang/python", "=3.12.1", "3.12"},
		{"<app-arch/xz-utils-5.4.0", "app-arch/xz-utils", "<5.4.0", ""},
		{"dev-libs/openssl:3", "dev-libs/openssl", "any", "3"},
		{">dev-db/sqlite-3.40.0-r1", "dev-db/sqlite", ">3.40.0-r1", ""},
	}

	for _, tt := range tests {
		a, err := ParseAtom(tt.in)
		require.NoError(t, err, "ParseAtom(%q)", tt.in)
		assert.Equal(t, tt.wantID, a.ID.String(), "atom %q", tt.in)
		assert.Equal(t, tt.wantSpec, a.Version.String(), "atom %q", tt.in)
		assert.Equal(t, tt.wantSlot, a.Slot, "atom %q", tt.in)
	}
}

func TestParseAtom_Invalid(t *testing.T) {
	for _, in := range []string{"", ">=sys-libs/glibc", "=foo", "sys-libs/glibc:", ">=x-1.0"} {
		_, err := ParseAtom(in)
		assert.Error(t, err, "ParseAtom(%q) should fail", in)
	}
}
