package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTest(t *testing.T) {
	cases := []struct {
		raw  string
		want Test
	}{
		{"sample_appUITests/MoreTests/testPresentModal", Test{Pkg: "sample_appUITests", Clazz: "MoreTests", Method: "testPresentModal"}},
		{"com.example.LoginTest#testLogin", Test{Pkg: "com.example", Clazz: "LoginTest", Method: "testLogin"}},
		{"LoginTest#testLogin", Test{Clazz: "LoginTest", Method: "testLogin"}},
	}
	for _, tc := range cases {
		got, err := ParseTest(tc.raw)
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.want, got, tc.raw)
	}

	for _, raw := range []string{"", "a/b", "a//c", "#m", "pkg.#m", "Class#"} {
		_, err := ParseTest(raw)
		require.Error(t, err, raw)
	}
}

func TestIdentityIgnoresMetadata(t *testing.T) {
	plain := Test{Pkg: "app", Clazz: "Suite", Method: "testA"}
	tagged := plain.WithMeta("target", "AppTests")
	require.Equal(t, plain.ID(), tagged.ID())
	require.Equal(t, "app.Suite#testA", tagged.ID())

	v, ok := tagged.MetaValue("target")
	require.True(t, ok)
	require.Equal(t, "AppTests", v)

	retagged := tagged.WithMeta("target", "Other").WithMeta("shard", "1")
	require.Equal(t, []MetaProperty{{Key: "target", Value: "Other"}, {Key: "shard", Value: "1"}}, retagged.Meta)
	// the original is left untouched
	v, _ = tagged.MetaValue("target")
	require.Equal(t, "AppTests", v)
}

func TestBatchIsImmutable(t *testing.T) {
	tests := []Test{{Clazz: "A", Method: "a"}}
	batch := NewBatch(tests)
	tests[0].Method = "changed"
	got := batch.Tests()
	got[0].Method = "changed again"
	require.Equal(t, "a", batch.Tests()[0].Method)
	require.NotEmpty(t, batch.ID())
	require.NotEqual(t, batch.ID(), NewBatch(tests).ID())
}
