package tasktype

import (
	"errors"
	"testing"

	"github.com/ChuLiYu/pipeexec/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCodec_Join(t *testing.T) {
	c := must(NewCodec("preproc", cameraFields))

	name, err := c.Join(Fields{"night": 20200219, "band": "b", "spec": 3, "expid": int64(12345), "flavor": "arc"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskName("preproc_20200219_b_3_00012345"), name)
	assert.Equal(t, "preproc", TagOf(name))
}

func TestCodec_JoinFormatErrors(t *testing.T) {
	c := must(NewCodec("preproc", cameraFields))
	base := func() Fields {
		return Fields{"night": 20200219, "band": "r", "spec": 0, "expid": 7}
	}

	tests := []struct {
		name   string
		mutate func(Fields)
		field  string
	}{
		{"missing field", func(f Fields) { delete(f, "expid") }, "expid"},
		{"nil field", func(f Fields) { f["band"] = nil }, "band"},
		{"text for integer", func(f Fields) { f["spec"] = "3" }, "spec"},
		{"integer for text", func(f Fields) { f["band"] = 1 }, "band"},
		{"separator in text", func(f Fields) { f["band"] = "b_x" }, "band"},
		{"empty text", func(f Fields) { f["band"] = "" }, "band"},
		{"negative integer", func(f Fields) { f["night"] = -1 }, "night"},
		{"fractional float", func(f Fields) { f["spec"] = 1.5 }, "spec"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base()
			tt.mutate(f)
			_, err := c.Join(f)
			var fe *FormatError
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestCodec_SplitParseErrors(t *testing.T) {
	c := must(NewCodec("preproc", cameraFields))

	bad := []types.TaskName{
		"",
		"psf_20200219_b_3_00012345",
		"preproc_20200219_b_3",
		"preproc_20200219_b_3_00012345_extra",
		"preproc_2020021x_b_3_00012345",
		"preproc_20200219_b_3_12345",    // missing zero pad
		"preproc_20200219_b_03_00012345", // pad on a "d" field
	}
	for _, name := range bad {
		_, err := c.Split(name)
		var pe *ParseError
		assert.True(t, errors.As(err, &pe), "%q: got %v", name, err)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	c := must(NewCodec("preproc", cameraFields))

	rapid.Check(t, func(rt *rapid.T) {
		fields := Fields{
			"night": rapid.Int64Range(0, 99999999).Draw(rt, "night"),
			"band":  rapid.StringMatching(`[a-z][a-z0-9]{0,3}`).Draw(rt, "band"),
			"spec":  rapid.Int64Range(0, 1<<40).Draw(rt, "spec"),
			"expid": rapid.Int64Range(0, 1<<40).Draw(rt, "expid"),
		}
		name, err := c.Join(fields)
		if err != nil {
			rt.Fatalf("join: %v", err)
		}
		back, err := c.Split(name)
		if err != nil {
			rt.Fatalf("split %q: %v", name, err)
		}
		for k, v := range fields {
			if back[k] != v {
				rt.Fatalf("field %s: %v != %v", k, back[k], v)
			}
		}
	})
}

func TestNewCodec_RejectsBadFormats(t *testing.T) {
	_, err := NewCodec("x", []NameField{{Name: "a", Type: Integer, Format: "5d"}})
	assert.Error(t, err)
	_, err = NewCodec("x", []NameField{{Name: "a", Type: Text, Format: "d"}})
	assert.Error(t, err)
	_, err = NewCodec("x", []NameField{{Name: "a", Type: Real, Format: "f"}})
	assert.Error(t, err)
	_, err = NewCodec("has_sep", nil)
	assert.Error(t, err)
}

func TestOptions_Tokens(t *testing.T) {
	opts := Options{
		{Key: "verbose", Value: true},
		{Key: "quiet", Value: false},
		{Key: "regularize", Value: 1.5},
		{Key: "cameras", Value: []string{"b0", "r0"}},
		{Key: "nspec", Value: 500},
		{Key: "infile", Value: "/raw/x.fits"},
	}
	assert.Equal(t, []string{
		"--verbose",
		"--regularize", "1.50000000000000e+00",
		"--cameras", "b0", "r0",
		"--nspec", "500",
		"--infile", "/raw/x.fits",
	}, opts.Tokens())
}

func TestOptions_MergeKeepsOrder(t *testing.T) {
	defaults := Options{{Key: "a", Value: 1}, {Key: "b", Value: 2}}
	merged := defaults.Merge(Options{{Key: "c", Value: 3}, {Key: "a", Value: 10}})

	assert.Equal(t, Options{{Key: "a", Value: 10}, {Key: "b", Value: 2}, {Key: "c", Value: 3}}, merged)
	assert.Equal(t, 1, defaults[0].Value, "merge must not mutate the receiver")

	v, ok := merged.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestFromMap_SortsKeys(t *testing.T) {
	opts := FromMap(map[string]any{"z": 1, "a": "x"})
	assert.Equal(t, []string{"--a", "x", "--z", "1"}, opts.Tokens())
}
