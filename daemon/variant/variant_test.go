package variant

import (
	"testing"

	"github.com/saa-hil/image-resizer/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestVariantKey(t *testing.T) {
	tests := []struct {
		name     string
		key      Key
		expected string
	}{
		{
			name:     "png to webp",
			key:      Key{ImageID: "pic.png", Width: 200, Height: 100, Format: FormatWebP},
			expected: "pic___200x100.webp",
		},
		{
			name:     "same format",
			key:      Key{ImageID: "a.jpg", Width: 50, Height: 50, Format: FormatJPEG},
			expected: "a___50x50.jpeg",
		},
		{
			name:     "multiple dots strip only the last",
			key:      Key{ImageID: "archive.tar.png", Width: 10, Height: 20, Format: FormatPNG},
			expected: "archive.tar___10x20.png",
		},
		{
			name:     "dots and dashes in name",
			key:      Key{ImageID: "my-photo_v2.jpeg", Width: 1, Height: 5000, Format: FormatWebP},
			expected: "my-photo_v2___1x5000.webp",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Check(t, is.Equal(tc.key.VariantKey(), tc.expected))
			// derivation is pure
			assert.Check(t, is.Equal(tc.key.VariantKey(), tc.key.VariantKey()))
			assert.Check(t, is.Equal(tc.key.OriginalKey(), tc.key.ImageID))
		})
	}
}

func TestValidateImageID(t *testing.T) {
	valid := []string{
		"pic.png",
		"a.jpg",
		"archive.tar.gz",
		"my-photo_v2.jpeg",
		"UPPER.CASE.PNG",
		"1234.0",
	}
	for _, id := range valid {
		assert.Check(t, ValidateImageID(id), "expected %q to be valid", id)
	}

	invalid := []string{
		"",
		"noextension",
		"has space.png",
		"path/traversal.png",
		"..\\win.png",
		"query?.png",
		"percent%20.png",
		"semi;colon.png",
	}
	for _, id := range invalid {
		err := ValidateImageID(id)
		assert.Check(t, err != nil, "expected %q to be rejected", id)
		assert.Check(t, errdefs.IsInvalidParameter(err), "expected invalid parameter for %q, got %v", id, err)
	}
}

func TestValidateDimensions(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		expectErr     bool
	}{
		{name: "both absent", width: 0, height: 0},
		{name: "minimum", width: 1, height: 1},
		{name: "maximum", width: 5000, height: 5000},
		{name: "typical", width: 200, height: 100},
		{name: "width only", width: 200, expectErr: true},
		{name: "height only", height: 100, expectErr: true},
		{name: "width too large", width: 5001, height: 100, expectErr: true},
		{name: "height too large", width: 100, height: 5001, expectErr: true},
		{name: "negative", width: -1, height: 100, expectErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateDimensions(tc.width, tc.height)
			if tc.expectErr {
				assert.Check(t, err != nil)
				assert.Check(t, errdefs.IsInvalidParameter(err))
			} else {
				assert.Check(t, err)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for in, expected := range map[string]Format{
		"png":  FormatPNG,
		"jpeg": FormatJPEG,
		"jpg":  FormatJPEG,
		"JPG":  FormatJPEG,
		"webp": FormatWebP,
		"WebP": FormatWebP,
		"":     FormatJPEG,
	} {
		f, err := ParseFormat(in)
		assert.NilError(t, err, "format %q", in)
		assert.Check(t, is.Equal(f, expected))
	}

	for _, in := range []string{"gif", "tiff", "svg", "bmp", "jpeg2000"} {
		_, err := ParseFormat(in)
		assert.Check(t, err != nil, "expected %q to be rejected", in)
		assert.Check(t, errdefs.IsInvalidParameter(err))
	}
}

func TestFilterValidate(t *testing.T) {
	assert.Check(t, Filter{ImageID: "a.jpg"}.Validate())
	assert.Check(t, Filter{ImageID: "a.jpg", Width: 50, Height: 50, Format: FormatWebP}.Validate())

	err := Filter{}.Validate()
	assert.Check(t, err != nil)
	assert.Check(t, errdefs.IsInvalidParameter(err))

	err = Filter{ImageID: "a.jpg", Width: 50}.Validate()
	assert.Check(t, err != nil)
}

func TestTypedErrors(t *testing.T) {
	opErr := &OpErr{Err: ErrNoSuchRecord, Op: "get", Ref: "abc123"}
	assert.Check(t, IsNotExist(opErr))
	assert.Check(t, errdefs.IsNotFound(opErr))
	assert.Check(t, is.ErrorContains(opErr, "no such variant record"))

	dup := &OpErr{Err: ErrKeyConflict, Op: "create", Ref: "a___50x50.webp"}
	assert.Check(t, IsKeyConflict(dup))
	assert.Check(t, errdefs.IsConflict(dup))
}
