// Package variant defines the image variant record model shared by the HTTP
// edge and the render worker, together with the key-derivation and validation
// rules both sides must agree on.
package variant

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status describes where a variant record is in its lifecycle.
type Status string

const (
	// StatusQueued means a render job has been admitted but not picked up.
	StatusQueued Status = "queued"
	// StatusProcessing means a worker is rendering the variant.
	StatusProcessing Status = "processing"
	// StatusReady means the rendered object exists under VariantKey.
	// Ready is terminal: stores refuse to move a record out of it.
	StatusReady Status = "ready"
	// StatusFailed means the last render attempt failed terminally.
	StatusFailed Status = "failed"
)

// Format is a target image encoding.
type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatWebP Format = "webp"
)

// Dimension bounds accepted for either axis of a resize request.
const (
	MinDimension = 1
	MaxDimension = 5000
)

// KeySeparator joins the base name and the dimension suffix in a variant key.
const KeySeparator = "___"

// Record is the persisted state of one requested variant. ID, the identity
// tuple (ImageID, Width, Height, Format) and the derived keys never change
// after creation; everything else is owned by the status machine.
type Record struct {
	ID           string
	ImageID      string
	Width        int
	Height       int
	Format       Format
	OriginalKey  string
	VariantKey   string
	Bucket       string
	Status       Status
	FileSize     int64
	FailedReason string
	FailedAt     *time.Time
	RequeueCount int
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// Key returns the identity tuple of the record.
func (r *Record) Key() Key {
	return Key{ImageID: r.ImageID, Width: r.Width, Height: r.Height, Format: r.Format}
}

// Key identifies one variant of one source image.
type Key struct {
	ImageID string
	Width   int
	Height  int
	Format  Format
}

// VariantKey derives the object-store key the rendered variant is written
// under. The derivation is pure: equal keys always produce equal strings.
func (k Key) VariantKey() string {
	base := k.ImageID
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[:i]
	}
	return fmt.Sprintf("%s%s%dx%d.%s", base, KeySeparator, k.Width, k.Height, k.Format)
}

// OriginalKey derives the object-store key of the source image, which is the
// image ID itself.
func (k Key) OriginalKey() string {
	return k.ImageID
}

func (k Key) String() string {
	return k.VariantKey()
}

// Filter returns a Filter that matches exactly this key.
func (k Key) Filter() Filter {
	return Filter{ImageID: k.ImageID, Width: k.Width, Height: k.Height, Format: k.Format}
}

// Validate checks the full identity tuple.
func (k Key) Validate() error {
	if err := ValidateImageID(k.ImageID); err != nil {
		return err
	}
	if err := ValidateDimensions(k.Width, k.Height); err != nil {
		return err
	}
	if k.Width == 0 {
		return invalidRequest{field: "dimensions", msg: "width and height are required"}
	}
	if _, err := ParseFormat(string(k.Format)); err != nil {
		return err
	}
	return nil
}

var imageIDPattern = regexp.MustCompile(`^[\w.\-]+$`)

// ValidateImageID checks that an image ID is usable as an object-store key
// segment. IDs are a single path segment (no slashes) and must carry a file
// extension so the variant key derivation has something to strip.
func ValidateImageID(id string) error {
	if id == "" {
		return invalidRequest{field: "imageId", msg: "must not be empty"}
	}
	if !imageIDPattern.MatchString(id) {
		return invalidRequest{field: "imageId", value: id, msg: "only letters, digits, '_', '.' and '-' are allowed"}
	}
	if !strings.Contains(id, ".") {
		return invalidRequest{field: "imageId", value: id, msg: "must include a file extension"}
	}
	return nil
}

// ValidateDimensions checks the both-or-neither rule: either width and height
// are both zero (no resize requested) or both lie within the accepted bounds.
func ValidateDimensions(width, height int) error {
	if width == 0 && height == 0 {
		return nil
	}
	if width == 0 || height == 0 {
		return invalidRequest{field: "dimensions", msg: "width and height must be provided together"}
	}
	for _, d := range []struct {
		name  string
		value int
	}{{"width", width}, {"height", height}} {
		if d.value < MinDimension || d.value > MaxDimension {
			return invalidRequest{
				field: d.name,
				value: fmt.Sprintf("%d", d.value),
				msg:   fmt.Sprintf("must be between %d and %d", MinDimension, MaxDimension),
			}
		}
	}
	return nil
}

// ParseFormat normalizes a requested output format. The "jpg" spelling is
// accepted as an alias for "jpeg". An empty value defaults to jpeg.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", invalidRequest{field: "format", value: s, msg: "supported formats are png, jpeg and webp"}
	}
}

// Filter selects records by identity fields. ImageID is required; zero-valued
// fields are not matched on.
type Filter struct {
	ImageID string
	Width   int
	Height  int
	Format  Format
}

// Validate checks that the filter is usable for List or Delete.
func (f Filter) Validate() error {
	if f.ImageID == "" {
		return invalidFilter{filter: "imageId"}
	}
	if err := ValidateDimensions(f.Width, f.Height); err != nil {
		return err
	}
	return nil
}
