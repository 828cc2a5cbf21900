package image

import (
	"context"
	"net/http"

	"github.com/saa-hil/image-resizer/api/server/httputils"
	"github.com/saa-hil/image-resizer/api/types"
	"github.com/saa-hil/image-resizer/daemon"
	"github.com/saa-hil/image-resizer/daemon/variant"
)

// getImage answers a variant request with a redirect to the object-store
// key holding the best available bytes. Finished variants redirect to
// their rendition with a long cache lifetime. Anything still rendering
// redirects to the original, marked uncacheable so clients come back.
func (ir *imageRouter) getImage(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}

	width, err := httputils.IntValueOrZero(r, "w")
	if err != nil {
		return err
	}
	height, err := httputils.IntValueOrZero(r, "h")
	if err != nil {
		return err
	}
	force, err := httputils.BoolValueStrict(r, "force_resize")
	if err != nil {
		return err
	}

	res, err := ir.backend.ResolveVariant(ctx, daemon.ResolveRequest{
		ImageID: vars["imageId"],
		Width:   width,
		Height:  height,
		Format:  variant.Format(r.Form.Get("format")),
		Force:   force,
	})
	if err != nil {
		return err
	}

	if res.ServingOriginal {
		w.Header().Set(types.HeaderImageStatus, types.ImageStatusProcessing)
		w.Header().Set("Cache-Control", types.CacheControlNoStore)
	} else {
		w.Header().Set(types.HeaderImageStatus, types.ImageStatusReady)
		w.Header().Set("Cache-Control", types.CacheControlImmutable)
	}
	http.Redirect(w, r, ir.backend.PublicURL(res.Key), http.StatusFound)
	return nil
}

// deleteImage removes the stored variants of an image, narrowed by the
// optional w/h/format selectors. The original asset is left alone.
func (ir *imageRouter) deleteImage(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := httputils.ParseForm(r); err != nil {
		return err
	}

	f := variant.Filter{ImageID: vars["imageId"]}
	var err error
	if f.Width, err = httputils.IntValueOrZero(r, "w"); err != nil {
		return err
	}
	if f.Height, err = httputils.IntValueOrZero(r, "h"); err != nil {
		return err
	}
	if s := r.Form.Get("format"); s != "" {
		if f.Format, err = variant.ParseFormat(s); err != nil {
			return err
		}
	}

	if _, err := ir.backend.DeleteImage(ctx, f); err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, &types.DeleteResponse{
		Message: "Image deleted successfully",
	})
}
