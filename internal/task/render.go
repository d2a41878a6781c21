package task

import (
	"image"
	"image/color"
	"image/draw"
)

var palette = []color.RGBA{
	{R: 220, G: 20, B: 60, A: 255},
	{R: 0, G: 130, B: 200, A: 255},
	{R: 60, G: 180, B: 75, A: 255},
	{R: 255, G: 225, B: 25, A: 255},
	{R: 145, G: 30, B: 180, A: 255},
	{R: 245, G: 130, B: 48, A: 255},
	{R: 70, G: 240, B: 240, A: 255},
	{R: 240, G: 50, B: 230, A: 255},
}

// LabelColor returns a stable color for a class label.
func LabelColor(label int) color.RGBA {
	if label < 0 {
		label = -label
	}
	return palette[label%len(palette)]
}

// Canvas returns a drawable copy of src anchored at the origin.
func Canvas(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// FillRect paints r, clipped to img.
func FillRect(img *image.RGBA, r image.Rectangle, c color.Color) {
	draw.Draw(img, r.Intersect(img.Bounds()), &image.Uniform{C: c}, image.Point{}, draw.Src)
}

// StrokeRect draws the outline of r with the given thickness.
func StrokeRect(img *image.RGBA, r image.Rectangle, thickness int, c color.Color) {
	r = r.Canon()
	FillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness), c)
	FillRect(img, image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y), c)
	FillRect(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y), c)
	FillRect(img, image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y), c)
}
