package vision

import (
	"bytes"
	"errors"
	"image"
	_ "image/jpeg"
	"image/png"

	xdraw "golang.org/x/image/draw"
)

// ErrUndecodable indicates the input bytes are not a decodable raster image.
// Batch callers skip the page and continue rather than aborting the run.
var ErrUndecodable = errors.New("image is not decodable")

// Segment is the result of locating the margin split column on one page.
// CropWidth may legitimately be 0 when no reliable margin line exists.
// Cropped is cut from the decoded source image, so color input keeps its
// channels; only the split analysis runs on a grayscale copy.
type Segment struct {
	CropWidth int
	ColumnSum int
	Cropped   image.Image
}

// HasMargin reports whether a usable margin strip was found.
func (s Segment) HasMargin() bool {
	return s.CropWidth > 0
}

// SegmentMarginBytes decodes the page image and locates its margin split.
func SegmentMarginBytes(data []byte) (Segment, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Segment{}, ErrUndecodable
	}

	return SegmentMargin(img), nil
}

// SegmentMargin finds the vertical line separating the left-hand margin strip
// from the answer content. The computation is deterministic: identical pixels
// always produce an identical crop column.
//
// Pipeline: grayscale, 5x5 Gaussian smoothing, horizontal Sobel, rescale of
// the absolute gradient by its own maximum, Otsu binarization, morphological
// close with a tall thin structuring element, then a column-sum argmax over
// the left half of the page.
func SegmentMargin(img image.Image) Segment {
	gray := toGray(img)
	bounds := gray.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if width == 0 || height == 0 {
		return Segment{Cropped: image.NewGray(image.Rect(0, 0, 0, 0))}
	}

	smoothed := gaussian5x5(gray)
	gradient := sobelX(smoothed)
	scaled := rescaleAbs(gradient, width, height)
	binary := otsuBinarize(scaled)

	closeHeight := height / 50
	if closeHeight < 5 {
		closeHeight = 5
	}
	closed := morphClose(binary, 3, closeHeight)

	cropWidth, columnSum := argmaxColumnSum(closed, width/2)

	return Segment{
		CropWidth: cropWidth,
		ColumnSum: columnSum,
		Cropped:   cropSource(img, cropWidth),
	}
}

// EncodePNG serializes the cropped page for re-upload.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func toGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok && gray.Bounds().Min == (image.Point{}) && gray.Stride == gray.Bounds().Dx() {
		return gray
	}

	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	xdraw.Draw(gray, gray.Bounds(), img, bounds.Min, xdraw.Src)

	return gray
}

var gaussianKernel = [5]int{1, 4, 6, 4, 1}

func gaussian5x5(src *image.Gray) *image.Gray {
	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	// Separable pass: horizontal then vertical, edge pixels clamped.
	horizontal := make([]int, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			sum := 0
			for k := -2; k <= 2; k++ {
				sum += int(src.GrayAt(clamp(x+k, width-1), y).Y) * gaussianKernel[k+2]
			}
			horizontal[y*width+x] = sum
		}
	}

	dst := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			sum := 0
			for k := -2; k <= 2; k++ {
				sum += horizontal[clamp(y+k, height-1)*width+x] * gaussianKernel[k+2]
			}
			dst.Pix[y*width+x] = uint8(sum / 256)
		}
	}

	return dst
}

// sobelX applies the order-1 horizontal derivative (3x3) and returns the
// signed gradient per pixel.
func sobelX(src *image.Gray) []int {
	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	gradient := make([]int, width*height)
	for y := 0; y < height; y++ {
		up := clamp(y-1, height-1)
		down := clamp(y+1, height-1)
		for x := 0; x < width; x++ {
			left := clamp(x-1, width-1)
			right := clamp(x+1, width-1)

			gradient[y*width+x] = int(src.GrayAt(right, up).Y) - int(src.GrayAt(left, up).Y) +
				2*(int(src.GrayAt(right, y).Y)-int(src.GrayAt(left, y).Y)) +
				int(src.GrayAt(right, down).Y) - int(src.GrayAt(left, down).Y)
		}
	}

	return gradient
}

// rescaleAbs maps |gradient| linearly onto [0,255] using the image's own
// maximum magnitude. An all-zero gradient uses divisor 1, yielding the valid
// all-zero degenerate image instead of a division by zero.
func rescaleAbs(gradient []int, width, height int) *image.Gray {
	maxAbs := 0
	for _, v := range gradient {
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
	}

	divisor := maxAbs
	if divisor == 0 {
		divisor = 1
	}

	dst := image.NewGray(image.Rect(0, 0, width, height))
	for i, v := range gradient {
		if v < 0 {
			v = -v
		}
		dst.Pix[i] = uint8(v * 255 / divisor)
	}

	return dst
}

func otsuBinarize(src *image.Gray) *image.Gray {
	var histogram [256]int
	for _, p := range src.Pix {
		histogram[p]++
	}

	total := len(src.Pix)
	sumAll := 0
	for level, count := range histogram {
		sumAll += level * count
	}

	bestThreshold := 0
	bestVariance := -1.0
	sumBackground := 0
	weightBackground := 0

	for level := 0; level < 256; level++ {
		weightBackground += histogram[level]
		if weightBackground == 0 {
			continue
		}
		weightForeground := total - weightBackground
		if weightForeground == 0 {
			break
		}

		sumBackground += level * histogram[level]
		meanBackground := float64(sumBackground) / float64(weightBackground)
		meanForeground := float64(sumAll-sumBackground) / float64(weightForeground)

		diff := meanBackground - meanForeground
		variance := float64(weightBackground) * float64(weightForeground) * diff * diff
		if variance > bestVariance {
			bestVariance = variance
			bestThreshold = level
		}
	}

	dst := image.NewGray(src.Bounds())
	for i, p := range src.Pix {
		if int(p) > bestThreshold {
			dst.Pix[i] = 255
		}
	}

	return dst
}

// morphClose dilates then erodes with a rectangular structuring element,
// merging fragmented edge pixels into continuous vertical lines.
func morphClose(src *image.Gray, elementWidth, elementHeight int) *image.Gray {
	dilated := morphPass(src, elementWidth, elementHeight, true)
	return morphPass(dilated, elementWidth, elementHeight, false)
}

func morphPass(src *image.Gray, elementWidth, elementHeight int, dilate bool) *image.Gray {
	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	dst := image.NewGray(bounds)

	halfW := elementWidth / 2
	halfH := elementHeight / 2

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			value := uint8(0)
			if !dilate {
				value = 255
			}

			for dy := -halfH; dy <= halfH; dy++ {
				ny := y + dy
				if ny < 0 || ny >= height {
					continue
				}
				for dx := -halfW; dx <= halfW; dx++ {
					nx := x + dx
					if nx < 0 || nx >= width {
						continue
					}
					p := src.Pix[ny*width+nx]
					if dilate && p > value {
						value = p
					}
					if !dilate && p < value {
						value = p
					}
				}
			}

			dst.Pix[y*width+x] = value
		}
	}

	return dst
}

// argmaxColumnSum sums foreground values down each column of the left half
// and returns the first column achieving the maximum (lowest index wins).
func argmaxColumnSum(src *image.Gray, lastColumn int) (int, int) {
	bounds := src.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if lastColumn > width-1 {
		lastColumn = width - 1
	}

	bestColumn := 0
	bestSum := -1
	for x := 0; x <= lastColumn; x++ {
		sum := 0
		for y := 0; y < height; y++ {
			sum += int(src.Pix[y*width+x])
		}
		if sum > bestSum {
			bestSum = sum
			bestColumn = x
		}
	}

	if bestSum < 0 {
		bestSum = 0
	}

	return bestColumn, bestSum
}

// cropSource restricts the decoded source image to columns [0, cropWidth),
// keeping whatever pixel format the decoder produced.
func cropSource(src image.Image, cropWidth int) image.Image {
	bounds := src.Bounds()
	if cropWidth > bounds.Dx() {
		cropWidth = bounds.Dx()
	}
	rect := image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Min.X+cropWidth, bounds.Max.Y)

	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if s, ok := src.(subImager); ok {
		return s.SubImage(rect)
	}

	dst := image.NewRGBA(image.Rect(0, 0, cropWidth, bounds.Dy()))
	xdraw.Draw(dst, dst.Bounds(), src, rect.Min, xdraw.Src)
	return dst
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
