package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/disintegration/imaging"
	"github.com/otiai10/gosseract/v2"

	"receiptflow/pkg/store"
)

// ObjectStore is the subset of the artifact store the adapter needs: fetching
// source bytes and persisting rendered previews.
type ObjectStore interface {
	Get(ref string) ([]byte, error)
	Put(data []byte, ownerID uint, name string) (string, error)
}

// Result is the outcome of one extraction. PreviewRef is non-empty only when
// the source was a multi-page document and its first page was rendered to a
// new image artifact; the caller should rewrite the receipt's image ref to it.
type Result struct {
	Text       string
	PreviewRef string
}

// Service resolves stored-object refs to bytes, rasterizes document formats,
// and runs Tesseract OCR. It holds no state of its own and is safely retried.
type Service struct {
	Store ObjectStore
}

func New(s ObjectStore) *Service {
	return &Service{Store: s}
}

// Extract pulls the object behind ref, rasterizes page one if it is a PDF
// (persisting the rendered page as a new artifact for ownerID), preprocesses
// the raster image, and OCRs it. The context bounds the OCR call; a deadline
// hit surfaces as an error like any other step failure.
func (s *Service) Extract(ctx context.Context, ref string, ownerID uint) (Result, error) {
	data, err := s.Store.Get(ref)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, fmt.Errorf("%s: %w", ref, ErrObjectNotFound)
		}
		return Result{}, fmt.Errorf("fetch %s: %w", ref, err)
	}

	var res Result
	if IsPDF(data) {
		png, err := rasterizeFirstPage(data)
		if err != nil {
			return Result{}, fmt.Errorf("rasterize %s: %w", ref, err)
		}
		previewRef, err := s.Store.Put(png, ownerID, "preview.png")
		if err != nil {
			return Result{}, fmt.Errorf("store preview for %s: %w", ref, err)
		}
		res.PreviewRef = previewRef
		data = png
	}

	text, err := s.ocr(ctx, data)
	if err != nil {
		return Result{}, fmt.Errorf("ocr %s: %w", ref, err)
	}
	res.Text = text
	return res, nil
}

// ocr runs the blocking Tesseract call in a goroutine so the caller's context
// deadline is honored.
func (s *Service) ocr(ctx context.Context, data []byte) (string, error) {
	type out struct {
		text string
		err  error
	}
	ch := make(chan out, 1)
	go func() {
		text, err := recognize(data)
		ch <- out{text, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case o := <-ch:
		return o.text, o.err
	}
}

// recognize preprocesses the raster image and runs a single OCR pass over it.
func recognize(data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	gray := imaging.Grayscale(img)
	gray = imaging.AdjustContrast(gray, 15)
	if gray.Bounds().Dy() < 900 {
		gray = imaging.Resize(gray, 0, 1300, imaging.Lanczos)
	}

	tmpFile, err := os.CreateTemp("", "extract-*.png")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	tmp := tmpFile.Name()
	_ = tmpFile.Close()
	defer func() { _ = os.Remove(tmp) }()
	if err := imaging.Save(gray, tmp); err != nil {
		return "", fmt.Errorf("save preprocessed image: %w", err)
	}

	client := gosseract.NewClient()
	defer client.Close()
	_ = client.SetLanguage("eng")
	client.SetImage(tmp)
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}
	log.Printf("extract: %d chars of text", len(text))
	return text, nil
}

// IsPDF sniffs the PDF magic header.
func IsPDF(data []byte) bool {
	return len(data) >= 5 && bytes.Equal(data[:5], []byte("%PDF-"))
}
