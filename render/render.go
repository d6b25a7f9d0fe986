// Package render turns an aggregated book model into a paginated PDF:
// a cover page followed by one section per content item, with the
// item's image count selecting a fixed layout pattern. A single failed
// image is omitted from its slot; a content item is never dropped.
package render

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/anyproto/any-sync/app"
	"github.com/anyproto/any-sync/app/logger"
	"github.com/go-pdf/fpdf"
	"go.uber.org/zap"

	"github.com/familybook/familybook-server/domain"
	"github.com/familybook/familybook-server/store"
)

const CName = "book.render"

var log = logger.NewNamed(CName)

const (
	pageMargin = 20.0
	// Accent color of the printed edition.
	accentR, accentG, accentB = 1, 137, 65
)

func New() Renderer {
	return new(renderer)
}

type Renderer interface {
	Render(ctx context.Context, model *domain.BookModel) ([]byte, error)
	app.Component
}

type renderer struct {
	conf  Config
	fetch *fetcher
}

func (r *renderer) Init(a *app.App) (err error) {
	r.conf = a.MustComponent("config").(configGetter).GetRender()
	r.fetch = &fetcher{
		store:   a.MustComponent(store.CName).(store.Store),
		client:  &http.Client{},
		maxPx:   r.conf.maxImagePx(),
		quality: r.conf.jpegQuality(),
	}
	return
}

func (r *renderer) Name() (name string) {
	return CName
}

func (r *renderer) Render(ctx context.Context, model *domain.BookModel) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(fmt.Sprintf("Family News #%d", model.IssueNumber), true)
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)

	r.coverPage(pdf, model)
	for i, section := range model.Sections {
		r.sectionPage(ctx, pdf, model, &section, i+1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdf output: %w", err)
	}
	log.Info("book rendered",
		zap.String("issueId", model.IssueId.Hex()),
		zap.Int("sections", len(model.Sections)),
		zap.Int("bytes", buf.Len()))
	return buf.Bytes(), nil
}

func (r *renderer) coverPage(pdf *fpdf.Fpdf, model *domain.BookModel) {
	pdf.AddPage()
	pdf.SetTextColor(accentR, accentG, accentB)
	pdf.SetFont("Helvetica", "B", 28)
	pdf.SetY(70)
	pdf.CellFormat(0, 14, "Family News", "", 1, "C", false, 0, "")
	pdf.Ln(16)

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, fmt.Sprintf("For %s", model.RecipientName), "", 1, "C", false, 0, "")
	pdf.Ln(6)

	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "", 12)
	pdf.CellFormat(0, 8, fmt.Sprintf("Issue #%d (%s)", model.IssueNumber, model.Period.Format("January 2006")), "", 1, "C", false, 0, "")

	pdf.SetY(-60)
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(120, 120, 120)
	pdf.CellFormat(0, 6, fmt.Sprintf("Printed %s", time.Now().UTC().Format("2006-01-02")), "", 1, "C", false, 0, "")
}

func (r *renderer) sectionPage(ctx context.Context, pdf *fpdf.Fpdf, model *domain.BookModel, section *domain.BookSection, num int) {
	pdf.AddPage()

	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(120, 120, 120)
	pdf.CellFormat(0, 5, fmt.Sprintf("Story %d / %d", num, len(model.Sections)), "", 1, "R", false, 0, "")
	pdf.Ln(2)

	byline := section.AuthorName
	if section.Relationship != "" {
		byline = fmt.Sprintf("%s (%s)", section.AuthorName, section.Relationship)
	}
	pdf.SetFont("Helvetica", "I", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("%s  |  %s", byline, section.WrittenAt.Format("Jan 2")), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	if n := len(section.Images); n > 0 {
		r.placeImages(ctx, pdf, section)
		pdf.SetY(pdf.GetY() + layoutHeight(n) + 6)
	}

	pdf.SetFont("Helvetica", "", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.MultiCell(0, 6, section.Text, "", "L", false)
}

// placeImages fetches and embeds the section's images into the slots
// picked by their count. A fetch or decode failure only blanks that
// slot.
func (r *renderer) placeImages(ctx context.Context, pdf *fpdf.Fpdf, section *domain.BookSection) {
	pageW, _ := pdf.GetPageSize()
	width := pageW - 2*pageMargin
	boxes := layoutBoxes(len(section.Images), pageMargin, pdf.GetY(), width)

	for i, ref := range section.Images {
		if i >= len(boxes) {
			break
		}
		img, err := r.fetchOne(ctx, ref)
		if err != nil {
			log.Warn("image omitted from book",
				zap.String("postId", section.PostId.Hex()),
				zap.String("key", ref.Key),
				zap.Error(err))
			continue
		}
		name := fmt.Sprintf("%s-%d", section.PostId.Hex(), i)
		pdf.RegisterImageOptionsReader(name, fpdf.ImageOptions{ImageType: "JPEG"}, bytes.NewReader(img.data))
		x, y, w, h := fitInBox(boxes[i], img.width, img.height)
		pdf.ImageOptions(name, x, y, w, h, false, fpdf.ImageOptions{ImageType: "JPEG"}, 0, "")
	}
}

func (r *renderer) fetchOne(ctx context.Context, ref domain.ImageRef) (*processedImage, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.conf.fetchTimeout())
	defer cancel()
	return r.fetch.fetch(fetchCtx, ref)
}
