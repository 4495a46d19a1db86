package artifacts

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/go-pdf/fpdf"

	"checkpoint/internal/domain"
)

// renderTicket builds the printable ticket for a code: event header, the
// holder's details, and the QR image to scan at the desk.
func renderTicket(code domain.Code, qrPNG []byte) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A5", "")
	pdf.SetTitle(code.Competition.Name, true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 20)
	pdf.CellFormat(0, 12, code.Competition.Name, "", 1, "C", false, 0, "")

	pdf.SetFont("Helvetica", "", 11)
	switch {
	case code.Type == domain.CodeTypeRegistration && code.Registration != nil:
		reg := code.Registration
		pdf.CellFormat(0, 7, fmt.Sprintf("%s  %s %s", reg.Heat.Name, reg.Heat.Day, reg.Heat.Time), "", 1, "C", false, 0, "")
		pdf.CellFormat(0, 7, fmt.Sprintf("Dorsal %s  -  %s", reg.Dorsal, reg.Category.Name), "", 1, "C", false, 0, "")
		names := make([]string, 0, len(reg.Participants))
		for _, p := range reg.Participants {
			names = append(names, p.Name)
		}
		pdf.CellFormat(0, 7, strings.Join(names, ", "), "", 1, "C", false, 0, "")
	case code.Type == domain.CodeTypeAddon && code.Addon != nil:
		pdf.CellFormat(0, 7, fmt.Sprintf("%s - %s", code.Addon.AddonType, code.Addon.Name), "", 1, "C", false, 0, "")
		pdf.CellFormat(0, 7, sizesLine(code.Addon.Sizes), "", 1, "C", false, 0, "")
	}

	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(code.ID, opts, bytes.NewReader(qrPNG))
	pageW, _ := pdf.GetPageSize()
	const qrMM = 70.0
	pdf.ImageOptions(code.ID, (pageW-qrMM)/2, pdf.GetY()+6, qrMM, qrMM, false, opts, 0, "")

	pdf.SetY(pdf.GetY() + qrMM + 10)
	pdf.SetFont("Courier", "", 9)
	pdf.CellFormat(0, 6, code.ID, "", 1, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sizesLine(sizes domain.Sizes) string {
	var parts []string
	add := func(label, qty string) {
		if qty != "" {
			parts = append(parts, label+": "+qty)
		}
	}
	add("S", sizes.S)
	add("M", sizes.M)
	add("L", sizes.L)
	add("XL", sizes.XL)
	add("XXL", sizes.XXL)
	return strings.Join(parts, "  ")
}
