package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// WritePDF renders the summary into a landscape PDF at out.
func WritePDF(sum Summary, out string) error {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetTitle("TDMA Run Report", false)
	pdf.SetAuthor("tdmasim", false)
	pdf.SetCreator("tdmasim", false)
	pdf.SetMargins(12, 15, 12)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	addPDFTitle(pdf, "TDMA Run Report")
	addSummarySection(pdf, sum)
	addMACSection(pdf, sum.Stations)
	addRoutingSection(pdf, sum.Stations)

	if pdf.Err() {
		return pdf.Error()
	}
	return pdf.OutputFileAndClose(out)
}

func addPDFTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, title)
	pdf.Ln(12)
}

func addSummarySection(pdf *gofpdf.Fpdf, sum Summary) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Summary")
	pdf.Ln(8)

	linked := 0
	for _, st := range sum.Stations {
		if st.LinkUp {
			linked++
		}
	}

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: "Scenario", value: emptyFallback(sum.Scenario, "-")},
		{label: "Seed", value: strconv.FormatUint(sum.Seed, 10)},
		{label: "Epoch", value: sum.Epoch.Format(time.RFC3339)},
		{label: "Simulated", value: sum.Duration().String()},
		{label: "Events", value: strconv.FormatUint(sum.Events, 10)},
		{label: "Stations linked", value: fmt.Sprintf("%d of %d", linked, len(sum.Stations))},
	}
	for _, item := range items {
		pdf.CellFormat(50, 6, item.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addMACSection(pdf *gofpdf.Fpdf, rows []StationSummary) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Medium Access")
	pdf.Ln(9)

	headers := []string{"Station", "MAC", "Link", "Entry delay", "Attempts", "Tx", "Empty", "Rx", "Re-res.", "Moves", "Drops", "Busy"}
	widths := []float64{30, 36, 14, 26, 20, 18, 18, 18, 20, 18, 18, 18}
	addTableHeader(pdf, headers, widths)

	pdf.SetFont("Helvetica", "", 9)
	for _, row := range rows {
		renderTableRow(pdf, widths, []string{
			row.ID,
			row.Mac,
			linkLabel(row.LinkUp),
			row.EntryDelay.String(),
			strconv.FormatUint(row.Attempts, 10),
			strconv.FormatUint(row.Transmissions, 10),
			strconv.FormatUint(row.EmptyFrames, 10),
			strconv.FormatUint(row.Receptions, 10),
			strconv.FormatUint(row.ReReservations, 10),
			strconv.FormatUint(row.SlotMoves, 10),
			strconv.FormatUint(row.Drops, 10),
			strconv.FormatUint(row.BusyMarks, 10),
		}, 5)
	}
	pdf.Ln(4)
}

func addRoutingSection(pdf *gofpdf.Fpdf, rows []StationSummary) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Traffic and Routing")
	pdf.Ln(9)

	headers := []string{"Station", "Address", "Motion", "Position (m)", "Sent", "Heard", "Sources", "Beacons tx/rx", "Table", "Neighbours"}
	widths := []float64{30, 28, 30, 56, 18, 18, 18, 28, 16, 22}
	addTableHeader(pdf, headers, widths)

	pdf.SetFont("Helvetica", "", 9)
	for _, row := range rows {
		renderTableRow(pdf, widths, []string{
			row.ID,
			row.Address,
			emptyFallback(row.Motion, "-"),
			fmt.Sprintf("%.1f, %.1f, %.1f", row.Position[0], row.Position[1], row.Position[2]),
			strconv.FormatUint(row.TrafficSent, 10),
			strconv.FormatUint(row.PacketsHeard, 10),
			strconv.Itoa(row.Sources),
			fmt.Sprintf("%d/%d", row.BeaconsSent, row.BeaconsHeard),
			strconv.Itoa(row.RoutingEntries),
			strconv.Itoa(row.Neighbours),
		}, 5)
	}
}

func addTableHeader(pdf *gofpdf.Fpdf, headers []string, widths []float64) {
	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func linkLabel(up bool) string {
	if up {
		return "UP"
	}
	return "DOWN"
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
