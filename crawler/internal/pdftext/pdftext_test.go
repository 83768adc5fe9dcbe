package pdftext

import (
	"errors"
	"strconv"
	"strings"
	"testing"
)

func TestTextFromStream(t *testing.T) {
	stream := "BT\n/F1 12 Tf\n72 720 Td\n(Hello \\(World\\)) Tj\n0 -14 Td\n[(Sec) -120 (ond)] TJ\nT*\n(Third line) '\nET"
	got := textFromStream([]byte(stream))
	want := "Hello (World) Second\n\nThird line"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDecodeString(t *testing.T) {
	cases := map[string]string{
		`plain`:       "plain",
		`a\nb`:        "a\nb",
		`\101\102C`:   "ABC",
		`caf\351`:     "caf\xe9",
		`back\\slash`: `back\slash`,
		`\(paren\)`:   "(paren)",
		`unknown\q`:   "unknownq",
		`trailing\`:   `trailing\`,
		`\0411`:       "!1",
	}
	for in, want := range cases {
		if got := decodeString([]byte(in)); got != want {
			t.Errorf("decodeString(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsPDF(t *testing.T) {
	if !IsPDF("application/pdf", nil) {
		t.Error("content type not recognised")
	}
	if !IsPDF("application/octet-stream", []byte("%PDF-1.7\n...")) {
		t.Error("magic not recognised")
	}
	if IsPDF("text/html", []byte("<html>")) {
		t.Error("html reported as pdf")
	}
}

func TestExtract_NotPDF(t *testing.T) {
	if _, err := Extract([]byte("<html></html>")); !errors.Is(err, ErrNotPDF) {
		t.Fatalf("err = %v, want ErrNotPDF", err)
	}
}

func TestExtract_Pages(t *testing.T) {
	doc, err := Extract(buildTextPDF("Annual report 2024", "Revenue grew by 12 percent"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if doc.PageCount != 2 || len(doc.Pages) != 2 {
		t.Fatalf("pages = %d/%d, want 2", doc.PageCount, len(doc.Pages))
	}
	if doc.Pages[0] != "Annual report 2024" || doc.Pages[1] != "Revenue grew by 12 percent" {
		t.Fatalf("pages = %q", doc.Pages)
	}
	if doc.Title != "Annual report 2024" {
		t.Errorf("title = %q", doc.Title)
	}

	text, err := doc.Text([]int{2})
	if err != nil {
		t.Fatal(err)
	}
	if text != PageMarker(2)+"\nRevenue grew by 12 percent" {
		t.Errorf("Text([2]) = %q", text)
	}
	all, _ := doc.Text(nil)
	if !strings.Contains(all, PageMarker(1)) || !strings.Contains(all, PageMarker(2)) {
		t.Errorf("Text(nil) missing markers: %q", all)
	}
	if _, err := doc.Text([]int{3}); err == nil {
		t.Error("out-of-range page accepted")
	}
}

// buildTextPDF writes a minimal PDF with one Helvetica text line per page.
func buildTextPDF(pages ...string) []byte {
	n := len(pages)
	// Objects: 1 catalog, 2 pages, 3 font, then (page, content) pairs.
	total := 3 + 2*n
	offsets := make([]int, total+1)
	var b strings.Builder
	b.WriteString("%PDF-1.4\n")

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	var kids []string
	for i := 0; i < n; i++ {
		kids = append(kids, strconv.Itoa(4+2*i)+" 0 R")
	}
	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [" + strings.Join(kids, " ") + "] /Count " + strconv.Itoa(n) + " >>\nendobj\n")

	offsets[3] = b.Len()
	b.WriteString("3 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")

	for i, text := range pages {
		pageObj, contentObj := 4+2*i, 5+2*i
		offsets[pageObj] = b.Len()
		b.WriteString(strconv.Itoa(pageObj) + " 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents " +
			strconv.Itoa(contentObj) + " 0 R /Resources << /Font << /F1 3 0 R >> >> >>\nendobj\n")

		stream := "BT\n/F1 12 Tf\n72 720 Td\n(" + text + ") Tj\nET"
		offsets[contentObj] = b.Len()
		b.WriteString(strconv.Itoa(contentObj) + " 0 obj\n<< /Length " + strconv.Itoa(len(stream)) + " >>\nstream\n")
		b.WriteString(stream)
		b.WriteString("\nendstream\nendobj\n")
	}

	xref := b.Len()
	b.WriteString("xref\n0 " + strconv.Itoa(total+1) + "\n")
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= total; i++ {
		s := strconv.Itoa(offsets[i])
		b.WriteString(strings.Repeat("0", 10-len(s)) + s + " 00000 n \n")
	}
	b.WriteString("trailer\n<< /Size " + strconv.Itoa(total+1) + " /Root 1 0 R >>\nstartxref\n")
	b.WriteString(strconv.Itoa(xref))
	b.WriteString("\n%%EOF\n")
	return []byte(b.String())
}
