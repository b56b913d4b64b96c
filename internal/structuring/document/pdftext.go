package document

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

var pdfLiteral = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// pageText returns the text shown by a page's content stream, one line per
// text line operator.
func pageText(pdf *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(pdf, pageNr)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ""
	}

	var (
		out  strings.Builder
		line strings.Builder
	)
	flush := func() {
		if s := strings.Join(strings.Fields(line.String()), " "); s != "" {
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			out.WriteString(s)
		}
		line.Reset()
	}
	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		op := bytes.TrimSpace(raw)
		switch {
		case bytes.HasSuffix(op, []byte("Tj")), bytes.HasSuffix(op, []byte("TJ")):
			for _, m := range pdfLiteral.FindAllSubmatch(op, -1) {
				line.WriteString(unescape(m[1]))
			}
		case bytes.HasSuffix(op, []byte("'")) && bytes.Contains(op, []byte("(")):
			flush()
			for _, m := range pdfLiteral.FindAllSubmatch(op, -1) {
				line.WriteString(unescape(m[1]))
			}
		case bytes.HasSuffix(op, []byte("Td")), bytes.HasSuffix(op, []byte("TD")):
			line.WriteByte(' ')
		case bytes.Equal(op, []byte("T*")), bytes.Equal(op, []byte("ET")):
			flush()
		}
	}
	flush()
	return out.String()
}

// unescape decodes the backslash escapes of a PDF literal string.
func unescape(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 == len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch c := raw[i]; c {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '0', '1', '2', '3', '4', '5', '6', '7':
			val := int(c - '0')
			for n := 0; n < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; n++ {
				i++
				val = val*8 + int(raw[i]-'0')
			}
			sb.WriteByte(byte(val))
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
