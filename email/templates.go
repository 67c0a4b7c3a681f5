package email

import (
	"fmt"
	"net/url"
	"strings"

	"wavesync/pkg/crew"
)

func (s *Sender) formatDigestBody(d *Digest) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString("table { border-collapse: collapse; width: 100%; }\n")
	b.WriteString("th, td { text-align: left; padding: 8px; border-bottom: 1px solid #e5e8eb; }\n")
	b.WriteString("th { color: #5b6770; font-weight: 600; }\n")
	b.WriteString(".expired { color: #c0392b; font-weight: 600; }\n")
	b.WriteString(".urgent { color: #d35400; font-weight: 600; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString("a { color: #1f6feb; text-decoration: none; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString("th { color: #a0a0a0; }\n")
	b.WriteString("th, td { border-bottom-color: #333; }\n")
	b.WriteString(".footer { color: #a0a0a0; border-top-color: #444; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<p>These crew documents have expired or expire within 30 days and have no renewal task yet.</p>\n")
	b.WriteString("<table>\n<tr><th>Seafarer</th><th>Document</th><th>File</th><th>Expiry date</th><th>Status</th></tr>\n")
	for i := range d.Documents {
		doc := &d.Documents[i]
		b.WriteString("<tr>")
		b.WriteString(fmt.Sprintf("<td>%s</td>", escapeHTML(doc.SeafarerName)))
		b.WriteString(fmt.Sprintf("<td>%s</td>", escapeHTML(doc.DocumentType)))
		b.WriteString(fmt.Sprintf("<td>%s</td>", escapeHTML(doc.Filename)))
		b.WriteString(fmt.Sprintf("<td>%s</td>", escapeHTML(doc.ExpiryDate)))
		b.WriteString(fmt.Sprintf("<td class=\"%s\">%s</td>", statusClass(doc.Status), escapeHTML(statusText(doc))))
		b.WriteString("</tr>\n")
	}
	b.WriteString("</table>\n")

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Open expiring documents</a>\n", escapeHTML(s.documentsURL(d))))
	if !d.GeneratedAt.IsZero() {
		b.WriteString(fmt.Sprintf("<p>Checked %s UTC</p>\n", d.GeneratedAt.UTC().Format("Jan 2, 2006 at 3:04 PM")))
	}
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

// formatDigestText renders the plain-text alternative, one document per line.
func (s *Sender) formatDigestText(d *Digest) string {
	var b strings.Builder
	b.WriteString("These crew documents have expired or expire within 30 days and have no renewal task yet.\n\n")
	for i := range d.Documents {
		doc := &d.Documents[i]
		fmt.Fprintf(&b, "- %s: %s (%s), %s on %s\n",
			doc.SeafarerName, doc.DocumentType, doc.Filename, statusText(doc), doc.ExpiryDate)
	}
	fmt.Fprintf(&b, "\nOpen expiring documents: %s\n", s.documentsURL(d))
	if !d.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "Checked %s UTC\n", d.GeneratedAt.UTC().Format("Jan 2, 2006 at 3:04 PM"))
	}
	return b.String()
}

func (s *Sender) documentsURL(d *Digest) string {
	return fmt.Sprintf("%s/v1/companies/%s/expiry/documents", s.baseURL, url.PathEscape(d.CompanyID))
}

func statusClass(s crew.DocumentStatus) string {
	if s == crew.StatusExpired {
		return "expired"
	}
	return "urgent"
}

func statusText(doc *crew.ExpiringDocument) string {
	switch {
	case doc.DaysUntilExpiry < -1:
		return fmt.Sprintf("expired %d days ago", -doc.DaysUntilExpiry)
	case doc.DaysUntilExpiry == -1:
		return "expired yesterday"
	case doc.DaysUntilExpiry == 0:
		return "expires today"
	case doc.DaysUntilExpiry == 1:
		return "expires tomorrow"
	default:
		return fmt.Sprintf("expires in %d days", doc.DaysUntilExpiry)
	}
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
