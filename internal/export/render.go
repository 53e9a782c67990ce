package export

import (
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"time"

	"remark/api/internal/store"
)

// Deliberately plain renderings: a flat CSV table and a shallow XML document.

func renderCSV(comments []store.Comment) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	header := []string{"id", "target_kind", "target_id", "author_id", "body", "submitted_at"}
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, comment := range comments {
		record := []string{
			comment.ID,
			comment.Target.Kind,
			comment.Target.ObjectID,
			comment.AuthorID,
			comment.Body,
			comment.SubmittedAt.Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("write csv record: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

type xmlComment struct {
	ID          string `xml:"id,attr"`
	TargetKind  string `xml:"target>kind"`
	TargetID    string `xml:"target>object_id"`
	AuthorID    string `xml:"author_id"`
	Body        string `xml:"body"`
	SubmittedAt string `xml:"submitted_at"`
}

type xmlDocument struct {
	XMLName  xml.Name     `xml:"comments"`
	Count    int          `xml:"count,attr"`
	Comments []xmlComment `xml:"comment"`
}

func renderXML(comments []store.Comment) ([]byte, error) {
	doc := xmlDocument{Count: len(comments)}
	for _, comment := range comments {
		doc.Comments = append(doc.Comments, xmlComment{
			ID:          comment.ID,
			TargetKind:  comment.Target.Kind,
			TargetID:    comment.Target.ObjectID,
			AuthorID:    comment.AuthorID,
			Body:        comment.Body,
			SubmittedAt: comment.SubmittedAt.Format(time.RFC3339),
		})
	}

	payload, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal xml: %w", err)
	}
	return append([]byte(xml.Header), payload...), nil
}

func render(format string, comments []store.Comment) ([]byte, string, error) {
	switch format {
	case FormatCSV:
		payload, err := renderCSV(comments)
		return payload, "text/csv", err
	case FormatXML:
		payload, err := renderXML(comments)
		return payload, "application/xml", err
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
