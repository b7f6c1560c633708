// Package nzb builds and validates NZB XML documents from a Release: this
// service produces NZBs for a downstream Newznab-compatible consumer
// rather than downloading them itself.
package nzb

import "encoding/xml"

// Model is the root <nzb> document.
type Model struct {
	XMLName xml.Name `xml:"nzb"`
	Xmlns   string   `xml:"xmlns,attr"`
	Files   []File   `xml:"file"`
}

// xmlns is the namespace newzbin's NZB 1.1 DTD documents for the root
// element.
const xmlns = "http://www.newzbin.com/DTD/2003/nzb"

// File is one <file> entry, corresponding to a Release.
type File struct {
	Subject  string    `xml:"subject,attr"`
	Poster   string    `xml:"poster,attr,omitempty"`
	Groups   []string  `xml:"groups>group"`
	Segments []Segment `xml:"segments>segment"`
}

// Segment is one <segment> entry within a File.
type Segment struct {
	XMLName   xml.Name `xml:"segment"`
	Number    int      `xml:"number,attr"`
	Bytes     int64    `xml:"bytes,attr"`
	MessageID string   `xml:",chardata"`
}
