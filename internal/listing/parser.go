// Package listing parses S3-style ListBucketResult pages and the bootstrap
// page that embeds the bucket URL.
package listing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/beevik/etree"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
)

const rootTag = "ListBucketResult"

var bucketURLPattern = regexp.MustCompile(`BUCKET_URL\s*=\s*'([^']+)'`)

// Page is one parsed listing response.
type Page struct {
	// Prefixes holds the raw CommonPrefixes/Prefix values in page order.
	Prefixes []string
	// Keys holds the Contents/Key values in page order.
	Keys []string
	// IsTruncated is set when the listing continues on another page.
	IsTruncated bool
	// NextMarker is the ListObjects (v1) continuation marker, if sent.
	NextMarker string
	// NextContinuationToken is the ListObjectsV2 continuation token, if sent.
	NextContinuationToken string
}

// Continuation returns the query parameter and value that request the next
// page. ok is false when the page is the last one.
func (p Page) Continuation() (param, value string, ok bool) {
	if !p.IsTruncated {
		return "", "", false
	}
	if p.NextContinuationToken != "" {
		return "continuation-token", p.NextContinuationToken, true
	}
	if p.NextMarker != "" {
		return "marker", p.NextMarker, true
	}
	// v1 without NextMarker: resume after the last entry in lexical order.
	last := ""
	for _, k := range p.Keys {
		if k > last {
			last = k
		}
	}
	for _, pre := range p.Prefixes {
		if pre > last {
			last = pre
		}
	}
	if last == "" {
		return "", "", false
	}
	return "marker", last, true
}

// Children returns the immediate child names below pathPrefix, in page order.
func (p Page) Children(pathPrefix string) []string {
	children := make([]string, 0, len(p.Prefixes))
	for _, prefix := range p.Prefixes {
		if name, ok := childName(prefix, pathPrefix); ok {
			children = append(children, name)
		}
	}
	return children
}

// Parse decodes one listing body.
func Parse(body []byte) (Page, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return Page{}, &catalog.ParseError{Err: fmt.Errorf("read xml: %w", err)}
	}
	root := doc.Root()
	if root == nil {
		return Page{}, &catalog.ParseError{Err: errors.New("empty document")}
	}
	if root.Tag != rootTag {
		return Page{}, &catalog.ParseError{Err: fmt.Errorf("unexpected root element %q", root.Tag)}
	}

	var page Page
	for _, cp := range root.SelectElements("CommonPrefixes") {
		if el := cp.SelectElement("Prefix"); el != nil {
			if v := strings.TrimSpace(el.Text()); v != "" {
				page.Prefixes = append(page.Prefixes, v)
			}
		}
	}
	for _, c := range root.SelectElements("Contents") {
		if el := c.SelectElement("Key"); el != nil {
			if v := strings.TrimSpace(el.Text()); v != "" {
				page.Keys = append(page.Keys, v)
			}
		}
	}
	if el := root.SelectElement("IsTruncated"); el != nil {
		page.IsTruncated = strings.EqualFold(strings.TrimSpace(el.Text()), "true")
	}
	if el := root.SelectElement("NextMarker"); el != nil {
		page.NextMarker = strings.TrimSpace(el.Text())
	}
	if el := root.SelectElement("NextContinuationToken"); el != nil {
		page.NextContinuationToken = strings.TrimSpace(el.Text())
	}
	return page, nil
}

// ParsePrefixes returns the immediate child names (virtual directories) below
// pathPrefix, in page order.
func ParsePrefixes(body []byte, pathPrefix string) ([]string, error) {
	page, err := Parse(body)
	if err != nil {
		return nil, err
	}
	return page.Children(pathPrefix), nil
}

// ParseKeys returns the raw object keys of a listing page.
func ParseKeys(body []byte) ([]string, error) {
	page, err := Parse(body)
	if err != nil {
		return nil, err
	}
	return page.Keys, nil
}

// ExtractBucketURL finds the `BUCKET_URL = '<url>'` assignment in the
// bootstrap page.
func ExtractBucketURL(html []byte) (string, error) {
	match := bucketURLPattern.FindSubmatch(html)
	if match == nil {
		return "", &catalog.ParseError{Err: errors.New("bucket url not found in bootstrap page")}
	}
	return strings.TrimRight(string(match[1]), "/"), nil
}

func childName(prefix, pathPrefix string) (string, bool) {
	if !strings.HasPrefix(prefix, pathPrefix) {
		return "", false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(prefix, pathPrefix), "/")
	if rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
