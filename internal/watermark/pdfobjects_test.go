package watermark

import (
	"bytes"
	"compress/zlib"
	"io"
	"regexp"
	"strconv"
	"strings"
	"testing"
)

// pdfObject is one indirect object: its dictionary (or array) text and,
// for streams, the decoded stream data.
type pdfObject struct {
	dict   string
	stream []byte
}

var (
	objRe    = regexp.MustCompile(`(?s)(\d+)\s+\d+\s+obj\b(.*?)endobj`)
	refRe    = regexp.MustCompile(`(\d+)\s+\d+\s+R\b`)
	pageRe   = regexp.MustCompile(`/Type\s*/Page\b`)
	parentRe = regexp.MustCompile(`/Parent\s*(\d+)\s+\d+\s+R`)
	kidsRe   = regexp.MustCompile(`(?s)/Kids\s*\[[^\]]*\]`)
	lengthRe = regexp.MustCompile(`/Length\s+(\d+)(\s+\d+\s+R)?`)
	nRe      = regexp.MustCompile(`/N\s+(\d+)`)
	firstRe  = regexp.MustCompile(`/First\s+(\d+)`)
	drawRe   = regexp.MustCompile(`\bDo\b`)
	contRe   = regexp.MustCompile(`(?s)/Contents\s*(\[[^\]]*\]|\d+\s+\d+\s+R)`)
)

// readPDFObjects indexes every object in a PDF, unpacking object streams and
// inflating Flate streams.
func readPDFObjects(t testing.TB, pdf []byte) map[int]pdfObject {
	t.Helper()

	objects := make(map[int]pdfObject)
	for _, m := range objRe.FindAllSubmatch(pdf, -1) {
		num, _ := strconv.Atoi(string(m[1]))
		obj := parseObjectBody(t, m[2])
		objects[num] = obj

		if !strings.Contains(obj.dict, "/ObjStm") {
			continue
		}
		n := atoiMatch(nRe, obj.dict)
		first := atoiMatch(firstRe, obj.dict)
		header := strings.Fields(string(obj.stream[:first]))
		if len(header) < 2*n {
			t.Fatalf("object stream %d has a short header", num)
		}
		for i := 0; i < n; i++ {
			inner, _ := strconv.Atoi(header[2*i])
			start, _ := strconv.Atoi(header[2*i+1])
			end := len(obj.stream) - first
			if i+1 < n {
				end, _ = strconv.Atoi(header[2*i+3])
			}
			objects[inner] = pdfObject{dict: string(obj.stream[first+start : first+end])}
		}
	}
	return objects
}

func parseObjectBody(t testing.TB, body []byte) pdfObject {
	idx := bytes.Index(body, []byte("stream"))
	if idx < 0 {
		return pdfObject{dict: string(body)}
	}

	dict := string(body[:idx])
	data := body[idx+len("stream"):]
	data = bytes.TrimPrefix(data, []byte("\r"))
	data = bytes.TrimPrefix(data, []byte("\n"))
	if end := bytes.LastIndex(data, []byte("endstream")); end >= 0 {
		data = data[:end]
	}
	if m := lengthRe.FindStringSubmatch(dict); m != nil && m[2] == "" {
		if n, _ := strconv.Atoi(m[1]); n <= len(data) {
			data = data[:n]
		}
	}

	if strings.Contains(dict, "FlateDecode") {
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("inflate stream: %v", err)
		}
		inflated, err := io.ReadAll(zr)
		if err != nil && len(inflated) == 0 {
			t.Fatalf("inflate stream: %v", err)
		}
		data = inflated
	}
	return pdfObject{dict: dict, stream: data}
}

func atoiMatch(re *regexp.Regexp, s string) int {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// pageObjects returns the object numbers of every page dictionary.
func pageObjects(objects map[int]pdfObject) []int {
	var pages []int
	for num, obj := range objects {
		if obj.stream == nil && pageRe.MatchString(obj.dict) {
			pages = append(pages, num)
		}
	}
	return pages
}

// pageClosure collects every object reachable from a page, including
// resources inherited from its ancestors but never its sibling pages.
func pageClosure(objects map[int]pdfObject, page int) map[int]bool {
	seen := map[int]bool{page: true}
	var queue []int

	enqueue := func(dict string) {
		dict = parentRe.ReplaceAllString(dict, "")
		dict = kidsRe.ReplaceAllString(dict, "")
		for _, m := range refRe.FindAllStringSubmatch(dict, -1) {
			n, _ := strconv.Atoi(m[1])
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}

	enqueue(objects[page].dict)
	for p := parentRe.FindStringSubmatch(objects[page].dict); p != nil; {
		n, _ := strconv.Atoi(p[1])
		enqueue(objects[n].dict)
		p = parentRe.FindStringSubmatch(objects[n].dict)
	}

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		enqueue(objects[n].dict)
	}
	return seen
}

// pageContent concatenates the decoded content streams of a page.
func pageContent(objects map[int]pdfObject, page int) []byte {
	m := contRe.FindStringSubmatch(objects[page].dict)
	if m == nil {
		return nil
	}

	var out []byte
	var walk func(refs string)
	walk = func(refs string) {
		for _, r := range refRe.FindAllStringSubmatch(refs, -1) {
			n, _ := strconv.Atoi(r[1])
			obj := objects[n]
			if obj.stream == nil {
				walk(obj.dict)
				continue
			}
			out = append(out, obj.stream...)
			out = append(out, '\n')
		}
	}
	walk(m[1])
	return out
}
