package segfetchhttp

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/04041b/segfetch/internal/utils"
	"github.com/rs/zerolog/log"
)

// SizeProbe is what the HEAD probe learned about the resource.
type SizeProbe struct {
	TotalSize      uint64
	SupportsRanges bool
	FileName       string // from Content-Disposition, sanitized; may be empty
}

var filenameRegex = regexp.MustCompile(`[^a-zA-Z0-9_\-\. ]+`)

// Probe issues a HEAD request for link. Ranges count as supported only when the
// server advertises exactly "bytes".
func Probe(ctx context.Context, client utils.HTTPDoer, link string) (SizeProbe, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return SizeProbe{}, &ProbeError{URL: link, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return SizeProbe{}, &ProbeError{URL: link, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return SizeProbe{}, &ProbeError{URL: link, StatusCode: resp.StatusCode}
	}
	if resp.ContentLength < 0 {
		return SizeProbe{}, &ProbeError{URL: link, Err: errors.New("server didn't provide Content-Length header")}
	}

	probe := SizeProbe{
		TotalSize:      uint64(resp.ContentLength),
		SupportsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		FileName:       fileNameFromDisposition(resp.Header.Get("Content-Disposition")),
	}
	log.Debug().Str("op", "http/probe").Str("url", link).
		Uint64("size", probe.TotalSize).Bool("ranges", probe.SupportsRanges).Msg("probe complete")
	return probe, nil
}

func fileNameFromDisposition(contentDisposition string) string {
	if contentDisposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentDisposition)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return filenameRegex.ReplaceAllString(fn, "_")
	}
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		unescaped, _ := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''"))
		return filenameRegex.ReplaceAllString(unescaped, "_")
	}
	return ""
}
