package segfetchhttp

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// rangeServer serves data with optional range support and injectable faults.
type rangeServer struct {
	*httptest.Server
	data         []byte
	acceptRanges string
	headStatus   int
	headLength   string // overrides the advertised Content-Length

	mu         sync.Mutex
	heads      int
	plainGets  int
	rangedGets map[string]int
	truncate   map[string]int // Range header -> remaining truncated replies
	statusFail map[string]int // Range header -> remaining 503 replies
	ignore     bool           // answer ranged GETs with the full body and 200
	shift      int            // serve ranged GETs this many bytes later, labelled honestly
	plainFail  int            // status for unranged GETs
	plainCut   bool           // truncate unranged GET bodies
	alwaysFail map[string]bool
	hang       map[string]bool
}

func newRangeServer(t *testing.T, data []byte, acceptRanges string) *rangeServer {
	t.Helper()
	s := &rangeServer{
		data:         data,
		acceptRanges: acceptRanges,
		rangedGets:   make(map[string]int),
		truncate:     make(map[string]int),
		statusFail:   make(map[string]int),
		alwaysFail:   make(map[string]bool),
		hang:         make(map[string]bool),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *rangeServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		s.mu.Lock()
		s.heads++
		status, length := s.headStatus, s.headLength
		s.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if s.acceptRanges != "" {
			w.Header().Set("Accept-Ranges", s.acceptRanges)
		}
		if length == "" {
			length = strconv.Itoa(len(s.data))
		}
		w.Header().Set("Content-Length", length)
		w.WriteHeader(http.StatusOK)
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		s.mu.Lock()
		s.plainGets++
		plainFail, plainCut := s.plainFail, s.plainCut
		s.mu.Unlock()
		if plainFail != 0 {
			w.WriteHeader(plainFail)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
		w.WriteHeader(http.StatusOK)
		if plainCut {
			_, _ = w.Write(s.data[:len(s.data)/2])
			return
		}
		_, _ = w.Write(s.data)
		return
	}

	s.mu.Lock()
	s.rangedGets[rangeHeader]++
	truncate := s.truncate[rangeHeader] > 0
	if truncate {
		s.truncate[rangeHeader]--
	}
	statusFail := s.statusFail[rangeHeader] > 0
	if statusFail {
		s.statusFail[rangeHeader]--
	}
	alwaysFail := s.alwaysFail[rangeHeader]
	hang := s.hang[rangeHeader]
	ignore := s.ignore
	shift := s.shift
	s.mu.Unlock()

	if hang {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		return
	}
	if statusFail || alwaysFail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if ignore {
		w.Header().Set("Content-Length", strconv.Itoa(len(s.data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(s.data)
		return
	}

	start, end := parseRange(rangeHeader)
	start, end = start+shift, end+shift
	body := s.data[start : end+1]
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(s.data)))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusPartialContent)
	if truncate {
		// Declared length is never reached, so the client sees an unexpected EOF.
		_, _ = w.Write(body[:len(body)/2])
		return
	}
	_, _ = w.Write(body)
}

// configure mutates fault settings under the server lock.
func (s *rangeServer) configure(fn func(s *rangeServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *rangeServer) totalRangedGets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.rangedGets {
		total += n
	}
	return total
}

func (s *rangeServer) rangedGetsFor(header string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rangedGets[header]
}

func (s *rangeServer) headCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads
}

func (s *rangeServer) plainGetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plainGets
}

func parseRange(header string) (int, int) {
	parts := strings.Split(strings.TrimPrefix(header, "bytes="), "-")
	start, _ := strconv.Atoi(parts[0])
	end, _ := strconv.Atoi(parts[1])
	return start, end
}

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte((i*31 + i/7) % 251)
	}
	return data
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RetryBackoff = time.Millisecond
	opts.RetryMaxBackoff = 5 * time.Millisecond
	opts.HTTPClientConfig.Timeout = 10 * time.Second
	return opts
}

func rangeHeader(start, end uint64) string {
	return fmt.Sprintf("bytes=%d-%d", start, end)
}
