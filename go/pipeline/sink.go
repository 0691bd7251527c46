package pipeline

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// JSONSink writes one JSON object per line: {"index": {...doc}} for
// upserts and {"delete": {"source": ..., "id": ...}} for deletions. It
// serializes concurrent writers, so whole lines never interleave.
type JSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONSink writes documents to w as JSON lines.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

// NewStdoutSink writes documents to stdout as JSON lines.
func NewStdoutSink() *JSONSink { return NewJSONSink(os.Stdout) }

func (s *JSONSink) Index(source, id string, doc map[string][]string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(map[string]interface{}{"index": doc}); err != nil {
		return 0, fmt.Errorf("writing document %s.%s: %w", source, id, err)
	}
	return 1, nil
}

func (s *JSONSink) Delete(source, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err = s.enc.Encode(map[string]interface{}{
		"delete": map[string]string{"source": source, "id": id},
	})
	if err != nil {
		return 0, fmt.Errorf("writing delete of %s.%s: %w", source, id, err)
	}
	return 1, nil
}
