package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/klipach/firebridge/contract"
)

// JSONPort writes one JSON event per line.
type JSONPort struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONPort(w io.Writer) *JSONPort {
	return &JSONPort{enc: json.NewEncoder(w)}
}

func (p *JSONPort) Send(_ context.Context, event contract.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(event)
}

// ReadIntents decodes one JSON intent per line from r and sends them to out until r is
// exhausted or ctx is done. out is closed on return. Lines that do not decode are passed
// to onInvalid and skipped.
func ReadIntents(ctx context.Context, r io.Reader, out chan<- contract.Intent, onInvalid func(line []byte, err error)) error {
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var intent contract.Intent
		if err := json.Unmarshal(line, &intent); err != nil || intent.Name == "" {
			if err == nil {
				err = fmt.Errorf("intent without name")
			}
			if onInvalid != nil {
				onInvalid(line, err)
			}
			continue
		}
		select {
		case out <- intent:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
