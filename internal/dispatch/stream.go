package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/agentoven/brigade/pkg/models"
	"github.com/rs/zerolog/log"
)

const maxLineSize = 16 << 20

// ServeStream reads newline-delimited JSON-RPC requests from r and writes
// replies to w. Lines are decoded one at a time, in order; each call then
// runs on its own goroutine, so replies may come back out of order.
//
// ServeStream returns at EOF or as soon as ctx is cancelled, but never
// before the calls already in flight have written their replies. A read
// blocked on r is abandoned on cancellation.
func (d *Dispatcher) ServeStream(ctx context.Context, r io.Reader, w io.Writer) error {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		enc = json.NewEncoder(w)
	)
	write := func(resp *models.Response) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(resp); err != nil {
			log.Error().Err(err).Msg("write response")
		}
	}
	defer wg.Wait()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- bytes.Clone(line):
			case <-ctx.Done():
				readErr <- ctx.Err()
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		var line []byte
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return <-readErr
			}
			line = l
		}

		var req models.Request
		if err := json.Unmarshal(line, &req); err != nil {
			write(ParseError(err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := d.Handle(ctx, &req); resp != nil {
				write(resp)
			}
		}()
	}
}
