package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/hermes-sync/internal/remote"
	"github.com/example/hermes-sync/internal/types"
)

type latencySample struct {
	kind string
	dur  time.Duration
}

func main() {
	addr := flag.String("addr", "ws://localhost:8081/ws", "relay websocket address to target")
	collection := flag.String("collection", "loadtest", "collection written and watched by all clients")
	clients := flag.Int("clients", 200, "number of concurrent subscribers")
	messages := flag.Int("messages", 20, "number of writes to send")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between writes")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("collection", *collection).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coll := types.CollectionID(*collection)
	docID := types.DocumentID("doc-" + uuid.NewString()[:8])
	latencyCh := make(chan latencySample, (*clients+1)*(*messages))
	var wg sync.WaitGroup

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			client := remote.NewWSClient(remote.WSClientConfig{URL: *addr}, logger)
			client.Start(ctx)
			defer client.Close()

			changes, err := client.Subscribe(ctx, coll)
			if err != nil {
				logger.Error().Err(err).Int("client", id).Msg("subscribe failed")
				return
			}
			readerLoop(ctx, changes, docID, latencyCh)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		writer := remote.NewWSClient(remote.WSClientConfig{URL: *addr}, logger)
		writer.Start(ctx)
		defer writer.Close()

		sendTicker := time.NewTicker(*interval)
		defer sendTicker.Stop()
		for j := 0; j < *messages; j++ {
			select {
			case <-ctx.Done():
				return
			case <-sendTicker.C:
			}
			sent := time.Now()
			patch := types.SetField("sent_at", sent.UTC().Format(time.RFC3339Nano))
			if _, err := writer.WriteDocument(ctx, coll, docID, patch, types.CorrelationID(uuid.NewString())); err != nil {
				logger.Error().Err(err).Msg("write failed")
				continue
			}
			latencyCh <- latencySample{kind: "ack", dur: time.Since(sent)}
		}
		// let the last change reach the subscribers
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
	}()

	go func() {
		wg.Wait()
		close(latencyCh)
	}()

	<-ctx.Done()
	report(latencyCh, logger)
}

func readerLoop(ctx context.Context, changes <-chan types.Change, docID types.DocumentID, latencies chan<- latencySample) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.ID != docID {
				continue
			}
			sentAt, _ := change.Fields["sent_at"].(string)
			if sentAt == "" {
				continue
			}
			if ts, err := time.Parse(time.RFC3339Nano, sentAt); err == nil {
				select {
				case latencies <- latencySample{kind: "change", dur: time.Since(ts)}:
				default:
				}
			}
		}
	}
}

func report(samples <-chan latencySample, logger zerolog.Logger) {
	type stats struct {
		count     int
		total     time.Duration
		max       time.Duration
		under50ms int
	}
	byKind := map[string]*stats{"ack": {}, "change": {}}

	for s := range samples {
		st := byKind[s.kind]
		st.count++
		st.total += s.dur
		if s.dur > st.max {
			st.max = s.dur
		}
		if s.dur < 50*time.Millisecond {
			st.under50ms++
		}
	}

	for _, kind := range []string{"ack", "change"} {
		st := byKind[kind]
		if st.count == 0 {
			fmt.Fprintf(os.Stdout, "%s: no samples collected\n", kind)
			continue
		}
		avg := time.Duration(int64(math.Round(float64(st.total) / float64(st.count))))
		pct := (float64(st.under50ms) / float64(st.count)) * 100
		fmt.Fprintf(os.Stdout, "%s samples: %d\nAvg latency: %s\nMax latency: %s\n<50ms: %.2f%%\n", kind, st.count, avg, st.max, pct)
		if pct < 95 {
			logger.Warn().Str("kind", kind).Msg("less than 95% of samples met the 50ms target")
		}
	}
}
