// Command sse_load opens many concurrent subscriptions to the ledger event stream and
// reports how many events each one received and whether any arrived out of order.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

type counters struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	events      atomic.Int64
	heartbeats  atomic.Int64
	outOfOrder  atomic.Int64
}

func (c *counters) String() string {
	return fmt.Sprintf("connected=%d connect_errs=%d stream_errs=%d events=%d heartbeats=%d out_of_order=%d",
		c.connected.Load(), c.connectErrs.Load(), c.streamErrs.Load(),
		c.events.Load(), c.heartbeats.Load(), c.outOfOrder.Load())
}

func main() {
	var (
		targetURL   string
		connections int
		duration    time.Duration
		rampUp      time.Duration
		lastEventID uint64
	)

	flag.StringVar(&targetURL, "url", "http://localhost:8000/events/stream", "event stream URL")
	flag.IntVar(&connections, "conns", 1000, "number of concurrent subscriptions")
	flag.DurationVar(&duration, "dur", 60*time.Second, "test duration (0 for until interrupted)")
	flag.DurationVar(&rampUp, "ramp", 0, "spread connection starts across this window")
	flag.Uint64Var(&lastEventID, "last-event-id", 0, "resume every subscription after this sequence (0 for live only)")
	flag.Parse()

	if connections <= 0 {
		log.Fatalf("invalid conns: %d", connections)
	}
	if rampUp == 0 && connections > 100 {
		rampUp = time.Duration(connections/500) * time.Second
		if rampUp < time.Second {
			rampUp = time.Second
		}
		log.Printf("no ramp-up given, using %s", rampUp)
	}

	log.Printf("starting: url=%s conns=%d duration=%s ramp=%s last_event_id=%d",
		targetURL, connections, duration, rampUp, lastEventID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     connections + 100,
			MaxIdleConns:        connections + 100,
			MaxIdleConnsPerHost: connections + 100,
			DisableCompression:  true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	var (
		stats counters
		wg    sync.WaitGroup
		start = time.Now()
	)

	var interval time.Duration
	if rampUp > 0 {
		interval = rampUp / time.Duration(connections)
	}

	go report(ctx, &stats, start)

	for i := 0; i < connections && ctx.Err() == nil; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			subscribe(ctx, client, targetURL, lastEventID, &stats)
		}()
	}

	wg.Wait()

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	fmt.Printf("done: %s elapsed=%s events/s=%.2f\n",
		stats.String(), elapsed.Truncate(time.Millisecond), float64(stats.events.Load())/elapsed.Seconds())

	if stats.outOfOrder.Load() > 0 {
		os.Exit(1)
	}
}

func subscribe(ctx context.Context, client *http.Client, url string, after uint64, stats *counters) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		stats.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	if after > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(after, 10))
	}

	resp, err := client.Do(req)
	if err != nil {
		stats.connectErrs.Add(1)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		stats.connectErrs.Add(1)
		return
	}
	stats.connected.Add(1)

	last := after
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil {
				stats.streamErrs.Add(1)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(line, ":"):
			stats.heartbeats.Add(1)
		case strings.HasPrefix(line, "id:"):
			seq, err := strconv.ParseUint(strings.TrimSpace(line[len("id:"):]), 10, 64)
			if err != nil {
				stats.streamErrs.Add(1)
				continue
			}
			if seq <= last {
				stats.outOfOrder.Add(1)
			}
			last = seq
			stats.events.Add(1)
		}
	}
}

func report(ctx context.Context, stats *counters, start time.Time) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("status: %s elapsed=%s", stats.String(), time.Since(start).Truncate(time.Second))
		}
	}
}
