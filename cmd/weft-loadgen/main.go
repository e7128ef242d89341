// weft-loadgen spins an in-process fabric — registry, an RPC provider, and
// a topic broker — and drives it from real clients over loopback TCP. It is
// the end-to-end smoke and latency tool for the runtime plumbing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomworks/weft/client"
	"github.com/loomworks/weft/internal/version"
	"github.com/loomworks/weft/rpc"
	"github.com/loomworks/weft/server"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

type loadConfig struct {
	calls      int
	workers    int
	publishes  int
	rpcTimeout time.Duration
}

type latencyStats struct {
	Count  int     `json:"count"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
	P99Ms  float64 `json:"p99_ms"`
}

type summary struct {
	Version   string       `json:"version"`
	Calls     int          `json:"calls"`
	Failures  int          `json:"failures"`
	Publishes int          `json:"publishes"`
	Received  int64        `json:"received"`
	Elapsed   string       `json:"elapsed"`
	RPC       latencyStats `json:"rpc_latency"`
}

type addArgs struct {
	Num1 int `json:"num1"`
	Num2 int `json:"num2"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	fs := flag.NewFlagSet("weft-loadgen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := loadConfig{}
	fs.IntVar(&cfg.calls, "calls", 1000, "number of RPC calls")
	fs.IntVar(&cfg.workers, "workers", 8, "concurrent callers")
	fs.IntVar(&cfg.publishes, "publishes", 100, "number of topic publishes")
	fs.DurationVar(&cfg.rpcTimeout, "rpc-timeout", 2*time.Second, "per-call timeout")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.String(buildVersion, buildCommit))
		return 0
	}

	reg := server.NewRegistryServer(server.RegistryServerConfig{Logger: logger})
	if err := reg.Start(); err != nil {
		logger.Printf("loadgen: registry: %v", err)
		return 1
	}
	defer reg.Close()

	rpcSrv := server.NewRPCServer(server.RPCServerConfig{
		Logger:       logger,
		RegistryAddr: reg.Addr().String(),
	})
	if err := rpcSrv.Start(); err != nil {
		logger.Printf("loadgen: rpc server: %v", err)
		return 1
	}
	defer rpcSrv.Close()

	add := rpc.NewMethod("Add", func(params json.RawMessage) (json.RawMessage, error) {
		var a addArgs
		if err := json.Unmarshal(params, &a); err != nil {
			return nil, err
		}
		return json.Marshal(a.Num1 + a.Num2)
	}).Param("num1", rpc.Integral).Param("num2", rpc.Integral).Returns(rpc.Integral)
	if err := rpcSrv.RegisterMethod(context.Background(), add); err != nil {
		logger.Printf("loadgen: register Add: %v", err)
		return 1
	}

	broker := server.NewTopicServer(server.TopicServerConfig{Logger: logger})
	if err := broker.Start(); err != nil {
		logger.Printf("loadgen: broker: %v", err)
		return 1
	}
	defer broker.Close()

	caller, err := client.NewRPCClient(client.RPCClientConfig{
		Options: client.Options{
			Logger:         logger,
			RequestTimeout: cfg.rpcTimeout,
		},
		EnableDiscovery: true,
		RegistryAddr:    reg.Addr().String(),
	})
	if err != nil {
		logger.Printf("loadgen: rpc client: %v", err)
		return 1
	}
	defer caller.Close()

	start := time.Now()
	var failures int64
	durations := make([]time.Duration, cfg.calls)
	var wg sync.WaitGroup
	work := make(chan int)
	for w := 0; w < cfg.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				t0 := time.Now()
				_, err := caller.Call(context.Background(), "Add", addArgs{Num1: i, Num2: i})
				durations[i] = time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}
	for i := 0; i < cfg.calls; i++ {
		work <- i
	}
	close(work)
	wg.Wait()

	received := runTopicLoad(logger, broker.Addr().String(), cfg.publishes)

	out := summary{
		Version:   version.String(buildVersion, buildCommit),
		Calls:     cfg.calls,
		Failures:  int(failures),
		Publishes: cfg.publishes,
		Received:  received,
		Elapsed:   time.Since(start).String(),
		RPC:       computeLatency(durations),
	}
	line, _ := json.Marshal(out)
	fmt.Fprintln(stdout, string(line))
	if failures > 0 {
		return 1
	}
	return 0
}

// runTopicLoad publishes through the broker with one subscriber attached
// and reports how many messages the subscriber saw.
func runTopicLoad(logger *log.Logger, brokerAddr string, publishes int) int64 {
	const topicName = "loadgen.stream"
	ctx := context.Background()

	sub, err := client.NewTopicClient(client.Options{Addr: brokerAddr, Logger: logger})
	if err != nil {
		logger.Printf("loadgen: subscriber: %v", err)
		return 0
	}
	defer sub.Close()
	pub, err := client.NewTopicClient(client.Options{Addr: brokerAddr, Logger: logger})
	if err != nil {
		logger.Printf("loadgen: publisher: %v", err)
		return 0
	}
	defer pub.Close()

	if err := pub.Create(ctx, topicName); err != nil {
		logger.Printf("loadgen: create topic: %v", err)
		return 0
	}
	var received int64
	done := make(chan struct{})
	err = sub.Subscribe(ctx, topicName, func(topic string, payload string) {
		if atomic.AddInt64(&received, 1) == int64(publishes) {
			close(done)
		}
	})
	if err != nil {
		logger.Printf("loadgen: subscribe: %v", err)
		return 0
	}
	for i := 0; i < publishes; i++ {
		if err := pub.Publish(ctx, topicName, fmt.Sprintf("msg-%d", i)); err != nil {
			logger.Printf("loadgen: publish: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Printf("loadgen: topic delivery incomplete: %d/%d", atomic.LoadInt64(&received), publishes)
	}
	return atomic.LoadInt64(&received)
}

func computeLatency(durations []time.Duration) latencyStats {
	if len(durations) == 0 {
		return latencyStats{}
	}
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	pct := func(p float64) time.Duration {
		idx := int(p * float64(len(sorted)-1))
		return sorted[idx]
	}
	return latencyStats{
		Count:  len(sorted),
		MinMs:  ms(sorted[0]),
		MaxMs:  ms(sorted[len(sorted)-1]),
		MeanMs: ms(total / time.Duration(len(sorted))),
		P50Ms:  ms(pct(0.50)),
		P95Ms:  ms(pct(0.95)),
		P99Ms:  ms(pct(0.99)),
	}
}
